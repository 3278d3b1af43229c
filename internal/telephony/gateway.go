// Package telephony terminates call audio from the telephony provider and
// peer-to-peer RTP, runs each leg through a pipeline session and exposes the
// conference and trigger HTTP API.
package telephony

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/analysis"
	"github.com/lexiqai/coach-gateway/internal/audio"
	"github.com/lexiqai/coach-gateway/internal/coaching"
	"github.com/lexiqai/coach-gateway/internal/config"
	"github.com/lexiqai/coach-gateway/internal/events"
	"github.com/lexiqai/coach-gateway/internal/pipeline"
	"github.com/lexiqai/coach-gateway/internal/resilience"
	"github.com/lexiqai/coach-gateway/internal/transport"
)

// RecognizerFactory opens a recognizer for one session.
type RecognizerFactory func(ctx context.Context) (pipeline.Recognizer, error)

// TurnSink receives the transcript of a conference leg.
type TurnSink interface {
	AnalyzeTurn(sessionID string, speaker analysis.Speaker, text string) ([]coaching.Activation, bool)
}

// Deps are the collaborators shared by every session the gateway opens.
// Reasoner, Synthesizer and Turns are optional.
type Deps struct {
	Recognizers RecognizerFactory
	// Redial paces recognizer dials after a failure; nil uses the default.
	Redial      *resilience.ReconnectConfig
	Reasoner    pipeline.Reasoner
	Synthesizer pipeline.Synthesizer
	Publisher   events.Publisher
	Turns       TurnSink
}

// Gateway owns the live pipeline sessions of both transports.
type Gateway struct {
	cfg    pipeline.Config
	deps   Deps
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*pipeline.Session
}

// PipelineConfig derives the per-session tunables from the service config.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.RecognitionRate = cfg.RecognitionSampleRate
	pc.ChunkDuration = time.Duration(cfg.ChunkMillis) * time.Millisecond
	pc.VAD = audio.VADConfig{
		ThresholdDB: cfg.VADThresholdDB,
		Debounce:    time.Duration(cfg.VADDebounceMillis) * time.Millisecond,
		SampleRate:  cfg.RecognitionSampleRate,
	}
	pc.GateSilence = cfg.VADGateSilence
	pc.FrameQueue = cfg.FrameQueueSize
	pc.ChunkQueue = cfg.ChunkQueueSize
	pc.TextQueue = cfg.TextQueueSize
	return pc
}

// NewGateway creates a gateway with no sessions.
func NewGateway(cfg pipeline.Config, deps Deps, logger zerolog.Logger) *Gateway {
	if deps.Publisher == nil {
		deps.Publisher = events.Discard
	}
	return &Gateway{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With().Str("component", "telephony").Logger(),
		sessions: make(map[string]*pipeline.Session),
	}
}

// open creates and registers a session. Its recognizer dials in the
// background, so open never blocks on the speech backend. Output and the
// callbacks in deps are per leg; the shared collaborators are filled in here.
func (g *Gateway) open(ctx context.Context, adapter transport.Adapter, deps pipeline.Deps) *pipeline.Session {
	id := uuid.NewString()
	deps.Recognizer = newLazyRecognizer(ctx, g.deps.Recognizers, g.deps.Redial, g.logger.With().Str("session_id", id).Logger())
	deps.Publisher = g.deps.Publisher

	s := pipeline.NewSession(ctx, id, adapter, g.cfg, deps, g.logger)

	g.mu.Lock()
	g.sessions[id] = s
	g.mu.Unlock()
	return s
}

// close ends s and forgets it once its stages have drained or the wait
// times out.
func (g *Gateway) close(s *pipeline.Session, wait time.Duration) {
	s.End()
	select {
	case <-s.Done():
	case <-time.After(wait):
		g.logger.Warn().Str("session_id", s.ID()).Msg("Session did not drain in time")
	}
	g.mu.Lock()
	delete(g.sessions, s.ID())
	g.mu.Unlock()
}

// Stats returns a view of every live session ordered by id.
func (g *Gateway) Stats() []pipeline.Stats {
	g.mu.RLock()
	out := make([]pipeline.Stats, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s.Stats())
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Shutdown ends every live session and waits for them to drain.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.RLock()
	live := make([]*pipeline.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		live = append(live, s)
	}
	g.mu.RUnlock()

	for _, s := range live {
		s.End()
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			g.logger.Warn().Int("sessions", len(live)).Msg("Shutdown deadline reached before sessions drained")
			return
		}
	}
	g.logger.Info().Int("sessions", len(live)).Msg("Sessions drained")
}
