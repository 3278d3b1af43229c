// Package whisper speaks coaching advice into the rep's ear when a trigger
// fires during a conference. Advice is synthesized, held as a short-lived
// clip and announced to the legs that hear the advisor; the provider fetches
// the clip back over HTTP.
package whisper

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/twiml"

	"github.com/lexiqai/coach-gateway/internal/audio"
	"github.com/lexiqai/coach-gateway/internal/coaching"
	"github.com/lexiqai/coach-gateway/internal/events"
	"github.com/lexiqai/coach-gateway/internal/observability"
)

// Synthesizer renders advice to PCM16.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Router announces advisor audio into a conference according to its routing
// graph and returns how many legs it reached.
type Router interface {
	Whisper(ctx context.Context, conferenceID, url string) (int, error)
}

var severityRank = map[coaching.Severity]int{
	coaching.SeverityLow:    0,
	coaching.SeverityMedium: 1,
	coaching.SeverityHigh:   2,
}

// Config controls which advice is spoken and where clips are served.
type Config struct {
	MinSeverity coaching.Severity
	// PublicURL is the externally reachable base the provider fetches clips from.
	PublicURL string
	// SampleRate is the synthesizer's output rate.
	SampleRate int
	// ClipTTL bounds how long a clip stays fetchable.
	ClipTTL time.Duration
}

type clip struct {
	wav     []byte
	expires time.Time
}

// Whisperer turns coaching-trigger events into advisor audio.
type Whisperer struct {
	synth   Synthesizer
	router  Router
	cfg     Config
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu    sync.Mutex
	clips map[string]clip
}

// New creates a Whisperer that speaks advice for activations at or above
// cfg.MinSeverity.
func New(synth Synthesizer, router Router, cfg Config, logger zerolog.Logger) *Whisperer {
	if _, ok := severityRank[cfg.MinSeverity]; !ok {
		cfg.MinSeverity = coaching.SeverityLow
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.ClipTTL <= 0 {
		cfg.ClipTTL = 2 * time.Minute
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Whisperer{
		synth:   synth,
		router:  router,
		cfg:     cfg,
		timeout: 10 * time.Second,
		now:     time.Now,
		logger:  logger.With().Str("component", "whisper").Logger(),
		clips:   make(map[string]clip),
	}
}

// Run handles events from sub until ctx is done or sub closes. Advice is
// spoken in arrival order; a slow synthesis delays later advice rather than
// overlapping it.
func (w *Whisperer) Run(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			w.handle(ctx, e)
		}
	}
}

func (w *Whisperer) handle(ctx context.Context, e events.Event) int {
	if e.Kind != events.KindCoachingTrigger {
		return 0
	}
	conferenceID, _ := e.Payload["conference_id"].(string)
	advice, _ := e.Payload["advice"].(string)
	severity, _ := e.Payload["severity"].(string)
	rule, _ := e.Payload["rule_id"].(string)
	if conferenceID == "" || strings.TrimSpace(advice) == "" {
		return 0
	}
	if severityRank[coaching.Severity(severity)] < severityRank[w.cfg.MinSeverity] {
		return 0
	}
	log := w.logger.With().Str("conference_id", conferenceID).Str("session_id", e.SessionID).Str("rule_id", rule).Logger()

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	start := time.Now()
	pcm, err := w.synth.Synthesize(callCtx, advice)
	observability.RecordStage("whisper", time.Since(start).Seconds(), err == nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to synthesize advice")
		return 0
	}

	id := w.store(pcm)
	delivered, err := w.router.Whisper(callCtx, conferenceID, w.cfg.PublicURL+"/advice/"+id+"/twiml")
	if err != nil {
		observability.RecordError("whisper_failed", "whisper")
		log.Error().Err(err).Msg("Failed to announce advice")
	}
	if delivered == 0 {
		w.drop(id)
		log.Debug().Msg("No leg available to receive advice")
		return 0
	}
	log.Info().Int("bytes", len(pcm)).Int("legs", delivered).Str("clip_id", id).Msg("Advice whispered")
	return delivered
}

// store keeps pcm as a WAV clip and prunes expired ones.
func (w *Whisperer) store(pcm []byte) string {
	id := uuid.NewString()
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, c := range w.clips {
		if now.After(c.expires) {
			delete(w.clips, k)
		}
	}
	w.clips[id] = clip{wav: audio.WAV(pcm, w.cfg.SampleRate), expires: now.Add(w.cfg.ClipTTL)}
	return id
}

func (w *Whisperer) drop(id string) {
	w.mu.Lock()
	delete(w.clips, id)
	w.mu.Unlock()
}

// Clip returns the WAV audio of a live clip.
func (w *Whisperer) Clip(id string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.clips[id]
	if !ok || w.now().After(c.expires) {
		return nil, false
	}
	return c.wav, true
}

// Announcement returns the TwiML the provider runs for a clip: play it once.
func (w *Whisperer) Announcement(id string) (string, bool) {
	if _, ok := w.Clip(id); !ok {
		return "", false
	}
	doc, err := twiml.Voice([]twiml.Element{&twiml.VoicePlay{Url: w.cfg.PublicURL + "/advice/" + id}})
	if err != nil {
		w.logger.Error().Err(err).Str("clip_id", id).Msg("Failed to render announcement")
		return "", false
	}
	return doc, true
}
