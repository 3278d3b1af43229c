// Package pipeline runs one call leg's audio through voice activity
// detection, chunking, recognition, reasoning and synthesis.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/coach-gateway/internal/audio"
	"github.com/lexiqai/coach-gateway/internal/events"
	"github.com/lexiqai/coach-gateway/internal/observability"
	"github.com/lexiqai/coach-gateway/internal/transport"
)

// ErrSessionEnded is returned when audio arrives after End.
var ErrSessionEnded = errors.New("session ended")

// State is the session lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	default:
		return "ended"
	}
}

// Recognizer turns a PCM16 chunk into text. An empty string means nothing
// was recognized.
type Recognizer interface {
	Transcribe(ctx context.Context, chunk []byte) (string, error)
	Close() error
}

// Reasoner produces response text for recognized speech.
type Reasoner interface {
	Respond(ctx context.Context, sessionID, text string) (string, error)
}

// Synthesizer renders text to mono PCM16 at Config.SynthesisRate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config holds the per-session tunables.
type Config struct {
	RecognitionRate int
	ChunkDuration   time.Duration
	VAD             audio.VADConfig
	// GateSilence skips chunks while the detector reports silence.
	GateSilence     bool
	FrameQueue      int
	ChunkQueue      int
	TextQueue       int
	SynthesisRate   int
	OutputFrame     time.Duration
	LatencyInterval time.Duration
}

// DefaultConfig returns 16 kHz recognition in 100 ms chunks.
func DefaultConfig() Config {
	return Config{
		RecognitionRate: 16000,
		ChunkDuration:   100 * time.Millisecond,
		VAD:             *audio.DefaultVADConfig(),
		FrameQueue:      100,
		ChunkQueue:      20,
		TextQueue:       10,
		SynthesisRate:   8000,
		OutputFrame:     20 * time.Millisecond,
		LatencyInterval: time.Second,
	}
}

// Deps are the collaborators of a session. Reasoner and Synthesizer are
// optional; without them the session only transcribes.
type Deps struct {
	Recognizer  Recognizer
	Reasoner    Reasoner
	Synthesizer Synthesizer
	Publisher   events.Publisher
	// Output writes one serialized outbound packet or event.
	Output func(raw []byte) error
	// OnTranscript receives every recognized text, including the final
	// flush after End.
	OnTranscript func(text string)
	// OnBargeIn is called when speech starts while synthesized audio plays.
	OnBargeIn func()
}

type chunk struct {
	pcm   []byte
	final bool
}

// Session is one call leg's pipeline. Push may be called from a single
// reader goroutine; End and Stats from anywhere.
type Session struct {
	id      string
	adapter transport.Adapter
	cfg     Config
	deps    Deps
	logger  zerolog.Logger
	parent  context.Context

	mu      sync.RWMutex
	state   State
	started time.Time

	frames chan transport.Frame
	chunks chan chunk
	texts  chan string

	stopTicker chan struct{}
	done       chan struct{}
	startOnce  sync.Once

	bytesIn  atomic.Uint64
	framesIn atomic.Uint64
	bytesOut atomic.Uint64
	drops    dropCounters
	playing  atomic.Bool
	bargedIn atomic.Bool
	emitMu   sync.Mutex

	latency *latencyTracker
}

// NewSession allocates a session's queues. Stages start on the first frame.
func NewSession(ctx context.Context, id string, adapter transport.Adapter, cfg Config, deps Deps, logger zerolog.Logger) *Session {
	if deps.Publisher == nil {
		deps.Publisher = events.Discard
	}
	if cfg.OutputFrame <= 0 {
		cfg.OutputFrame = 20 * time.Millisecond
	}
	if cfg.LatencyInterval <= 0 {
		cfg.LatencyInterval = time.Second
	}
	cfg.VAD.SampleRate = cfg.RecognitionRate
	return &Session{
		id:         id,
		adapter:    adapter,
		cfg:        cfg,
		deps:       deps,
		parent:     ctx,
		logger:     logger.With().Str("session_id", id).Str("transport", string(adapter.Kind())).Logger(),
		frames:     make(chan transport.Frame, max(cfg.FrameQueue, 1)),
		chunks:     make(chan chunk, max(cfg.ChunkQueue, 1)),
		texts:      make(chan string, max(cfg.TextQueue, 1)),
		stopTicker: make(chan struct{}),
		done:       make(chan struct{}),
		latency:    newLatencyTracker(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Kind returns the transport the session was created for.
func (s *Session) Kind() transport.Kind { return s.adapter.Kind() }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed once every stage has exited after End.
func (s *Session) Done() <-chan struct{} { return s.done }

// Push parses one raw packet or event with the session's adapter and queues
// the resulting frame. Control messages and malformed input are not errors.
func (s *Session) Push(raw []byte) error {
	if s.State() == StateEnded {
		return ErrSessionEnded
	}
	f, ok := s.adapter.Ingest(raw)
	if !ok {
		return nil
	}
	return s.PushFrame(f)
}

// PushFrame queues a frame without blocking. The first frame activates the
// session; a full queue drops the frame.
func (s *Session) PushFrame(f transport.Frame) error {
	s.startOnce.Do(s.start)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateActive {
		return ErrSessionEnded
	}
	select {
	case s.frames <- f:
	default:
		s.drops.frame.Add(1)
		observability.RecordBackpressure(stageFrame)
	}
	return nil
}

func (s *Session) start() {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.started = time.Now()
	s.mu.Unlock()

	observability.RecordSessionStart(string(s.adapter.Kind()))
	s.logger.Info().Int("recognition_rate", s.cfg.RecognitionRate).Msg("Session active")

	var g errgroup.Group
	g.Go(s.runIntake)
	g.Go(s.runRecognition)
	g.Go(s.runResponses)
	g.Go(s.runLatency)
	go func() {
		_ = g.Wait()
		if s.deps.Recognizer != nil {
			if err := s.deps.Recognizer.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to close recognizer")
			}
		}
		close(s.done)
		s.logger.Info().Msg("Session stages drained")
	}()
}

// End stops accepting audio and timers immediately. Queued audio and the
// chunker tail still reach recognition, but their transcripts only feed
// OnTranscript; responses still in flight are discarded.
func (s *Session) End() {
	s.mu.Lock()
	prev := s.state
	if prev == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	if prev == StateActive {
		close(s.frames)
	}
	started := s.started
	s.mu.Unlock()

	if prev == StateCreated {
		if s.deps.Recognizer != nil {
			s.deps.Recognizer.Close()
		}
		close(s.done)
		s.logger.Info().Msg("Session ended before any audio")
		return
	}

	close(s.stopTicker)
	observability.RecordSessionEnd(string(s.adapter.Kind()), time.Since(started).Seconds())
	s.logger.Info().
		Uint64("frames", s.framesIn.Load()).
		Uint64("bytes_in", s.bytesIn.Load()).
		Uint64("bytes_out", s.bytesOut.Load()).
		Msg("Session ended")
}

func (s *Session) ended() bool {
	return s.State() == StateEnded
}

func (s *Session) runIntake() error {
	defer close(s.chunks)

	vad := audio.NewVADDetector(&s.cfg.VAD)
	chunker := audio.NewChunker(audio.DurationBytes(s.cfg.RecognitionRate, int(s.cfg.ChunkDuration/time.Millisecond)))
	kind := string(s.adapter.Kind())

	for f := range s.frames {
		pcm, err := f.ToPCM16(s.cfg.RecognitionRate)
		if err != nil {
			observability.RecordMalformed(kind)
			s.logger.Warn().Err(err).Uint32("seq", f.Seq).Msg("Dropping frame that cannot be normalized")
			continue
		}
		s.framesIn.Add(1)
		s.bytesIn.Add(uint64(len(f.Data)))

		samples, _ := audio.BytesToSamples(pcm)
		switch vad.ProcessFrame(samples) {
		case audio.VADSpeechStart:
			s.publish(events.KindSpeechStart, map[string]any{"level_db": vad.LevelDB()})
			if s.playing.Load() {
				s.bargedIn.Store(true)
				if s.deps.OnBargeIn != nil {
					s.deps.OnBargeIn()
				}
			}
		case audio.VADSpeechEnd:
			s.publish(events.KindSpeechEnd, map[string]any{"level_db": vad.LevelDB()})
		}

		for _, c := range chunker.Write(pcm) {
			if s.cfg.GateSilence && !vad.IsSpeaking() {
				continue
			}
			select {
			case s.chunks <- chunk{pcm: c}:
			default:
				s.drops.chunk.Add(1)
				observability.RecordBackpressure(stageChunk)
			}
		}
	}

	if tail := chunker.Flush(); len(tail) > 0 && !(s.cfg.GateSilence && !vad.IsSpeaking()) {
		s.chunks <- chunk{pcm: tail, final: true}
	}
	return nil
}

func (s *Session) runRecognition() error {
	defer close(s.texts)
	if s.deps.Recognizer == nil {
		for range s.chunks {
		}
		return nil
	}

	for c := range s.chunks {
		start := time.Now()
		text, err := s.deps.Recognizer.Transcribe(s.parent, c.pcm)
		s.latency.observe(stageRecognition, time.Since(start), err == nil)
		if err != nil {
			observability.RecordError("recognition_failed", "pipeline")
			s.logger.Error().Err(err).Int("bytes", len(c.pcm)).Bool("final", c.final).Msg("Recognition failed")
			continue
		}
		if text == "" {
			continue
		}
		if s.deps.OnTranscript != nil {
			s.deps.OnTranscript(text)
		}
		if s.ended() {
			continue
		}
		s.publish(events.KindTranscription, map[string]any{"text": text})
		if s.deps.Reasoner == nil {
			continue
		}
		select {
		case s.texts <- text:
		default:
			s.drops.text.Add(1)
			observability.RecordBackpressure(stageText)
		}
	}
	return nil
}

func (s *Session) runResponses() error {
	for text := range s.texts {
		if s.ended() {
			continue
		}
		start := time.Now()
		reply, err := s.deps.Reasoner.Respond(s.parent, s.id, text)
		s.latency.observe(stageReasoning, time.Since(start), err == nil)
		if err != nil {
			s.logger.Error().Err(err).Msg("Reasoning failed")
			continue
		}
		if reply == "" || s.deps.Synthesizer == nil {
			continue
		}

		start = time.Now()
		pcm, err := s.deps.Synthesizer.Synthesize(s.parent, reply)
		s.latency.observe(stageSynthesis, time.Since(start), err == nil)
		if err != nil {
			s.logger.Error().Err(err).Msg("Synthesis failed")
			continue
		}
		if s.ended() {
			s.logger.Debug().Int("bytes", len(pcm)).Msg("Discarding synthesized audio after end")
			continue
		}
		s.emit(pcm)
	}
	return nil
}

// emit slices pcm into OutputFrame sized frames and writes each through the
// adapter to Output, one frame per OutputFrame of wall time. Playback stops
// early when the session ends or the caller starts speaking.
func (s *Session) emit(pcm []byte) {
	if s.deps.Output == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.bargedIn.Store(false)
	s.playing.Store(true)
	defer s.playing.Store(false)

	size := audio.DurationBytes(s.cfg.SynthesisRate, int(s.cfg.OutputFrame/time.Millisecond))
	if size <= 0 {
		size = len(pcm)
	}
	timer := time.NewTimer(s.cfg.OutputFrame)
	timer.Stop()
	defer timer.Stop()

	due := time.Now()
	for off := 0; off < len(pcm); off += size {
		if off > 0 {
			due = due.Add(s.cfg.OutputFrame)
			if wait := time.Until(due); wait > 0 {
				timer.Reset(wait)
				select {
				case <-timer.C:
				case <-s.stopTicker:
					return
				}
			}
		}
		if s.ended() {
			return
		}
		if s.bargedIn.Load() {
			s.logger.Debug().Int("remaining_bytes", len(pcm)-off).Msg("Playback interrupted by caller speech")
			return
		}
		end := min(off+size, len(pcm))
		raw, err := s.adapter.Emit(transport.Frame{
			Data:       pcm[off:end],
			Encoding:   transport.EncodingPCM16,
			SampleRate: s.cfg.SynthesisRate,
			Channels:   1,
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to encode outbound audio")
			return
		}
		if err := s.deps.Output(raw); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write outbound audio")
			return
		}
		s.bytesOut.Add(uint64(len(raw)))
		observability.RecordAudioOut(len(raw))
	}
}

func (s *Session) runLatency() error {
	ticker := time.NewTicker(s.cfg.LatencyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTicker:
			return nil
		case <-ticker.C:
			snap := s.latency.snapshot()
			payload := map[string]any{"end_to_end_ms": endToEnd(snap).Milliseconds()}
			for stage, l := range snap {
				payload[stage+"_ms"] = l.Mean.Milliseconds()
			}
			s.publish(events.KindLatencyUpdate, payload)
		}
	}
}

func (s *Session) publish(kind events.Kind, payload map[string]any) {
	s.deps.Publisher.Publish(events.Event{Kind: kind, SessionID: s.id, Time: time.Now().UTC(), Payload: payload})
}
