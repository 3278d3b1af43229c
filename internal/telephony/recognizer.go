package telephony

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/observability"
	"github.com/lexiqai/coach-gateway/internal/pipeline"
	"github.com/lexiqai/coach-gateway/internal/resilience"
)

// ErrRecognizerUnavailable is returned for chunks that arrive while a
// session's recognizer is backing off after a failed dial.
var ErrRecognizerUnavailable = errors.New("recognizer unavailable")

// lazyRecognizer opens its backend in the background so a slow or failing
// dial never holds up audio intake. Failed dials are retried with
// exponential backoff, at most MaxAttempts times in a row; chunks that arrive
// in between are reported as errors and dropped.
type lazyRecognizer struct {
	ctx     context.Context
	factory RecognizerFactory
	cfg     resilience.ReconnectConfig
	now     func() time.Time
	logger  zerolog.Logger

	mu       sync.Mutex
	rec      pipeline.Recognizer
	dialing  chan struct{}
	failures int
	retryAt  time.Time
	closed   bool
}

func newLazyRecognizer(ctx context.Context, factory RecognizerFactory, cfg *resilience.ReconnectConfig, logger zerolog.Logger) *lazyRecognizer {
	if cfg == nil {
		cfg = resilience.DefaultReconnectConfig()
	}
	r := &lazyRecognizer{
		ctx:     ctx,
		factory: factory,
		cfg:     *cfg,
		now:     time.Now,
		logger:  logger,
	}
	r.mu.Lock()
	r.dialLocked()
	r.mu.Unlock()
	return r
}

// dialLocked starts one dial and returns a channel closed when it settles.
func (r *lazyRecognizer) dialLocked() chan struct{} {
	done := make(chan struct{})
	r.dialing = done
	go func() {
		defer close(done)
		rec, err := r.factory(r.ctx)

		r.mu.Lock()
		r.dialing = nil
		if err != nil {
			r.failures++
			backoff := resilience.CalculateBackoff(r.failures-1, r.cfg.Backoff, r.cfg.MaxBackoff, r.cfg.Multiplier)
			r.retryAt = r.now().Add(backoff)
			failures, exhausted := r.failures, r.exhaustedLocked()
			r.mu.Unlock()

			observability.RecordError("recognizer_dial_failed", "stt")
			ev := r.logger.Warn()
			if exhausted {
				ev = r.logger.Error()
			}
			ev.Err(err).Int("attempt", failures).Bool("gave_up", exhausted).Dur("backoff", backoff).Msg("Failed to open recognizer")
			return
		}
		if r.closed {
			r.mu.Unlock()
			_ = rec.Close()
			return
		}
		recovered := r.failures > 0
		r.rec = rec
		r.failures = 0
		r.mu.Unlock()
		if recovered {
			r.logger.Info().Msg("Recognizer recovered")
		}
	}()
	return done
}

func (r *lazyRecognizer) exhaustedLocked() bool {
	return r.cfg.MaxAttempts > 0 && r.failures >= r.cfg.MaxAttempts
}

// ready returns the open recognizer, waiting for a dial in flight.
func (r *lazyRecognizer) ready(ctx context.Context) (pipeline.Recognizer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, pipeline.ErrSessionEnded
	}
	if r.rec != nil {
		rec := r.rec
		r.mu.Unlock()
		return rec, nil
	}
	done := r.dialing
	if done == nil {
		if r.exhaustedLocked() || r.now().Before(r.retryAt) {
			r.mu.Unlock()
			return nil, ErrRecognizerUnavailable
		}
		done = r.dialLocked()
	}
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil {
		return nil, ErrRecognizerUnavailable
	}
	return r.rec, nil
}

func (r *lazyRecognizer) Transcribe(ctx context.Context, chunk []byte) (string, error) {
	rec, err := r.ready(ctx)
	if err != nil {
		if errors.Is(err, ErrRecognizerUnavailable) {
			observability.RecordError("recognizer_unavailable", "stt")
		}
		return "", err
	}
	return rec.Transcribe(ctx, chunk)
}

// Close closes the backend if it is open; a dial still in flight closes its
// result when it lands.
func (r *lazyRecognizer) Close() error {
	r.mu.Lock()
	r.closed = true
	rec := r.rec
	r.rec = nil
	r.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Close()
}
