// Package stt submits audio chunks to Deepgram's streaming recognizer.
package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/config"
	"github.com/lexiqai/coach-gateway/internal/observability"
	"github.com/lexiqai/coach-gateway/internal/resilience"
)

// messageCallbackHandler embeds the SDK default handler and overrides the
// transcript and error callbacks.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse)
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.onMessage(msg)
	return nil
}

func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	m.onError(er)
	return nil
}

// streamConn is the part of the SDK websocket client the recognizer uses.
type streamConn interface {
	Write(p []byte) (int, error)
	Finish()
}

type dialFunc func(ctx context.Context, handler *messageCallbackHandler) (streamConn, error)

// DeepgramRecognizer streams one session's PCM16 chunks to Deepgram. Final
// transcripts arrive asynchronously and are handed back on the next call to
// Transcribe.
type DeepgramRecognizer struct {
	logger    zerolog.Logger
	breaker   *resilience.CircuitBreaker
	reconnect *resilience.ReconnectConfig
	dial      dialFunc
	results   *collector

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	conn         streamConn
	reconnecting bool
}

// NewDeepgramRecognizer opens a streaming connection configured for linear16
// mono audio at the recognition sample rate.
func NewDeepgramRecognizer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*DeepgramRecognizer, error) {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.DeepgramModel,
		Language:       cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: false,
		UtteranceEndMs: "1000",
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     cfg.RecognitionSampleRate,
	}
	dial := func(ctx context.Context, handler *messageCallbackHandler) (streamConn, error) {
		client, err := listenClient.NewWSUsingCallback(ctx, cfg.DeepgramAPIKey, nil, opts, handler)
		if err != nil {
			return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return nil, fmt.Errorf("failed to connect to Deepgram")
		}
		return client, nil
	}

	breaker := resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
	r := newRecognizer(ctx, logger, breaker, reconnect, dial)
	if err := r.connect(); err != nil {
		r.cancel()
		return nil, err
	}
	return r, nil
}

func newRecognizer(ctx context.Context, logger zerolog.Logger, breaker *resilience.CircuitBreaker, reconnect *resilience.ReconnectConfig, dial dialFunc) *DeepgramRecognizer {
	ctx, cancel := context.WithCancel(ctx)
	return &DeepgramRecognizer{
		logger:    logger.With().Str("component", "deepgram").Logger(),
		breaker:   breaker,
		reconnect: reconnect,
		dial:      dial,
		results:   newCollector(64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (d *DeepgramRecognizer) connect() error {
	handler := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              d.handleMessage,
		onError: func(er *msginterfaces.ErrorResponse) {
			d.logger.Error().Str("type", er.Type).Str("description", er.Description).Msg("Deepgram stream error")
			observability.RecordError("stream_error", "deepgram")
			d.dropConn()
		},
	}
	conn, err := d.dial(d.ctx, handler)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.logger.Info().Msg("Deepgram stream connected")
	return nil
}

func (d *DeepgramRecognizer) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	r := TranscriptionResult{Text: alt.Transcript, IsFinal: msg.IsFinal, Confidence: alt.Confidence}
	if !d.results.offer(r) && r.IsFinal && r.Text != "" {
		d.logger.Warn().Msg("Transcript buffer full, dropping result")
	}
}

// dropConn marks the stream as down and starts one background reconnect.
func (d *DeepgramRecognizer) dropConn() {
	d.mu.Lock()
	d.conn = nil
	if d.reconnecting || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.reconnecting = true
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.reconnecting = false
			d.mu.Unlock()
		}()
		if err := resilience.Reconnect(d.ctx, "deepgram", d.connect, d.reconnect); err != nil {
			d.logger.Error().Err(err).Msg("Deepgram reconnect gave up")
		}
	}()
}

// Transcribe sends chunk and returns whatever final text has arrived since
// the previous call. An empty string means nothing was recognized yet.
func (d *DeepgramRecognizer) Transcribe(ctx context.Context, chunk []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	err := d.breaker.Call(func() error {
		d.mu.RLock()
		conn := d.conn
		d.mu.RUnlock()
		if conn == nil {
			return ErrNotConnected
		}
		if _, err := conn.Write(chunk); err != nil {
			d.dropConn()
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})
	return d.results.drain(), err
}

// Close finishes the stream and stops reconnect attempts.
func (d *DeepgramRecognizer) Close() error {
	d.cancel()
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		conn.Finish()
	}
	return nil
}
