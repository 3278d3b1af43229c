// Package tts renders coaching text to PCM16 audio with Cartesia.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/audio"
	"github.com/lexiqai/coach-gateway/internal/config"
	"github.com/lexiqai/coach-gateway/internal/observability"
	"github.com/lexiqai/coach-gateway/internal/resilience"
)

const (
	defaultAPIURL   = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion = "2024-06-10"
	maxAudioBytes   = 16 << 20
)

// ErrEmptyText is returned when there is nothing to say.
var ErrEmptyText = errors.New("nothing to synthesize")

// CartesiaClient synthesizes speech and returns it as PCM16 at OutputRate.
type CartesiaClient struct {
	apiURL     string
	apiKey     string
	voiceID    string
	modelID    string
	sourceRate int
	outputRate int
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewCartesiaClient creates a client whose output is resampled to outputRate.
func NewCartesiaClient(cfg *config.Config, outputRate int, logger zerolog.Logger) *CartesiaClient {
	return &CartesiaClient{
		apiURL:     defaultAPIURL,
		apiKey:     cfg.CartesiaAPIKey,
		voiceID:    cfg.CartesiaVoiceID,
		modelID:    cfg.CartesiaModelID,
		sourceRate: cfg.CartesiaSampleRate,
		outputRate: outputRate,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker: resilience.NewCircuitBreaker("cartesia", cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
		logger: logger.With().Str("component", "cartesia").Logger(),
	}
}

// OutputRate is the sample rate of the audio Synthesize returns.
func (c *CartesiaClient) OutputRate() int {
	return c.outputRate
}

// Synthesize renders text to mono PCM16 at OutputRate.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	var raw []byte
	err := c.breaker.Call(func() error {
		var err error
		raw, err = c.fetch(ctx, text)
		return err
	})
	if err != nil {
		observability.RecordError("synthesis_failed", "cartesia")
		return nil, err
	}
	if len(raw)%2 != 0 {
		raw = raw[:len(raw)-1]
	}

	pcm, err := audio.Resample(raw, c.sourceRate, c.outputRate)
	if err != nil {
		return nil, fmt.Errorf("failed to resample synthesized audio: %w", err)
	}
	c.logger.Debug().Int("chars", len(text)).Int("bytes", len(pcm)).Msg("Synthesized speech")
	return pcm, nil
}

func (c *CartesiaClient) fetch(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.voiceID},
		OutputFormat: cartesiaFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.sourceRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio")
	}
	return raw, nil
}
