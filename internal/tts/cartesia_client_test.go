package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/coach-gateway/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		CartesiaAPIKey:             "key-123",
		CartesiaVoiceID:            "voice-1",
		CartesiaModelID:            "sonic",
		CartesiaSampleRate:         16000,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
	}
}

func TestCartesiaClient_Synthesize(t *testing.T) {
	var got cartesiaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-123", r.Header.Get("X-API-Key"))
		assert.NotEmpty(t, r.Header.Get("Cartesia-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		// 160 samples of 16 kHz audio.
		w.Write(make([]byte, 320))
	}))
	defer srv.Close()

	c := NewCartesiaClient(testConfig(), 8000, zerolog.Nop())
	c.apiURL = srv.URL

	pcm, err := c.Synthesize(context.Background(), "  Ask an open question.  ")
	require.NoError(t, err)
	assert.Len(t, pcm, 160, "resampled to 80 samples at 8 kHz")
	assert.Equal(t, 8000, c.OutputRate())

	assert.Equal(t, "Ask an open question.", got.Transcript)
	assert.Equal(t, "voice-1", got.Voice.ID)
	assert.Equal(t, "pcm_s16le", got.OutputFormat.Encoding)
	assert.Equal(t, 16000, got.OutputFormat.SampleRate)
}

func TestCartesiaClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewCartesiaClient(testConfig(), 8000, zerolog.Nop())
	c.apiURL = srv.URL

	_, err := c.Synthesize(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	_, err = c.Synthesize(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
}
