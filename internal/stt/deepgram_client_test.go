package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/coach-gateway/internal/resilience"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	err      error
	finished bool
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeConn) Finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = true
}

func testRecognizer(t *testing.T, dial dialFunc) *DeepgramRecognizer {
	t.Helper()
	breaker := resilience.NewCircuitBreaker("deepgram-test", 100, time.Minute)
	reconnect := &resilience.ReconnectConfig{MaxAttempts: 3, Backoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond}
	r := newRecognizer(context.Background(), zerolog.Nop(), breaker, reconnect, dial)
	require.NoError(t, r.connect())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecognizer_ReturnsFinalTranscripts(t *testing.T) {
	conn := &fakeConn{}
	r := testRecognizer(t, func(context.Context, *messageCallbackHandler) (streamConn, error) { return conn, nil })

	text, err := r.Transcribe(context.Background(), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Empty(t, text)

	r.results.offer(TranscriptionResult{Text: "hello the", IsFinal: false})
	r.results.offer(TranscriptionResult{Text: "hello there", IsFinal: true})
	r.results.offer(TranscriptionResult{Text: " how are you ", IsFinal: true})

	text, err = r.Transcribe(context.Background(), []byte{5, 6})
	require.NoError(t, err)
	assert.Equal(t, "hello there how are you", text)

	text, _ = r.Transcribe(context.Background(), []byte{7, 8})
	assert.Empty(t, text)

	conn.mu.Lock()
	assert.Len(t, conn.written, 3)
	conn.mu.Unlock()
}

func TestRecognizer_WriteFailureReconnects(t *testing.T) {
	first := &fakeConn{err: errors.New("broken pipe")}
	second := &fakeConn{}
	var mu sync.Mutex
	dials := 0
	r := testRecognizer(t, func(context.Context, *messageCallbackHandler) (streamConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	})

	_, err := r.Transcribe(context.Background(), []byte{1, 2})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		_, err := r.Transcribe(context.Background(), []byte{3, 4})
		return err == nil
	}, time.Second, 5*time.Millisecond)

	second.mu.Lock()
	defer second.mu.Unlock()
	assert.NotEmpty(t, second.written)
}

func TestRecognizer_CloseFinishesStream(t *testing.T) {
	conn := &fakeConn{}
	r := testRecognizer(t, func(context.Context, *messageCallbackHandler) (streamConn, error) { return conn, nil })
	require.NoError(t, r.Close())

	conn.mu.Lock()
	assert.True(t, conn.finished)
	conn.mu.Unlock()

	_, err := r.Transcribe(context.Background(), []byte{1, 2})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCollector_DropsWhenFull(t *testing.T) {
	c := newCollector(1)
	assert.True(t, c.offer(TranscriptionResult{Text: "one", IsFinal: true}))
	assert.False(t, c.offer(TranscriptionResult{Text: "two", IsFinal: true}))
	assert.False(t, c.offer(TranscriptionResult{Text: "   ", IsFinal: true}))
	assert.Equal(t, "one", c.drain())
	assert.Empty(t, c.drain())
}
