package whisper

import (
	"context"
	"encoding/xml"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/coach-gateway/internal/audio"
	"github.com/lexiqai/coach-gateway/internal/coaching"
	"github.com/lexiqai/coach-gateway/internal/events"
)

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(text), nil
}

type announcement struct {
	conferenceID string
	url          string
}

type fakeRouter struct {
	mu    sync.Mutex
	calls []announcement
	legs  int
	err   error
}

func (r *fakeRouter) Whisper(_ context.Context, conferenceID, url string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, announcement{conferenceID, url})
	return r.legs, r.err
}

func (r *fakeRouter) got() []announcement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]announcement(nil), r.calls...)
}

func newWhisperer(synth Synthesizer, router Router, min coaching.Severity) *Whisperer {
	return New(synth, router, Config{MinSeverity: min, PublicURL: "https://coach.example.com/", SampleRate: 8000}, zerolog.Nop())
}

func clipID(t *testing.T, url string) string {
	t.Helper()
	rest, ok := strings.CutPrefix(url, "https://coach.example.com/advice/")
	require.True(t, ok, url)
	id, ok := strings.CutSuffix(rest, "/twiml")
	require.True(t, ok, url)
	return id
}

func trigger(conferenceID, severity, advice string) events.Event {
	return events.Event{
		Kind:      events.KindCoachingTrigger,
		SessionID: "an-1",
		Payload: map[string]any{
			"rule_id":       "talk-too-much",
			"severity":      severity,
			"advice":        advice,
			"conference_id": conferenceID,
		},
	}
}

func TestWhisperer_AnnouncesAdvice(t *testing.T) {
	synth, router := &fakeSynth{}, &fakeRouter{legs: 1}
	w := newWhisperer(synth, router, coaching.SeverityLow)

	assert.Equal(t, 1, w.handle(context.Background(), trigger("c1", "medium", "Ask an open question.")))
	calls := router.got()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].conferenceID)
	id := clipID(t, calls[0].url)

	wav, ok := w.Clip(id)
	require.True(t, ok)
	assert.Equal(t, audio.WAV([]byte("Ask an open question."), 8000), wav)

	doc, ok := w.Announcement(id)
	require.True(t, ok)
	var resp struct {
		Play string `xml:"Play"`
	}
	require.NoError(t, xml.Unmarshal([]byte(doc), &resp))
	assert.Equal(t, "https://coach.example.com/advice/"+id, resp.Play)
}

func TestWhisperer_ClipExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	router := &fakeRouter{legs: 1}
	w := New(&fakeSynth{}, router, Config{PublicURL: "https://coach.example.com", ClipTTL: time.Minute}, zerolog.Nop())
	w.now = func() time.Time { return now }

	require.Equal(t, 1, w.handle(context.Background(), trigger("c1", "high", "Pause.")))
	id := clipID(t, router.got()[0].url)
	_, ok := w.Clip(id)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = w.Clip(id)
	assert.False(t, ok)
	_, ok = w.Announcement(id)
	assert.False(t, ok)

	require.Equal(t, 1, w.handle(context.Background(), trigger("c1", "high", "Again.")))
	w.mu.Lock()
	assert.Len(t, w.clips, 1, "expired clips are pruned")
	w.mu.Unlock()
}

func TestWhisperer_UndeliveredClipIsDropped(t *testing.T) {
	router := &fakeRouter{err: errors.New("conference ended")}
	w := newWhisperer(&fakeSynth{}, router, coaching.SeverityLow)

	assert.Zero(t, w.handle(context.Background(), trigger("c1", "high", "Slow down.")))
	require.Len(t, router.got(), 1)
	_, ok := w.Clip(clipID(t, router.got()[0].url))
	assert.False(t, ok)
}

func TestWhisperer_Skips(t *testing.T) {
	synth, router := &fakeSynth{}, &fakeRouter{legs: 1}
	w := newWhisperer(synth, router, coaching.SeverityMedium)
	ctx := context.Background()

	assert.Zero(t, w.handle(ctx, trigger("c1", "low", "Slow down.")), "below minimum severity")
	assert.Zero(t, w.handle(ctx, trigger("", "high", "Slow down.")), "no conference")
	assert.Zero(t, w.handle(ctx, trigger("c1", "high", "  ")), "no advice")
	assert.Zero(t, w.handle(ctx, events.Event{Kind: events.KindSentimentAlert}))
	assert.Empty(t, synth.texts)
	assert.Empty(t, router.got())
}

func TestWhisperer_SynthesisFailure(t *testing.T) {
	synth, router := &fakeSynth{err: errors.New("tts down")}, &fakeRouter{legs: 1}
	w := newWhisperer(synth, router, coaching.SeverityLow)

	assert.Zero(t, w.handle(context.Background(), trigger("c1", "high", "Acknowledge the concern.")))
	assert.Empty(t, router.got())
}

func TestWhisperer_RunFromBus(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	sub := bus.Subscribe(8, events.KindCoachingTrigger)
	synth, router := &fakeSynth{}, &fakeRouter{legs: 1}
	w := newWhisperer(synth, router, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sub) }()

	bus.Publish(trigger("c1", "high", "first"))
	bus.Publish(events.Event{Kind: events.KindSpeechStart})
	bus.Publish(trigger("c1", "high", "second"))
	require.Eventually(t, func() bool { return len(router.got()) == 2 }, time.Second, 5*time.Millisecond)
	synth.mu.Lock()
	assert.Equal(t, []string{"first", "second"}, synth.texts)
	synth.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}
