// Package events carries coaching signals from the pipeline, analyzer and
// trigger engine to observers over typed channels.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind names an event type. It doubles as the AMQP routing key.
type Kind string

const (
	KindObjectionDetected     Kind = "objection-detected"
	KindCoachingTrigger       Kind = "coaching-trigger"
	KindConversationImbalance Kind = "conversation-imbalance"
	KindSentimentAlert        Kind = "sentiment-alert"
	KindSpeechStart           Kind = "speech-start"
	KindSpeechEnd             Kind = "speech-end"
	KindLatencyUpdate         Kind = "latency-update"
	KindTranscription         Kind = "transcription"
)

// Event is one signal about a session.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id"`
	Time      time.Time      `json:"time"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Subscription receives events matching its kinds on C.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	kinds map[Kind]bool
	bus   *Bus
	id    int
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event; publishers never block.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool

	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "events").Logger(),
		subs:   make(map[int]*Subscription),
	}
}

// Subscribe registers a subscriber with the given buffer. No kinds means all kinds.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, kinds: make(map[Kind]bool, len(kinds)), bus: b}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish stamps the event with an id and time if missing and delivers it.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Debug().Str("kind", string(e.Kind)).Str("session_id", e.SessionID).Msg("Subscriber full, event dropped")
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
