// Package analysis tracks the running state of a coached conversation and
// feeds it to the trigger engine one transcript turn at a time.
package analysis

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/coaching"
	"github.com/lexiqai/coach-gateway/internal/events"
	"github.com/lexiqai/coach-gateway/internal/observability"
)

// Speaker is the role a transcript turn is attributed to.
type Speaker string

const (
	SpeakerRep      Speaker = "rep"
	SpeakerCustomer Speaker = "customer"
)

const (
	trendSize     = 10
	topKeyPhrases = 5

	dominantRatio = 0.7
	passiveRatio  = 0.3
	negativeMood  = -0.5
)

// Turn is one attributed utterance.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Sentiment float64   `json:"sentiment"`
	At        time.Time `json:"at"`
}

// Snapshot is the persisted view of a session after a turn.
type Snapshot struct {
	SessionID     string    `json:"session_id"`
	ConferenceID  string    `json:"conference_id"`
	CoachID       string    `json:"coach_id"`
	RepPhone      string    `json:"rep_phone"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Turns         int       `json:"turns"`
	RepWords      int       `json:"rep_words"`
	CustomerWords int       `json:"customer_words"`
	TalkRatio     float64   `json:"talk_ratio"`
	Sentiment     float64   `json:"sentiment"`
	Objections    int       `json:"objections"`
	Questions     int       `json:"questions"`
	Activated     []string  `json:"activated"`
	Ended         bool      `json:"ended"`
}

// KeyPhrase is a frequent content word.
type KeyPhrase struct {
	Phrase string `json:"phrase"`
	Count  int    `json:"count"`
}

// Summary is returned when analysis ends.
type Summary struct {
	SessionID  string        `json:"session_id"`
	Duration   time.Duration `json:"duration"`
	TalkRatio  float64       `json:"talk_ratio"`
	Sentiment  float64       `json:"sentiment"`
	Turns      int           `json:"turns"`
	Objections int           `json:"objections"`
	Questions  int           `json:"questions"`
	KeyPhrases []KeyPhrase   `json:"key_phrases"`
	Activated  []string      `json:"activated"`
}

// SnapshotStore persists session snapshots. Failures never affect analysis.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

type session struct {
	mu sync.Mutex

	id           string
	conferenceID string
	coachID      string
	repPhone     string
	started      time.Time
	logger       zerolog.Logger

	turns         int
	repWords      int
	customerWords int
	trend         []Turn
	objections    int
	questions     int
	phrases       map[string]int
	triggers      *coaching.SessionState

	ended bool
	stop  chan struct{}
}

// talkRatio is rep words over total words, 0.5 before anyone speaks.
func (s *session) talkRatio() float64 {
	total := s.repWords + s.customerWords
	if total == 0 {
		return 0.5
	}
	return float64(s.repWords) / float64(total)
}

// sentiment is the recency weighted mean of the trend; the newest entry
// weighs most.
func (s *session) sentiment() float64 {
	var sum, weights float64
	for i, t := range s.trend {
		w := float64(i+1) / trendSize
		sum += w * t.Sentiment
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

func (s *session) snapshot(now time.Time) Snapshot {
	return Snapshot{
		SessionID:     s.id,
		ConferenceID:  s.conferenceID,
		CoachID:       s.coachID,
		RepPhone:      s.repPhone,
		StartedAt:     s.started,
		UpdatedAt:     now,
		Turns:         s.turns,
		RepWords:      s.repWords,
		CustomerWords: s.customerWords,
		TalkRatio:     s.talkRatio(),
		Sentiment:     s.sentiment(),
		Objections:    s.objections,
		Questions:     s.questions,
		Activated:     s.triggers.Activated(),
		Ended:         s.ended,
	}
}

// Analyzer owns every live analysis session. Sessions are independent; the
// analyzer lock only guards the session index.
type Analyzer struct {
	logger         zerolog.Logger
	engine         *coaching.Engine
	publisher      events.Publisher
	store          SnapshotStore
	now            func() time.Time
	healthInterval time.Duration
	persistTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	pending sync.WaitGroup
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithSnapshotStore enables best-effort persistence after every turn.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(a *Analyzer) { a.store = store }
}

// WithHealthInterval sets the health check period. Zero disables the check.
func WithHealthInterval(d time.Duration) Option {
	return func(a *Analyzer) { a.healthInterval = d }
}

// WithPersistTimeout bounds each snapshot write.
func WithPersistTimeout(d time.Duration) Option {
	return func(a *Analyzer) { a.persistTimeout = d }
}

// NewAnalyzer creates an analyzer that evaluates turns with engine and
// reports signals to pub.
func NewAnalyzer(logger zerolog.Logger, engine *coaching.Engine, pub events.Publisher, opts ...Option) *Analyzer {
	if pub == nil {
		pub = events.Discard
	}
	a := &Analyzer{
		logger:         logger.With().Str("component", "analyzer").Logger(),
		engine:         engine,
		publisher:      pub,
		now:            time.Now,
		healthInterval: 10 * time.Second,
		persistTimeout: 2 * time.Second,
		sessions:       make(map[string]*session),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StartAnalysis creates a session and starts its health check.
func (a *Analyzer) StartAnalysis(conferenceID, coachID, repPhone string) string {
	id := uuid.NewString()
	s := &session{
		id:           id,
		conferenceID: conferenceID,
		coachID:      coachID,
		repPhone:     repPhone,
		started:      a.now(),
		logger:       a.logger.With().Str("analysis_id", id).Str("conference_id", conferenceID).Logger(),
		phrases:      make(map[string]int),
		triggers:     coaching.NewSessionState(),
		stop:         make(chan struct{}),
	}

	a.mu.Lock()
	a.sessions[id] = s
	a.mu.Unlock()

	if a.healthInterval > 0 {
		go a.healthLoop(s)
	}
	s.logger.Info().Str("coach_id", coachID).Msg("Analysis started")
	return id
}

func (a *Analyzer) lookup(id string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

// AnalyzeTurn folds one turn into the session and evaluates the trigger
// rules. Unknown or ended sessions are a no-op and report false.
func (a *Analyzer) AnalyzeTurn(sessionID string, speaker Speaker, text string) ([]coaching.Activation, bool) {
	s := a.lookup(sessionID)
	if s == nil {
		a.logger.Debug().Str("analysis_id", sessionID).Msg("Turn for unknown analysis session ignored")
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, false
	}

	now := a.now()
	tokens := tokenize(text)
	words := countWords(text)
	if speaker == SpeakerRep {
		s.repWords += words
	} else {
		s.customerWords += words
	}
	s.turns++

	turn := Turn{Speaker: speaker, Text: text, Sentiment: scoreSentiment(tokens), At: now}
	s.trend = append(s.trend, turn)
	if len(s.trend) > trendSize {
		s.trend = s.trend[len(s.trend)-trendSize:]
	}

	for _, tok := range keyTokens(tokens) {
		s.phrases[tok]++
	}

	if found := matchObjections(text); len(found) > 0 {
		s.objections++
		a.emit(s, events.KindObjectionDetected, now, map[string]any{
			"phrases": found,
			"speaker": string(speaker),
			"count":   s.objections,
		})
	}
	if strings.ContainsRune(text, '?') {
		s.questions++
	}

	fired := a.engine.Evaluate(s.id, s.triggers, coaching.Context{
		TalkRatio:  s.talkRatio(),
		Sentiment:  s.sentiment(),
		Objections: s.objections,
		Questions:  s.questions,
		Text:       text,
		Speaker:    string(speaker),
		Duration:   now.Sub(s.started),
	})
	for _, act := range fired {
		a.emit(s, events.KindCoachingTrigger, now, map[string]any{
			"rule_id":       act.RuleID,
			"label":         act.Label,
			"severity":      string(act.Severity),
			"advice":        act.Advice,
			"conference_id": s.conferenceID,
		})
	}

	a.persist(s.snapshot(now))
	return fired, true
}

// EndAnalysis discards the session and summarizes it. Unknown ids return an
// empty summary and false.
func (a *Analyzer) EndAnalysis(sessionID string) (Summary, bool) {
	a.mu.Lock()
	s := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if s == nil {
		return Summary{SessionID: sessionID, TalkRatio: 0.5}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Summary{SessionID: sessionID, TalkRatio: 0.5}, false
	}
	s.ended = true
	close(s.stop)

	now := a.now()
	sum := Summary{
		SessionID:  s.id,
		Duration:   now.Sub(s.started),
		TalkRatio:  s.talkRatio(),
		Sentiment:  s.sentiment(),
		Turns:      s.turns,
		Objections: s.objections,
		Questions:  s.questions,
		KeyPhrases: topPhrases(s.phrases, topKeyPhrases),
		Activated:  s.triggers.Activated(),
	}
	a.persist(s.snapshot(now))
	s.logger.Info().
		Dur("duration", sum.Duration).
		Float64("talk_ratio", sum.TalkRatio).
		Int("objections", sum.Objections).
		Msg("Analysis ended")
	return sum, true
}

// Snapshot returns the current state of a session.
func (a *Analyzer) Snapshot(sessionID string) (Snapshot, bool) {
	s := a.lookup(sessionID)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(a.now()), true
}

// Close ends every session and waits for pending snapshot writes.
func (a *Analyzer) Close() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.EndAnalysis(id)
	}
	a.pending.Wait()
}

func (a *Analyzer) healthLoop(s *session) {
	ticker := time.NewTicker(a.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			a.checkHealth(s)
		}
	}
}

// checkHealth emits the advisory imbalance and sentiment signals.
func (a *Analyzer) checkHealth(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	now := a.now()
	ratio := s.talkRatio()
	switch {
	case ratio > dominantRatio:
		a.emit(s, events.KindConversationImbalance, now, map[string]any{"state": "rep-dominant", "talk_ratio": ratio})
	case ratio < passiveRatio:
		a.emit(s, events.KindConversationImbalance, now, map[string]any{"state": "rep-passive", "talk_ratio": ratio})
	}
	if mood := s.sentiment(); mood < negativeMood {
		a.emit(s, events.KindSentimentAlert, now, map[string]any{"level": "negative", "sentiment": mood})
	}
}

func (a *Analyzer) emit(s *session, kind events.Kind, at time.Time, payload map[string]any) {
	if kind == events.KindConversationImbalance || kind == events.KindSentimentAlert || kind == events.KindObjectionDetected {
		observability.RecordAdvisory(string(kind))
	}
	a.publisher.Publish(events.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: s.id,
		Time:      at,
		Payload:   payload,
	})
}

// persist writes the snapshot in the background; failures are logged only.
func (a *Analyzer) persist(snap Snapshot) {
	if a.store == nil {
		return
	}
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.persistTimeout)
		defer cancel()
		if err := a.store.SaveSnapshot(ctx, snap); err != nil {
			observability.RecordError("snapshot_persist", "analyzer")
			a.logger.Warn().Err(err).Str("analysis_id", snap.SessionID).Msg("Failed to persist analysis snapshot")
		}
	}()
}

func topPhrases(counts map[string]int, n int) []KeyPhrase {
	out := make([]KeyPhrase, 0, len(counts))
	for p, c := range counts {
		out = append(out, KeyPhrase{Phrase: p, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Phrase < out[j].Phrase
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
