// Package coaching evaluates trigger rules against conversation snapshots
// and decides when a coaching intervention fires.
package coaching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/coach-gateway/internal/observability"
)

// ErrInvalidTimeframe is returned by GetTriggerStats for windows other than 24h and 7d.
var ErrInvalidTimeframe = errors.New("timeframe must be 24h or 7d")

// Activation records one rule firing for a session.
type Activation struct {
	SessionID string    `json:"session_id"`
	RuleID    string    `json:"rule_id"`
	Label     string    `json:"label"`
	Severity  Severity  `json:"severity"`
	Advice    string    `json:"advice,omitempty"`
	At        time.Time `json:"at"`
}

// ActivationLog persists activations and aggregates them for stats.
type ActivationLog interface {
	Record(ctx context.Context, a Activation) error
	Counts(ctx context.Context, since time.Time) (map[string]int, error)
}

// SessionState is the per-session cooldown bookkeeping. It belongs to one
// analysis session and is only touched while that session is locked.
type SessionState struct {
	lastFired map[string]time.Time
	activated []string
}

// NewSessionState returns empty cooldown state.
func NewSessionState() *SessionState {
	return &SessionState{lastFired: make(map[string]time.Time)}
}

// Activated returns rule ids in firing order, repeats included.
func (s *SessionState) Activated() []string {
	out := make([]string, len(s.activated))
	copy(out, s.activated)
	return out
}

// Engine evaluates rules in a fixed order. Rules are read-mostly: evaluation
// takes a read lock, runtime additions a write lock.
type Engine struct {
	logger         zerolog.Logger
	now            func() time.Time
	log            ActivationLog
	persistTimeout time.Duration

	mu    sync.RWMutex
	rules []Rule

	pending sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithActivationLog sets where activations are recorded.
func WithActivationLog(log ActivationLog) Option {
	return func(e *Engine) { e.log = log }
}

// WithPersistTimeout bounds each activation log write.
func WithPersistTimeout(d time.Duration) Option {
	return func(e *Engine) { e.persistTimeout = d }
}

// NewEngine creates an engine loaded with the default rules.
func NewEngine(logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:         logger.With().Str("component", "trigger_engine").Logger(),
		now:            time.Now,
		persistTimeout: 2 * time.Second,
		rules:          DefaultRules(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the current rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Evaluate fires every rule whose cooldown has elapsed and whose predicate
// holds for c. A nil state means the session is gone and nothing fires.
func (e *Engine) Evaluate(sessionID string, state *SessionState, c Context) []Activation {
	if state == nil {
		return nil
	}
	now := e.now()

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var fired []Activation
	for _, r := range rules {
		if last, ok := state.lastFired[r.ID]; ok && now.Sub(last) < r.Cooldown {
			continue
		}
		if !r.Predicate.Eval(c) {
			continue
		}
		state.lastFired[r.ID] = now
		state.activated = append(state.activated, r.ID)

		a := Activation{
			SessionID: sessionID,
			RuleID:    r.ID,
			Label:     r.Label,
			Severity:  r.Severity,
			Advice:    r.Advice,
			At:        now,
		}
		fired = append(fired, a)
		observability.RecordActivation(r.ID, string(r.Severity))
		e.logger.Info().
			Str("session_id", sessionID).
			Str("rule_id", r.ID).
			Str("severity", string(r.Severity)).
			Msg("Coaching trigger fired")
		e.record(a)
	}
	return fired
}

// record writes the activation in the background; failures are logged only.
func (e *Engine) record(a Activation) {
	if e.log == nil {
		return
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.persistTimeout)
		defer cancel()
		if err := e.log.Record(ctx, a); err != nil {
			observability.RecordError("activation_log", "trigger_engine")
			e.logger.Warn().Err(err).Str("session_id", a.SessionID).Str("rule_id", a.RuleID).Msg("Failed to record activation")
		}
	}()
}

// Flush waits for background activation writes to finish.
func (e *Engine) Flush() {
	e.pending.Wait()
}

// AddCustomTrigger compiles def and appends it to the rule set. A rule with
// the same id is replaced in place, keeping its position.
func (e *Engine) AddCustomTrigger(def RuleDef) (Rule, error) {
	r, err := NewRule(def)
	if err != nil {
		return Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rules := append([]Rule(nil), e.rules...)
	replaced := false
	for i := range rules {
		if rules[i].ID == r.ID {
			rules[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		rules = append(rules, r)
	}
	// Copy-on-write so evaluations holding the old slice are unaffected.
	e.rules = rules

	e.logger.Info().Str("rule_id", r.ID).Bool("replaced", replaced).Str("when", def.When).Msg("Custom trigger added")
	return r, nil
}

// TriggerStat is the activation count of one rule over a stats window.
type TriggerStat struct {
	RuleID string `json:"rule_id"`
	Name   string `json:"name"`
	Count  int    `json:"count"`
}

// GetTriggerStats counts activations per rule name over the trailing window,
// most frequent first. The name is the rule's current label; rules that have
// since been removed are reported under their id.
func (e *Engine) GetTriggerStats(ctx context.Context, timeframe string) ([]TriggerStat, error) {
	window, err := parseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if e.log == nil {
		return []TriggerStat{}, nil
	}
	counts, err := e.log.Counts(ctx, e.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to read activation log: %w", err)
	}

	names := make(map[string]string)
	for _, r := range e.Rules() {
		names[r.ID] = r.Label
	}
	stats := make([]TriggerStat, 0, len(counts))
	for id, n := range counts {
		name := names[id]
		if name == "" {
			name = id
		}
		stats = append(stats, TriggerStat{RuleID: id, Name: name, Count: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Name < stats[j].Name
	})
	return stats, nil
}

func parseTimeframe(tf string) (time.Duration, error) {
	switch tf {
	case "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: got %q", ErrInvalidTimeframe, tf)
}
