package coaching

import (
	"errors"
	"fmt"
	"time"
)

// Severity ranks how urgently a coach should act on an activation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ErrInvalidRule wraps every rule definition error.
var ErrInvalidRule = errors.New("invalid trigger rule")

// Context is the snapshot a rule predicate is evaluated against. It is built
// per evaluation and never stored.
type Context struct {
	TalkRatio  float64
	Sentiment  float64
	Objections int
	Questions  int
	Text       string
	Speaker    string
	Duration   time.Duration
}

// RuleDef is the serializable form of a rule, as found in rule files and the
// runtime API.
type RuleDef struct {
	ID       string `yaml:"id" json:"id"`
	Label    string `yaml:"label" json:"label"`
	Severity string `yaml:"severity" json:"severity"`
	Cooldown string `yaml:"cooldown" json:"cooldown"` // Go duration, e.g. "90s"
	Advice   string `yaml:"advice" json:"advice,omitempty"`
	When     string `yaml:"when" json:"when"`
}

// Rule is an immutable, compiled trigger rule.
type Rule struct {
	ID        string
	Label     string
	Severity  Severity
	Cooldown  time.Duration
	Advice    string
	Predicate *Predicate
}

// NewRule validates def and compiles its predicate.
func NewRule(def RuleDef) (Rule, error) {
	if def.ID == "" {
		return Rule{}, fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	sev := Severity(def.Severity)
	switch sev {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return Rule{}, fmt.Errorf("%w: rule %s: severity %q is not low, medium or high", ErrInvalidRule, def.ID, def.Severity)
	}
	cooldown, err := time.ParseDuration(def.Cooldown)
	if err != nil || cooldown < 0 {
		return Rule{}, fmt.Errorf("%w: rule %s: cooldown %q is not a duration", ErrInvalidRule, def.ID, def.Cooldown)
	}
	pred, err := Compile(def.When)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: rule %s: %w", ErrInvalidRule, def.ID, err)
	}
	label := def.Label
	if label == "" {
		label = def.ID
	}
	return Rule{
		ID:        def.ID,
		Label:     label,
		Severity:  sev,
		Cooldown:  cooldown,
		Advice:    def.Advice,
		Predicate: pred,
	}, nil
}

// Def returns the serializable form of r.
func (r Rule) Def() RuleDef {
	return RuleDef{
		ID:       r.ID,
		Label:    r.Label,
		Severity: string(r.Severity),
		Cooldown: r.Cooldown.String(),
		Advice:   r.Advice,
		When:     r.Predicate.String(),
	}
}

// DefaultRuleDefs is the built-in rule set, in evaluation order.
func DefaultRuleDefs() []RuleDef {
	return []RuleDef{
		{
			ID:       "talk-too-much",
			Label:    "Rep is dominating the conversation",
			Severity: string(SeverityMedium),
			Cooldown: "60s",
			Advice:   "You've been talking a lot. Ask an open question and let them speak.",
			When:     "talk_ratio > 0.7",
		},
		{
			ID:       "multiple-objections",
			Label:    "Customer has raised several objections",
			Severity: string(SeverityHigh),
			Cooldown: "120s",
			Advice:   "Several objections so far. Acknowledge them and ask what matters most.",
			When:     "objections >= 3",
		},
		{
			ID:       "negative-sentiment",
			Label:    "Conversation sentiment is negative",
			Severity: string(SeverityHigh),
			Cooldown: "90s",
			Advice:   "The tone is turning negative. Slow down and show empathy.",
			When:     "sentiment < -0.5",
		},
		{
			ID:       "price-objection",
			Label:    "Price concern mentioned",
			Severity: string(SeverityMedium),
			Cooldown: "180s",
			Advice:   "Price came up. Anchor on value before discussing discounts.",
			When:     `text contains "expensive" || text contains "cost"`,
		},
		{
			ID:       "long-monologue",
			Label:    "Rep turn is very long",
			Severity: string(SeverityLow),
			Cooldown: "60s",
			Advice:   "Keep it short. Pause and check in.",
			When:     `speaker == "rep" && text_length > 500`,
		},
		{
			ID:       "no-questions",
			Label:    "No discovery questions after three minutes",
			Severity: string(SeverityHigh),
			Cooldown: "300s",
			Advice:   "Three minutes in with no questions. Start discovery.",
			When:     "duration > 180 && questions == 0",
		},
	}
}

// DefaultRules compiles DefaultRuleDefs.
func DefaultRules() []Rule {
	defs := DefaultRuleDefs()
	rules := make([]Rule, 0, len(defs))
	for _, def := range defs {
		r, err := NewRule(def)
		if err != nil {
			panic(err)
		}
		rules = append(rules, r)
	}
	return rules
}
