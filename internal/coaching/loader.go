package coaching

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML layout of a custom rule file:
//
//	rules:
//	  - id: competitor-mention
//	    label: Competitor mentioned
//	    severity: medium
//	    cooldown: 120s
//	    when: text contains "acme"
type ruleFile struct {
	Rules []yaml.Node `yaml:"rules"`
}

// LoadRules adds every valid rule from r to the engine. An invalid rule is
// reported in errs and skipped; it never prevents the others from loading.
// The returned error is set only when the document itself cannot be read.
func (e *Engine) LoadRules(r io.Reader) (loaded int, errs []error, err error) {
	var file ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return 0, nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	for i := range file.Rules {
		def, err := decodeRule(&file.Rules[i])
		if err == nil {
			_, err = e.AddCustomTrigger(def)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			e.logger.Error().Err(err).Int("index", i).Str("rule_id", def.ID).Msg("Skipping invalid trigger rule")
			continue
		}
		loaded++
	}
	return loaded, errs, nil
}

// decodeRule decodes one rule strictly so a misspelled key fails that rule
// alone. yaml.Node.Decode has no strict mode, hence the re-encode.
func decodeRule(node *yaml.Node) (RuleDef, error) {
	var def RuleDef
	raw, err := yaml.Marshal(node)
	if err != nil {
		return def, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return def, nil
}

// LoadRulesFile opens path and calls LoadRules.
func (e *Engine) LoadRulesFile(path string) (int, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()
	return e.LoadRules(f)
}
