package config

import (
	"fmt"
	"regexp"
)

// Sanitize rule kinds. A `regexp` rule replaces non-matching values with
// the rule's default; an `inList` rule rejects values outside its list.
const (
	SanitizeRegexp = "regexp"
	SanitizeInList = "inList"
)

// SanitizeRule validates one client-supplied parameter before it can reach
// template resolution.
type SanitizeRule struct {
	Type    string   `json:"type" yaml:"type"`
	Regexp  string   `json:"regexp" yaml:"regexp"`
	List    []string `json:"list" yaml:"list"`
	Default string   `json:"default" yaml:"default"`

	compiled *regexp.Regexp
}

func (r *SanitizeRule) compile() error {
	switch r.Type {
	case SanitizeRegexp:
		if r.Regexp == "" {
			return fmt.Errorf("regexp rule requires a pattern")
		}
		re, err := regexp.Compile(r.Regexp)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", r.Regexp, err)
		}
		r.compiled = re
		return nil
	case SanitizeInList:
		if len(r.List) == 0 {
			return fmt.Errorf("inList rule requires a non-empty list")
		}
		return nil
	default:
		return fmt.Errorf("unknown sanitize type %q", r.Type)
	}
}

func (r *SanitizeRule) apply(value string) (string, error) {
	switch r.Type {
	case SanitizeRegexp:
		if r.compiled == nil {
			// Validate was skipped; compile on demand.
			if err := r.compile(); err != nil {
				return "", err
			}
		}
		if r.compiled.MatchString(value) {
			return value, nil
		}
		return r.Default, nil
	case SanitizeInList:
		for _, allowed := range r.List {
			if value == allowed {
				return value, nil
			}
		}
		return "", fmt.Errorf("value %q is not in the allowed list", value)
	default:
		return "", fmt.Errorf("unknown sanitize type %q", r.Type)
	}
}

// SanitizeParams applies the configured sanitize rules to client-supplied
// parameters. Parameters without a rule pass through unchanged; parameters
// failing an inList rule cause an error.
func (c *Config) SanitizeParams(params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for key, value := range params {
		rule, ok := c.Configuration.Sanitize[key]
		if !ok {
			out[key] = value
			continue
		}
		cleaned, err := rule.apply(value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		out[key] = cleaned
	}
	return out, nil
}
