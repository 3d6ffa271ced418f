package rewrite

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
)

// Rule is one literal URL substitution.
type Rule struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// HTML returns body with every rule applied. body is never modified; when no
// rule matches the original slice is returned.
func HTML(body []byte, rules []Rule) []byte {
	out := body
	for _, r := range rules {
		if r.From == "" {
			continue
		}
		from := []byte(r.From)
		if !bytes.Contains(out, from) {
			continue
		}
		out = bytes.ReplaceAll(out, from, []byte(r.To))
	}
	return out
}

// Validate rejects rule sets whose output could be rewritten again, or whose
// sources overlap so that application order would matter.
func Validate(rules []Rule) error {
	for i, r := range rules {
		if r.From == "" {
			return fmt.Errorf("rewrite rule %d: from must not be empty", i)
		}
		for j, o := range rules {
			if strings.Contains(r.To, o.From) {
				return fmt.Errorf("rewrite rule %d: replacement %q contains source %q of rule %d", i, r.To, o.From, j)
			}
			if i != j && strings.Contains(r.From, o.From) {
				return fmt.Errorf("rewrite rule %d: source %q overlaps rule %d source %q", i, r.From, j, o.From)
			}
		}
	}
	return nil
}

// IsHTML reports whether contentType is text/html, ignoring parameters.
func IsHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
	}
	return mt == "text/html"
}
