// Package redact strips secrets from agent transcript lines before they are
// retained or broadcast, using a compiled regex-pattern engine (a built-in
// pattern set compiled once at startup, plus any extra patterns from
// configuration). Agent transcripts are plain text from arbitrary coding
// agents with no structured resource shape to exploit, so the engine stays
// purely regex-based; see DESIGN.md for that scoping decision.
package redact

import (
	"log/slog"
	"regexp"
)

// Pattern is a single compiled redaction rule.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// Redactor applies a fixed set of compiled patterns to transcript lines. It
// is stateless after construction and safe for concurrent use.
type Redactor struct {
	patterns []Pattern
}

// RawPattern is the config-facing shape before compilation (see
// pkg/config.RedactionPattern).
type RawPattern struct {
	Name        string
	Regex       string
	Replacement string
}

// BuiltinPatterns is the default pattern set applied even when hydra.yaml
// carries none of its own.
var BuiltinPatterns = []RawPattern{
	{
		Name:        "api_key",
		Regex:       `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
		Replacement: `"api_key": "[REDACTED_API_KEY]"`,
	},
	{
		Name:        "bearer_token",
		Regex:       `(?i)bearer\s+[A-Za-z0-9_\-\.]{20,}`,
		Replacement: `Bearer [REDACTED_TOKEN]`,
	},
	{
		Name:        "github_token",
		Regex:       `gh[ps]_[A-Za-z0-9_]{36,255}`,
		Replacement: `[REDACTED_GITHUB_TOKEN]`,
	},
	{
		Name:        "aws_access_key",
		Regex:       `AKIA[A-Z0-9]{16}`,
		Replacement: `[REDACTED_AWS_KEY]`,
	},
	{
		Name:        "private_key_block",
		Regex:       `(?s)-----BEGIN [A-Z ]+PRIVATE KEY-----.*?-----END [A-Z ]+PRIVATE KEY-----`,
		Replacement: `[REDACTED_PRIVATE_KEY]`,
	},
	{
		Name:        "generic_secret_assignment",
		Regex:       `(?i)(?:secret|password|token)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.!@#$%^&*]{8,})["']?`,
		Replacement: `"secret": "[REDACTED]"`,
	},
}

// New compiles the built-in pattern set plus any additional patterns from
// configuration. Invalid patterns are logged and skipped — a malformed
// regex in hydra.yaml must not prevent startup, only weaken redaction.
func New(extra []RawPattern) *Redactor {
	r := &Redactor{}
	r.compile(BuiltinPatterns)
	r.compile(extra)
	return r
}

func (r *Redactor) compile(raw []RawPattern) {
	for _, p := range raw {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			slog.Error("skipping invalid redaction pattern", "name", p.Name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, Pattern{Name: p.Name, Regex: re, Replacement: p.Replacement})
	}
}

// Line applies every compiled pattern to a single transcript line in order
// and returns the redacted result.
func (r *Redactor) Line(line string) string {
	out := line
	for _, p := range r.patterns {
		out = p.Regex.ReplaceAllString(out, p.Replacement)
	}
	return out
}

// Count returns the number of compiled patterns, mostly for diagnostics and
// tests.
func (r *Redactor) Count() int {
	return len(r.patterns)
}
