// Package sanitize scrubs secret-looking spans from interaction
// content before it is persisted. Turn text and pattern descriptions
// outlive the session that produced them, so anything resembling a
// credential is replaced with a redaction marker at the write boundary.
package sanitize

import (
	"regexp"
	"strconv"
)

// Redacted is the marker substituted for matched spans.
const Redacted = "[REDACTED]"

// maxInputLength bounds regex execution to protect against
// pathologically large turns.
const maxInputLength = 1 << 20

// secretPatterns are evaluated in order; all matches are replaced.
// More specific patterns come first so their replacements are not
// shadowed by the generic key=value rule.
var secretPatterns = []*regexp.Regexp{
	// PEM private key blocks
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	// AWS access key IDs
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// GitHub tokens (classic and fine-grained)
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`),
	// Generic key=value / key: value credential assignments
	regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key|credential|private[_-]?key)\b\s*[=:]\s*\S+`),
}

// String returns s with all secret-looking spans replaced by the
// redaction marker. Inputs beyond maxInputLength are truncated before
// scanning; persisted memory has no use for megabyte turns.
func String(s string) string {
	if len(s) > maxInputLength {
		s = s[:maxInputLength]
	}
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, Redacted)
	}
	return s
}

// Identifier sanitizes a string for use as a stable upsert key
// component: lowercased, non-alphanumerics collapsed to single
// underscores, trimmed, truncated to 64 runes with a length suffix when
// too long. Empty results become "default".
func Identifier(s string) string {
	const maxLen = 64

	out := make([]rune, 0, len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
			lastUnderscore = false
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
			lastUnderscore = false
		default:
			if !lastUnderscore && len(out) > 0 {
				out = append(out, '_')
				lastUnderscore = true
			}
		}
	}
	// Trim trailing underscore.
	for len(out) > 0 && out[len(out)-1] == '_' {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return "default"
	}
	if len(out) > maxLen {
		suffix := "_" + strconv.Itoa(len(out))
		out = out[:maxLen-len(suffix)]
		return string(out) + suffix
	}
	return string(out)
}
