// SPDX-License-Identifier: Apache-2.0

// Package redact strips credential-shaped substrings from text before it is
// persisted or emitted outside the process.
package redact

import "regexp"

const placeholder = "[REDACTED]"

// secretPatterns covers provider keys, bearer tokens, and inline api_key
// JSON fields. Matching is case-insensitive and best-effort: text that
// matches nothing passes through unchanged.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)Bearer [A-Za-z0-9\-_=]+`),
	regexp.MustCompile(`(?i)"api_key"\s*:\s*"[^"]+"`),
}

// Redact replaces every match of the known secret shapes with a fixed
// placeholder. It never fails; unmatched input is returned as-is.
func Redact(text string) string {
	for _, pattern := range secretPatterns {
		text = pattern.ReplaceAllString(text, placeholder)
	}
	return text
}
