// ABOUTME: Mention and direct-question detection for trigger decisions.
// ABOUTME: Deliberately simple, testable rules over message content.

package trigger

import "strings"

// DefaultMentionTokens are the spellings that address the assistant
// directly. Matching is case-insensitive substring; the token list is
// configurable.
var DefaultMentionTokens = []string{"@ai", "@assistant", "hey ai", "ok ai"}

// isMention reports whether the content addresses the assistant with
// one of the configured mention tokens.
func isMention(content string, tokens []string) bool {
	lower := strings.ToLower(content)
	for _, tok := range tokens {
		if tok != "" && strings.Contains(lower, strings.ToLower(tok)) {
			return true
		}
	}
	return false
}

// isDirectQuestion reports whether the content reads as a question.
// The rule is a trailing question mark after trimming; anything
// fancier belongs in the model, not here.
func isDirectQuestion(content string) bool {
	return strings.HasSuffix(strings.TrimSpace(content), "?")
}
