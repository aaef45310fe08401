// Package intent provides the escape-keyword detector and the ordered rule
// cascade that classifies inbound text before the AI classifier is consulted.
package intent

import "strings"

// escapeKeywords is the closed set of abort utterances. Matching is
// whole-message only: "please cancel this order" must not trigger a reset.
var escapeKeywords = map[string]bool{
	"cancel":     true,
	"stop":       true,
	"reset":      true,
	"start over": true,
	"clear":      true,
	"forget it":  true,
}

// IsEscapeKeyword tests the trimmed, case-folded message against the escape
// set. It matches the entire message, never a substring.
func IsEscapeKeyword(text string) bool {
	return escapeKeywords[strings.ToLower(strings.TrimSpace(text))]
}
