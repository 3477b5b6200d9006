package parser

import "strings"

// messagePrefix is how a chat list item looks after the observer script has
// JSON-encoded its outer markup.
const messagePrefix = `"<li`

// IsValidMessage reports whether a raw fragment looks like a chat message.
// It is a prefix check only; typing indicators, reaction updates and other
// mutation noise fail it before any HTML parsing happens.
func IsValidMessage(fragment string) bool {
	return strings.HasPrefix(strings.TrimSpace(fragment), messagePrefix)
}
