package domain

// ParsedMessage is the structured form of one chat message lifted out of the DOM.
type ParsedMessage struct {
	AuthorID    *string // numeric id taken from the avatar URL, nil when absent
	AuthorName  *string
	MentionsBot bool
	Text        string // trimmed; the mention token (if any) leads
}

// Author returns a printable author label for logging.
func (m ParsedMessage) Author() string {
	switch {
	case m.AuthorName != nil && m.AuthorID != nil:
		return *m.AuthorName + " (" + *m.AuthorID + ")"
	case m.AuthorName != nil:
		return *m.AuthorName
	case m.AuthorID != nil:
		return *m.AuthorID
	}
	return "unknown"
}
