// Package parser turns raw DOM fragments pushed by the channel observer into
// structured chat messages.
package parser

import (
	"encoding/json"
	"strings"

	"chatrelay/internal/domain"

	"golang.org/x/net/html"
)

// Parser gates fragments through IsValidMessage and hands the survivors to an
// Extractor.
type Parser struct {
	valid     func(string) bool
	extractor Extractor
}

func New(extractor Extractor) *Parser {
	return &Parser{valid: IsValidMessage, extractor: extractor}
}

// NewForBot builds a Parser with the default extractor for botName.
func NewForBot(botName string) *Parser {
	return New(NewMessageExtractor(botName))
}

// Parse returns the message contained in fragment, or false when the fragment
// is not a chat message. Malformed markup never fails the parse; missing
// elements leave the matching fields empty.
func (p *Parser) Parse(fragment string) (*domain.ParsedMessage, bool) {
	if !p.valid(fragment) {
		return nil, false
	}
	root, err := html.Parse(strings.NewReader(unwrapEnvelope(fragment)))
	if err != nil {
		// html.Parse only fails on reader errors; a strings.Reader has none.
		return nil, false
	}
	msg := p.extractor.Extract(root)
	return &msg, true
}

// unwrapEnvelope decodes the JSON string the observer wraps around each node's
// outer markup. Fragments that are not valid JSON are parsed as-is.
func unwrapEnvelope(fragment string) string {
	trimmed := strings.TrimSpace(fragment)
	var markup string
	if err := json.Unmarshal([]byte(trimmed), &markup); err != nil {
		return trimmed
	}
	return markup
}
