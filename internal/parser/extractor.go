package parser

import (
	"regexp"
	"strings"

	"chatrelay/internal/domain"

	"golang.org/x/net/html"
)

var avatarPattern = regexp.MustCompile(`/avatars/(\d+)/`)

// Extractor turns a parsed message node into a ParsedMessage.
type Extractor interface {
	Extract(root *html.Node) domain.ParsedMessage
}

// MessageExtractor reads author, mention and body text out of a chat list item.
type MessageExtractor struct {
	botName string
}

func NewMessageExtractor(botName string) *MessageExtractor {
	return &MessageExtractor{botName: botName}
}

func (e *MessageExtractor) Extract(root *html.Node) domain.ParsedMessage {
	mentions := e.mentionsBot(root)
	return domain.ParsedMessage{
		AuthorID:    authorID(root),
		AuthorName:  authorName(root),
		MentionsBot: mentions,
		Text:        strings.TrimSpace(messageText(root, mentions)),
	}
}

func authorID(root *html.Node) *string {
	img := findFirst(root, "img", nil)
	if img == nil {
		return nil
	}
	return parseAuthorID(attr(img, "src"))
}

// parseAuthorID pulls the numeric user id out of an avatar URL such as
// https://cdn.discordapp.com/avatars/123456/abcdef.webp. Quotes and
// backslashes left over from the JSON envelope are stripped first.
func parseAuthorID(src string) *string {
	src = strings.Trim(src, `"\`)
	if src == "" {
		return nil
	}
	m := avatarPattern.FindStringSubmatch(src)
	if m == nil {
		return nil
	}
	id := m[1]
	return &id
}

func (e *MessageExtractor) mentionsBot(root *html.Node) bool {
	mention := findFirst(root, "span", func(n *html.Node) bool { return classContains(n, "mention") })
	if mention == nil {
		return false
	}
	return matchesBotName(textContent(mention), e.botName)
}

// matchesBotName accepts the mention text with or without its leading "@".
func matchesBotName(text, botName string) bool {
	if botName == "" {
		return false
	}
	if strings.HasPrefix(text, botName) {
		return true
	}
	return strings.HasPrefix(strings.TrimPrefix(text, "@"), strings.TrimPrefix(botName, "@"))
}

func authorName(root *html.Node) *string {
	el := findFirst(root, "span", func(n *html.Node) bool { return classContains(n, "username") })
	if el == nil {
		return nil
	}
	name := strings.TrimSpace(textContent(el))
	return &name
}

// messageText joins the inline spans of the message body. When the bot is
// mentioned the mention span is moved to the front so the addressee is read
// before the body.
func messageText(root *html.Node, mentions bool) string {
	body := findFirst(root, "div", func(n *html.Node) bool { return classContains(n, "markup") })
	if body == nil {
		return ""
	}
	spans := findAll(body, "span")

	var mention *html.Node
	if mentions {
		mention = findFirst(body, "span", func(n *html.Node) bool { return classContains(n, "mention") })
	}

	parts := make([]string, 0, len(spans))
	for _, s := range spans {
		if s == mention {
			continue
		}
		parts = append(parts, textContent(s))
	}
	joined := strings.Join(parts, " ")
	if mention == nil {
		return strings.TrimSpace(joined)
	}
	return strings.TrimSpace(textContent(mention) + " " + joined)
}
