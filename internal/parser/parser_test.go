package parser

import (
	"encoding/json"
	"strings"
	"testing"

	"chatrelay/internal/browser/browsertest"
	"chatrelay/internal/domain"

	"golang.org/x/net/html"
)

// envelope wraps markup the way the observer script does.
func envelope(t *testing.T, markup string) string {
	t.Helper()
	return browsertest.Stringify(markup)
}

type countingExtractor struct {
	calls int
}

func (c *countingExtractor) Extract(root *html.Node) domain.ParsedMessage {
	c.calls++
	return domain.ParsedMessage{}
}

const discordMessage = `<li id="chat-messages-1" class="messageListItem_d5deea">
<div class="message_d5deea cozy_f84418">
  <img src="https://cdn.discordapp.com/avatars/123456789012345678/0a1b2c.webp?size=80" class="avatar_f84418">
  <h3><span class="headerText_f84418"><span class="username_f84418 desaturateUserColors_c7819f">alice</span></span></h3>
  <div id="message-content-1" class="markup_f8f345 messageContent_f9f2ca">
    <span>hey</span><span class="mention wrapper_f61d60 interactive">@Wendah</span><span>what is phishing?</span>
  </div>
</div>
</li>`

func TestIsValidMessage(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{`"<li class=\"x\">hi</li>"`, true},
		{"   \n\t\"<li>", true},
		{`<li>not quoted</li>`, false},
		{`"<div class=\"typing\"></div>"`, false},
		{``, false},
		{`"<span>"`, false},
		// JSON.stringify never escapes "<"; an escaped list item is not
		// something the observer produces.
		{`"\u003cli class=\"x\"\u003ehi\u003c/li\u003e"`, false},
	}
	for _, tc := range cases {
		if got := IsValidMessage(tc.in); got != tc.want {
			t.Errorf("IsValidMessage(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestEnvelopeMatchesObserverEncoding(t *testing.T) {
	frag := envelope(t, `<li class="a">x & y</li>`)
	if want := `"<li class=\"a\">x & y</li>"`; frag != want {
		t.Fatalf("envelope = %s, want %s", frag, want)
	}
	if !IsValidMessage(frag) {
		t.Fatal("observer-encoded list item rejected")
	}

	escaped, err := json.Marshal(`<li>hi</li>`)
	if err != nil {
		t.Fatal(err)
	}
	if IsValidMessage(string(escaped)) {
		t.Fatalf("%s accepted, want rejected", escaped)
	}
}

func TestParse_InvalidFragmentSkipsExtraction(t *testing.T) {
	ex := &countingExtractor{}
	p := New(ex)
	for _, frag := range []string{"", `"<div>`, "<li>raw</li>", `"typing"`} {
		msg, ok := p.Parse(frag)
		if ok || msg != nil {
			t.Fatalf("Parse(%q) should yield no message", frag)
		}
	}
	if ex.calls != 0 {
		t.Fatalf("extractor invoked %d times for invalid fragments", ex.calls)
	}
}

func TestParse_ValidFragmentInvokesExtractorOnce(t *testing.T) {
	ex := &countingExtractor{}
	p := New(ex)
	if _, ok := p.Parse(envelope(t, "<li>hi</li>")); !ok {
		t.Fatal("expected a message")
	}
	if ex.calls != 1 {
		t.Fatalf("expected 1 extraction, got %d", ex.calls)
	}
}

func TestParse_FullDiscordMessage(t *testing.T) {
	p := NewForBot("Wendah")
	msg, ok := p.Parse(envelope(t, discordMessage))
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.AuthorID == nil || *msg.AuthorID != "123456789012345678" {
		t.Errorf("author id = %v", msg.AuthorID)
	}
	if msg.AuthorName == nil || *msg.AuthorName != "alice" {
		t.Errorf("author name = %v", msg.AuthorName)
	}
	if !msg.MentionsBot {
		t.Error("expected mention")
	}
	if msg.Text != "@Wendah hey what is phishing?" {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestParse_MentionOfSomeoneElse(t *testing.T) {
	p := NewForBot("Wendah")
	markup := `<li><div class="markup"><span>hi</span><span class="mention">@bob</span><span>there</span></div></li>`
	msg, ok := p.Parse(envelope(t, markup))
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.MentionsBot {
		t.Error("mention of another user must not count")
	}
	// Without a bot mention spans stay in document order.
	if msg.Text != "hi @bob there" {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestParse_MentionReorder(t *testing.T) {
	p := NewForBot("Bot")
	markup := `<li><div class="markup"><span>X</span><span class="mention">@Bot</span><span>hello</span></div></li>`
	msg, ok := p.Parse(envelope(t, markup))
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Text != "@Bot X hello" {
		t.Fatalf("text = %q, want %q", msg.Text, "@Bot X hello")
	}
}

func TestParse_MissingElementsDegrade(t *testing.T) {
	p := NewForBot("Wendah")
	msg, ok := p.Parse(envelope(t, `<li class="typing"></li>`))
	if !ok {
		t.Fatal("valid prefix should parse")
	}
	if msg.AuthorID != nil {
		t.Errorf("author id should be nil, got %q", *msg.AuthorID)
	}
	if msg.AuthorName != nil {
		t.Errorf("author name should be nil, got %q", *msg.AuthorName)
	}
	if msg.MentionsBot {
		t.Error("no mention expected")
	}
	if msg.Text != "" {
		t.Errorf("text should be empty, got %q", msg.Text)
	}
}

func TestParse_MalformedMarkup(t *testing.T) {
	p := NewForBot("Wendah")
	frags := []string{
		envelope(t, `<li><div class="markup"><span>unterminated`),
		envelope(t, `<li><img><div class="markup"></div></li>`),
		envelope(t, `<li><<<>>>"'</li>`),
		`"<li><img src=\"https://cdn.discordapp.com/avatars/7/a.png\"></li>`,
	}
	for _, frag := range frags {
		msg, ok := p.Parse(frag)
		if !ok {
			t.Fatalf("Parse(%q) should yield a message", frag)
		}
		if msg == nil {
			t.Fatalf("nil message for %q", frag)
		}
	}

	msg, _ := p.Parse(frags[0])
	if msg.Text != "unterminated" {
		t.Errorf("text = %q", msg.Text)
	}
	msg, _ = p.Parse(frags[1])
	if msg.AuthorID != nil {
		t.Error("img without src must give nil author id")
	}
	// Raw (non-JSON) envelope keeps the escaped quotes in the attribute.
	msg, _ = p.Parse(frags[3])
	if msg.AuthorID == nil || *msg.AuthorID != "7" {
		t.Errorf("author id from raw envelope = %v", msg.AuthorID)
	}
}

func TestParseAuthorID(t *testing.T) {
	cases := []struct {
		src  string
		want string // "" means nil
	}{
		{"https://cdn.discordapp.com/avatars/42/abc.webp", "42"},
		{`\"https://cdn.discordapp.com/avatars/42/abc.webp\"`, "42"},
		{`"https://cdn.discordapp.com/avatars/99/x.png?size=40"`, "99"},
		{"https://cdn.discordapp.com/embed/avatars/1.png", ""},
		{"https://cdn.discordapp.com/avatars/abc/x.png", ""},
		{"", ""},
	}
	for _, tc := range cases {
		got := parseAuthorID(tc.src)
		if tc.want == "" {
			if got != nil {
				t.Errorf("parseAuthorID(%q) = %q, want nil", tc.src, *got)
			}
			continue
		}
		if got == nil || *got != tc.want {
			t.Errorf("parseAuthorID(%q) = %v, want %q", tc.src, got, tc.want)
		}
	}
}

func TestMatchesBotName(t *testing.T) {
	cases := []struct {
		text, bot string
		want      bool
	}{
		{"@Wendah", "Wendah", true},
		{"Wendah", "Wendah", true},
		{"@Wendah", "@Wendah", true},
		{"@WendahBot", "Wendah", true},
		{"@bob", "Wendah", false},
		{"@Wendah", "", false},
	}
	for _, tc := range cases {
		if got := matchesBotName(tc.text, tc.bot); got != tc.want {
			t.Errorf("matchesBotName(%q, %q) = %v, want %v", tc.text, tc.bot, got, tc.want)
		}
	}
}

func TestMessageText_NestedSpansKeepDocumentOrder(t *testing.T) {
	root, err := html.Parse(strings.NewReader(`<div class="markup"><span>a<span>b</span></span><span>c</span></div>`))
	if err != nil {
		t.Fatal(err)
	}
	// Every descendant span contributes its own text, nested ones included.
	if got := messageText(root, false); got != "ab b c" {
		t.Fatalf("text = %q", got)
	}
}
