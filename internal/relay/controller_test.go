package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/backend"
	"chatrelay/internal/browser/browsertest"
	"chatrelay/internal/domain"
	"chatrelay/internal/parser"
	"chatrelay/internal/sender"
)

const textbox = `div[role="textbox"]`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type askFunc func(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error)

func (f askFunc) Ask(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error) {
	return f(ctx, req)
}

func newController(page *browsertest.Page, asker Asker, p Parser) *Controller {
	if p == nil {
		p = parser.NewForBot("Wendah")
	}
	return NewController(Config{
		Parser:  p,
		Backend: asker,
		Sender:  sender.New(sender.Config{Page: page, Textbox: textbox, Logger: testLogger()}),
		BotName: "Wendah",
		Logger:  testLogger(),
	})
}

func fragment(t *testing.T, author, body string) string {
	t.Helper()
	return browsertest.Stringify(`<li class="messageListItem_d5deea"><div class="message_d5deea">` +
		`<img src="https://cdn.discordapp.com/avatars/42/abc.webp" class="avatar_f84418">` +
		`<span class="username_f84418">` + author + `</span>` +
		`<div class="markup_f8f345 messageContent_f9f2ca">` + body + `</div></div></li>`)
}

// recordingParser keeps every message the wrapped parser produced.
type recordingParser struct {
	inner  Parser
	mu     sync.Mutex
	parsed []domain.ParsedMessage
}

func (p *recordingParser) Parse(fragment string) (*domain.ParsedMessage, bool) {
	msg, ok := p.inner.Parse(fragment)
	if ok {
		p.mu.Lock()
		p.parsed = append(p.parsed, *msg)
		p.mu.Unlock()
	}
	return msg, ok
}

func mention(text string) string {
	return `<span class="mention wrapper_f61d60">@Wendah</span><span>` + text + `</span>`
}

func mentioned(text string) *domain.ParsedMessage {
	return &domain.ParsedMessage{MentionsBot: true, Text: "@Wendah " + text}
}

func TestRun_EndToEnd(t *testing.T) {
	var got backend.AskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(backend.AskResponse{Text: "Phishing is a scam.", ConversationID: "conv-1"})
	}))
	defer srv.Close()

	page := browsertest.NewPage()
	c := newController(page, backend.NewClient(backend.Config{BaseURL: srv.URL}), nil)

	fragments := make(chan string, 1)
	fragments <- fragment(t, "alice", mention("what is phishing"))
	close(fragments)
	if err := c.Run(context.Background(), fragments); err != nil {
		t.Fatal(err)
	}

	if got.Message != " what is phishing" {
		t.Errorf("payload = %q", got.Message)
	}
	want := strings.Join([]string{
		`type "."`,
		"press Backspace",
		`type "Phishing is a scam."`,
		"press Enter",
	}, "\n")
	if tr := page.Transcript(); tr != want {
		t.Fatalf("transcript:\n%s\nwant:\n%s", tr, want)
	}
	if c.Conversation().ID() != "conv-1" {
		t.Fatalf("conversation = %q", c.Conversation().ID())
	}
}

func TestRun_DropsNonMentionsAndInvalid(t *testing.T) {
	var asks atomic.Int32
	page := browsertest.NewPage()
	rp := &recordingParser{inner: parser.NewForBot("Wendah")}
	c := newController(page, askFunc(func(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error) {
		asks.Add(1)
		return &backend.AskResponse{Text: "x"}, nil
	}), rp)

	fragments := make(chan string, 4)
	fragments <- fragment(t, "bob", `<span>just chatting</span>`)
	fragments <- fragment(t, "carol", `<span class="mention wrapper_f61d60">@bob</span><span>ping</span>`)
	fragments <- `"<div class=\"typing\"></div>"`
	fragments <- "not even json"
	close(fragments)
	if err := c.Run(context.Background(), fragments); err != nil {
		t.Fatal(err)
	}

	// Both chat messages parse; the mention filter is what drops them.
	if len(rp.parsed) != 2 {
		t.Fatalf("parsed %d messages, want 2: %+v", len(rp.parsed), rp.parsed)
	}
	texts := map[string]string{}
	for _, msg := range rp.parsed {
		if msg.MentionsBot {
			t.Errorf("%s: unexpected bot mention", msg.Author())
		}
		if msg.AuthorName != nil {
			texts[*msg.AuthorName] = msg.Text
		}
	}
	if texts["bob"] != "just chatting" || texts["carol"] != "@bob ping" {
		t.Errorf("parsed texts = %v", texts)
	}
	if asks.Load() != 0 || len(page.Ops) != 0 {
		t.Fatalf("asks=%d ops:\n%s", asks.Load(), page.Transcript())
	}
}

func TestHandle_PlaceholderClearedOnEveryPath(t *testing.T) {
	tests := []struct {
		name    string
		resp    *backend.AskResponse
		err     error
		wantErr error
		sends   bool
	}{
		{"success", &backend.AskResponse{Text: "hi", ConversationID: "c"}, nil, nil, true},
		{"empty generation", &backend.AskResponse{ConversationID: "c"}, backend.ErrEmptyGeneration, backend.ErrEmptyGeneration, false},
		{"transport", nil, backend.ErrTransport, backend.ErrTransport, false},
		{"status", nil, &backend.StatusError{Code: 502}, nil, false},
		{"unknown conversation", nil, backend.ErrUnknownConversation, backend.ErrUnknownConversation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := browsertest.NewPage()
			c := newController(page, askFunc(func(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error) {
				// Placeholder is on screen while the backend works.
				if kinds := page.Kinds(); len(kinds) != 1 || kinds[0] != "type" {
					t.Errorf("ops before ask = %v", kinds)
				}
				return tt.resp, tt.err
			}), nil)

			err := c.Handle(context.Background(), mentioned("q"))
			if tt.err == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.err != nil && err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}

			var clears int
			for _, op := range page.Ops {
				if op.Kind == "press" && op.Key == domain.KeyBackspace {
					clears++
				}
			}
			if clears != 1 {
				t.Fatalf("placeholder cleared %d times:\n%s", clears, page.Transcript())
			}
			if page.Ops[1].Key != domain.KeyBackspace {
				t.Fatalf("placeholder must be cleared before anything else:\n%s", page.Transcript())
			}
			if sent := len(page.Ops) > 2; sent != tt.sends {
				t.Fatalf("sent=%v want %v:\n%s", sent, tt.sends, page.Transcript())
			}
		})
	}
}

func TestHandle_NoErrorTextTyped(t *testing.T) {
	page := browsertest.NewPage()
	c := newController(page, askFunc(func(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error) {
		return nil, &backend.StatusError{Code: 500, Body: "internal error"}
	}), nil)
	c.Handle(context.Background(), mentioned("q"))
	if strings.Contains(page.Transcript(), "internal error") {
		t.Fatal("backend error text leaked into the channel")
	}
}

func TestHandle_ConversationLifecycle(t *testing.T) {
	var seen []string
	var fail bool
	page := browsertest.NewPage()
	c := newController(page, askFunc(func(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error) {
		seen = append(seen, req.ConversationID)
		if fail {
			fail = false
			return nil, backend.ErrUnknownConversation
		}
		id := req.ConversationID
		if id == "" {
			id = "conv-" + string(rune('a'+len(seen)-1))
		}
		return &backend.AskResponse{Text: "ok", ConversationID: id}, nil
	}), nil)
	ctx := context.Background()

	c.Handle(ctx, mentioned("one"))
	c.Handle(ctx, mentioned("two"))
	fail = true
	c.Handle(ctx, mentioned("three"))
	c.Handle(ctx, mentioned("four"))

	want := []string{"", "conv-a", "conv-a", ""}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("conversation ids sent = %q, want %q", seen, want)
	}
	if c.Conversation().ID() != "conv-d" {
		t.Fatalf("handle = %q", c.Conversation().ID())
	}
}

func TestHandle_IgnoresNonMention(t *testing.T) {
	page := browsertest.NewPage()
	c := newController(page, askFunc(func(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error) {
		t.Fatal("backend called for a message without a mention")
		return nil, nil
	}), nil)
	if err := c.Handle(context.Background(), &domain.ParsedMessage{Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if len(page.Ops) != 0 {
		t.Fatal("page touched")
	}
}

// slowParser parses "<n>:<text>" fragments, sleeping longer for earlier ones
// so parses finish out of order.
type slowParser struct{ total int }

func (p slowParser) Parse(fragment string) (*domain.ParsedMessage, bool) {
	n := int(fragment[0] - '0')
	time.Sleep(time.Duration(p.total-n) * 5 * time.Millisecond)
	return mentioned(fragment[2:]), true
}

func TestRun_EffectsStayInArrivalOrder(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		order    []string
	)
	page := browsertest.NewPage()
	c := newController(page, askFunc(func(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		order = append(order, strings.TrimSpace(req.Message))
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &backend.AskResponse{Text: "re " + strings.TrimSpace(req.Message)}, nil
	}), slowParser{total: 6})

	fragments := make(chan string, 6)
	for i, w := range []string{"a", "b", "c", "d", "e", "f"} {
		fragments <- string(rune('0'+i)) + ":" + w
	}
	close(fragments)
	if err := c.Run(context.Background(), fragments); err != nil {
		t.Fatal(err)
	}

	if strings.Join(order, "") != "abcdef" {
		t.Fatalf("backend order = %v", order)
	}
	if maxSeen != 1 {
		t.Fatalf("%d turns overlapped", maxSeen)
	}

	var replies []string
	for _, op := range page.Ops {
		if op.Kind == "type" && op.Value != "." {
			replies = append(replies, op.Value)
		}
	}
	if strings.Join(replies, ",") != "re a,re b,re c,re d,re e,re f" {
		t.Fatalf("replies = %v", replies)
	}
	// Each turn is placeholder, clear, reply, submit with nothing in between.
	for i := 0; i < len(page.Ops); i += 4 {
		group := page.Ops[i : i+4]
		if group[0].Value != "." || group[1].Key != domain.KeyBackspace || group[3].Key != domain.KeyEnter {
			t.Fatalf("turn %d interleaved:\n%s", i/4, page.Transcript())
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	page := browsertest.NewPage()
	c := newController(page, askFunc(func(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error) {
		return &backend.AskResponse{Text: "x"}, nil
	}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, make(chan string)) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct{ in, want string }{
		{"@Wendah what is phishing", " what is phishing"},
		{"@Wendah hi @Wendah", " hi "},
		{"Wendah hello", " hello"},
		{"no mention here", "no mention here"},
	}
	for _, tt := range tests {
		if got := StripMention(tt.in, "Wendah"); got != tt.want {
			t.Errorf("StripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := StripMention("@x", ""); got != "@x" {
		t.Errorf("empty name changed text: %q", got)
	}
}
