package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/"})
}

func TestAsk_Success(t *testing.T) {
	var got AskRequest
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ask" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(AskResponse{Text: "Phishing is...", ConversationID: "c1"})
	})

	resp, err := c.Ask(context.Background(), AskRequest{Message: " what is phishing"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Phishing is..." || resp.ConversationID != "c1" {
		t.Fatalf("resp = %+v", resp)
	}
	if got.Message != " what is phishing" || got.ConversationID != "" {
		t.Fatalf("request = %+v", got)
	}
}

func TestAsk_OmitsEmptyConversation(t *testing.T) {
	var raw map[string]any
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.Write([]byte(`{"text":"ok","conversation_id":"c1"}`))
	})
	if _, err := c.Ask(context.Background(), AskRequest{Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["conversation_id"]; ok {
		t.Fatal("conversation_id must be omitted when unset")
	}
}

func TestAsk_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"unknown conversation", 400, `{"error":"conversation x not found"}`, func(err error) bool { return errors.Is(err, ErrUnknownConversation) }},
		{"empty text", 200, `{"text":"","conversation_id":"c1"}`, func(err error) bool { return errors.Is(err, ErrEmptyGeneration) }},
		{"server error", 500, `boom`, func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Code == 500 && se.Body == "boom"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := serve(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Ask(context.Background(), AskRequest{Message: "hi", ConversationID: "x"})
			if !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAsk_Transport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url})
	_, err := c.Ask(context.Background(), AskRequest{Message: "hi"})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestHealthy(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(404)
		}
	})
	if err := c.Healthy(context.Background()); err != nil {
		t.Fatal(err)
	}
}
