package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var history = []Message{
	{Role: RoleUser, Content: "hi"},
	{Role: RoleAssistant, Content: "hello"},
}

func TestOpenAI_Generate(t *testing.T) {
	var got oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("auth = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Phishing is a scam."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	g, err := New(Options{APIBase: srv.URL + "/v1/", APIKey: "sk-test", Model: "m", Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	text, err := g.Generate(context.Background(), GenerateRequest{Message: "what is phishing", History: history})
	if err != nil {
		t.Fatal(err)
	}
	if text != "Phishing is a scam." {
		t.Fatalf("text = %q", text)
	}
	if got.Model != "m" || got.Temperature != DefaultTemperature || got.Stream {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Messages) != 4 || got.Messages[0].Role != "system" || !strings.Contains(got.Messages[0].Content, "Wendah") {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if last := got.Messages[3]; last.Role != "user" || last.Content != "what is phishing" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestOpenAI_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	g := NewOpenAI(Options{APIBase: srv.URL, Logger: testLogger()})
	text, err := g.Generate(context.Background(), GenerateRequest{Message: "x"})
	if err != nil || text != "" {
		t.Fatalf("text=%q err=%v", text, err)
	}
}

func TestOpenAI_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewOpenAI(Options{APIBase: srv.URL, Logger: testLogger()})
	_, err := g.Generate(context.Background(), GenerateRequest{Message: "x"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v", err)
	}
}

func TestOllama_Generate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"message":{"role":"assistant","content":"ok"},"done_reason":"stop"}`))
	}))
	defer srv.Close()

	g, err := New(Options{Kind: "ollama", APIBase: srv.URL, Preamble: "be brief", Temperature: 0.2, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	text, err := g.Generate(context.Background(), GenerateRequest{Message: "q"})
	if err != nil || text != "ok" {
		t.Fatalf("text=%q err=%v", text, err)
	}
	if got.Model != ollamaDefaultModel || got.Options["temperature"] != 0.2 {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "be brief" {
		t.Fatalf("messages = %+v", got.Messages)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	if _, err := New(Options{Kind: "cohere"}); err == nil {
		t.Fatal("expected error")
	}
}
