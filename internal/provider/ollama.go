package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

// Ollama generates replies through Ollama's native /api/chat.
type Ollama struct {
	apiBase     string
	model       string
	preamble    string
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

func NewOllama(opts Options) *Ollama {
	if opts.APIBase == "" {
		opts.APIBase = ollamaDefaultBase
	}
	if opts.Model == "" {
		opts.Model = ollamaDefaultModel
	}
	return &Ollama{
		apiBase:     strings.TrimRight(opts.APIBase, "/"),
		model:       opts.Model,
		preamble:    opts.Preamble,
		temperature: opts.Temperature,
		client:      NewHTTPClient(opts.Timeout),
		logger:      opts.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message    ollamaMsg `json:"message"`
	DoneReason string    `json:"done_reason"`
}

func (o *Ollama) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	msgs := conversation(o.preamble, req)
	body := ollamaRequest{
		Model:    o.model,
		Messages: make([]ollamaMsg, len(msgs)),
		Options:  map[string]any{"temperature": o.temperature},
	}
	for i, m := range msgs {
		body.Messages[i] = ollamaMsg{Role: string(m.Role), Content: m.Content}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	o.logger.Debug("ollama generation", "model", o.model, "done", out.DoneReason)
	return out.Message.Content, nil
}
