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
	openAIDefaultBase  = "https://api.openai.com/v1"
	openAIDefaultModel = "gpt-4o-mini"
)

// OpenAI generates replies through any OpenAI-compatible chat completions
// endpoint.
type OpenAI struct {
	apiKey      string
	apiBase     string
	model       string
	preamble    string
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

func NewOpenAI(opts Options) *OpenAI {
	if opts.APIBase == "" {
		opts.APIBase = openAIDefaultBase
	}
	if opts.Model == "" {
		opts.Model = openAIDefaultModel
	}
	return &OpenAI{
		apiKey:      opts.APIKey,
		apiBase:     strings.TrimRight(opts.APIBase, "/"),
		model:       opts.Model,
		preamble:    opts.Preamble,
		temperature: opts.Temperature,
		client:      NewHTTPClient(opts.Timeout),
		logger:      opts.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	Stream      bool         `json:"stream"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	msgs := conversation(o.preamble, req)
	body := oaiRequest{Model: o.model, Temperature: o.temperature, Messages: make([]oaiMessage, len(msgs))}
	for i, m := range msgs {
		body.Messages[i] = oaiMessage{Role: string(m.Role), Content: m.Content}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("openai %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	o.logger.Debug("openai generation", "model", o.model, "finish", out.Choices[0].FinishReason, "tokens", out.Usage.TotalTokens)
	return out.Choices[0].Message.Content, nil
}
