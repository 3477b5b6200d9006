// Package provider produces replies for the backend service from an LLM
// upstream.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPreamble is the persona the bot answers with.
const DefaultPreamble = `You are Wendah, a friendly cyber security assistant in a Discord community. ` +
	`Answer questions about security concepts clearly and briefly, suitable for beginners. ` +
	`Refuse to help with attacks against systems the user does not own.`

const DefaultTemperature = 0.5

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// GenerateRequest is one generation. History excludes Message.
type GenerateRequest struct {
	Message string
	History []Message
}

// Generator produces the reply text for a conversation turn.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Options configures a Generator.
type Options struct {
	Kind        string // openai or ollama
	APIBase     string
	APIKey      string
	Model       string
	Preamble    string
	Temperature float64
	Timeout     time.Duration
	Logger      *slog.Logger
}

// New builds the generator named by opts.Kind. Empty Kind means openai.
func New(opts Options) (Generator, error) {
	if opts.Preamble == "" {
		opts.Preamble = DefaultPreamble
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch opts.Kind {
	case "", "openai":
		return NewOpenAI(opts), nil
	case "ollama":
		return NewOllama(opts), nil
	}
	return nil, fmt.Errorf("unknown generator %q", opts.Kind)
}

// conversation prepends the preamble and appends the new user message.
func conversation(preamble string, req GenerateRequest) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	if preamble != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: preamble})
	}
	msgs = append(msgs, req.History...)
	return append(msgs, Message{Role: RoleUser, Content: req.Message})
}
