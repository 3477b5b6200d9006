// Package relay turns observed channel fragments into backend turns and
// types the answers back into the channel.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/backend"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

const (
	DefaultPlaceholder  = "."
	DefaultParseWorkers = 4
)

// Parser turns a raw fragment into a message.
type Parser interface {
	Parse(fragment string) (*domain.ParsedMessage, bool)
}

// Asker sends one turn to the chat backend.
type Asker interface {
	Ask(ctx context.Context, req backend.AskRequest) (*backend.AskResponse, error)
}

// Replier drives the channel textbox.
type Replier interface {
	Placeholder(ctx context.Context, cue string) error
	Clear(ctx context.Context) error
	Send(ctx context.Context, text string) error
}

type Config struct {
	Parser       Parser
	Backend      Asker
	Sender       Replier
	Conversation *Conversation // optional, a fresh handle when nil
	BotName      string
	Placeholder  string
	ParseWorkers int
	Logger       *slog.Logger
}

// Controller is the single effect loop of the relay. Parsing may run ahead
// in parallel but effects for one message finish before the next starts.
type Controller struct {
	parser      Parser
	backend     Asker
	sender      Replier
	conv        *Conversation
	botName     string
	placeholder string
	workers     int
	logger      *slog.Logger
}

func NewController(cfg Config) *Controller {
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultPlaceholder
	}
	if cfg.ParseWorkers <= 0 {
		cfg.ParseWorkers = DefaultParseWorkers
	}
	if cfg.Conversation == nil {
		cfg.Conversation = &Conversation{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		parser:      cfg.Parser,
		backend:     cfg.Backend,
		sender:      cfg.Sender,
		conv:        cfg.Conversation,
		botName:     cfg.BotName,
		placeholder: cfg.Placeholder,
		workers:     cfg.ParseWorkers,
		logger:      cfg.Logger,
	}
}

// Conversation returns the handle the controller uses.
func (c *Controller) Conversation() *Conversation { return c.conv }

// Run consumes fragments until the channel closes or ctx is done. It returns
// nil when fragments is closed and ctx.Err() on cancellation.
func (c *Controller) Run(ctx context.Context, fragments <-chan string) error {
	pending := make(chan chan *domain.ParsedMessage, c.workers)
	go c.dispatch(ctx, fragments, pending)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-pending:
			if !ok {
				return ctx.Err()
			}
			var msg *domain.ParsedMessage
			select {
			case msg = <-res:
			case <-ctx.Done():
				return ctx.Err()
			}
			if msg == nil {
				continue
			}
			if err := c.Handle(ctx, msg); err != nil {
				c.logger.Error("relay turn failed", "author", msg.Author(), "err", err)
			}
		}
	}
}

// dispatch starts a parse per fragment, at most c.workers at a time, and
// queues the result slots in arrival order.
func (c *Controller) dispatch(ctx context.Context, fragments <-chan string, pending chan<- chan *domain.ParsedMessage) {
	defer close(pending)
	sem := make(chan struct{}, c.workers)
	for {
		var fragment string
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fragments:
			if !ok {
				return
			}
			fragment = f
		}
		metrics.QueueDepth.Set(int64(len(fragments)))

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		res := make(chan *domain.ParsedMessage, 1)
		go func() {
			defer func() { <-sem }()
			res <- c.parse(fragment)
		}()

		select {
		case pending <- res:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) parse(fragment string) *domain.ParsedMessage {
	msg, ok := c.parser.Parse(fragment)
	if !ok {
		return nil
	}
	metrics.MessagesParsed.Inc()
	return msg
}

// Handle runs one turn for msg. Messages that do not mention the bot are
// ignored. The placeholder is always cleared before anything else is typed
// and on every return path.
func (c *Controller) Handle(ctx context.Context, msg *domain.ParsedMessage) error {
	if !msg.MentionsBot {
		c.logger.Debug("ignoring message", "author", msg.Author())
		return nil
	}
	metrics.Mentions.Inc()
	payload := StripMention(msg.Text, c.botName)
	c.logger.Info("mention received", "author", msg.Author(), "text", payload)

	typed := true
	if err := c.sender.Placeholder(ctx, c.placeholder); err != nil {
		typed = false
		c.logger.Warn("typing placeholder failed", "err", err)
	}
	cleared := false
	clearPlaceholder := func() {
		if !typed || cleared {
			return
		}
		cleared = true
		if err := c.sender.Clear(ctx); err != nil {
			c.logger.Warn("clearing placeholder failed", "err", err)
		}
	}
	defer clearPlaceholder()

	start := time.Now()
	resp, err := c.backend.Ask(ctx, backend.AskRequest{Message: payload, ConversationID: c.conv.ID()})
	metrics.BackendLatency.ObserveSince(start)
	if resp != nil && resp.ConversationID != "" {
		c.conv.Adopt(resp.ConversationID)
	}
	clearPlaceholder()

	if err != nil {
		metrics.TurnFailed(failureReason(err)).Inc()
		if errors.Is(err, backend.ErrUnknownConversation) {
			c.logger.Warn("backend forgot the conversation, starting a new one", "conversation", c.conv.ID())
			c.conv.Reset()
		}
		return err
	}

	if err := c.sender.Send(ctx, resp.Text); err != nil {
		metrics.TurnFailed("send").Inc()
		return err
	}
	metrics.TurnsOK.Inc()
	return nil
}

// StripMention removes every "@name" token from text. Text without one has a
// leading bare name trimmed instead. Surrounding whitespace is kept.
func StripMention(text, name string) string {
	if name == "" {
		return text
	}
	if at := "@" + name; strings.Contains(text, at) {
		return strings.ReplaceAll(text, at, "")
	}
	return strings.TrimPrefix(text, name)
}

func failureReason(err error) string {
	var se *backend.StatusError
	switch {
	case errors.Is(err, backend.ErrUnknownConversation):
		return "unknown_conversation"
	case errors.Is(err, backend.ErrEmptyGeneration):
		return "empty_generation"
	case errors.Is(err, backend.ErrTransport):
		return "transport"
	case errors.As(err, &se):
		return "status"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
