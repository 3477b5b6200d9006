// Package sender types replies into the channel textbox, splitting them into
// chunks that fit the chat surface's message limit.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

const (
	DefaultMaxLength       = 1900
	DefaultPreferredLength = 1800
)

// Chunk splits text into pieces of at most maxLength runes. A piece longer
// than maxLength is cut after the last newline in [preferredLength,
// maxLength), else after the last period there, else hard at maxLength.
// Pieces are trimmed. The final remainder is always emitted.
func Chunk(text string, maxLength, preferredLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if preferredLength <= 0 || preferredLength > maxLength {
		preferredLength = maxLength
	}

	var chunks []string
	remaining := []rune(text)
	for len(remaining) > maxLength {
		cut := breakPoint(remaining[preferredLength:maxLength], '\n')
		if cut < 0 {
			cut = breakPoint(remaining[preferredLength:maxLength], '.')
		}
		if cut < 0 {
			cut = maxLength
		} else {
			cut += preferredLength + 1
		}
		chunks = append(chunks, strings.TrimSpace(string(remaining[:cut])))
		remaining = []rune(strings.TrimSpace(string(remaining[cut:])))
	}
	return append(chunks, string(remaining))
}

func breakPoint(window []rune, r rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == r {
			return i
		}
	}
	return -1
}

// Config holds what a Sender needs. Zero lengths use the defaults.
type Config struct {
	Page            domain.Page
	Textbox         string
	MaxLength       int
	PreferredLength int
	Logger          *slog.Logger
}

// Sender types outbound text into the channel. Calls must not overlap.
type Sender struct {
	page      domain.Page
	textbox   string
	max       int
	preferred int
	logger    *slog.Logger
}

func New(cfg Config) *Sender {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.PreferredLength <= 0 {
		cfg.PreferredLength = DefaultPreferredLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sender{
		page:      cfg.Page,
		textbox:   cfg.Textbox,
		max:       cfg.MaxLength,
		preferred: cfg.PreferredLength,
		logger:    cfg.Logger,
	}
}

// Send chunks text and submits each chunk as its own message. Lines inside a
// chunk are joined with Shift+Enter so they stay in one message. The first
// failure aborts the remaining chunks.
func (s *Sender) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		s.logger.Warn("nothing to send")
		return nil
	}
	chunks := Chunk(text, s.max, s.preferred)
	for i, chunk := range chunks {
		if chunk == "" {
			continue
		}
		if err := s.sendChunk(ctx, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		metrics.ChunksSent.Inc()
	}
	s.logger.Debug("reply sent", "chunks", len(chunks), "runes", len([]rune(text)))
	return nil
}

func (s *Sender) sendChunk(ctx context.Context, chunk string) error {
	lines := strings.Split(chunk, "\n")
	for i, line := range lines {
		if line != "" {
			if err := s.page.Type(ctx, s.textbox, line); err != nil {
				return err
			}
		}
		if i < len(lines)-1 {
			if err := s.page.Press(ctx, s.textbox, domain.KeyEnter, domain.ModShift); err != nil {
				return err
			}
		}
	}
	return s.page.Press(ctx, s.textbox, domain.KeyEnter)
}

// Clear presses Backspace once in the textbox.
func (s *Sender) Clear(ctx context.Context) error {
	return s.page.Press(ctx, s.textbox, domain.KeyBackspace)
}

// Placeholder types a typing cue without submitting it.
func (s *Sender) Placeholder(ctx context.Context, cue string) error {
	return s.page.Type(ctx, s.textbox, cue)
}
