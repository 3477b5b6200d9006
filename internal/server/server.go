// Package server is the chat backend the relay talks to: it keeps
// conversations and asks a generator for each reply.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"chatrelay/internal/metrics"
	"chatrelay/internal/provider"
	"chatrelay/internal/store"
)

const defaultHistoryLimit = 40

// Store is the conversation registry.
type Store interface {
	CreateConversation(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	AppendTurns(ctx context.Context, id string, turns ...store.Turn) error
	History(ctx context.Context, id string, limit int) ([]store.Turn, error)
}

type Config struct {
	Store          Store
	Generator      provider.Generator
	AllowedOrigins []string
	HistoryLimit   int
	Logger         *slog.Logger
}

// Server handles /ask. Requests without a conversation id share one default
// conversation created on first use.
type Server struct {
	store     Store
	gen       provider.Generator
	origins   []string
	limit     int
	logger    *slog.Logger
	newID     func() string
	mu        sync.Mutex
	defaultID string
}

func New(cfg Config) *Server {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		store:   cfg.Store,
		gen:     cfg.Generator,
		origins: cfg.AllowedOrigins,
		limit:   cfg.HistoryLimit,
		logger:  cfg.Logger,
		newID:   uuid.NewString,
	}
}

// Router wires the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(s.origins))

	r.Post("/ask", s.handleAsk)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", metrics.Collector.Handler())
	return r
}

type askRequest struct {
	Message        string  `json:"message"`
	ConversationID *string `json:"conversation_id"`
}

type askResponse struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
}

var errConversationNotFound = errors.New("conversation not found")

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	metrics.AskRequests.Inc()

	var payload askRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	convID, err := s.resolve(ctx, payload.ConversationID)
	if errors.Is(err, errConversationNotFound) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("conversation %s not found", *payload.ConversationID))
		return
	}
	if err != nil {
		s.logger.Error("resolve conversation", "err", err)
		respondError(w, http.StatusInternalServerError, "conversation store unavailable")
		return
	}

	history, err := s.store.History(ctx, convID, s.limit)
	if err != nil {
		s.logger.Error("load history", "conversation", convID, "err", err)
		respondError(w, http.StatusInternalServerError, "conversation store unavailable")
		return
	}
	msgs := make([]provider.Message, len(history))
	for i, t := range history {
		msgs[i] = provider.Message{Role: provider.Role(t.Role), Content: t.Content}
	}

	start := time.Now()
	text, err := s.gen.Generate(ctx, provider.GenerateRequest{Message: payload.Message, History: msgs})
	metrics.GenerationLatency.ObserveSince(start)
	if err != nil {
		metrics.GenerationFailures.Inc()
		s.logger.Error("generation failed", "generator", s.gen.Name(), "conversation", convID, "err", err)
		respondError(w, http.StatusInternalServerError, "generation failed")
		return
	}
	if strings.TrimSpace(text) == "" {
		metrics.GenerationFailures.Inc()
		respondError(w, http.StatusInternalServerError, "no response from generator")
		return
	}

	if err := s.store.AppendTurns(ctx, convID,
		store.Turn{Role: store.RoleUser, Content: payload.Message},
		store.Turn{Role: store.RoleAssistant, Content: text},
	); err != nil {
		s.logger.Warn("store turns", "conversation", convID, "err", err)
	}
	respondJSON(w, http.StatusOK, askResponse{Text: text, ConversationID: convID})
}

// resolve returns the conversation a request belongs to.
func (s *Server) resolve(ctx context.Context, requested *string) (string, error) {
	if requested != nil && *requested != "" {
		ok, err := s.store.Exists(ctx, *requested)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errConversationNotFound
		}
		return *requested, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defaultID != "" {
		return s.defaultID, nil
	}
	id := s.newID()
	if err := s.store.CreateConversation(ctx, id); err != nil {
		return "", err
	}
	s.defaultID = id
	s.logger.Info("conversation created", "conversation", id)
	return id, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
