package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/middleware"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// Sessions is the part of the multiplexer used by connectionless callers.
type Sessions interface {
	Resume(ctx context.Context, id string) (string, error)
	Submit(ctx context.Context, id, text string, emit session.Emitter) error
	Transcript(ctx context.Context, id string) ([]chat.Message, error)
}

// Histories records transcript snapshots per user.
type Histories interface {
	AppendHistory(email string, transcript []chat.Message) error
	History(email string) ([][]chat.Message, error)
}

// Handler serves the buffered chat endpoints.
type Handler struct {
	sessions Sessions
	users    Histories
}

// New creates a chat handler.
func New(sessions Sessions, users Histories) *Handler {
	return &Handler{sessions: sessions, users: users}
}

// RegisterRoutes mounts the public transcript route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/messages", h.handleTranscript)
}

// RegisterProtectedRoutes mounts routes that need an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/history", h.handleHistory)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	SessionID string         `json:"session_id"`
	Response  string         `json:"response"`
	Messages  []chat.Message `json:"messages"`
}

// handleChat runs one turn and answers with the whole reply.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	email, ok := middleware.UserFromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var payload chatRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	sessionID, err := h.sessions.Resume(ctx, payload.SessionID)
	if err != nil {
		log.Error().Err(err).Str("component", "chat").Msg("resume session failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	var reply strings.Builder
	collect := func(e chat.Event) error {
		if e.Type == chat.EventStream {
			reply.WriteString(e.Content)
		}
		return nil
	}

	if err := h.sessions.Submit(ctx, sessionID, payload.Message, collect); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			utils.RespondError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrEmptyMessage):
			utils.RespondError(w, http.StatusBadRequest, "message is required")
		default:
			log.Error().Err(err).Str("component", "chat").Str("session_id", sessionID).Msg("chat turn failed")
			utils.RespondError(w, http.StatusInternalServerError, session.ErrorMessage)
		}
		return
	}

	messages, err := h.sessions.Transcript(ctx, sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := h.users.AppendHistory(email, messages); err != nil {
		log.Warn().Err(err).Str("component", "chat").Str("email", email).Msg("history not recorded")
	}

	utils.RespondJSON(w, http.StatusOK, chatResponse{
		SessionID: sessionID,
		Response:  reply.String(),
		Messages:  messages,
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	email, ok := middleware.UserFromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	history, err := h.users.History(email)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "user not found")
		return
	}
	if history == nil {
		history = [][]chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := h.sessions.Transcript(r.Context(), sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
	})
}
