package stream

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// Sessions is the part of the multiplexer that serves one SSE turn.
type Sessions interface {
	Submit(ctx context.Context, id, text string, emit session.Emitter) error
	Transcript(ctx context.Context, id string) ([]chat.Message, error)
}

// Handler streams one turn as Server-Sent Events.
type Handler struct {
	sessions Sessions
}

// New creates a stream handler.
func New(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes mounts GET /stream/{sessionID}.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userMessage := r.URL.Query().Get("message")
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	if _, err := h.sessions.Transcript(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.HandleStreamRequest(r.Context(), w, sessionID, userMessage); err != nil {
		log.Warn().Err(err).Str("component", "stream").Str("session_id", sessionID).Msg("stream ended with error")
	}
}

// HandleStreamRequest runs one turn on sessionID and writes every event as an
// SSE data frame.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID, userMessage string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return errors.New("streaming unsupported")
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	emit := func(e chat.Event) error {
		return utils.SendSSEChunk(w, flusher, e)
	}

	if err := emit(chat.Event{Type: chat.EventMessageReceived, SessionID: sessionID, Status: "processing"}); err != nil {
		return err
	}

	err := h.sessions.Submit(ctx, sessionID, userMessage, emit)
	if err == nil {
		log.Debug().Str("component", "stream").Str("session_id", sessionID).Msg("completed response")
		return nil
	}

	var (
		connFault *session.ConnectionFault
		turnFault *session.TurnFault
	)
	switch {
	case errors.As(err, &connFault), errors.As(err, &turnFault), ctx.Err() != nil:
		// Nothing more can or should be written.
	default:
		_ = emit(chat.ErrorEvent(sessionID, session.ErrorMessage))
	}
	return err
}
