package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	inboxSize    = 8
)

// Sessions is the part of the multiplexer that drives a live connection.
type Sessions interface {
	Open(ctx context.Context, emit session.Emitter) (string, error)
	Submit(ctx context.Context, id, text string, emit session.Emitter) error
	Close(id string)
}

// Handler upgrades /ws/chat and binds each connection to one session.
type Handler struct {
	sessions Sessions
	upgrader websocket.Upgrader
}

// New creates a WebSocket handler.
func New(sessions Sessions) *Handler {
	return &Handler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts GET /ws/chat.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat", h.handleWebSocket)
}

type inboundMessage struct {
	Message string `json:"message"`
}

// connection serializes writes; gorilla allows one concurrent writer.
type connection struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *connection) emit(e chat.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(e)
}

func (c *connection) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "websocket").Msg("upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{conn: conn}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	sessionID, err := h.sessions.Open(ctx, c.emit)
	if err != nil {
		log.Warn().Err(err).Str("component", "websocket").Msg("open session failed")
		return
	}
	defer h.sessions.Close(sessionID)

	logger := log.With().Str("component", "websocket").Str("session_id", sessionID).Logger()
	logger.Info().Msg("connection established")

	go h.pingLoop(ctx, c)

	inbox := make(chan string, inboxSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.turnLoop(ctx, cancel, c, sessionID, inbox)
	}()
	defer wg.Wait()
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := c.emit(chat.ErrorEvent(sessionID, "Invalid message format.")); err != nil {
				return
			}
			continue
		}

		if err := c.emit(chat.Event{Type: chat.EventMessageReceived, SessionID: sessionID, Status: "processing"}); err != nil {
			return
		}

		select {
		case inbox <- msg.Message:
		case <-ctx.Done():
			return
		}
	}
}

// turnLoop runs queued messages one at a time so that the read loop keeps
// observing the connection while a turn streams.
func (h *Handler) turnLoop(ctx context.Context, cancel context.CancelFunc, c *connection, sessionID string, inbox <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-inbox:
			err := h.sessions.Submit(ctx, sessionID, text, c.emit)
			if err == nil {
				continue
			}

			var (
				connFault *session.ConnectionFault
				turnFault *session.TurnFault
			)
			switch {
			case errors.As(err, &connFault), errors.As(err, &turnFault), errors.Is(err, session.ErrSessionClosed):
				log.Warn().Err(err).Str("component", "websocket").Str("session_id", sessionID).Msg("session terminated")
				cancel()
				_ = c.conn.Close()
				return
			case ctx.Err() != nil:
				return
			case errors.Is(err, session.ErrEmptyMessage):
				_ = c.emit(chat.ErrorEvent(sessionID, "Message must not be empty."))
			default:
				log.Error().Err(err).Str("component", "websocket").Str("session_id", sessionID).Msg("turn failed")
				_ = c.emit(chat.ErrorEvent(sessionID, session.ErrorMessage))
			}
		}
	}
}

func (h *Handler) pingLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
