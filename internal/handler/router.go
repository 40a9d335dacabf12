package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	authhandler "github.com/zhouzirui/z-relay/backend/internal/handler/auth"
	"github.com/zhouzirui/z-relay/backend/internal/handler/chat"
	"github.com/zhouzirui/z-relay/backend/internal/handler/stream"
	"github.com/zhouzirui/z-relay/backend/internal/handler/ws"
	"github.com/zhouzirui/z-relay/backend/internal/middleware"
	authservice "github.com/zhouzirui/z-relay/backend/internal/service/auth"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(sessions *session.Multiplexer, users *authservice.Service, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(corsOrigins))

	authHandler := authhandler.New(users)
	chatHandler := chat.New(sessions, users)
	streamHandler := stream.New(sessions)
	wsHandler := ws.New(sessions)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	r.Group(func(protected chi.Router) {
		protected.Use(middleware.RequireAuth(users))
		chatHandler.RegisterProtectedRoutes(protected)
	})

	return r
}
