package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	authservice "github.com/zhouzirui/z-relay/backend/internal/service/auth"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// Accounts registers users and issues tokens.
type Accounts interface {
	Register(ctx context.Context, email, password string) error
	Login(ctx context.Context, email, password string) (string, error)
}

// Handler serves account endpoints.
type Handler struct {
	accounts Accounts
}

// New creates an account handler.
func New(accounts Accounts) *Handler {
	return &Handler{accounts: accounts}
}

// RegisterRoutes mounts /register and /login.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.accounts.Register(r.Context(), payload.Email, payload.Password)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully"})
	case errors.Is(err, authservice.ErrUserExists):
		utils.RespondError(w, http.StatusBadRequest, "Email already registered")
	case errors.Is(err, authservice.ErrInvalidEmail), errors.Is(err, authservice.ErrInvalidPassword):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("component", "auth").Msg("register failed")
		utils.RespondError(w, http.StatusInternalServerError, "registration failed")
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.accounts.Login(r.Context(), payload.Email, payload.Password)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusOK, map[string]string{"token": token, "token_type": "bearer"})
	case errors.Is(err, authservice.ErrInvalidCredentials):
		utils.RespondError(w, http.StatusUnauthorized, "Invalid credentials")
	default:
		log.Error().Err(err).Str("component", "auth").Msg("login failed")
		utils.RespondError(w, http.StatusInternalServerError, "login failed")
	}
}
