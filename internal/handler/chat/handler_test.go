package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/middleware"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai/aitest"
	authservice "github.com/zhouzirui/z-relay/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
)

type fixture struct {
	router *chi.Mux
	mux    *session.Multiplexer
	token  string
}

func setupRouter(t *testing.T, model *aitest.Model) fixture {
	t.Helper()
	ctx := context.Background()

	bridge, err := ai.NewServiceWithModel(ctx, model, config.AIConfig{})
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}
	mux := session.New(chatservice.NewService(), bridge, session.Options{})

	users, err := authservice.New(authservice.Options{Secret: "secret", BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("auth.New err: %v", err)
	}
	if err := users.Register(ctx, "user@example.com", "pw"); err != nil {
		t.Fatalf("Register err: %v", err)
	}
	token, err := users.Login(ctx, "user@example.com", "pw")
	if err != nil {
		t.Fatalf("Login err: %v", err)
	}

	handler := New(mux, users)
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(users))
		handler.RegisterProtectedRoutes(r)
	})
	return fixture{router: r, mux: mux, token: token}
}

func (f fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func TestChatCreatesSessionAndRecordsHistory(t *testing.T) {
	f := setupRouter(t, &aitest.Model{Replies: map[string][]string{"hi": {"Hel", "lo!"}}})

	resp := f.do(http.MethodPost, "/chat", f.token, map[string]string{"message": "hi"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body chatResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if body.Response != "Hello!" {
		t.Fatalf("expected Hello!, got %q", body.Response)
	}
	if len(body.Messages) != 2 || body.Messages[0].Content != "hi" || body.Messages[1].Content != "Hello!" {
		t.Fatalf("unexpected transcript: %+v", body.Messages)
	}

	resp = f.do(http.MethodPost, "/chat", f.token, map[string]string{"message": "again", "session_id": body.SessionID})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = f.do(http.MethodGet, "/history", f.token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var history struct {
		History [][]json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.History) != 2 || len(history.History[0]) != 2 || len(history.History[1]) != 4 {
		t.Fatalf("unexpected history shape: %d snapshots", len(history.History))
	}
}

func TestChatRequiresToken(t *testing.T) {
	f := setupRouter(t, &aitest.Model{})

	if resp := f.do(http.MethodPost, "/chat", "", map[string]string{"message": "hi"}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if resp := f.do(http.MethodGet, "/history", "forged", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := setupRouter(t, &aitest.Model{})

	if resp := f.do(http.MethodPost, "/chat", f.token, map[string]string{"message": "  "}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	f := setupRouter(t, &aitest.Model{})

	if resp := f.do(http.MethodGet, "/sessions/unknown/messages", "", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	id, err := f.mux.Open(context.Background(), func(chat.Event) error { return nil })
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	f.mux.Close(id)

	resp := f.do(http.MethodGet, "/sessions/"+id+"/messages", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		SessionID string            `json:"session_id"`
		Messages  []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionID != id || len(body.Messages) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
}
