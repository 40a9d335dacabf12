package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai/aitest"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
)

func startServer(t *testing.T, model *aitest.Model) (*websocket.Conn, *session.Multiplexer) {
	t.Helper()
	bridge, err := ai.NewServiceWithModel(context.Background(), model, config.AIConfig{})
	require.NoError(t, err)
	mux := session.New(chatservice.NewService(), bridge, session.Options{})

	r := chi.NewRouter()
	New(mux).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, mux
}

func readEvent(t *testing.T, conn *websocket.Conn) chat.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e chat.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestWebSocketConversation(t *testing.T) {
	conn, mux := startServer(t, &aitest.Model{Replies: map[string][]string{"hi": {"Hel", "lo!"}}})

	first := readEvent(t, conn)
	require.Equal(t, chat.EventSessionID, first.Type)
	sessionID := first.SessionID
	require.NotEmpty(t, sessionID)

	greeting := readEvent(t, conn)
	assert.Equal(t, chat.EventInitialMessage, greeting.Type)
	assert.Equal(t, session.DefaultGreeting, greeting.Content)

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "hi"}))

	received := readEvent(t, conn)
	assert.Equal(t, chat.EventMessageReceived, received.Type)
	assert.Equal(t, "processing", received.Status)

	assert.Equal(t, chat.FragmentEvent(sessionID, "Hel"), readEvent(t, conn))
	assert.Equal(t, chat.FragmentEvent(sessionID, "lo!"), readEvent(t, conn))
	assert.Equal(t, chat.StreamEndEvent(sessionID), readEvent(t, conn))

	msgs, err := mux.Transcript(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hello!", msgs[2].Content)
}

func TestWebSocketInvalidFrame(t *testing.T) {
	conn, _ := startServer(t, &aitest.Model{})
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	e := readEvent(t, conn)
	assert.Equal(t, chat.EventError, e.Type)
	assert.Equal(t, "Invalid message format.", e.Message)

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "ping"}))
	assert.Equal(t, chat.EventMessageReceived, readEvent(t, conn).Type)
	assert.Equal(t, "echo: ", readEvent(t, conn).Content)
	assert.Equal(t, "ping", readEvent(t, conn).Content)
	assert.Equal(t, chat.EventStreamEnd, readEvent(t, conn).Type)
}

func TestWebSocketDisconnectClosesSession(t *testing.T) {
	conn, mux := startServer(t, &aitest.Model{})
	id := readEvent(t, conn).SessionID
	readEvent(t, conn)

	require.Equal(t, 1, mux.Active())
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return mux.Active() == 0 }, 5*time.Second, 10*time.Millisecond)

	msgs, err := mux.Transcript(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
