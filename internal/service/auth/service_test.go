package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/auth"
)

func newService(t *testing.T, now func() time.Time) *auth.Service {
	t.Helper()
	svc, err := auth.New(auth.Options{
		Secret:     "test-secret",
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
		Now:        now,
	})
	require.NoError(t, err)
	return svc
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "Alice@Example.com", "s3cret"))

	token, err := svc.Login(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	email, err := svc.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email)
}

func TestRegisterValidation(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Register(ctx, "not-an-email", "pw"), auth.ErrInvalidEmail)
	assert.ErrorIs(t, svc.Register(ctx, "bob@example.com", ""), auth.ErrInvalidPassword)
	assert.ErrorIs(t, svc.Register(ctx, "bob@example.com", strings.Repeat("x", 73)), auth.ErrInvalidPassword)

	require.NoError(t, svc.Register(ctx, "bob@example.com", "pw"))
	assert.ErrorIs(t, svc.Register(ctx, "BOB@example.com", "other"), auth.ErrUserExists)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()
	require.NoError(t, svc.Register(ctx, "carol@example.com", "right"))

	_, err := svc.Login(ctx, "carol@example.com", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody@example.com", "right")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	svc := newService(t, func() time.Time { return clock })
	ctx := context.Background()
	require.NoError(t, svc.Register(ctx, "dave@example.com", "pw"))

	token, err := svc.Login(ctx, "dave@example.com", "pw")
	require.NoError(t, err)

	clock = now.Add(2 * time.Hour)
	_, err = svc.Verify(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	other, err := auth.New(auth.Options{Secret: "another-secret", BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	require.NoError(t, other.Register(ctx, "dave@example.com", "pw"))
	foreign, err := other.Login(ctx, "dave@example.com", "pw")
	require.NoError(t, err)

	clock = now
	_, err = svc.Verify(ctx, foreign)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = svc.Verify(ctx, "garbage")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestHistoryKeepsSnapshots(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()
	require.NoError(t, svc.Register(ctx, "erin@example.com", "pw"))

	transcript := []chat.Message{chat.UserMessage("hi"), chat.AssistantMessage("hello")}
	require.NoError(t, svc.AppendHistory("erin@example.com", transcript))
	transcript[0].Content = "mutated"

	history, err := svc.History("erin@example.com")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0][0].Content)

	assert.ErrorIs(t, svc.AppendHistory("ghost@example.com", transcript), auth.ErrUserNotFound)
	_, err = svc.History("ghost@example.com")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}
