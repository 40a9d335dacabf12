package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/z-relay/backend/internal/model/chat"
	chat "github.com/zhouzirui/z-relay/backend/internal/service/chat"
)

func TestServiceCreateAllocatesID(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	id, err := svc.Create(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, svc.Exists(id))

	messages, err := svc.LoadTranscript(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestServiceCreateRejectsDuplicate(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	_, err := svc.Create(ctx, "abc")
	require.NoError(t, err)

	_, err = svc.Create(ctx, "abc")
	assert.ErrorIs(t, err, chat.ErrSessionExists)
}

func TestServiceEnsureKeepsExisting(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	id, err := svc.Create(ctx, "keep")
	require.NoError(t, err)
	require.NoError(t, svc.Append(ctx, id, model.UserMessage("hi")))

	got, err := svc.Ensure(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "keep", got)

	messages, err := svc.LoadTranscript(ctx, got)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestServiceLoadTranscriptNotFound(t *testing.T) {
	svc := chat.NewService()

	_, err := svc.LoadTranscript(context.Background(), "missing")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
}

func TestServiceAppendKeepsOrderAndCopies(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()
	id, err := svc.Create(ctx, "")
	require.NoError(t, err)

	require.NoError(t, svc.Append(ctx, id, model.UserMessage("one"), model.AssistantMessage("two")))
	require.NoError(t, svc.Append(ctx, id, model.UserMessage("three"), model.AssistantMessage("four")))

	messages, err := svc.LoadTranscript(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	for i, want := range []string{"one", "two", "three", "four"} {
		assert.Equal(t, want, messages[i].Content)
	}

	messages[0].Content = "mutated"
	again, err := svc.LoadTranscript(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "one", again[0].Content)
}

func TestServiceAppendRejectsEmptyAndUnknown(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	assert.ErrorIs(t, svc.Append(ctx, "missing", model.UserMessage("x")), chat.ErrSessionNotFound)

	id, err := svc.Create(ctx, "")
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Append(ctx, id), chat.ErrEmptyTurn)
}

func TestServiceConcurrentTurnsStayPaired(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()
	id, err := svc.Create(ctx, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Append(ctx, id, model.UserMessage("q"), model.AssistantMessage("a"))
		}()
	}
	wg.Wait()

	messages, err := svc.LoadTranscript(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 100)
	for i := 0; i < len(messages); i += 2 {
		assert.Equal(t, model.RoleUser, messages[i].Role)
		assert.Equal(t, model.RoleAssistant, messages[i+1].Role)
	}
}

func TestServiceIdleSinceAndDelete(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := chat.NewServiceWithClock(func() time.Time { return now })
	ctx := context.Background()

	old, err := svc.Create(ctx, "old")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = svc.Create(ctx, "fresh")
	require.NoError(t, err)

	idle := svc.IdleSince(now.Add(-30 * time.Minute))
	assert.Equal(t, []string{old}, idle)

	assert.True(t, svc.Delete(old))
	assert.False(t, svc.Delete(old))
	assert.Equal(t, 1, svc.Len())
}
