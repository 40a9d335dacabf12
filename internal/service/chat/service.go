package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrEmptyTurn       = errors.New("turn requires at least one message")
)

type transcript struct {
	createdAt time.Time
	updatedAt time.Time
	messages  []chat.Message
}

// Service holds every transcript of the process. State is volatile and lost
// on restart.
type Service struct {
	mu          sync.RWMutex
	transcripts map[string]*transcript
	now         func() time.Time
}

// NewService returns an empty transcript store.
func NewService() *Service {
	return NewServiceWithClock(func() time.Time { return time.Now().UTC() })
}

// NewServiceWithClock returns an empty transcript store stamping updates with now.
func NewServiceWithClock(now func() time.Time) *Service {
	return &Service{
		transcripts: make(map[string]*transcript),
		now:         now,
	}
}

// Create provisions an empty transcript. An empty id allocates a fresh one.
func (s *Service) Create(_ context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transcripts[id]; ok {
		return "", ErrSessionExists
	}
	s.transcripts[id] = &transcript{
		createdAt: now,
		updatedAt: now,
		messages:  make([]chat.Message, 0, 16),
	}
	return id, nil
}

// Ensure returns id, creating its transcript when absent.
func (s *Service) Ensure(ctx context.Context, id string) (string, error) {
	if id != "" && s.Exists(id) {
		return id, nil
	}
	created, err := s.Create(ctx, id)
	if errors.Is(err, ErrSessionExists) {
		return id, nil
	}
	return created, err
}

// Exists reports whether a transcript is stored under id.
func (s *Service) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.transcripts[id]
	return ok
}

// Append adds messages to the transcript as one unit. Readers never observe
// a subset of the batch.
func (s *Service) Append(_ context.Context, id string, messages ...chat.Message) error {
	if len(messages) == 0 {
		return ErrEmptyTurn
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transcripts[id]
	if !ok {
		return ErrSessionNotFound
	}

	now := s.now()
	for _, msg := range messages {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		t.messages = append(t.messages, msg)
	}
	t.updatedAt = now
	return nil
}

// LoadTranscript returns a copy of the stored messages for id.
func (s *Service) LoadTranscript(_ context.Context, id string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transcripts[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Message, len(t.messages))
	copy(copied, t.messages)
	return copied, nil
}

// Get returns the full transcript snapshot for id.
func (s *Service) Get(_ context.Context, id string) (chat.Transcript, error) {
	s.mu.RLock()
	t, ok := s.transcripts[id]
	if !ok {
		s.mu.RUnlock()
		return chat.Transcript{}, ErrSessionNotFound
	}
	snapshot := chat.Transcript{
		ID:        id,
		CreatedAt: t.createdAt,
		UpdatedAt: t.updatedAt,
		Messages:  append([]chat.Message(nil), t.messages...),
	}
	s.mu.RUnlock()
	return snapshot, nil
}

// IdleSince lists transcripts whose last update is older than cutoff.
func (s *Service) IdleSince(cutoff time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, t := range s.transcripts {
		if t.updatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Delete drops the transcript stored under id.
func (s *Service) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transcripts[id]; !ok {
		return false
	}
	delete(s.transcripts, id)
	return true
}

// DeleteIdle drops the transcript under id only if it is still older than cutoff.
func (s *Service) DeleteIdle(id string, cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[id]
	if !ok || !t.updatedAt.Before(cutoff) {
		return false
	}
	delete(s.transcripts, id)
	return true
}

// Len returns how many transcripts are held.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transcripts)
}
