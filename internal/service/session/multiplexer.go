package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
)

// DefaultGreeting is the assistant message every new session starts with.
const DefaultGreeting = "Hello! I'm your AI assistant. How can I help you?"

// ErrorMessage is the client-facing text of an error event.
const ErrorMessage = "LLM processing error."

// Emitter delivers one event to the connection that owns a session.
type Emitter func(chat.Event) error

// Bridge produces the streamed reply for a conversation.
type Bridge interface {
	Stream(ctx context.Context, messages []chat.Message) *ai.Reply
}

// Store holds transcripts independently of live sessions.
type Store interface {
	Create(ctx context.Context, id string) (string, error)
	Ensure(ctx context.Context, id string) (string, error)
	Append(ctx context.Context, id string, messages ...chat.Message) error
	LoadTranscript(ctx context.Context, id string) ([]chat.Message, error)
	IdleSince(cutoff time.Time) []string
	Delete(id string) bool
	DeleteIdle(id string, cutoff time.Time) bool
}

// Options tunes a Multiplexer. Zero values select defaults; a zero IdleTTL
// disables eviction.
type Options struct {
	Greeting      string
	IdleTTL       time.Duration
	EvictInterval time.Duration
}

type liveSession struct {
	id     string
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *liveSession) setState(state State) {
	s.state.Store(int32(state))
}

type turnLock struct {
	sem  chan struct{}
	refs int
}

// Multiplexer binds live connections to transcripts and drives one Bridge
// call per submitted message. Turns on the same transcript are serialized;
// turns on different transcripts never wait on each other.
type Multiplexer struct {
	store    Store
	bridge   Bridge
	greeting string

	idleTTL       time.Duration
	evictInterval time.Duration

	mu           sync.Mutex
	sessions     map[string]*liveSession
	turns        map[string]*turnLock
	evictRunning bool
}

// New returns a Multiplexer over store and bridge.
func New(store Store, bridge Bridge, opts Options) *Multiplexer {
	greeting := strings.TrimSpace(opts.Greeting)
	if greeting == "" {
		greeting = DefaultGreeting
	}
	interval := opts.EvictInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Multiplexer{
		store:         store,
		bridge:        bridge,
		greeting:      greeting,
		idleTTL:       opts.IdleTTL,
		evictInterval: interval,
		sessions:      make(map[string]*liveSession),
		turns:         make(map[string]*turnLock),
	}
}

// Open allocates a session with an empty transcript, stores the greeting and
// emits the session id followed by the greeting.
func (m *Multiplexer) Open(ctx context.Context, emit Emitter) (string, error) {
	id, err := m.store.Create(ctx, "")
	if err != nil {
		return "", errors.Wrap(err, "create transcript")
	}
	if err := m.store.Append(ctx, id, chat.AssistantMessage(m.greeting)); err != nil {
		m.store.Delete(id)
		return "", errors.Wrap(err, "store greeting")
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &liveSession{id: id, ctx: sessionCtx, cancel: cancel}
	s.setState(StateConnected)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	log.Info().Str("component", "session_mux").Str("session_id", id).Msg("session opened")

	events := []chat.Event{
		{Type: chat.EventSessionID, SessionID: id},
		{Type: chat.EventInitialMessage, SessionID: id, Content: m.greeting},
	}
	for _, event := range events {
		if err := emit(event); err != nil {
			m.Close(id)
			return id, &ConnectionFault{SessionID: id, Err: err}
		}
	}

	s.setState(StateAwaitingInput)
	return id, nil
}

// Submit runs one streaming turn on id: every reply fragment is emitted as a
// stream event in production order, then a stream_end event. The user message
// and the assembled reply are appended together once the reply completes. A
// cancelled turn appends nothing.
func (m *Multiplexer) Submit(ctx context.Context, id, text string, emit Emitter) (err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	live, err := m.lookup(id)
	if err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if live != nil {
		stop := context.AfterFunc(live.ctx, cancel)
		defer stop()
	}

	unlock, err := m.lockTurn(turnCtx, id)
	if err != nil {
		return err
	}
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "session_mux").Str("session_id", id).Interface("panic", r).Msg("turn panicked")
			if emitErr := emit(chat.ErrorEvent(id, ErrorMessage)); emitErr != nil {
				log.Debug().Err(emitErr).Str("component", "session_mux").Str("session_id", id).Msg("error event not delivered")
			}
			m.Close(id)
			err = &TurnFault{SessionID: id, Value: r}
		}
	}()

	history, err := m.store.LoadTranscript(turnCtx, id)
	if err != nil {
		return err
	}

	if live != nil {
		live.setState(StateStreaming)
	}

	userMsg := chat.UserMessage(text)
	reply := m.bridge.Stream(turnCtx, append(history, userMsg))
	defer reply.Close()

	var content strings.Builder
	for {
		fragment, ok := reply.Next()
		if !ok {
			break
		}
		content.WriteString(fragment)
		if emitErr := emit(chat.FragmentEvent(id, fragment)); emitErr != nil {
			m.Close(id)
			return &ConnectionFault{SessionID: id, Err: emitErr}
		}
	}

	if failure := reply.Failure(); failure != nil {
		if failure.Kind == ai.FailureCanceled {
			log.Info().Str("component", "session_mux").Str("session_id", id).Msg("turn cancelled")
			return errors.Wrap(context.Cause(turnCtx), "turn cancelled")
		}
		log.Warn().Err(failure).Str("component", "session_mux").Str("session_id", id).Msg("reply degraded to fallback")
	}

	if err := m.store.Append(turnCtx, id, userMsg, chat.AssistantMessage(content.String())); err != nil {
		return errors.Wrap(err, "append turn")
	}

	if emitErr := emit(chat.StreamEndEvent(id)); emitErr != nil {
		m.Close(id)
		return &ConnectionFault{SessionID: id, Err: emitErr}
	}

	if live != nil && State(live.state.Load()) == StateStreaming {
		live.setState(StateAwaitingInput)
	}
	return nil
}

// Close disconnects id and cancels its in-flight turn. The transcript is kept.
func (m *Multiplexer) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.setState(StateDisconnected)
	s.cancel()
	log.Info().Str("component", "session_mux").Str("session_id", id).Msg("session closed")
}

// Transcript returns a snapshot of the messages stored under id.
func (m *Multiplexer) Transcript(ctx context.Context, id string) ([]chat.Message, error) {
	return m.store.LoadTranscript(ctx, id)
}

// Resume makes sure a transcript exists for id so that connectionless callers
// can submit to it. An empty id allocates a new transcript.
func (m *Multiplexer) Resume(ctx context.Context, id string) (string, error) {
	return m.store.Ensure(ctx, strings.TrimSpace(id))
}

// State reports the state of a live session.
func (m *Multiplexer) State(id string) (State, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return StateDisconnected, false
	}
	return State(s.state.Load()), true
}

// Active returns the number of live sessions.
func (m *Multiplexer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// lookup returns the live session for id, or nil when id is only a stored
// transcript.
func (m *Multiplexer) lookup(id string) (*liveSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		if State(s.state.Load()) == StateDisconnected {
			return nil, ErrSessionClosed
		}
		return s, nil
	}
	return nil, nil
}

// lockTurn serializes turns per transcript. Waiting ends early when ctx is done.
func (m *Multiplexer) lockTurn(ctx context.Context, id string) (func(), error) {
	m.mu.Lock()
	tl, ok := m.turns[id]
	if !ok {
		tl = &turnLock{sem: make(chan struct{}, 1)}
		m.turns[id] = tl
	}
	tl.refs++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(m.turns, id)
		}
		m.mu.Unlock()
	}

	select {
	case tl.sem <- struct{}{}:
		return func() {
			<-tl.sem
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, errors.Wrap(context.Cause(ctx), "waiting for turn")
	}
}
