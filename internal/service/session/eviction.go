package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunEvictionLoop drops idle transcripts every eviction interval until ctx
// is done. It returns immediately when eviction is disabled or a loop is
// already running.
func (m *Multiplexer) RunEvictionLoop(ctx context.Context) error {
	m.mu.Lock()
	if m.evictRunning || m.idleTTL <= 0 {
		m.mu.Unlock()
		return nil
	}
	m.evictRunning = true
	interval := m.evictInterval
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.evictRunning = false
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := m.evictIdleOnce(now); n > 0 {
				log.Info().Str("component", "session_mux").Int("evicted", n).Msg("evicted idle transcripts")
			}
		}
	}
}

// evictIdleOnce deletes transcripts untouched for the idle TTL that have no
// live session and no turn running or queued.
func (m *Multiplexer) evictIdleOnce(now time.Time) int {
	if m.idleTTL <= 0 {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	cutoff := now.Add(-m.idleTTL)
	candidates := m.store.IdleSince(cutoff)
	if len(candidates) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for _, id := range candidates {
		if _, live := m.sessions[id]; live {
			continue
		}
		if _, busy := m.turns[id]; busy {
			continue
		}
		if m.store.DeleteIdle(id, cutoff) {
			evicted++
		}
	}
	return evicted
}
