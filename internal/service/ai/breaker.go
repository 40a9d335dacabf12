package ai

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

// breaker guards upstream calls. A nil breaker admits every call.
type breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func newBreaker(name string, cfg config.BreakerConfig) *breaker {
	if !cfg.Enabled {
		return nil
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("component", "llm_bridge").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
	return &breaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// allow admits one call and returns the callback that records its outcome.
// While half-open, calls beyond the trial quota run unrecorded so that one
// slow trial call cannot stall every other session.
func (b *breaker) allow() (func(success bool), error) {
	if b == nil {
		return func(bool) {}, nil
	}
	done, err := b.cb.Allow()
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return func(bool) {}, nil
	}
	return done, err
}

func (b *breaker) state() gobreaker.State {
	if b == nil {
		return gobreaker.StateClosed
	}
	return b.cb.State()
}
