package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/schema"
	"github.com/sony/gobreaker"
)

// FailureKind classifies why a reply degraded to the fallback fragment.
type FailureKind string

const (
	FailureUpstream     FailureKind = "upstream"
	FailureTimeout      FailureKind = "timeout"
	FailureUnavailable  FailureKind = "unavailable"
	FailureInvalidInput FailureKind = "invalid_input"
	FailureCanceled     FailureKind = "canceled"
)

// UpstreamFailure is the tagged failure carried by a degraded Reply.
type UpstreamFailure struct {
	Kind FailureKind
	Err  error
}

func (f *UpstreamFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("llm %s failure", f.Kind)
	}
	return fmt.Sprintf("llm %s failure: %v", f.Kind, f.Err)
}

func (f *UpstreamFailure) Unwrap() error { return f.Err }

// Reply is a lazy, finite, single-pass sequence of reply fragments. When the
// upstream call fails, the sequence ends with exactly one fallback fragment
// and Err reports the tagged failure. A Reply is not safe for concurrent use.
type Reply struct {
	parent   context.Context
	stream   *schema.StreamReader[*schema.Message]
	cancel   context.CancelFunc
	done     func(success bool)
	fallback string
	failure  *UpstreamFailure
	finished bool
}

func newFailedReply(parent context.Context, fallback string, failure *UpstreamFailure) *Reply {
	return &Reply{parent: parent, fallback: fallback, failure: failure}
}

// Next returns the next non-empty fragment, or false once the sequence is exhausted.
func (r *Reply) Next() (string, bool) {
	if r.finished {
		return "", false
	}
	if r.failure != nil {
		return r.degrade()
	}

	for {
		chunk, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			r.finish(true)
			return "", false
		}
		if err != nil {
			r.failure = classify(r.parent, err)
			return r.degrade()
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, true
	}
}

// Err returns the tagged failure, if any, once the sequence is exhausted or degraded.
func (r *Reply) Err() error {
	if r.failure == nil {
		return nil
	}
	return r.failure
}

// Failure returns the tagged failure, or nil for a healthy reply.
func (r *Reply) Failure() *UpstreamFailure {
	return r.failure
}

// Close releases the upstream call. Safe to call more than once.
func (r *Reply) Close() {
	if r.finished {
		return
	}
	// An abandoned reply is not an upstream fault.
	r.finish(true)
}

func (r *Reply) degrade() (string, bool) {
	r.finish(false)
	if r.failure.Kind == FailureCanceled {
		return "", false
	}
	return r.fallback, true
}

func (r *Reply) finish(success bool) {
	r.finished = true
	if r.stream != nil {
		r.stream.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		if r.failure != nil && r.failure.Kind == FailureCanceled {
			success = true
		}
		r.done(success)
		r.done = nil
	}
}

func classify(parent context.Context, err error) *UpstreamFailure {
	switch {
	case parent != nil && parent.Err() != nil:
		return &UpstreamFailure{Kind: FailureCanceled, Err: parent.Err()}
	case errors.Is(err, context.DeadlineExceeded):
		return &UpstreamFailure{Kind: FailureTimeout, Err: err}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &UpstreamFailure{Kind: FailureUnavailable, Err: err}
	default:
		return &UpstreamFailure{Kind: FailureUpstream, Err: err}
	}
}
