// Package aitest provides a scripted chat model for tests that need a Bridge
// without an upstream API.
package aitest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Model streams canned replies keyed by the last user message. Messages
// without a script are answered with "echo: <message>" in two fragments.
type Model struct {
	Replies  map[string][]string
	Failures map[string]error

	mu    sync.Mutex
	calls int
}

func (m *Model) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	stream, err := m.Stream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return schema.ConcatMessages(chunks)
}

func (m *Model) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	last := lastUserContent(input)
	if err, ok := m.Failures[last]; ok {
		return nil, err
	}

	chunks, ok := m.Replies[last]
	if !ok {
		chunks = []string{"echo: ", last}
	}
	return schema.StreamReaderFromArray(toMessages(chunks)), nil
}

func (m *Model) BindTools([]*schema.ToolInfo) error { return nil }

// Calls reports how many streams were opened.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func toMessages(chunks []string) []*schema.Message {
	out := make([]*schema.Message, len(chunks))
	for i, c := range chunks {
		out[i] = schema.AssistantMessage(c, nil)
	}
	return out
}

func lastUserContent(input []*schema.Message) string {
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == schema.User {
			return input[i].Content
		}
	}
	return ""
}
