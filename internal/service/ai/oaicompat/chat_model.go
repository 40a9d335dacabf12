// Package oaicompat adapts OpenAI-compatible chat completion endpoints (Groq,
// OpenAI, vLLM gateways) to eino's chat model interface.
package oaicompat

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	pkgerrors "github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// DefaultBaseURL points at Groq's OpenAI-compatible API.
const DefaultBaseURL = "https://api.groq.com/openai/v1"

var ErrToolsUnsupported = errors.New("oaicompat: tool binding is not supported")

// Config selects the endpoint and default model.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// ChatModel implements model.ChatModel on top of go-openai.
type ChatModel struct {
	client *openai.Client
	model  string
}

// NewChatModel builds a client for cfg.
func NewChatModel(cfg Config) (*ChatModel, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("oaicompat: model is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = DefaultBaseURL
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &ChatModel{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// Generate performs a blocking completion.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	req := m.buildRequest(input, opts)

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("oaicompat: no choices in response")
	}
	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

// Stream performs a streaming completion. Each non-empty delta becomes one
// assistant message chunk on the returned reader.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	req := m.buildRequest(input, opts)
	req.Stream = true

	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create chat completion stream")
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go func() {
		defer writer.Close()
		defer stream.Close()

		for {
			resp, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				return
			}
			if recvErr != nil {
				writer.Send(nil, pkgerrors.Wrap(recvErr, "receive completion chunk"))
				return
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if closed := writer.Send(schema.AssistantMessage(choice.Delta.Content, nil), nil); closed {
					return
				}
			}
		}
	}()

	return reader, nil
}

// BindTools is not supported by this adapter.
func (m *ChatModel) BindTools(_ []*schema.ToolInfo) error {
	return ErrToolsUnsupported
}

func (m *ChatModel) buildRequest(input []*schema.Message, opts []model.Option) openai.ChatCompletionRequest {
	options := model.GetCommonOptions(&model.Options{}, opts...)

	req := openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(input)),
	}
	for _, msg := range input {
		if msg == nil {
			continue
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	if options.Model != nil && *options.Model != "" {
		req.Model = *options.Model
	}
	if options.Temperature != nil {
		req.Temperature = *options.Temperature
		// The request field is omitempty; a zero would be dropped on the wire.
		if req.Temperature == 0 {
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	if options.TopP != nil {
		req.TopP = *options.TopP
	}
	if len(options.Stop) > 0 {
		req.Stop = options.Stop
	}
	return req
}
