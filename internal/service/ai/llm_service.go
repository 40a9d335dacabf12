package ai

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

var (
	ErrNoUserMessage = errors.New("conversation has no user message")
	ErrNotConfigured = errors.New("llm is not configured")
)

// Service turns a conversation into one streamed model reply.
type Service struct {
	chatModel    model.ChatModel
	cfg          config.AIConfig
	chain        compose.Runnable[map[string]any, *schema.Message]
	breaker      *breaker
	systemPrompt string
	fallback     string
}

// NewService builds the chat model described by cfg and wraps it.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}
	return NewServiceWithModel(ctx, chatModel, cfg)
}

// NewServiceWithModel wraps an existing chat model. A nil model yields a
// service whose every reply is the fallback fragment.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, cfg config.AIConfig) (*Service, error) {
	svc := &Service{
		chatModel:    chatModel,
		cfg:          cfg,
		breaker:      newBreaker("llm-"+cfg.Provider, cfg.Breaker),
		systemPrompt: cfg.SystemPrompt,
		fallback:     cfg.FallbackMessage,
	}
	if svc.systemPrompt == "" {
		svc.systemPrompt = DefaultSystemPrompt
	}
	if svc.fallback == "" {
		svc.fallback = DefaultFallbackMessage
	}

	if chatModel == nil {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, err
	}
	svc.chain = runnable
	return svc, nil
}

// Ready reports whether an upstream model is wired.
func (s *Service) Ready() bool {
	return s != nil && s.chain != nil
}

// GetChatModel returns the underlying chat model.
func (s *Service) GetChatModel() model.ChatModel {
	return s.chatModel
}

// Stream starts one completion over messages and returns its fragments.
// The system instruction is prepended for this call only; messages are not
// modified. Failures never surface as errors: the reply degrades to the
// fallback fragment and carries the tagged failure.
func (s *Service) Stream(ctx context.Context, messages []chat.Message) *Reply {
	history := buildHistoryMessages(messages)
	if !hasUserMessage(history) {
		return newFailedReply(ctx, s.fallback, &UpstreamFailure{Kind: FailureInvalidInput, Err: ErrNoUserMessage})
	}
	if !s.Ready() {
		return newFailedReply(ctx, s.fallback, &UpstreamFailure{Kind: FailureUnavailable, Err: ErrNotConfigured})
	}

	done, err := s.breaker.allow()
	if err != nil {
		log.Warn().Err(err).Str("component", "llm_bridge").Str("state", s.breaker.state().String()).Msg("upstream call rejected")
		return newFailedReply(ctx, s.fallback, classify(ctx, err))
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if s.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	log.Debug().Str("component", "llm_bridge").Int("messages", len(history)+1).Msg("sending completion request")

	input := map[string]any{
		"system":  s.systemPrompt,
		"history": history,
	}
	stream, err := s.chain.Stream(callCtx, input, compose.WithChatModelOption(s.modelOptions()...))
	if err != nil {
		cancel()
		failure := classify(ctx, err)
		done(failure.Kind == FailureCanceled)
		log.Error().Err(err).Str("component", "llm_bridge").Str("kind", string(failure.Kind)).Msg("completion request failed")
		return newFailedReply(ctx, s.fallback, failure)
	}

	return &Reply{
		parent:   ctx,
		stream:   stream,
		cancel:   cancel,
		done:     done,
		fallback: s.fallback,
	}
}

func (s *Service) modelOptions() []model.Option {
	var opts []model.Option
	if s.cfg.Model != "" {
		opts = append(opts, model.WithModel(s.cfg.Model))
	}
	if s.cfg.Temperature != nil {
		opts = append(opts, model.WithTemperature(float32(*s.cfg.Temperature)))
	}
	if s.cfg.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*s.cfg.MaxTokens))
	}
	if s.cfg.TopP != nil {
		opts = append(opts, model.WithTopP(float32(*s.cfg.TopP)))
	}
	if len(s.cfg.Stop) > 0 {
		opts = append(opts, model.WithStop(s.cfg.Stop))
	}
	return opts
}

// buildHistoryMessages maps stored turns onto model messages. Stored system
// messages are dropped; the instruction is injected by the prompt template.
func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}

func hasUserMessage(history []*schema.Message) bool {
	for _, msg := range history {
		if msg.Role == schema.User {
			return true
		}
	}
	return false
}
