package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-copilot/backend/internal/config"
	applog "github.com/zhouzirui/z-copilot/backend/internal/log"
	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
)

// DefaultSystemPrompt frames the local development model as the copilot.
const DefaultSystemPrompt = "你是一个专业、简洁的投研助手，请使用用户提问的语言回答。"

const historyLimit = 20

// Service streams model output for the local development upstream.
type Service struct {
	systemPrompt string
	chain        compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates a new AI service instance backed by Ark.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, DefaultSystemPrompt)
}

// NewServiceWithModel compiles the prompt chain around an existing model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, systemPrompt string) (*Service, error) {
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
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		systemPrompt: systemPrompt,
		chain:        runnable,
	}, nil
}

// StreamResponse streams model chunks for the given conversation. The last
// message is the user's new prompt.
func (s *Service) StreamResponse(ctx context.Context, messages []chat.Wire) (*schema.StreamReader[*schema.Message], error) {
	history := buildHistoryMessages(messages)
	if len(history) == 0 {
		return nil, fmt.Errorf("conversation is empty")
	}

	stream, err := s.chain.Stream(ctx, map[string]any{
		"system":  s.systemPrompt,
		"history": history,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}

	applog.Debug().Int("history", len(history)).Msg("[ai] streaming response")
	return stream, nil
}

func buildHistoryMessages(messages []chat.Wire) []*schema.Message {
	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
