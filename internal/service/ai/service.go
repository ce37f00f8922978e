package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/lumenwell/serenity/backend/internal/config"
	"github.com/lumenwell/serenity/backend/internal/model/chat"
)

// Service 使用 eino chain 为对话生成陪伴式回复。
type Service struct {
	cfg          config.AIConfig
	systemPrompt string
	chain        compose.Runnable[map[string]any, *schema.Message]
}

// NewService 根据配置创建模型并编译对话 chain。
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg)
}

// NewServiceWithModel 使用给定模型编译对话 chain。
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig) (*Service, error) {
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
		cfg:          cfg,
		systemPrompt: BuildSystemPrompt(cfg.SystemPrompt),
		chain:        runnable,
	}, nil
}

// StreamingEnabled 指示是否开启 SSE 流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// GenerateReply 一次性生成完整回复。
func (s *Service) GenerateReply(ctx context.Context, turns []chat.Turn) (*schema.Message, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(turns))
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Printf("[ai] generated reply, turns=%d, length=%d", len(turns), len(response.Content))
	return response, nil
}

// StreamReply 以流的形式返回回复分片。
func (s *Service) StreamReply(ctx context.Context, turns []chat.Turn) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}

	stream, err := s.chain.Stream(ctx, s.buildChainInput(turns))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(turns []chat.Turn) map[string]any {
	return map[string]any{
		"system":  s.systemPrompt,
		"history": buildHistoryMessages(turns, s.cfg.HistoryLimit),
	}
}

// buildHistoryMessages 只保留最近 limit 条 user/assistant 消息，limit <= 0 表示不截断。
// 客户端传入的 system 消息会被忽略，系统提示词只由服务端决定。
func buildHistoryMessages(turns []chat.Turn, limit int) []*schema.Message {
	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}

	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}
