package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"nexuschat/internal/config"
	"nexuschat/internal/models"
)

// Service adapts an eino chat model to the turn runner's streaming contract.
type Service struct {
	chatModel model.BaseChatModel
}

// New constructs the inference adapter for the configured provider.
func New(ctx context.Context, provider, modelName string, cfg *config.Config) (*Service, error) {
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	return &Service{chatModel: chatModel}, nil
}

// StreamReply submits the transcript and forwards each non-empty fragment to
// emit in arrival order. The returned string is the exact concatenation of
// everything emitted.
func (s *Service) StreamReply(ctx context.Context, history []models.Message, emit func(string) error) (string, error) {
	if len(history) == 0 {
		return "", errors.New("history cannot be empty")
	}

	streamReader, err := s.chatModel.Stream(ctx, convertMessages(history))
	if err != nil {
		return "", fmt.Errorf("open model stream: %w", err)
	}
	defer streamReader.Close()

	var reply strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("model stream: %w", err)
		}
		if chunk.Content == "" {
			continue
		}
		reply.WriteString(chunk.Content)
		if emit != nil {
			if err := emit(chunk.Content); err != nil {
				return "", err
			}
		}
	}
	return reply.String(), nil
}

func convertMessages(history []models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}
