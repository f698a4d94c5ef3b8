package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/paam/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// ErrEmptyCompletion is returned when the model answers without any content.
var ErrEmptyCompletion = errors.New("no content in completion response")

type CompletionRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

type Completion struct {
	Content      string
	Usage        models.Usage
	Model        string
	FinishReason string
}

// Service calls an OpenAI-compatible chat completion endpoint.
type Service struct {
	llm     llms.Model
	timeout time.Duration
}

func New(baseURL, token, model string, timeout time.Duration) (*Service, error) {
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return NewWithModel(llm, timeout), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, timeout time.Duration) *Service {
	return &Service{llm: model, timeout: timeout}
}

// Complete sends the ordered turns and maps the first choice back. Errors are
// returned as-is; callers classify them.
func (s *Service) Complete(ctx context.Context, turns []Turn, req CompletionRequest) (*Completion, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	messages := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, llms.TextParts(chatMessageType(t.Role), t.Content))
	}

	resp, err := s.llm.GenerateContent(ctx, messages,
		llms.WithModel(req.Model),
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(req.MaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to generate completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return nil, ErrEmptyCompletion
	}

	choice := resp.Choices[0]
	finish := strings.TrimSpace(choice.StopReason)
	if finish == "" {
		finish = "unknown"
	}

	return &Completion{
		Content:      choice.Content,
		Usage:        usageFromGenerationInfo(choice.GenerationInfo),
		Model:        responseModel(choice.GenerationInfo, req.Model),
		FinishReason: finish,
	}, nil
}

func chatMessageType(role models.Role) schema.ChatMessageType {
	switch role {
	case models.RoleSystem:
		return schema.ChatMessageTypeSystem
	case models.RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}

// usageFromGenerationInfo reads the token counters the openai backend reports.
func usageFromGenerationInfo(info map[string]any) models.Usage {
	usage := models.Usage{
		PromptTokens:     intValue(info["PromptTokens"]),
		CompletionTokens: intValue(info["CompletionTokens"]),
		TotalTokens:      intValue(info["TotalTokens"]),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// responseModel prefers the model the backend says answered. The openai
// backend does not report one yet, so the requested model is the usual result.
func responseModel(info map[string]any, requested string) string {
	if m, ok := info["Model"].(string); ok && strings.TrimSpace(m) != "" {
		return m
	}
	return requested
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
