package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/RichardoC/paam/internal/config"
	"github.com/RichardoC/paam/internal/llm"
	"github.com/RichardoC/paam/internal/models"
	"go.uber.org/zap"
)

// Sends a single prompt upstream with the server's configuration and prints
// the reply. Useful for checking LLM_BASE_URL and credentials.
func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	prompt := flag.String("prompt", "What would be a good company name for a company that makes colorful socks?", "Prompt to send")
	system := flag.String("system", "", "Optional system prompt")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	service, err := llm.New(cfg.LLMBaseURL, cfg.OpenAIAPIKey, cfg.DefaultModel, cfg.LLMTimeout)
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}

	var systemPrompt *string
	if *system != "" {
		systemPrompt = system
	}
	turns := llm.AssembleTurns(systemPrompt, []models.Message{}, *prompt)
	logger.Info("sending prompt",
		zap.String("model", cfg.DefaultModel),
		zap.Int("estimatedTokens", llm.NewTokenEstimator().EstimateTurns(cfg.DefaultModel, turns)))

	completion, err := service.Complete(context.Background(), turns, llm.CompletionRequest{
		Model:       cfg.DefaultModel,
		Temperature: cfg.DefaultTemperature,
		MaxTokens:   cfg.DefaultMaxTokens,
	})
	if err != nil {
		logger.Fatal("failed to generate completion", zap.Error(err))
	}
	fmt.Println(completion.Content)
	fmt.Printf("\nmodel=%s finish=%s prompt=%d completion=%d total=%d\n",
		completion.Model, completion.FinishReason,
		completion.Usage.PromptTokens, completion.Usage.CompletionTokens, completion.Usage.TotalTokens)
}
