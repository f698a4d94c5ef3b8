package chat

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/RichardoC/paam/internal/db"
	"github.com/RichardoC/paam/internal/llm"
	"github.com/RichardoC/paam/internal/metrics"
	"github.com/RichardoC/paam/internal/models"
	"go.uber.org/zap"
)

const (
	titleLength    = 50
	maxTitleLength = 255
	maxPageLimit   = 100
	// turnCostCents is what a turn adds to a conversation's cost. No pricing
	// data is wired in yet, so it is always zero.
	turnCostCents = 0
)

// Completer is the upstream completion capability.
type Completer interface {
	Complete(ctx context.Context, turns []llm.Turn, req llm.CompletionRequest) (*llm.Completion, error)
}

// Estimator sizes a prompt before it is sent. Optional.
type Estimator interface {
	EstimateTurns(model string, turns []llm.Turn) int
}

type Defaults struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Caller identifies who is making a request.
type Caller struct {
	UserID    string
	Email     string
	IPAddress string
	UserAgent string
}

type SendRequest struct {
	Message        string
	ConversationID string
	Model          string
	Temperature    *float64
	MaxTokens      *int
	// SystemPrompt only applies when a new conversation is created.
	SystemPrompt string
}

type SendResult struct {
	ConversationID string       `json:"conversationId"`
	Message        string       `json:"message"`
	Usage          models.Usage `json:"usage"`
	Model          string       `json:"model"`
}

type Page struct {
	Items []models.Conversation
	Total int
	Page  int
	Limit int
}

// Service runs chat turns and the conversation operations around them. It
// holds no per-request state and is safe for concurrent use.
type Service struct {
	store    db.Store
	llm      Completer
	tokens   Estimator
	defaults Defaults
	logger   *zap.Logger
}

func NewService(store db.Store, completer Completer, tokens Estimator, defaults Defaults, logger *zap.Logger) *Service {
	if defaults.Provider == "" {
		defaults.Provider = "openai"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		llm:      completer,
		tokens:   tokens,
		defaults: defaults,
		logger:   logger,
	}
}

// Send runs one chat turn. Nothing is written for a turn that fails
// validation or upstream, except a conversation created for it.
func (s *Service) Send(ctx context.Context, caller Caller, req SendRequest) (*SendResult, error) {
	res, err := s.send(ctx, caller, req)
	metrics.ChatTurns.WithLabelValues(outcome(err)).Inc()
	return res, err
}

func (s *Service) send(ctx context.Context, caller Caller, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, validationError("Message is required")
	}
	if req.Temperature != nil && (math.IsNaN(*req.Temperature) || *req.Temperature < 0 || *req.Temperature > 2) {
		return nil, validationError("Temperature must be between 0 and 2")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return nil, validationError("maxTokens must be positive")
	}

	conv, err := s.resolveConversation(ctx, caller, req)
	if err != nil {
		return nil, err
	}

	params := s.completionParams(conv, req)
	turns := llm.AssembleTurns(conv.SystemPrompt, conv.Messages, req.Message)
	s.observePrompt(conv.ID, params.Model, turns)

	start := time.Now()
	completion, err := s.llm.Complete(ctx, turns, params)
	metrics.UpstreamLatency.WithLabelValues(params.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("upstream completion failed",
			zap.Error(err),
			zap.String("conversationId", conv.ID),
			zap.String("model", params.Model))
		return nil, upstreamError(err)
	}

	userMsg := &models.Message{
		ConvID:  conv.ID,
		Role:    models.RoleUser,
		Content: req.Message,
	}
	assistantMsg := &models.Message{
		ConvID:  conv.ID,
		Role:    models.RoleAssistant,
		Content: completion.Content,
		Tokens:  completion.Usage.TotalTokens,
		Cost:    turnCostCents,
		Metadata: &models.MessageMetadata{
			Model:        completion.Model,
			Temperature:  &params.Temperature,
			MaxTokens:    &params.MaxTokens,
			FinishReason: completion.FinishReason,
		},
	}
	if err := s.accumulateUsage(ctx, userMsg, assistantMsg, completion.Usage); err != nil {
		return nil, err
	}
	metrics.TokensUsed.WithLabelValues(completion.Model, "prompt").Add(float64(completion.Usage.PromptTokens))
	metrics.TokensUsed.WithLabelValues(completion.Model, "completion").Add(float64(completion.Usage.CompletionTokens))

	s.record(ctx, caller, "chat.message", conv.ID, map[string]any{
		"model":  completion.Model,
		"tokens": completion.Usage.TotalTokens,
	})

	return &SendResult{
		ConversationID: conv.ID,
		Message:        completion.Content,
		Usage:          completion.Usage,
		Model:          completion.Model,
	}, nil
}

func (s *Service) resolveConversation(ctx context.Context, caller Caller, req SendRequest) (*models.Conversation, error) {
	if req.ConversationID != "" {
		return s.authorized(ctx, caller, req.ConversationID)
	}

	if err := s.store.UpsertUser(ctx, caller.UserID, caller.Email); err != nil {
		return nil, internalError("Failed to record user", err)
	}

	model := req.Model
	if model == "" {
		model = s.defaults.Model
	}
	conv := &models.Conversation{
		UserID:   caller.UserID,
		Title:    conversationTitle(req.Message),
		Provider: s.defaults.Provider,
		Model:    model,
	}
	if prompt := strings.TrimSpace(req.SystemPrompt); prompt != "" {
		conv.SystemPrompt = &prompt
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, internalError("Failed to create conversation", err)
	}
	metrics.ConversationsCreated.Inc()
	s.logger.Debug("created conversation",
		zap.String("conversationId", conv.ID),
		zap.String("userId", caller.UserID))
	return conv, nil
}

// completionParams fills unset request fields: the model from the
// conversation binding, then from the service defaults.
func (s *Service) completionParams(conv *models.Conversation, req SendRequest) llm.CompletionRequest {
	params := llm.CompletionRequest{
		Model:       req.Model,
		Temperature: s.defaults.Temperature,
		MaxTokens:   s.defaults.MaxTokens,
	}
	if params.Model == "" {
		params.Model = conv.Model
	}
	if params.Model == "" {
		params.Model = s.defaults.Model
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		params.MaxTokens = *req.MaxTokens
	}
	return params
}

func (s *Service) observePrompt(convID, model string, turns []llm.Turn) {
	if s.tokens == nil {
		return
	}
	estimate := s.tokens.EstimateTurns(model, turns)
	metrics.PromptTokensEstimated.Observe(float64(estimate))
	if window, ok := llm.ContextWindow(model); ok && estimate > window {
		s.logger.Warn("prompt exceeds model context window",
			zap.String("conversationId", convID),
			zap.String("model", model),
			zap.Int("estimatedTokens", estimate),
			zap.Int("contextWindow", window))
	}
}

// accumulateUsage persists the turn's two messages and adds its tokens and cost
// to the conversation totals. Either all of it is stored or none of it.
func (s *Service) accumulateUsage(ctx context.Context, user, assistant *models.Message, usage models.Usage) error {
	if err := s.store.AppendTurn(ctx, user, assistant, int64(usage.TotalTokens), turnCostCents); err != nil {
		return s.storeError("Failed to save messages", err)
	}
	return nil
}

// Get returns one conversation with its messages.
func (s *Service) Get(ctx context.Context, caller Caller, id string) (*models.Conversation, error) {
	return s.authorized(ctx, caller, id)
}

// List returns a page of the caller's conversations, most recently updated first.
func (s *Service) List(ctx context.Context, caller Caller, page, limit int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	items, total, err := s.store.ListConversations(ctx, caller.UserID, limit, (page-1)*limit)
	if err != nil {
		return nil, internalError("Failed to list conversations", err)
	}
	return &Page{Items: items, Total: total, Page: page, Limit: limit}, nil
}

func (s *Service) Rename(ctx context.Context, caller Caller, id, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("Title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return nil, validationError("Title is too long")
	}

	conv, err := s.authorized(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateConversationTitle(ctx, conv.ID, title); err != nil {
		return nil, s.storeError("Failed to update conversation", err)
	}
	conv.Title = title

	s.record(ctx, caller, "conversation.rename", conv.ID, nil)
	return conv, nil
}

// Delete soft deletes a conversation; further reads and appends see NotFound.
func (s *Service) Delete(ctx context.Context, caller Caller, id string) error {
	conv, err := s.authorized(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.store.SoftDeleteConversation(ctx, conv.ID); err != nil {
		return s.storeError("Failed to delete conversation", err)
	}

	s.record(ctx, caller, "conversation.delete", conv.ID, nil)
	return nil
}

// authorized loads a conversation and applies AuthorizeAccess. A denied
// caller cannot tell a foreign conversation from a missing one.
func (s *Service) authorized(ctx context.Context, caller Caller, id string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, notFound()
		}
		return nil, internalError("Failed to load conversation", err)
	}
	if AuthorizeAccess(conv, caller.UserID) != Authorized {
		s.logger.Debug("conversation access denied",
			zap.String("conversationId", id),
			zap.String("userId", caller.UserID))
		return nil, notFound()
	}
	return conv, nil
}

func (s *Service) storeError(msg string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return notFound()
	}
	return internalError(msg, err)
}

// record appends an activity log entry. Failures are logged and swallowed.
func (s *Service) record(ctx context.Context, caller Caller, action, convID string, meta map[string]any) {
	entry := &models.ActivityLog{
		UserID:     caller.UserID,
		Action:     action,
		Resource:   "conversation",
		ResourceID: convID,
		IPAddress:  caller.IPAddress,
		UserAgent:  caller.UserAgent,
	}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err == nil {
			entry.Metadata = raw
		}
	}
	if err := s.store.AppendActivity(ctx, entry); err != nil {
		s.logger.Warn("failed to record activity",
			zap.Error(err),
			zap.String("action", action),
			zap.String("userId", caller.UserID))
	}
}

func conversationTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= titleLength {
		return message
	}
	return string(runes[:titleLength]) + "..."
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "internal"
	}
}
