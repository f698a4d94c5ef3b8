package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/RichardoC/paam/internal/auth"
	"github.com/RichardoC/paam/internal/chat"
	"github.com/RichardoC/paam/internal/db"
	"github.com/RichardoC/paam/internal/keys"
	"github.com/RichardoC/paam/internal/ratelimit"
	"go.uber.org/zap"
)

// TokenVerifier turns a bearer token into a caller identity.
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// RateLimiter counts chat turns per user.
type RateLimiter interface {
	Allow(ctx context.Context, userID string) (ratelimit.Result, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer is built from. Sealer and
// Limiter are optional.
type Deps struct {
	Chat     *chat.Service
	Store    db.Store
	Verifier TokenVerifier
	Sealer   *keys.Sealer
	Limiter  RateLimiter
	Logger   *zap.Logger
	Env      string
	Version  string
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
}

type Handler struct {
	chat     *chat.Service
	store    db.Store
	verifier TokenVerifier
	sealer   *keys.Sealer
	limiter  RateLimiter
	logger   *zap.Logger
	env      string
	version  string
	started  time.Time
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chat:     d.Chat,
		store:    d.Store,
		verifier: d.Verifier,
		sealer:   d.Sealer,
		limiter:  d.Limiter,
		logger:   logger,
		env:      d.Env,
		version:  d.Version,
		started:  time.Now(),
	}
}

type ChatRequest struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversationId,omitempty"`
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"maxTokens,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// SendMessage runs one chat turn.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.chat.Send(r.Context(), callerFrom(r.Context()), chat.SendRequest{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Model:          req.Model,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		SystemPrompt:   req.SystemPrompt,
	})
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.OK(w, res)
}

// GetConversations returns one conversation when conversationId is given,
// otherwise a page of the caller's conversations.
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	query := r.URL.Query()

	if id := query.Get("conversationId"); id != "" {
		conv, err := h.chat.Get(r.Context(), caller, id)
		if err != nil {
			h.Fail(w, r, err)
			return
		}
		h.OK(w, conv)
		return
	}

	page, err := h.chat.List(r.Context(), caller, queryInt(query.Get("page")), queryInt(query.Get("limit")))
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.logger.Debug("listed conversations",
		zap.Int("count", len(page.Items)),
		zap.String("userId", caller.UserID))

	h.JSON(w, http.StatusOK, Response{
		Success:  true,
		Data:     page.Items,
		Metadata: &PageMetadata{Total: page.Total, Page: page.Page, Limit: page.Limit},
	})
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("conversationId")
	if id == "" {
		h.Error(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	var req UpdateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conv, err := h.chat.Rename(r.Context(), callerFrom(r.Context()), id, req.Title)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.OK(w, conv)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("conversationId")
	if id == "" {
		h.Error(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	if err := h.chat.Delete(r.Context(), callerFrom(r.Context()), id); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.OK(w, map[string]string{"conversationId": id})
}

// queryInt parses a pagination parameter. Anything unparseable becomes 0,
// which the service replaces with its default.
func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
