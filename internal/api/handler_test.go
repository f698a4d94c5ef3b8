package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/paam/internal/auth"
	"github.com/RichardoC/paam/internal/chat"
	"github.com/RichardoC/paam/internal/db"
	"github.com/RichardoC/paam/internal/keys"
	"github.com/RichardoC/paam/internal/llm"
	"github.com/RichardoC/paam/internal/models"
	"github.com/RichardoC/paam/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

type stubCompleter struct {
	err   error
	calls int
}

func (s *stubCompleter) Complete(ctx context.Context, turns []llm.Turn, req llm.CompletionRequest) (*llm.Completion, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Completion{
		Content:      "4",
		Usage:        models.Usage{PromptTokens: 12, CompletionTokens: 1, TotalTokens: 13},
		Model:        req.Model,
		FinishReason: "stop",
	}, nil
}

type stubLimiter struct {
	allow   bool
	err     error
	pingErr error
}

func (s *stubLimiter) Allow(ctx context.Context, userID string) (ratelimit.Result, error) {
	if s.err != nil {
		return ratelimit.Result{}, s.err
	}
	remaining := 0
	if s.allow {
		remaining = 4
	}
	return ratelimit.Result{Allowed: s.allow, Limit: 5, Remaining: remaining, Reset: 42 * time.Second}, nil
}

func (s *stubLimiter) Ping(ctx context.Context) error { return s.pingErr }

type testServer struct {
	handler   http.Handler
	store     *db.SQLiteDatabase
	dbPath    string
	completer *stubCompleter
	verifier  *auth.Verifier
}

func newTestServer(t *testing.T, configure func(*Deps)) *testServer {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "api.db")
	store, err := db.NewSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zaptest.NewLogger(t)
	completer := &stubCompleter{}
	verifier := auth.NewVerifier(testSecret)
	sealer, err := keys.NewSealer("sealing-secret")
	require.NoError(t, err)

	deps := Deps{
		Chat:     chat.NewService(store, completer, nil, chat.Defaults{Model: "gpt-3.5-turbo", Temperature: 0.7, MaxTokens: 1000}, logger),
		Store:    store,
		Verifier: verifier,
		Sealer:   sealer,
		Logger:   logger,
		Env:      "test",
		Version:  "0.0.1",
	}
	if configure != nil {
		configure(&deps)
	}

	return &testServer{handler: NewRouter(deps), store: store, dbPath: dbPath, completer: completer, verifier: verifier}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.verifier.Issue(userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, target, token string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// countRows counts rows in table through a separate connection to the store file.
func (s *testServer) countRows(t *testing.T, table string) int {
	t.Helper()
	conn, err := sql.Open("sqlite3", s.dbPath)
	require.NoError(t, err)
	defer conn.Close()

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// decodeData re-decodes the envelope's data field into dst.
func decodeData(t *testing.T, resp Response, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func TestSendMessage_NewConversation(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, "user_alice")

	rec, resp := srv.do(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{Message: "What is 2+2?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	var result chat.SendResult
	decodeData(t, resp, &result)
	assert.NotEmpty(t, result.ConversationID)
	assert.Equal(t, "4", result.Message)
	assert.Equal(t, "gpt-3.5-turbo", result.Model)
	assert.Equal(t, models.Usage{PromptTokens: 12, CompletionTokens: 1, TotalTokens: 13}, result.Usage)

	conv, err := srv.store.GetConversation(context.Background(), result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "user_alice", conv.UserID)
	assert.Equal(t, int64(13), conv.TotalTokens)
	require.Len(t, conv.Messages, 2)
}

func TestSendMessage_Unauthorized(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, resp := srv.do(t, http.MethodPost, "/api/ai/chat", "", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Unauthorized", resp.Error)

	rec, _ = srv.do(t, http.MethodPost, "/api/ai/chat", "garbage", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := auth.NewVerifier("other-secret").Issue("user_alice", "", time.Hour)
	require.NoError(t, err)
	rec, _ = srv.do(t, http.MethodPost, "/api/ai/chat", other, ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Zero(t, srv.completer.calls)
}

func TestSendMessage_Validation(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, "user_alice")

	rec, resp := srv.do(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Message is required", resp.Error)

	rec, resp = srv.do(t, http.MethodPost, "/api/ai/chat", token, `{"message": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", resp.Error)

	temp := 2.5
	rec, _ = srv.do(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{Message: "hi", Temperature: &temp})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Zero(t, srv.completer.calls)
}

func TestSendMessage_BlankMessageWritesNothing(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, _ := srv.do(t, http.MethodPost, "/api/ai/chat", srv.token(t, "user_new"), ChatRequest{Message: "   "})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	for _, table := range []string{"users", "conversations", "messages", "activity_logs"} {
		assert.Zero(t, srv.countRows(t, table), table)
	}
}

func TestReadsDoNotRecordUser(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, "user_new")

	rec, _ := srv.do(t, http.MethodGet, "/api/ai/chat", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = srv.do(t, http.MethodGet, "/api/keys", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Zero(t, srv.countRows(t, "users"))
}

func TestSendMessage_RecordsUserWithEmail(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, _ := srv.do(t, http.MethodPost, "/api/ai/chat", srv.token(t, "user_new"), ChatRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	conn, err := sql.Open("sqlite3", srv.dbPath)
	require.NoError(t, err)
	defer conn.Close()
	var email string
	require.NoError(t, conn.QueryRow("SELECT email FROM users WHERE id = ?", "user_new").Scan(&email))
	assert.Equal(t, "user_new@example.com", email)
}

func TestSendMessage_RejectedRequestsCountTowardsLimit(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) { d.Limiter = ratelimit.NewLocal(1, time.Hour) })
	token := srv.token(t, "user_alice")

	rec, _ := srv.do(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{Message: " "})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = srv.do(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{Message: "hello"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Zero(t, srv.completer.calls)
}

func TestSendMessage_ForeignConversationIsNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	_, resp := srv.do(t, http.MethodPost, "/api/ai/chat", srv.token(t, "user_alice"), ChatRequest{Message: "mine"})
	var result chat.SendResult
	decodeData(t, resp, &result)

	rec, resp := srv.do(t, http.MethodPost, "/api/ai/chat", srv.token(t, "user_bob"),
		ChatRequest{Message: "yours?", ConversationID: result.ConversationID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Conversation not found", resp.Error)

	conv, err := srv.store.GetConversation(context.Background(), result.ConversationID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)
}

func TestSendMessage_UpstreamFailure(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.completer.err = errors.New("connection refused: sk-secret")

	rec, resp := srv.do(t, http.MethodPost, "/api/ai/chat", srv.token(t, "user_alice"), ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Upstream completion failed", resp.Error)
	assert.NotContains(t, rec.Body.String(), "sk-secret")
}

func TestSendMessage_RateLimited(t *testing.T) {
	limiter := &stubLimiter{allow: false}
	srv := newTestServer(t, func(d *Deps) { d.Limiter = limiter })

	rec, resp := srv.do(t, http.MethodPost, "/api/ai/chat", srv.token(t, "user_alice"), ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Rate limit exceeded", resp.Error)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Zero(t, srv.completer.calls)

	limiter.allow = true
	rec, _ = srv.do(t, http.MethodPost, "/api/ai/chat", srv.token(t, "user_alice"), ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestSendMessage_LimiterErrorLetsRequestThrough(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) { d.Limiter = &stubLimiter{err: errors.New("redis down")} })

	rec, _ := srv.do(t, http.MethodPost, "/api/ai/chat", srv.token(t, "user_alice"), ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetConversations_SingleAndPage(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, "user_alice")

	var ids []string
	for i := 0; i < 3; i++ {
		_, resp := srv.do(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{Message: "hello"})
		var result chat.SendResult
		decodeData(t, resp, &result)
		ids = append(ids, result.ConversationID)
	}

	rec, resp := srv.do(t, http.MethodGet, "/api/ai/chat?conversationId="+ids[0], token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conv models.Conversation
	decodeData(t, resp, &conv)
	assert.Equal(t, ids[0], conv.ID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, conv.Messages[1].Role)

	rec, resp = srv.do(t, http.MethodGet, "/api/ai/chat?page=1&limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Conversation
	decodeData(t, resp, &list)
	assert.Len(t, list, 2)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, PageMetadata{Total: 3, Page: 1, Limit: 2}, *resp.Metadata)

	rec, resp = srv.do(t, http.MethodGet, "/api/ai/chat?page=abc&limit=", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, PageMetadata{Total: 3, Page: 1, Limit: 10}, *resp.Metadata)

	rec, _ = srv.do(t, http.MethodGet, "/api/ai/chat?conversationId="+ids[0], srv.token(t, "user_bob"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetConversations_EmptyListIsArray(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, _ := srv.do(t, http.MethodGet, "/api/ai/chat", srv.token(t, "user_alice"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestUpdateAndDeleteConversation(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, "user_alice")

	_, resp := srv.do(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{Message: "hello"})
	var result chat.SendResult
	decodeData(t, resp, &result)
	target := "/api/ai/chat?conversationId=" + result.ConversationID

	rec, resp := srv.do(t, http.MethodPatch, target, token, UpdateConversationRequest{Title: "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	var conv models.Conversation
	decodeData(t, resp, &conv)
	assert.Equal(t, "Renamed", conv.Title)

	rec, _ = srv.do(t, http.MethodPatch, target, token, UpdateConversationRequest{Title: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = srv.do(t, http.MethodDelete, target, srv.token(t, "user_bob"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = srv.do(t, http.MethodDelete, target, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = srv.do(t, http.MethodGet, target, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = srv.do(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{Message: "again", ConversationID: result.ConversationID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateConversation_RequiresID(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, resp := srv.do(t, http.MethodPatch, "/api/ai/chat", srv.token(t, "user_alice"), UpdateConversationRequest{Title: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "conversationId is required", resp.Error)
}

func TestAPIKeys_CreateAndList(t *testing.T) {
	srv := newTestServer(t, nil)
	token := srv.token(t, "user_alice")

	rec, resp := srv.do(t, http.MethodPost, "/api/keys", token,
		CreateAPIKeyRequest{Service: "OpenAI", KeyName: "work", Key: "sk-abcdefghijklmnop1234"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-abcdefghijklmnop1234")

	var created APIKeyResponse
	decodeData(t, resp, &created)
	assert.Equal(t, "openai", created.Service)
	assert.Equal(t, "work", created.KeyName)
	assert.Equal(t, "...1234", created.Hint)

	stored, err := srv.store.ListAPIKeys(context.Background(), "user_alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	sealer, err := keys.NewSealer("sealing-secret")
	require.NoError(t, err)
	plain, err := sealer.Open(stored[0].EncryptedKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-abcdefghijklmnop1234", plain)

	rec, resp = srv.do(t, http.MethodGet, "/api/keys", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.APIKey
	decodeData(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.NotContains(t, rec.Body.String(), stored[0].EncryptedKey)

	rec, _ = srv.do(t, http.MethodGet, "/api/keys", srv.token(t, "user_bob"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestAPIKeys_Validation(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, _ := srv.do(t, http.MethodPost, "/api/keys", srv.token(t, "user_alice"), CreateAPIKeyRequest{Service: "openai"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeys_SealerNotConfigured(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) { d.Sealer = nil })

	rec, _ := srv.do(t, http.MethodPost, "/api/keys", srv.token(t, "user_alice"),
		CreateAPIKeyRequest{Service: "openai", Key: "sk-1234567890"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSettings_PublicOnly(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, srv.store.PutSetting(ctx, &models.Setting{Key: "app_version", Value: json.RawMessage(`"1.0.0"`), IsPublic: true}))
	require.NoError(t, srv.store.PutSetting(ctx, &models.Setting{Key: "secret_limit", Value: json.RawMessage(`5`)}))

	rec, resp := srv.do(t, http.MethodGet, "/api/settings", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings []models.Setting
	decodeData(t, resp, &settings)
	require.Len(t, settings, 1)
	assert.Equal(t, "app_version", settings[0].Key)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, resp := srv.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Database)
	assert.Equal(t, "0.0.1", health.Version)
	assert.NotContains(t, health.Checks, "ratelimit")
}

func TestHealth_UnhealthyDependency(t *testing.T) {
	srv := newTestServer(t, func(d *Deps) { d.Limiter = &stubLimiter{pingErr: errors.New("down")} })

	rec, resp := srv.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "fail", health.Checks["ratelimit"].Status)

	srv = newTestServer(t, nil)
	require.NoError(t, srv.store.Close())
	rec, _ = srv.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_UnknownRoute(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, resp := srv.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.do(t, http.MethodGet, "/api/health", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "paam_http_requests_total")
}
