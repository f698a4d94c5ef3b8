package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/paam/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a record is absent or soft deleted.
var ErrNotFound = errors.New("record not found")

// Store is the durable record of users, conversations and their messages.
// Both SQLiteDatabase and PostgresDatabase implement it. Ownership checks are
// the caller's job; the store only hides soft-deleted conversations.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	UpsertUser(ctx context.Context, id, email string) error

	CreateConversation(ctx context.Context, conv *models.Conversation) error
	// GetConversation returns the conversation with its messages oldest first.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, int, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	SoftDeleteConversation(ctx context.Context, id string) error
	UpdateTotals(ctx context.Context, id string, tokenDelta, costDelta int64) error

	AppendMessage(ctx context.Context, msg *models.Message) error
	// AppendTurn writes a user message, the assistant reply and the totals
	// delta in one transaction. Nothing is kept if any step fails; a missing
	// or soft-deleted conversation yields ErrNotFound.
	AppendTurn(ctx context.Context, user, assistant *models.Message, tokenDelta, costDelta int64) error

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error)

	AppendActivity(ctx context.Context, entry *models.ActivityLog) error

	PutSetting(ctx context.Context, setting *models.Setting) error
	ListPublicSettings(ctx context.Context) ([]models.Setting, error)
}

// Open picks the backend from the URL scheme: postgres:// and postgresql://
// go to Postgres, anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(ctx, dsn)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// clockStep is the minimum distance between two store timestamps. Postgres
// keeps microseconds, so a smaller step could collapse into a tie there.
const clockStep = time.Microsecond

var (
	clockMu  sync.Mutex
	lastTick time.Time
	// wallClock is the time source; tests replace it.
	wallClock = time.Now
)

// now is the store clock. Timestamps are UTC and strictly increasing within the
// process, even if the wall clock steps backwards, so messages written in one
// turn sort in insertion order.
func now() time.Time {
	clockMu.Lock()
	defer clockMu.Unlock()

	t := wallClock().UTC()
	if next := lastTick.Add(clockStep); t.Before(next) {
		t = next
	}
	lastTick = t
	return t
}

func encodeMetadata(meta *models.MessageMetadata) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	return raw, nil
}

func decodeMetadata(raw []byte) (*models.MessageMetadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta models.MessageMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode message metadata: %w", err)
	}
	return &meta, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
