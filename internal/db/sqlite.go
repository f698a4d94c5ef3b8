package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RichardoC/paam/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    last_login_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    system_prompt TEXT,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    total_cost INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    tokens INTEGER NOT NULL DEFAULT 0,
    cost INTEGER NOT NULL DEFAULT 0,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    service TEXT NOT NULL,
    key_name TEXT NOT NULL,
    encrypted_key TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    last_used_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS activity_logs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    action TEXT NOT NULL,
    resource TEXT,
    resource_id TEXT,
    metadata TEXT,
    ip_address TEXT,
    user_agent TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS system_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    is_public INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`

type SQLiteDatabase struct {
	db *sql.DB
}

// NewSQLite opens (and creates if needed) a SQLite database file with foreign
// keys enforced.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteDatabase, error) {
	if dbPath == "" {
		dbPath = "paam.db"
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteDatabase{db: db}, nil
}

func (db *SQLiteDatabase) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *SQLiteDatabase) Close() error {
	return db.db.Close()
}

func (db *SQLiteDatabase) UpsertUser(ctx context.Context, id, email string) error {
	ts := now()
	_, err := db.db.ExecContext(ctx, `
        INSERT INTO users (id, email, last_login_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
            last_login_at = excluded.last_login_at,
            updated_at = excluded.updated_at`,
		id, email, ts, ts, ts)
	return err
}

func (db *SQLiteDatabase) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	ts := now()
	conv.ID = newID()
	conv.IsActive = true
	conv.CreatedAt = ts
	conv.UpdatedAt = ts

	_, err := db.db.ExecContext(ctx, `
        INSERT INTO conversations (id, user_id, title, provider, model, system_prompt,
            total_tokens, total_cost, is_active, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Provider, conv.Model, conv.SystemPrompt,
		conv.TotalTokens, conv.TotalCost, ts, ts)
	return err
}

const sqliteConversationColumns = `id, user_id, title, provider, model, system_prompt,
    total_tokens, total_cost, is_active, created_at, updated_at, deleted_at`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var conv models.Conversation
	var systemPrompt sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Provider, &conv.Model, &systemPrompt,
		&conv.TotalTokens, &conv.TotalCost, &conv.IsActive, &conv.CreatedAt, &conv.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if systemPrompt.Valid {
		conv.SystemPrompt = &systemPrompt.String
	}
	if deletedAt.Valid {
		conv.DeletedAt = &deletedAt.Time
	}
	return &conv, nil
}

func (db *SQLiteDatabase) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := db.db.QueryRowContext(ctx, `
        SELECT `+sqliteConversationColumns+`
        FROM conversations
        WHERE id = ? AND deleted_at IS NULL`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := db.db.QueryContext(ctx, `
        SELECT id, conversation_id, role, content, tokens, cost, metadata, created_at, updated_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conv.Messages = make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var meta []byte
		err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content, &msg.Tokens, &msg.Cost,
			&meta, &msg.CreatedAt, &msg.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if msg.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

func (db *SQLiteDatabase) ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, int, error) {
	var total int
	err := db.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM conversations
        WHERE user_id = ? AND deleted_at IS NULL`, userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := db.db.QueryContext(ctx, `
        SELECT `+sqliteConversationColumns+`
        FROM conversations
        WHERE user_id = ? AND deleted_at IS NULL
        ORDER BY updated_at DESC, id DESC
        LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, total, rows.Err()
}

func (db *SQLiteDatabase) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := db.db.ExecContext(ctx, `
        UPDATE conversations SET title = ?, updated_at = ?
        WHERE id = ? AND deleted_at IS NULL`, title, now(), id)
	return affectedOne(res, err)
}

func (db *SQLiteDatabase) SoftDeleteConversation(ctx context.Context, id string) error {
	ts := now()
	res, err := db.db.ExecContext(ctx, `
        UPDATE conversations SET deleted_at = ?, is_active = 0, updated_at = ?
        WHERE id = ? AND deleted_at IS NULL`, ts, ts, id)
	return affectedOne(res, err)
}

func (db *SQLiteDatabase) UpdateTotals(ctx context.Context, id string, tokenDelta, costDelta int64) error {
	return updateSQLiteTotals(ctx, db.db, id, tokenDelta, costDelta)
}

// AppendMessage inserts msg only while its conversation exists and is not
// soft deleted; otherwise it returns ErrNotFound.
func (db *SQLiteDatabase) AppendMessage(ctx context.Context, msg *models.Message) error {
	return insertSQLiteMessage(ctx, db.db, msg)
}

func (db *SQLiteDatabase) AppendTurn(ctx context.Context, user, assistant *models.Message, tokenDelta, costDelta int64) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertSQLiteMessage(ctx, tx, user); err != nil {
		return err
	}
	if err := insertSQLiteMessage(ctx, tx, assistant); err != nil {
		return err
	}
	if err := updateSQLiteTotals(ctx, tx, user.ConvID, tokenDelta, costDelta); err != nil {
		return err
	}
	return tx.Commit()
}

// sqliteExecer is satisfied by both *sql.DB and *sql.Tx.
type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateSQLiteTotals(ctx context.Context, ex sqliteExecer, id string, tokenDelta, costDelta int64) error {
	res, err := ex.ExecContext(ctx, `
        UPDATE conversations
        SET total_tokens = total_tokens + ?, total_cost = total_cost + ?, updated_at = ?
        WHERE id = ? AND deleted_at IS NULL`, tokenDelta, costDelta, now(), id)
	return affectedOne(res, err)
}

func insertSQLiteMessage(ctx context.Context, ex sqliteExecer, msg *models.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	ts := now()
	id := newID()

	res, err := ex.ExecContext(ctx, `
        INSERT INTO messages (id, conversation_id, role, content, tokens, cost, metadata, created_at, updated_at)
        SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
        WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ? AND deleted_at IS NULL)`,
		id, msg.ConvID, msg.Role, msg.Content, msg.Tokens, msg.Cost, textArg(meta), ts, ts, msg.ConvID)
	if err := affectedOne(res, err); err != nil {
		return err
	}

	msg.ID = id
	msg.CreatedAt = ts
	msg.UpdatedAt = ts
	return nil
}

func (db *SQLiteDatabase) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	ts := now()
	key.ID = newID()
	key.IsActive = true
	key.CreatedAt = ts
	key.UpdatedAt = ts

	_, err := db.db.ExecContext(ctx, `
        INSERT INTO api_keys (id, user_id, service, key_name, encrypted_key, is_active, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		key.ID, key.UserID, key.Service, key.KeyName, key.EncryptedKey, ts, ts)
	return err
}

func (db *SQLiteDatabase) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT id, user_id, service, key_name, encrypted_key, is_active, last_used_at, created_at, updated_at
        FROM api_keys
        WHERE user_id = ? AND deleted_at IS NULL
        ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]models.APIKey, 0)
	for rows.Next() {
		var key models.APIKey
		var lastUsed sql.NullTime
		err := rows.Scan(&key.ID, &key.UserID, &key.Service, &key.KeyName, &key.EncryptedKey,
			&key.IsActive, &lastUsed, &key.CreatedAt, &key.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			key.LastUsedAt = &lastUsed.Time
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (db *SQLiteDatabase) AppendActivity(ctx context.Context, entry *models.ActivityLog) error {
	entry.ID = newID()
	entry.CreatedAt = now()

	_, err := db.db.ExecContext(ctx, `
        INSERT INTO activity_logs (id, user_id, action, resource, resource_id, metadata, ip_address, user_agent, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Action, entry.Resource, entry.ResourceID,
		textArg(nullableJSON(entry.Metadata)), entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	return err
}

func (db *SQLiteDatabase) PutSetting(ctx context.Context, setting *models.Setting) error {
	ts := now()
	setting.UpdatedAt = ts
	_, err := db.db.ExecContext(ctx, `
        INSERT INTO system_settings (key, value, description, is_public, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            description = excluded.description,
            is_public = excluded.is_public,
            updated_at = excluded.updated_at`,
		setting.Key, string(setting.Value), setting.Description, setting.IsPublic, ts, ts)
	return err
}

func (db *SQLiteDatabase) ListPublicSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT key, value, description, is_public, updated_at
        FROM system_settings
        WHERE is_public = 1
        ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make([]models.Setting, 0)
	for rows.Next() {
		var s models.Setting
		var value string
		if err := rows.Scan(&s.Key, &value, &s.Description, &s.IsPublic, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Value = []byte(value)
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// textArg stores JSON as TEXT rather than BLOB.
func textArg(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
