package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/RichardoC/paam/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email VARCHAR(255) NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    last_login_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    title VARCHAR(255) NOT NULL,
    provider VARCHAR(50) NOT NULL,
    model VARCHAR(100) NOT NULL,
    system_prompt TEXT,
    total_tokens BIGINT NOT NULL DEFAULT 0,
    total_cost BIGINT NOT NULL DEFAULT 0,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    deleted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role VARCHAR(20) NOT NULL,
    content TEXT NOT NULL,
    tokens INTEGER NOT NULL DEFAULT 0,
    cost BIGINT NOT NULL DEFAULT 0,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    service VARCHAR(50) NOT NULL,
    key_name VARCHAR(255) NOT NULL,
    encrypted_key TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    last_used_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS activity_logs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    action VARCHAR(100) NOT NULL,
    resource VARCHAR(100),
    resource_id TEXT,
    metadata JSONB,
    ip_address VARCHAR(45),
    user_agent TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS system_settings (
    key VARCHAR(100) PRIMARY KEY,
    value JSONB NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    is_public BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// PostgresDatabase is the Store backed by a pgx connection pool.
type PostgresDatabase struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresDatabase, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresDatabase{pool: pool}, nil
}

func (s *PostgresDatabase) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresDatabase) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresDatabase) UpsertUser(ctx context.Context, id, email string) error {
	ts := now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE users.email END,
			last_login_at = EXCLUDED.last_login_at,
			updated_at = EXCLUDED.updated_at
	`, id, email, ts)
	return err
}

func (s *PostgresDatabase) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	ts := now()
	conv.ID = newID()
	conv.IsActive = true
	conv.CreatedAt = ts
	conv.UpdatedAt = ts

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, provider, model, system_prompt,
			total_tokens, total_cost, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $9)
	`, conv.ID, conv.UserID, conv.Title, conv.Provider, conv.Model, conv.SystemPrompt,
		conv.TotalTokens, conv.TotalCost, ts)
	return err
}

const postgresConversationColumns = `id, user_id, title, provider, model, system_prompt,
	total_tokens, total_cost, is_active, created_at, updated_at, deleted_at`

func scanPostgresConversation(row pgx.Row) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&conv.Provider,
		&conv.Model,
		&conv.SystemPrompt,
		&conv.TotalTokens,
		&conv.TotalCost,
		&conv.IsActive,
		&conv.CreatedAt,
		&conv.UpdatedAt,
		&conv.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *PostgresDatabase) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := scanPostgresConversation(s.pool.QueryRow(ctx, `
		SELECT `+postgresConversationColumns+`
		FROM conversations
		WHERE id = $1 AND deleted_at IS NULL
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, tokens, cost, metadata, created_at, updated_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conv.Messages = make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var meta []byte
		err := rows.Scan(
			&msg.ID,
			&msg.ConvID,
			&msg.Role,
			&msg.Content,
			&msg.Tokens,
			&msg.Cost,
			&meta,
			&msg.CreatedAt,
			&msg.UpdatedAt,
		)
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

func (s *PostgresDatabase) ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM conversations WHERE user_id = $1 AND deleted_at IS NULL
	`, userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresConversationColumns+`
		FROM conversations
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanPostgresConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, total, rows.Err()
}

func (s *PostgresDatabase) UpdateConversationTitle(ctx context.Context, id, title string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET title = $1, updated_at = $2
		WHERE id = $3 AND deleted_at IS NULL
	`, title, now(), id)
	return tagAffectedOne(tag, err)
}

func (s *PostgresDatabase) SoftDeleteConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET deleted_at = $1, is_active = FALSE, updated_at = $1
		WHERE id = $2 AND deleted_at IS NULL
	`, now(), id)
	return tagAffectedOne(tag, err)
}

func (s *PostgresDatabase) UpdateTotals(ctx context.Context, id string, tokenDelta, costDelta int64) error {
	return updatePostgresTotals(ctx, s.pool, id, tokenDelta, costDelta)
}

func (s *PostgresDatabase) AppendMessage(ctx context.Context, msg *models.Message) error {
	return insertPostgresMessage(ctx, s.pool, msg)
}

func (s *PostgresDatabase) AppendTurn(ctx context.Context, user, assistant *models.Message, tokenDelta, costDelta int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertPostgresMessage(ctx, tx, user); err != nil {
			return err
		}
		if err := insertPostgresMessage(ctx, tx, assistant); err != nil {
			return err
		}
		return updatePostgresTotals(ctx, tx, user.ConvID, tokenDelta, costDelta)
	})
}

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func updatePostgresTotals(ctx context.Context, ex pgExecer, id string, tokenDelta, costDelta int64) error {
	tag, err := ex.Exec(ctx, `
		UPDATE conversations
		SET total_tokens = total_tokens + $1, total_cost = total_cost + $2, updated_at = $3
		WHERE id = $4 AND deleted_at IS NULL
	`, tokenDelta, costDelta, now(), id)
	return tagAffectedOne(tag, err)
}

func insertPostgresMessage(ctx context.Context, ex pgExecer, msg *models.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	ts := now()
	id := newID()

	tag, err := ex.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tokens, cost, metadata, created_at, updated_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::integer, $6::bigint, $7::jsonb, $8::timestamptz, $8::timestamptz
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = $2::text AND deleted_at IS NULL)
	`, id, msg.ConvID, string(msg.Role), msg.Content, msg.Tokens, msg.Cost, meta, ts)
	if err := tagAffectedOne(tag, err); err != nil {
		return err
	}

	msg.ID = id
	msg.CreatedAt = ts
	msg.UpdatedAt = ts
	return nil
}

func (s *PostgresDatabase) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	ts := now()
	key.ID = newID()
	key.IsActive = true
	key.CreatedAt = ts
	key.UpdatedAt = ts

	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, service, key_name, encrypted_key, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
	`, key.ID, key.UserID, key.Service, key.KeyName, key.EncryptedKey, ts)
	return err
}

func (s *PostgresDatabase) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, service, key_name, encrypted_key, is_active, last_used_at, created_at, updated_at
		FROM api_keys
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]models.APIKey, 0)
	for rows.Next() {
		var key models.APIKey
		err := rows.Scan(
			&key.ID,
			&key.UserID,
			&key.Service,
			&key.KeyName,
			&key.EncryptedKey,
			&key.IsActive,
			&key.LastUsedAt,
			&key.CreatedAt,
			&key.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresDatabase) AppendActivity(ctx context.Context, entry *models.ActivityLog) error {
	entry.ID = newID()
	entry.CreatedAt = now()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_logs (id, user_id, action, resource, resource_id, metadata, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.UserID, entry.Action, entry.Resource, entry.ResourceID,
		nullableJSON(entry.Metadata), entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	return err
}

func (s *PostgresDatabase) PutSetting(ctx context.Context, setting *models.Setting) error {
	ts := now()
	setting.UpdatedAt = ts
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_settings (key, value, description, is_public, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			description = EXCLUDED.description,
			is_public = EXCLUDED.is_public,
			updated_at = EXCLUDED.updated_at
	`, setting.Key, []byte(setting.Value), setting.Description, setting.IsPublic, ts)
	return err
}

func (s *PostgresDatabase) ListPublicSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value, description, is_public, updated_at
		FROM system_settings
		WHERE is_public = TRUE
		ORDER BY key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make([]models.Setting, 0)
	for rows.Next() {
		var st models.Setting
		var value []byte
		if err := rows.Scan(&st.Key, &value, &st.Description, &st.IsPublic, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Value = value
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

func tagAffectedOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
