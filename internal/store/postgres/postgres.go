// Package postgres is the production message and membership store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         TEXT   NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id       TEXT   NOT NULL,
	type            TEXT   NOT NULL,
	content         TEXT   NOT NULL DEFAULT '',
	media_url       TEXT   NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_conv_id ON messages(conversation_id, id);
CREATE TABLE IF NOT EXISTS read_cursors (
	conversation_id BIGINT NOT NULL,
	user_id         TEXT   NOT NULL,
	message_id      BIGINT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);`

type Store struct {
	pool *pgxpool.Pool
}

// Connect creates a pgx pool for dsn, verifies it with a ping and applies
// the schema.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	log.Info().Str("module", "store.postgres").Int32("max_conns", cfg.MaxConns).Msg("store ready")
	return &Store{pool: pool}, nil
}

// normalizeDSN accepts the "postgresql+driver://" form some tooling emits.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	if i := strings.Index(s, "://"); i > 0 {
		if scheme, _, ok := strings.Cut(s[:i], "+"); ok {
			s = scheme + s[i:]
		}
	}
	return s
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, members ...domain.UserID) (domain.ConversationID, error) {
	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `INSERT INTO conversations DEFAULT VALUES RETURNING id`).Scan(&id); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for _, u := range members {
			if _, err := tx.Exec(ctx,
				`INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				id, string(u)); err != nil {
				return fmt.Errorf("insert member: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: %w", err)
	}
	return domain.ConversationID(id), nil
}

func (s *Store) AppendMessage(ctx context.Context, nm domain.NewMessage) (domain.Message, error) {
	m := domain.Message{
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Type:           nm.Type,
		Content:        nm.Content,
		MediaURL:       nm.MediaURL,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, sender_id, type, content, media_url)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		int64(nm.ConversationID), string(nm.SenderID), string(nm.Type), nm.Content, nm.MediaURL,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return domain.Message{}, fmt.Errorf("postgres: insert message: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conv domain.ConversationID, after domain.MessageID, limit int) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, type, content, media_url, created_at
		   FROM messages WHERE conversation_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		int64(conv), int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		var (
			m      domain.Message
			sender string
			typ    string
		)
		err := row.Scan(&m.ID, &m.ConversationID, &sender, &typ, &m.Content, &m.MediaURL, &m.CreatedAt)
		m.SenderID = domain.UserID(sender)
		m.Type = domain.MessageType(typ)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan messages: %w", err)
	}
	if out == nil {
		out = []domain.Message{}
	}
	return out, nil
}

func (s *Store) UpdateReadCursor(ctx context.Context, conv domain.ConversationID, user domain.UserID, msg domain.MessageID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO read_cursors (conversation_id, user_id, message_id) VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id, user_id)
		 DO UPDATE SET message_id = GREATEST(read_cursors.message_id, excluded.message_id)`,
		int64(conv), string(user), int64(msg))
	if err != nil {
		return fmt.Errorf("postgres: update read cursor: %w", err)
	}
	return nil
}

func (s *Store) Members(ctx context.Context, conv domain.ConversationID) ([]domain.UserID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1 ORDER BY user_id`, int64(conv))
	if err != nil {
		return nil, fmt.Errorf("postgres: members: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan members: %w", err)
	}
	out := make([]domain.UserID, len(ids))
	for i, id := range ids {
		out[i] = domain.UserID(id)
	}
	return out, nil
}

func (s *Store) IsMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		int64(conv), string(user)).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: is member: %w", err)
	}
	return true, nil
}
