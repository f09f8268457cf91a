// Package sqlite is the embedded message and membership store used in dev
// and tests. It runs on the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/Pulse/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         TEXT    NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id       TEXT    NOT NULL,
	type            TEXT    NOT NULL,
	content         TEXT    NOT NULL DEFAULT '',
	media_url       TEXT    NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conv_id ON messages(conversation_id, id);
CREATE TABLE IF NOT EXISTS read_cursors (
	conversation_id INTEGER NOT NULL,
	user_id         TEXT    NOT NULL,
	message_id      INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one writer keeps SQLITE_BUSY out of the hot path
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("module", "store.sqlite").Msg("store ready")
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateConversation creates a conversation with the given members.
// Conversations are normally provisioned by the account service; this
// exists for dev seeding and tests.
func (s *Store) CreateConversation(ctx context.Context, members ...domain.UserID) (domain.ConversationID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO conversations (created_at) VALUES (?)`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, u := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversation_members (conversation_id, user_id) VALUES (?, ?)`, id, string(u)); err != nil {
			return 0, fmt.Errorf("sqlite: insert member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return domain.ConversationID(id), nil
}

func (s *Store) AppendMessage(ctx context.Context, nm domain.NewMessage) (domain.Message, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, type, content, media_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(nm.ConversationID), string(nm.SenderID), string(nm.Type), nm.Content, nm.MediaURL, now.UnixMilli())
	if err != nil {
		return domain.Message{}, fmt.Errorf("sqlite: insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             domain.MessageID(id),
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Type:           nm.Type,
		Content:        nm.Content,
		MediaURL:       nm.MediaURL,
		CreatedAt:      time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

func (s *Store) ListMessages(ctx context.Context, conv domain.ConversationID, after domain.MessageID, limit int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, type, content, media_url, created_at
		   FROM messages WHERE conversation_id = ? AND id > ? ORDER BY id LIMIT ?`,
		int64(conv), int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	out := []domain.Message{}
	for rows.Next() {
		var (
			m       domain.Message
			sender  string
			typ     string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &typ, &m.Content, &m.MediaURL, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.SenderID = domain.UserID(sender)
		m.Type = domain.MessageType(typ)
		m.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateReadCursor only ever moves the cursor forward.
func (s *Store) UpdateReadCursor(ctx context.Context, conv domain.ConversationID, user domain.UserID, msg domain.MessageID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO read_cursors (conversation_id, user_id, message_id) VALUES (?, ?, ?)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET message_id = max(message_id, excluded.message_id)`,
		int64(conv), string(user), int64(msg))
	if err != nil {
		return fmt.Errorf("sqlite: update read cursor: %w", err)
	}
	return nil
}

// ReadCursor returns 0 when the user has not read anything yet.
func (s *Store) ReadCursor(ctx context.Context, conv domain.ConversationID, user domain.UserID) (domain.MessageID, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM read_cursors WHERE conversation_id = ? AND user_id = ?`, int64(conv), string(user)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: read cursor: %w", err)
	}
	return domain.MessageID(id), nil
}

func (s *Store) Members(ctx context.Context, conv domain.ConversationID) ([]domain.UserID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id`, int64(conv))
	if err != nil {
		return nil, fmt.Errorf("sqlite: members: %w", err)
	}
	defer rows.Close()

	var out []domain.UserID
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("sqlite: scan member: %w", err)
		}
		out = append(out, domain.UserID(u))
	}
	return out, rows.Err()
}

func (s *Store) IsMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?`, int64(conv), string(user)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: is member: %w", err)
	}
	return true, nil
}
