package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Store is the durable record of chat messages.
type Store interface {
	// Append stores a new message from senderID.
	Append(ctx context.Context, senderID, senderName, text string) (*Message, error)
	// Edit replaces the text of a message still inside its edit window.
	Edit(ctx context.Context, id, newText, requesterID string) (*Message, error)
	// Delete permanently removes a message.
	Delete(ctx context.Context, id, requesterID string, requesterIsAdmin bool) error
	// ClearAll removes every message and returns how many were deleted.
	ClearAll(ctx context.Context, requesterIsAdmin bool) (int64, error)
	// ListRecent returns the most recent messages, oldest first.
	ListRecent(ctx context.Context, limit int) ([]Message, error)
}

// ClampLimit maps a caller-supplied history limit onto the allowed range.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// PostgresStore persists messages in the chat_messages table.
type PostgresStore struct {
	db  *sql.DB
	now Clock
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: UTCClock}
}

// WithClock replaces the store clock. Intended for tests.
func (s *PostgresStore) WithClock(clock Clock) *PostgresStore {
	s.now = clock
	return s
}

func (s *PostgresStore) Append(ctx context.Context, senderID, senderName, text string) (*Message, error) {
	text, err := NormalizeText(text)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
	}

	const query = `
		INSERT INTO chat_messages (id, sender_id, sender_name, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, msg.ID, msg.SenderID, msg.SenderName, msg.Text, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("chat: insert: %w", err)
	}
	return msg, nil
}

// Edit locks the row before checking the window, so the check runs against
// the committed created_at at commit time rather than a stale read.
func (s *PostgresStore) Edit(ctx context.Context, id, newText, requesterID string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: edit begin: %w", err)
	}
	defer tx.Rollback()

	msg, err := selectForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckEditable(msg, requesterID, s.now()); err != nil {
		return nil, err
	}
	text, err := NormalizeText(newText)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chat_messages SET text = $2 WHERE id = $1`, id, text); err != nil {
		return nil, fmt.Errorf("chat: edit update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("chat: edit commit: %w", err)
	}

	msg.Text = text
	return msg, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id, requesterID string, requesterIsAdmin bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chat: delete begin: %w", err)
	}
	defer tx.Rollback()

	msg, err := selectForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := CheckDeletable(msg, requesterID, requesterIsAdmin); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("chat: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("chat: delete commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearAll(ctx context.Context, requesterIsAdmin bool) (int64, error) {
	if err := CheckClearable(requesterIsAdmin); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages`)
	if err != nil {
		return 0, fmt.Errorf("chat: clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("chat: clear rows affected: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Message, error) {
	const query = `
		SELECT id, sender_id, sender_name, text, created_at FROM (
			SELECT id, sender_id, sender_name, text, created_at
			FROM chat_messages
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		) recent
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("chat: list recent: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: list recent scan: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: list recent rows: %w", err)
	}
	return messages, nil
}

func selectForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Message, error) {
	const query = `
		SELECT id, sender_id, sender_name, text, created_at
		FROM chat_messages
		WHERE id = $1
		FOR UPDATE`

	var m Message
	err := tx.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.SenderID, &m.SenderName, &m.Text, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: select %s: %w", id, err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}
