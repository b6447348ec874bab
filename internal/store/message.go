package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const (
	originLocal  = "local"
	originRemote = "remote"
)

// NewMessage creates a locally originated message with a fresh time-ordered id.
func NewMessage(role Role, content string) Message {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Message{
		ID:        ID(id.String()),
		Role:      role,
		Content:   content,
		Timestamp: Now(),
	}
}

// MessageStore caches per-session message history.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// AppendLocal records an optimistic, not yet server-confirmed message. The
// session row is created as a stale placeholder when absent.
func (s *MessageStore) AppendLocal(ctx context.Context, sessionID ID, msg Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, title, stale) VALUES (?, '', 1)`, sessionID.String()); err != nil {
		return fmt.Errorf("ensure session row: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID.String()).Scan(&maxSeq); err != nil {
		return fmt.Errorf("max message seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, id, role, content, timestamp, origin)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID.String(), maxSeq.Int64+1, msg.ID.String(), string(msg.Role), msg.Content,
		msg.Timestamp.dbValue(), originLocal,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// BySession returns the cached messages of a session in order.
func (s *MessageStore) BySession(ctx context.Context, sessionID ID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, timestamp FROM messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("get messages by session: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// CountLocal returns how many cached messages of a session are unconfirmed.
func (s *MessageStore) CountLocal(ctx context.Context, sessionID ID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND origin = ?`,
		sessionID.String(), originLocal).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count local messages: %w", err)
	}
	return n, nil
}

// replaceMessages swaps the cached history for the authoritative one.
func replaceMessages(ctx context.Context, tx *sql.Tx, sessionID ID, messages []Message) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID.String()); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i, msg := range messages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, id, role, content, timestamp, origin)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID.String(), i+1, msg.ID.String(), string(msg.Role), msg.Content,
			msg.Timestamp.dbValue(), originRemote,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

func scanMessage(s scanner) (*Message, error) {
	var msg Message
	var id, role string
	var timestamp *string
	if err := s.Scan(&id, &role, &msg.Content, &timestamp); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.ID = ID(id)
	msg.Role = Role(role)
	msg.Timestamp = parseDBTime(timestamp)
	return &msg, nil
}
