package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session does not exist, locally or remotely.
var ErrNotFound = errors.New("session not found")

const listStateKey = "sessions"

// SessionStore caches session summaries and token usage.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// DB returns the underlying database connection.
func (s *SessionStore) DB() *sql.DB {
	return s.db
}

// ReplaceList stores an authoritative session listing and clears the list's
// stale mark. Sessions missing from the listing stay cached but unlisted.
func (s *SessionStore) ReplaceList(ctx context.Context, sessions []Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin list tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET listed = 0`); err != nil {
		return fmt.Errorf("reset listed sessions: %w", err)
	}
	for _, sess := range sessions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, title, status, created_at, updated_at, listed)
			 VALUES (?, ?, ?, ?, ?, 1)
			 ON CONFLICT(id) DO UPDATE SET title = excluded.title, status = excluded.status,
			 created_at = excluded.created_at, updated_at = excluded.updated_at, listed = 1`,
			sess.ID.String(), sess.Title, sess.Status, sess.CreatedAt.dbValue(), sess.UpdatedAt.dbValue(),
		)
		if err != nil {
			return fmt.Errorf("upsert listed session %s: %w", sess.ID, err)
		}
	}
	if err := setState(ctx, tx, listStateKey, false); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns the cached session listing, most recently updated first.
func (s *SessionStore) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, status, created_at, updated_at FROM sessions
		 WHERE listed = 1 ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// Get returns a cached session and its token usage. It returns ErrNotFound
// when the session is not cached.
func (s *SessionStore) Get(ctx context.Context, id ID) (*Session, TokenUsage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, status, created_at, updated_at, input_tokens, output_tokens, total_tokens
		 FROM sessions WHERE id = ?`, id.String())

	var tokens TokenUsage
	var sess Session
	var rawID string
	var createdAt, updatedAt *string
	err := row.Scan(&rawID, &sess.Title, &sess.Status, &createdAt, &updatedAt,
		&tokens.InputTokens, &tokens.OutputTokens, &tokens.TotalTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, TokenUsage{}, ErrNotFound
	}
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("get session: %w", err)
	}
	sess.ID = ID(rawID)
	sess.CreatedAt = parseDBTime(createdAt)
	sess.UpdatedAt = parseDBTime(updatedAt)
	return &sess, tokens, nil
}

// PutDetail stores an authoritative session snapshot: summary, token usage
// and the full message history. It clears the session's stale mark.
func (s *SessionStore) PutDetail(ctx context.Context, detail *SessionDetail) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin detail tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	sess := detail.Session
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, title, status, created_at, updated_at, input_tokens, output_tokens, total_tokens, stale, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, status = excluded.status,
		 created_at = excluded.created_at, updated_at = excluded.updated_at,
		 input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
		 total_tokens = excluded.total_tokens, stale = 0, fetched_at = excluded.fetched_at`,
		sess.ID.String(), sess.Title, sess.Status, sess.CreatedAt.dbValue(), sess.UpdatedAt.dbValue(),
		detail.Tokens.InputTokens, detail.Tokens.OutputTokens, detail.Tokens.TotalTokens, now,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}

	if err := replaceMessages(ctx, tx, sess.ID, detail.Messages); err != nil {
		return err
	}
	return tx.Commit()
}

// SetTitle updates a cached session's title without touching its stale mark.
func (s *SessionStore) SetTitle(ctx context.Context, id ID, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id.String())
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// Delete removes a cached session and its messages.
func (s *SessionStore) Delete(ctx context.Context, id ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// MarkStale flags a cached session as needing an authoritative refetch.
func (s *SessionStore) MarkStale(ctx context.Context, id ID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET stale = 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("mark session stale: %w", err)
	}
	return nil
}

// MarkListStale flags the session listing as needing an authoritative refetch.
func (s *SessionStore) MarkListStale(ctx context.Context) error {
	return setState(ctx, s.db, listStateKey, true)
}

// IsStale reports whether a session must be refetched. Sessions that were
// never fetched in full are stale.
func (s *SessionStore) IsStale(ctx context.Context, id ID) (bool, error) {
	var stale int
	err := s.db.QueryRowContext(ctx, `SELECT stale FROM sessions WHERE id = ?`, id.String()).Scan(&stale)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("session stale flag: %w", err)
	}
	return stale != 0, nil
}

// IsListStale reports whether the session listing must be refetched.
func (s *SessionStore) IsListStale(ctx context.Context) (bool, error) {
	var stale int
	err := s.db.QueryRowContext(ctx, `SELECT stale FROM cache_state WHERE key = ?`, listStateKey).Scan(&stale)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("list stale flag: %w", err)
	}
	return stale != 0, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setState(ctx context.Context, db execer, key string, stale bool) error {
	flag := 0
	var fetchedAt *string
	if stale {
		flag = 1
	} else {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		fetchedAt = &now
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO cache_state (key, stale, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET stale = excluded.stale,
		 fetched_at = COALESCE(excluded.fetched_at, cache_state.fetched_at)`,
		key, flag, fetchedAt)
	if err != nil {
		return fmt.Errorf("set cache state %s: %w", key, err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*Session, error) {
	var sess Session
	var id string
	var createdAt, updatedAt *string
	if err := s.Scan(&id, &sess.Title, &sess.Status, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ID = ID(id)
	sess.CreatedAt = parseDBTime(createdAt)
	sess.UpdatedAt = parseDBTime(updatedAt)
	return &sess, nil
}

func parseDBTime(s *string) Time {
	if s == nil {
		return Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return Time{}
	}
	return Time{t}
}
