package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Remote is the authoritative source of sessions.
type Remote interface {
	ListSessions(ctx context.Context) ([]Session, error)
	GetSession(ctx context.Context, id ID) (*SessionDetail, error)
}

// Syncer is a local cache over a Remote. Mutations mark entries stale; reads
// of stale entries go to the Remote and rewrite the cache, so the local and
// remote views may disagree until the next read.
type Syncer struct {
	sessions *SessionStore
	messages *MessageStore
	remote   Remote
	logger   *slog.Logger
}

// NewSyncer creates a Syncer over the cache database.
func NewSyncer(db *sql.DB, remote Remote, logger *slog.Logger) *Syncer {
	return &Syncer{
		sessions: NewSessionStore(db),
		messages: NewMessageStore(db),
		remote:   remote,
		logger:   logger,
	}
}

// Session returns the session detail, refetching it when stale.
func (s *Syncer) Session(ctx context.Context, id ID) (*SessionDetail, error) {
	stale, err := s.sessions.IsStale(ctx, id)
	if err != nil {
		return nil, err
	}
	if stale {
		return s.RefreshSession(ctx, id)
	}

	sess, tokens, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	messages, err := s.messages.BySession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: *sess, Messages: messages, Tokens: tokens}, nil
}

// RefreshSession fetches the session from the Remote and rewrites the cache.
// A session the Remote no longer knows is dropped from the cache.
func (s *Syncer) RefreshSession(ctx context.Context, id ID) (*SessionDetail, error) {
	detail, err := s.remote.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if derr := s.sessions.Delete(ctx, id); derr != nil {
				s.logger.Warn("failed to drop missing session from cache", "session_id", id, "error", derr)
			}
		}
		return nil, fmt.Errorf("fetch session %s: %w", id, err)
	}
	if detail.Session.ID == "" {
		detail.Session.ID = id
	}
	if err := s.sessions.PutDetail(ctx, detail); err != nil {
		return nil, err
	}
	s.logger.Debug("session refreshed", "session_id", id, "messages", len(detail.Messages))
	return detail, nil
}

// Sessions returns the session listing, refetching it when stale.
func (s *Syncer) Sessions(ctx context.Context) ([]Session, error) {
	stale, err := s.sessions.IsListStale(ctx)
	if err != nil {
		return nil, err
	}
	if stale {
		return s.RefreshSessions(ctx)
	}
	return s.sessions.List(ctx)
}

// RefreshSessions fetches the listing from the Remote and rewrites the cache.
func (s *Syncer) RefreshSessions(ctx context.Context) ([]Session, error) {
	sessions, err := s.remote.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch sessions: %w", err)
	}
	if err := s.sessions.ReplaceList(ctx, sessions); err != nil {
		return nil, err
	}
	s.logger.Debug("session list refreshed", "count", len(sessions))
	return sessions, nil
}

// Invalidate marks a session and the listing stale after a mutation.
func (s *Syncer) Invalidate(ctx context.Context, id ID) error {
	if err := s.sessions.MarkStale(ctx, id); err != nil {
		return err
	}
	return s.sessions.MarkListStale(ctx)
}

// InvalidateList marks only the listing stale.
func (s *Syncer) InvalidateList(ctx context.Context) error {
	return s.sessions.MarkListStale(ctx)
}

// SetTitle optimistically retitles a cached session.
func (s *Syncer) SetTitle(ctx context.Context, id ID, title string) error {
	return s.sessions.SetTitle(ctx, id, title)
}

// AppendLocal records an optimistic message and marks the session stale.
func (s *Syncer) AppendLocal(ctx context.Context, id ID, msg Message) error {
	if err := s.messages.AppendLocal(ctx, id, msg); err != nil {
		return err
	}
	return s.sessions.MarkStale(ctx, id)
}

// Forget drops a session from the cache, e.g. after deleting it remotely.
func (s *Syncer) Forget(ctx context.Context, id ID) error {
	if err := s.sessions.Delete(ctx, id); err != nil {
		return err
	}
	return s.sessions.MarkListStale(ctx)
}
