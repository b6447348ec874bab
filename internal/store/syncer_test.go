package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattjoyce/cloudagent/internal/storage"
)

type fakeRemote struct {
	mu        sync.Mutex
	sessions  []Session
	details   map[ID]*SessionDetail
	getCalls  int
	listCalls int
}

func (f *fakeRemote) ListSessions(ctx context.Context) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]Session(nil), f.sessions...), nil
}

func (f *fakeRemote) GetSession(ctx context.Context, id ID) (*SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	detail, ok := f.details[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *detail
	cp.Messages = append([]Message(nil), detail.Messages...)
	return &cp, nil
}

func newTestSyncer(t *testing.T, remote Remote) *Syncer {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSyncer(db, remote, logger)
}

func TestSyncerSessionServesCacheUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{
		details: map[ID]*SessionDetail{
			"7": {
				Session:  Session{ID: "7", Title: "first"},
				Messages: []Message{{ID: "1", Role: RoleUser, Content: "hi"}},
				Tokens:   TokenUsage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7},
			},
		},
	}
	syncer := newTestSyncer(t, remote)

	detail, err := syncer.Session(ctx, "7")
	if err != nil {
		t.Fatalf("first session read: %v", err)
	}
	if detail.Session.Title != "first" || len(detail.Messages) != 1 {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	cached, err := syncer.Session(ctx, "7")
	if err != nil {
		t.Fatalf("cached session read: %v", err)
	}
	if remote.getCalls != 1 {
		t.Fatalf("remote get calls = %d, want 1", remote.getCalls)
	}
	if cached.Tokens.TotalTokens != 7 {
		t.Fatalf("cached total tokens = %d, want 7", cached.Tokens.TotalTokens)
	}

	remote.details["7"].Messages = append(remote.details["7"].Messages, Message{ID: "2", Role: RoleAgent, Content: "42"})
	if err := syncer.Invalidate(ctx, "7"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	fresh, err := syncer.Session(ctx, "7")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if remote.getCalls != 2 {
		t.Fatalf("remote get calls = %d, want 2", remote.getCalls)
	}
	if len(fresh.Messages) != 2 || fresh.Messages[1].Content != "42" {
		t.Fatalf("unexpected refreshed messages: %+v", fresh.Messages)
	}
}

func TestSyncerAppendLocalIsReplacedByAuthoritativeFetch(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{
		details: map[ID]*SessionDetail{
			"s1": {Session: Session{ID: "s1", Title: "t"}},
		},
	}
	syncer := newTestSyncer(t, remote)

	if err := syncer.AppendLocal(ctx, "s1", NewMessage(RoleUser, "optimistic")); err != nil {
		t.Fatalf("append local: %v", err)
	}
	local, err := syncer.messages.CountLocal(ctx, "s1")
	if err != nil {
		t.Fatalf("count local: %v", err)
	}
	if local != 1 {
		t.Fatalf("local messages = %d, want 1", local)
	}

	remote.details["s1"].Messages = []Message{{ID: "10", Role: RoleUser, Content: "optimistic"}}
	detail, err := syncer.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(detail.Messages) != 1 || detail.Messages[0].ID != "10" {
		t.Fatalf("expected server copy of the message, got %+v", detail.Messages)
	}
	local, err = syncer.messages.CountLocal(ctx, "s1")
	if err != nil {
		t.Fatalf("count local: %v", err)
	}
	if local != 0 {
		t.Fatalf("local messages after refresh = %d, want 0", local)
	}
}

func TestSyncerRefreshSessionDropsMissingSession(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{
		details: map[ID]*SessionDetail{"gone": {Session: Session{ID: "gone", Title: "x"}}},
	}
	syncer := newTestSyncer(t, remote)

	if _, err := syncer.Session(ctx, "gone"); err != nil {
		t.Fatalf("session: %v", err)
	}
	delete(remote.details, "gone")

	_, err := syncer.RefreshSession(ctx, "gone")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := syncer.sessions.Get(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cached session to be dropped, got %v", err)
	}
}

func TestSyncerSessionsListing(t *testing.T) {
	ctx := context.Background()
	older, _ := ParseTime("2024-05-01T10:00:00")
	newer, _ := ParseTime("2024-05-02T10:00:00")
	remote := &fakeRemote{
		sessions: []Session{
			{ID: "1", Title: "old", UpdatedAt: older},
			{ID: "2", Title: "new", UpdatedAt: newer},
		},
	}
	syncer := newTestSyncer(t, remote)

	list, err := syncer.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}

	if err := syncer.SetTitle(ctx, "2", "renamed"); err != nil {
		t.Fatalf("set title: %v", err)
	}
	cached, err := syncer.Sessions(ctx)
	if err != nil {
		t.Fatalf("cached sessions: %v", err)
	}
	if remote.listCalls != 1 {
		t.Fatalf("list calls = %d, want 1", remote.listCalls)
	}
	if cached[0].ID != "2" || cached[0].Title != "renamed" {
		t.Fatalf("expected most recent session first with optimistic title, got %+v", cached[0])
	}

	if err := syncer.InvalidateList(ctx); err != nil {
		t.Fatalf("invalidate list: %v", err)
	}
	if _, err := syncer.Sessions(ctx); err != nil {
		t.Fatalf("refetch sessions: %v", err)
	}
	if remote.listCalls != 2 {
		t.Fatalf("list calls = %d, want 2", remote.listCalls)
	}
}
