package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/cloudagent/internal/storage"
	"github.com/mattjoyce/cloudagent/internal/store"
	"github.com/mattjoyce/cloudagent/internal/stream"
)

// fakeBackend replays scripted frames for known queries and hands the pipe
// writer to the test for any other query.
type fakeBackend struct {
	mu         sync.Mutex
	scripts    map[string][]string
	opens      chan *io.PipeWriter
	queries    []string
	interrupts int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{scripts: map[string][]string{}, opens: make(chan *io.PipeWriter, 4)}
}

func (f *fakeBackend) OpenStream(ctx context.Context, id store.ID, query string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	frames, scripted := f.scripts[query]
	f.mu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	if !scripted {
		f.opens <- pw
		return pr, nil
	}
	go func() {
		for _, frame := range frames {
			if _, err := pw.Write([]byte(frame)); err != nil {
				return
			}
		}
		_ = pw.Close()
	}()
	return pr, nil
}

func (f *fakeBackend) Interrupt(ctx context.Context, id store.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeBackend) counts() (opens, interrupts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries), f.interrupts
}

type fakeRemote struct {
	mu        sync.Mutex
	details   map[store.ID]*store.SessionDetail
	getErr    error
	getCalls  int
	listCalls int
}

func (f *fakeRemote) ListSessions(ctx context.Context) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	var out []store.Session
	for _, d := range f.details {
		out = append(out, d.Session)
	}
	return out, nil
}

func (f *fakeRemote) GetSession(ctx context.Context, id store.ID) (*store.SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	d, ok := f.details[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	cp.Messages = append([]store.Message(nil), d.Messages...)
	return &cp, nil
}

func (f *fakeRemote) put(detail *store.SessionDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[detail.Session.ID] = detail
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, remote store.Remote) *store.Syncer {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewSyncer(db, remote, testLogger())
}

func waitFor(t *testing.T, c *Controller, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := c.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; snapshot %+v", desc, snap)
		}
		select {
		case <-c.Changes():
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func nextWriter(t *testing.T, f *fakeBackend) *io.PipeWriter {
	t.Helper()
	select {
	case pw := <-f.opens:
		return pw
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stream open")
	}
	return nil
}

func write(t *testing.T, pw *io.PipeWriter, frame string) {
	t.Helper()
	go func() { _, _ = pw.Write([]byte(frame)) }()
}

func TestControllerRoundTrip(t *testing.T) {
	const query = "what is 6*7?"
	backend := newFakeBackend()
	backend.scripts[query] = []string{
		"data: {\"type\":\"message\",\"role\":\"user\",\"content\":\"what is 6*7?\"}\n\n",
		"data: {\"type\":\"planning\",\"step_type\":\"PlanningStep\",\"step_number\":1,\"plan\":\"multiply\"}\n\n",
		"data: {\"type\":\"action\",\"step_type\":\"ActionStep\",\"step_number\":2,\"code_action\":\"print(6*7)\",\"observations\":\"42\"}\n\n",
		"data: {\"type\":\"final\",\"output\":\"42\",\"output_type\":\"text\"}\n\n",
		"data: {\"type\":\"done\"}\n\n",
	}
	remote := &fakeRemote{details: map[store.ID]*store.SessionDetail{}}
	remote.put(&store.SessionDetail{
		Session: store.Session{ID: "s1", Title: query},
		Messages: []store.Message{
			{ID: "1", Role: store.RoleUser, Content: query},
			{ID: "2", Role: store.RoleAgent, Content: "42"},
		},
		Tokens: store.TokenUsage{InputTokens: 20, OutputTokens: 5, TotalTokens: 25},
	})

	ctrl := New(Options{
		SessionID: "s1",
		Backend:   backend,
		Cache:     newTestCache(t, remote),
		Logger:    testLogger(),
	})
	if !ctrl.Submit(context.Background(), query) {
		t.Fatalf("expected submit to start a turn")
	}
	ctrl.Wait()

	snap := ctrl.Snapshot()
	if snap.Streaming {
		t.Fatalf("expected streaming to end after done")
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("messages = %+v, want user and agent", snap.Messages)
	}
	if snap.Messages[0].Role != store.RoleUser || snap.Messages[1].Content != "42" {
		t.Fatalf("unexpected messages: %+v", snap.Messages)
	}
	if snap.Turn == nil || !snap.Turn.Finished || len(snap.Turn.Timeline()) != 2 {
		t.Fatalf("unexpected turn: %+v", snap.Turn)
	}
	if snap.Title != query {
		t.Fatalf("title = %q, want %q", snap.Title, query)
	}
	if snap.Tokens.TotalTokens != 25 {
		t.Fatalf("tokens = %d, want 25 from refresh", snap.Tokens.TotalTokens)
	}
	if remote.getCalls == 0 || remote.listCalls == 0 {
		t.Fatalf("expected session and list refresh, got get=%d list=%d", remote.getCalls, remote.listCalls)
	}
	if _, interrupts := backend.counts(); interrupts != 0 {
		t.Fatalf("interrupts = %d, want 0", interrupts)
	}
}

func TestControllerSubmitIgnoresBlankAndConcurrentQueries(t *testing.T) {
	backend := newFakeBackend()
	ctrl := New(Options{SessionID: "s1", Backend: backend, Logger: testLogger()})
	ctx := context.Background()

	if ctrl.Submit(ctx, "   ") {
		t.Fatalf("blank query must not start a turn")
	}
	if !ctrl.Submit(ctx, "first") {
		t.Fatalf("expected first submit to start")
	}
	nextWriter(t, backend)
	if ctrl.Submit(ctx, "second") {
		t.Fatalf("submit while streaming must be a no-op")
	}
	if got := len(ctrl.Snapshot().Messages); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}

	ctrl.Stop(ctx)
	ctrl.Wait()
	if opens, _ := backend.counts(); opens != 1 {
		t.Fatalf("opens = %d, want 1", opens)
	}
}

func TestControllerStopDiscardsPartialAnswerAndInterrupts(t *testing.T) {
	backend := newFakeBackend()
	ctrl := New(Options{SessionID: "s1", Backend: backend, Logger: testLogger()})
	ctx := context.Background()

	if !ctrl.Submit(ctx, "long job") {
		t.Fatalf("expected submit to start")
	}
	pw := nextWriter(t, backend)
	write(t, pw, "data: {\"type\":\"planning\",\"step_number\":1,\"plan\":\"p\"}\n\n"+
		"data: {\"type\":\"final\",\"output\":\"partial\"}\n\n")
	waitFor(t, ctrl, "partial answer", func(s Snapshot) bool {
		return s.Turn != nil && s.Turn.Answer.Content == "partial"
	})

	ctrl.Stop(ctx)
	ctrl.Stop(ctx)
	ctrl.Wait()

	snap := ctrl.Snapshot()
	if snap.Streaming {
		t.Fatalf("expected streaming to stop")
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Role != store.RoleUser {
		t.Fatalf("expected only the user message, got %+v", snap.Messages)
	}
	if !snap.Turn.Cancelled || snap.Turn.Answer.Content != "" {
		t.Fatalf("expected cancelled turn without answer: %+v", snap.Turn)
	}
	if len(snap.Turn.Timeline()) != 1 {
		t.Fatalf("expected completed steps to stay visible")
	}
	if _, interrupts := backend.counts(); interrupts != 1 {
		t.Fatalf("interrupts = %d, want 1", interrupts)
	}
}

func TestControllerErrorKeepsStreamingUntilDone(t *testing.T) {
	backend := newFakeBackend()
	ctrl := New(Options{SessionID: "s1", Backend: backend, Logger: testLogger()})

	if !ctrl.Submit(context.Background(), "q") {
		t.Fatalf("expected submit to start")
	}
	pw := nextWriter(t, backend)
	write(t, pw, "data: {\"type\":\"error\",\"error\":\"boom\"}\n\n")

	snap := waitFor(t, ctrl, "error answer", func(s Snapshot) bool {
		return s.Turn != nil && s.Turn.Answer.Content == "Error: boom"
	})
	if !snap.Streaming {
		t.Fatalf("error without terminal must keep the turn streaming")
	}

	write(t, pw, "data: {\"type\":\"done\"}\n\n")
	ctrl.Wait()

	snap = ctrl.Snapshot()
	if snap.Streaming {
		t.Fatalf("expected done to end streaming")
	}
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != store.RoleAgent || last.Content != "Error: boom" {
		t.Fatalf("last message = %+v, want agent error text", last)
	}
}

func TestControllerTransportErrorEndsTurnWithoutInterrupt(t *testing.T) {
	backend := newFakeBackend()
	backend.scripts["q"] = []string{"data: {\"type\":\"planning\",\"step_number\":1}\n\n"}
	ctrl := New(Options{SessionID: "s1", Backend: backend, Logger: testLogger()})

	if !ctrl.Submit(context.Background(), "q") {
		t.Fatalf("expected submit to start")
	}
	ctrl.Wait()

	snap := ctrl.Snapshot()
	if snap.Streaming || snap.StreamErr == nil {
		t.Fatalf("streaming = %v err = %v, want stopped with error", snap.Streaming, snap.StreamErr)
	}
	if len(snap.Messages) != 1 {
		t.Fatalf("expected no agent message, got %+v", snap.Messages)
	}
	if _, interrupts := backend.counts(); interrupts != 0 {
		t.Fatalf("interrupts = %d, want 0", interrupts)
	}
	if !ctrl.Submit(context.Background(), "retry") {
		t.Fatalf("expected a new turn after transport error")
	}
	ctrl.Stop(context.Background())
	ctrl.Wait()
}

func TestControllerAutoStartOncePerSession(t *testing.T) {
	backend := newFakeBackend()
	backend.scripts["hello"] = []string{
		"data: {\"type\":\"final\",\"output\":\"hi\"}\n\n",
		"data: {\"type\":\"done\"}\n\n",
	}
	var consumed int
	ctrl := New(Options{
		SessionID:              "s1",
		Backend:                backend,
		Logger:                 testLogger(),
		InitialQuery:           "hello",
		OnInitialQueryConsumed: func() { consumed++ },
	})
	ctx := context.Background()

	if !ctrl.Mount(ctx) {
		t.Fatalf("expected first mount to auto-start")
	}
	ctrl.Wait()
	if ctrl.Mount(ctx) {
		t.Fatalf("second mount must not auto-start again")
	}

	ctrl.SwitchSession("s2", "hello")
	if got := ctrl.Snapshot(); got.SessionID != "s2" || len(got.Messages) != 0 {
		t.Fatalf("expected reset state for s2, got %+v", got)
	}
	if !ctrl.Mount(ctx) {
		t.Fatalf("expected mount after switch to auto-start")
	}
	ctrl.Wait()
	if ctrl.Mount(ctx) {
		t.Fatalf("guard must hold for s2")
	}

	if opens, _ := backend.counts(); opens != 2 {
		t.Fatalf("opens = %d, want 2", opens)
	}
	if consumed != 2 {
		t.Fatalf("consumed = %d, want 2", consumed)
	}
}

func TestControllerSwitchSessionClosesWithoutInterrupt(t *testing.T) {
	backend := newFakeBackend()
	ctrl := New(Options{SessionID: "s1", Backend: backend, Logger: testLogger()})

	if !ctrl.Submit(context.Background(), "q") {
		t.Fatalf("expected submit to start")
	}
	pw := nextWriter(t, backend)
	write(t, pw, "data: {\"type\":\"planning\",\"step_number\":1}\n\n")
	waitFor(t, ctrl, "first step", func(s Snapshot) bool {
		return s.Turn != nil && len(s.Turn.Completed) == 1
	})

	ctrl.SwitchSession("s2", "")
	ctrl.Wait()
	if ctrl.IsStreaming() {
		t.Fatalf("expected no active turn after switch")
	}
	if _, interrupts := backend.counts(); interrupts != 0 {
		t.Fatalf("interrupts = %d, want 0", interrupts)
	}
}

func TestControllerLoadStates(t *testing.T) {
	remote := &fakeRemote{details: map[store.ID]*store.SessionDetail{}}
	ctrl := New(Options{
		SessionID: "s9",
		Backend:   newFakeBackend(),
		Cache:     newTestCache(t, remote),
		Logger:    testLogger(),
	})
	ctx := context.Background()

	if err := ctrl.Load(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := ctrl.Snapshot().Load; got != LoadNotFound {
		t.Fatalf("load = %q, want not_found", got)
	}

	remote.mu.Lock()
	remote.getErr = errors.New("backend down")
	remote.mu.Unlock()
	if err := ctrl.Load(ctx); err == nil {
		t.Fatalf("expected load error")
	}
	if got := ctrl.Snapshot().Load; got != LoadFailed {
		t.Fatalf("load = %q, want failed", got)
	}

	remote.mu.Lock()
	remote.getErr = nil
	remote.mu.Unlock()
	remote.put(&store.SessionDetail{
		Session:  store.Session{ID: "s9", Title: "Buckets"},
		Messages: []store.Message{{ID: "1", Role: store.RoleUser, Content: "list buckets"}},
	})
	if err := ctrl.Load(ctx); err != nil {
		t.Fatalf("retry load: %v", err)
	}
	snap := ctrl.Snapshot()
	if snap.Load != LoadReady || snap.Title != "Buckets" || len(snap.Messages) != 1 {
		t.Fatalf("unexpected snapshot after load: %+v", snap)
	}
}

func TestTitleFromQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short", "short"},
		{"exactly thirty characters long", "exactly thirty characters long"},
		{"list all S3 buckets in us-east-1 please", "list all S3 buckets in us-e..."},
		{strings.Repeat("é", 30), strings.Repeat("é", 30)},
		{strings.Repeat("é", 31), strings.Repeat("é", 27) + "..."},
	}
	for _, tt := range tests {
		if got := TitleFromQuery(tt.in); got != tt.want {
			t.Fatalf("TitleFromQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSessionContextIsShared(t *testing.T) {
	sessCtx := NewSessionContext()
	ctrl := New(Options{SessionID: "s1", Backend: newFakeBackend(), Logger: testLogger(), Context: sessCtx})
	sessCtx.SetTitle("outer")
	if ctrl.SessionContext().Title() != "outer" || ctrl.Snapshot().Title != "outer" {
		t.Fatalf("expected controller to share the session context")
	}
}

// stubCache serves a fixed session detail with configurable failures.
type stubCache struct {
	detail      *store.SessionDetail
	detailDelay time.Duration
	listErr     error
	titleGate   chan struct{}

	mu        sync.Mutex
	refreshes int
}

func (c *stubCache) RefreshSession(ctx context.Context, id store.ID) (*store.SessionDetail, error) {
	c.mu.Lock()
	c.refreshes++
	c.mu.Unlock()
	select {
	case <-time.After(c.detailDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	cp := *c.detail
	cp.Messages = append([]store.Message(nil), c.detail.Messages...)
	return &cp, nil
}

func (c *stubCache) RefreshSessions(ctx context.Context) ([]store.Session, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return []store.Session{c.detail.Session}, nil
}

func (c *stubCache) Invalidate(ctx context.Context, id store.ID) error { return nil }

func (c *stubCache) SetTitle(ctx context.Context, id store.ID, title string) error {
	if c.titleGate != nil {
		<-c.titleGate
	}
	return nil
}

func (c *stubCache) AppendLocal(ctx context.Context, id store.ID, msg store.Message) error {
	return nil
}

func (c *stubCache) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

func serverDetail(query, answer string) *store.SessionDetail {
	return &store.SessionDetail{
		Session: store.Session{ID: "s1", Title: query},
		Messages: []store.Message{
			{ID: "1", Role: store.RoleUser, Content: query},
			{ID: "2", Role: store.RoleAgent, Content: answer},
		},
	}
}

func TestControllerListRefreshFailureDoesNotAbortSessionRefresh(t *testing.T) {
	const query = "q"
	backend := newFakeBackend()
	backend.scripts[query] = []string{
		"data: {\"type\":\"planning\",\"step_number\":1,\"plan\":\"p\"}\n\n",
		"data: {\"type\":\"final\",\"output\":\"42\"}\n\n",
		"data: {\"type\":\"done\"}\n\n",
	}
	cache := &stubCache{
		detail:      serverDetail(query, "server answer"),
		detailDelay: 50 * time.Millisecond,
		listErr:     errors.New("list unavailable"),
	}
	ctrl := New(Options{SessionID: "s1", Backend: backend, Cache: cache, Logger: testLogger()})

	if !ctrl.Submit(context.Background(), query) {
		t.Fatalf("expected submit to start")
	}
	ctrl.Wait()

	msgs := ctrl.Snapshot().Messages
	if last := msgs[len(msgs)-1]; last.Content != "server answer" {
		t.Fatalf("last message = %q, want the refreshed server history", last.Content)
	}
}

func TestControllerStopAfterRunEndedRefetchesAnswer(t *testing.T) {
	const query = "q"
	backend := newFakeBackend()
	cache := &stubCache{
		detail:    serverDetail(query, "finished on the server"),
		titleGate: make(chan struct{}),
	}
	ctrl := New(Options{SessionID: "s1", Backend: backend, Cache: cache, Logger: testLogger()})
	ctx := context.Background()

	if !ctrl.Submit(ctx, query) {
		t.Fatalf("expected submit to start")
	}
	st := ctrl.stream
	pw := nextWriter(t, backend)
	// the user echo parks the event pump in SetTitle while done is read
	write(t, pw, "data: {\"type\":\"message\",\"role\":\"user\",\"content\":\"q\"}\n\n"+
		"data: {\"type\":\"done\"}\n\n")

	deadline := time.Now().Add(2 * time.Second)
	for st.State() != stream.StateStreaming || st.RunActive() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for done to be read")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctrl.Stop(ctx)
	close(cache.titleGate)
	ctrl.Wait()

	if cache.refreshCount() != 1 {
		t.Fatalf("refreshes = %d, want 1", cache.refreshCount())
	}
	msgs := ctrl.Snapshot().Messages
	if last := msgs[len(msgs)-1]; last.Role != store.RoleAgent || last.Content != "finished on the server" {
		t.Fatalf("last message = %+v, want the stored answer", last)
	}
	if _, interrupts := backend.counts(); interrupts != 0 {
		t.Fatalf("interrupts = %d, want 0 for a finished run", interrupts)
	}
}
