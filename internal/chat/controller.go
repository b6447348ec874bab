// Package chat orchestrates one chat session: the per-turn event stream, the
// reasoning timeline, the local message log and the session cache.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/cloudagent/internal/event"
	"github.com/mattjoyce/cloudagent/internal/reasoning"
	"github.com/mattjoyce/cloudagent/internal/store"
	"github.com/mattjoyce/cloudagent/internal/stream"
)

const refreshTimeout = 30 * time.Second

// Cache is the local session cache the controller keeps in sync.
type Cache interface {
	RefreshSession(ctx context.Context, id store.ID) (*store.SessionDetail, error)
	RefreshSessions(ctx context.Context) ([]store.Session, error)
	Invalidate(ctx context.Context, id store.ID) error
	SetTitle(ctx context.Context, id store.ID, title string) error
	AppendLocal(ctx context.Context, id store.ID, msg store.Message) error
}

// LoadState describes the last authoritative session fetch.
type LoadState string

const (
	LoadIdle     LoadState = "idle"
	LoadLoading  LoadState = "loading"
	LoadReady    LoadState = "ready"
	LoadNotFound LoadState = "not_found"
	LoadFailed   LoadState = "failed"
)

// Options configures a Controller.
type Options struct {
	SessionID store.ID
	Backend   stream.Backend
	Cache     Cache
	Logger    *slog.Logger
	// InitialQuery is submitted once by Mount.
	InitialQuery string
	// OnInitialQueryConsumed is called after Mount submits InitialQuery.
	OnInitialQueryConsumed func()
	Context                *SessionContext
}

// Snapshot is a point-in-time copy of the controller state for rendering.
type Snapshot struct {
	SessionID store.ID
	Title     string
	Messages  []store.Message
	Turn      *reasoning.Turn
	Streaming bool
	Load      LoadState
	LoadErr   error
	Tokens    store.TokenUsage
	// StreamErr is the transport error that ended the last turn, if any.
	StreamErr error
}

// Controller is the imperative surface a view drives: submit a query, stop
// the run, read snapshots. All event application happens under one mutex in
// arrival order.
type Controller struct {
	backend    stream.Backend
	cache      Cache
	logger     *slog.Logger
	sessCtx    *SessionContext
	onConsumed func()

	mu           sync.Mutex
	sessionID    store.ID
	stream       *stream.Session
	gen          uint64
	messages     []store.Message
	turn         *reasoning.Turn
	streaming    bool
	load         LoadState
	loadErr      error
	tokens       store.TokenUsage
	streamErr    error
	pending      string
	autoStartFor store.ID

	wg      sync.WaitGroup
	changes chan struct{}
}

// New creates a Controller bound to opts.SessionID.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sessCtx := opts.Context
	if sessCtx == nil {
		sessCtx = NewSessionContext()
	}
	return &Controller{
		backend:    opts.Backend,
		cache:      opts.Cache,
		logger:     logger,
		sessCtx:    sessCtx,
		onConsumed: opts.OnInitialQueryConsumed,
		sessionID:  opts.SessionID,
		stream:     stream.NewSession(opts.SessionID, opts.Backend, logger),
		load:       LoadIdle,
		pending:    strings.TrimSpace(opts.InitialQuery),
		changes:    make(chan struct{}, 1),
	}
}

// SessionContext returns the shared view state.
func (c *Controller) SessionContext() *SessionContext {
	return c.sessCtx
}

// Changes delivers a coalesced signal whenever the snapshot may have changed.
func (c *Controller) Changes() <-chan struct{} {
	return c.changes
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SessionID: c.sessionID,
		Title:     c.sessCtx.Title(),
		Messages:  append([]store.Message(nil), c.messages...),
		Turn:      c.turn.Clone(),
		Streaming: c.streaming,
		Load:      c.load,
		LoadErr:   c.loadErr,
		Tokens:    c.tokens,
		StreamErr: c.streamErr,
	}
}

// IsStreaming reports whether a turn is in flight.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Wait blocks until the current turn's event pump, and any refresh it
// started, has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Submit starts a turn for query. It is a no-op returning false when query
// is blank or a turn is already streaming.
func (c *Controller) Submit(ctx context.Context, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return false
	}

	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return false
	}
	msg := store.NewMessage(store.RoleUser, query)
	c.messages = append(c.messages, msg)
	c.turn = reasoning.NewTurn(query)
	c.streaming = true
	c.streamErr = nil
	c.gen++
	gen, id, st := c.gen, c.sessionID, c.stream
	c.mu.Unlock()
	c.notify()

	if c.cache != nil {
		if err := c.cache.AppendLocal(ctx, id, msg); err != nil {
			c.logger.Warn("failed to cache user message", "session_id", id, "error", err)
		}
	}

	s, err := st.Start(ctx, query)
	if err != nil {
		c.logger.Error("failed to start stream", "session_id", id, "error", err)
		c.mu.Lock()
		if c.gen == gen {
			c.streaming = false
			c.streamErr = err
		}
		c.mu.Unlock()
		c.notify()
		return false
	}

	c.logger.Info("turn started", "session_id", id, "query_len", len(query))
	c.wg.Add(1)
	go c.pump(ctx, gen, id, st, s)
	return true
}

// Stop stops the current turn. Steps already received stay visible; a
// partial answer is discarded. If the run had already finished on the
// server, the session is refetched so the stored answer reappears.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	st, gen, id := c.stream, c.gen, c.sessionID
	live := c.turn != nil && !c.turn.Terminated()
	if live {
		c.turn.Apply(event.Event{Type: event.TypeCancelled})
	}
	c.streaming = false
	c.mu.Unlock()

	if st.Stop(ctx) && live {
		c.logger.Info("stop raced a finished run, refetching", "session_id", id)
		c.refreshAsync(ctx, gen, id)
	}
	c.notify()
}

// Mount submits the pending initial query once per session id. It reports
// whether a turn was started.
func (c *Controller) Mount(ctx context.Context) bool {
	c.mu.Lock()
	if c.pending == "" || c.autoStartFor == c.sessionID {
		c.mu.Unlock()
		return false
	}
	query := c.pending
	c.pending = ""
	c.autoStartFor = c.sessionID
	c.mu.Unlock()

	if !c.Submit(ctx, query) {
		return false
	}
	if c.onConsumed != nil {
		c.onConsumed()
	}
	return true
}

// SwitchSession rebinds the controller to another session. Any open stream
// is closed without interrupt, the turn is reset and the auto-start guard is
// re-armed for initialQuery.
func (c *Controller) SwitchSession(id store.ID, initialQuery string) {
	c.mu.Lock()
	prev := c.stream
	c.gen++
	c.sessionID = id
	c.stream = stream.NewSession(id, c.backend, c.logger)
	c.messages = nil
	c.turn = nil
	c.streaming = false
	c.streamErr = nil
	c.load = LoadIdle
	c.loadErr = nil
	c.tokens = store.TokenUsage{}
	c.pending = strings.TrimSpace(initialQuery)
	c.autoStartFor = ""
	c.mu.Unlock()

	prev.Close()
	c.sessCtx.SetTitle("")
	c.logger.Debug("switched session", "session_id", id)
	c.notify()
}

// Load fetches the session from the backend. Failures are recorded in the
// snapshot's load state and can be retried by calling Load again.
func (c *Controller) Load(ctx context.Context) error {
	if c.cache == nil {
		return errors.New("load session: no session cache configured")
	}
	c.mu.Lock()
	id, gen := c.sessionID, c.gen
	c.load = LoadLoading
	c.loadErr = nil
	c.mu.Unlock()
	c.notify()

	detail, err := c.cache.RefreshSession(ctx, id)

	c.mu.Lock()
	if c.sessionID != id {
		c.mu.Unlock()
		return err
	}
	if err != nil {
		c.loadErr = err
		c.load = LoadFailed
		if errors.Is(err, store.ErrNotFound) {
			c.load = LoadNotFound
		}
		c.mu.Unlock()
		c.logger.Warn("session load failed", "session_id", id, "error", err)
		c.notify()
		return err
	}
	c.load = LoadReady
	c.applyDetailLocked(detail, gen)
	c.mu.Unlock()

	c.sessCtx.SetTitle(detail.Session.Title)
	c.notify()
	return nil
}

func (c *Controller) pump(ctx context.Context, gen uint64, id store.ID, st *stream.Session, s *stream.Stream) {
	defer c.wg.Done()

	for ev := range s.Events {
		c.apply(ctx, gen, id, st, ev)
	}
	err := s.Err()

	c.mu.Lock()
	if c.gen == gen {
		c.streaming = false
		if err != nil {
			c.streamErr = err
		}
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("turn ended by transport error", "session_id", id, "error", err)
	}
	c.notify()
}

func (c *Controller) apply(ctx context.Context, gen uint64, id store.ID, st *stream.Session, ev event.Event) {
	c.mu.Lock()
	if c.gen != gen || c.turn == nil {
		c.mu.Unlock()
		return
	}
	msg, applied := c.turn.Apply(ev)
	if msg != nil {
		c.messages = append(c.messages, *msg)
	}
	terminal := applied && ev.Type.Terminal()
	if terminal {
		c.streaming = false
	}
	c.mu.Unlock()

	if terminal {
		st.Close()
		c.logger.Info("turn finished", "session_id", id, "type", string(ev.Type), "answered", msg != nil)
	}

	if ev.Type == event.TypeMessage && ev.Role == store.RoleUser && ev.Content != "" {
		c.retitle(ctx, id, TitleFromQuery(ev.Content))
	}
	if terminal && ev.Type == event.TypeDone {
		c.refreshAsync(ctx, gen, id)
	}
	c.notify()
}

func (c *Controller) retitle(ctx context.Context, id store.ID, title string) {
	c.sessCtx.SetTitle(title)
	if c.cache == nil {
		return
	}
	if err := c.cache.SetTitle(ctx, id, title); err != nil {
		c.logger.Warn("failed to cache session title", "session_id", id, "error", err)
	}
}

// refreshAsync invalidates the cached session and listing and refetches both
// in the background.
func (c *Controller) refreshAsync(ctx context.Context, gen uint64, id store.ID) {
	if c.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	if err := c.cache.Invalidate(ctx, id); err != nil {
		c.logger.Warn("failed to invalidate session cache", "session_id", id, "error", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		// independent refetches: a failed listing must not abort the detail
		var detail *store.SessionDetail
		var g errgroup.Group
		g.Go(func() error {
			d, err := c.cache.RefreshSession(ctx, id)
			if err != nil {
				return err
			}
			detail = d
			return nil
		})
		g.Go(func() error {
			_, err := c.cache.RefreshSessions(ctx)
			return err
		})
		if err := g.Wait(); err != nil {
			c.logger.Warn("session refresh failed", "session_id", id, "error", err)
		}
		if detail == nil {
			return
		}

		c.mu.Lock()
		if c.sessionID != id {
			c.mu.Unlock()
			return
		}
		c.applyDetailLocked(detail, gen)
		c.mu.Unlock()
		c.sessCtx.SetTitle(detail.Session.Title)
		c.notify()
	}()
}

// applyDetailLocked adopts the authoritative session. The server history
// replaces the local log unless it is empty or a newer turn has started.
func (c *Controller) applyDetailLocked(detail *store.SessionDetail, gen uint64) {
	c.tokens = detail.Tokens
	if len(detail.Messages) > 0 && c.gen == gen && !c.streaming {
		c.messages = append([]store.Message(nil), detail.Messages...)
	}
}

func (c *Controller) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}
