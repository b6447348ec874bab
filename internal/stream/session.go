// Package stream manages the per-turn event stream connection to the agent
// backend.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattjoyce/cloudagent/internal/event"
	"github.com/mattjoyce/cloudagent/internal/store"
)

var (
	// ErrNoSession is returned by Start when the session id is empty.
	ErrNoSession = errors.New("stream: session id is required")
	// ErrEmptyQuery is returned by Start for a blank query.
	ErrEmptyQuery = errors.New("stream: query is required")
	// ErrIncomplete reports a stream the server closed before a terminal event.
	ErrIncomplete = errors.New("stream: connection closed before a terminal event")
)

// Backend opens event streams and interrupts remote runs.
type Backend interface {
	// OpenStream returns the stream body once the transport is open.
	OpenStream(ctx context.Context, id store.ID, query string) (io.ReadCloser, error)
	Interrupt(ctx context.Context, id store.ID) error
}

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// Stream is one turn's event feed. Events is closed when the connection ends.
type Stream struct {
	Events <-chan event.Event
	err    <-chan error
}

// Err blocks until the stream ends and returns the transport error, if any.
// Streams ended by a terminal event or by Stop/Close report nil.
func (s *Stream) Err() error {
	if s == nil {
		return nil
	}
	return <-s.err
}

type conn struct {
	gen    uint64
	cancel context.CancelFunc
}

// Session owns at most one open connection for a session id. Connections are
// tagged with a generation so a superseded reader never mutates the current
// state.
type Session struct {
	id      store.ID
	backend Backend
	logger  *slog.Logger

	mu        sync.Mutex
	gen       uint64
	conn      *conn
	state     State
	runActive bool
}

// NewSession creates a Session for the given session id.
func NewSession(id store.ID, backend Backend, logger *slog.Logger) *Session {
	return &Session{
		id:      id,
		backend: backend,
		logger:  logger.With("session_id", id.String()),
	}
}

// ID returns the session id the stream is bound to.
func (s *Session) ID() store.ID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsStreaming reports whether a connection handle exists.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// RunActive reports whether the remote run was observed to start and has
// not yet finished.
func (s *Session) RunActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runActive
}

// Start opens a connection for query. A connection that is already open is
// closed first without interrupting its run. The connection is established
// asynchronously; events arrive on the returned Stream in order.
func (s *Session) Start(ctx context.Context, query string) (*Stream, error) {
	if s.id == "" {
		return nil, ErrNoSession
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	s.mu.Lock()
	if prev := s.detachLocked(); prev != nil {
		s.logger.Debug("abandoning previous stream", "generation", prev.gen)
		prev.cancel()
	}
	s.gen++
	connCtx, cancel := context.WithCancel(ctx)
	c := &conn{gen: s.gen, cancel: cancel}
	s.conn = c
	s.state = StateConnecting
	s.mu.Unlock()

	events := make(chan event.Event)
	errCh := make(chan error, 1)
	go s.run(connCtx, c, query, events, errCh)

	return &Stream{Events: events, err: errCh}, nil
}

// Stop closes the active connection and, when the remote run is still
// active, asks the backend to interrupt it. Interrupt failures are logged
// and never returned. Stop is a no-op when idle.
//
// Stop reports whether the run had already ended: a terminal event was read
// from the connection but may not have been received from Events yet.
func (s *Session) Stop(ctx context.Context) (ended bool) {
	s.mu.Lock()
	interrupt := s.runActive
	ended = s.conn != nil && s.state == StateStreaming && !s.runActive
	c := s.detachLocked()
	s.mu.Unlock()

	if c == nil {
		return false
	}
	c.cancel()

	if !interrupt {
		s.logger.Debug("stream stopped before run start or after completion", "ended", ended)
		return ended
	}
	if err := s.backend.Interrupt(ctx, s.id); err != nil {
		s.logger.Warn("interrupt failed", "error", err)
		return false
	}
	s.logger.Info("run interrupted")
	return false
}

// Close closes the active connection without interrupting the remote run.
func (s *Session) Close() {
	s.mu.Lock()
	c := s.detachLocked()
	s.mu.Unlock()
	if c != nil {
		c.cancel()
	}
}

func (s *Session) detachLocked() *conn {
	c := s.conn
	s.conn = nil
	s.state = StateIdle
	s.runActive = false
	return c
}

func (s *Session) current(c *conn) bool {
	return s.conn != nil && s.conn.gen == c.gen
}

func (s *Session) run(ctx context.Context, c *conn, query string, events chan<- event.Event, errCh chan<- error) {
	defer close(errCh)
	defer close(events)

	err := s.read(ctx, c, query, events)
	if err != nil && ctx.Err() != nil {
		// closed locally
		err = nil
	}

	s.mu.Lock()
	if s.current(c) {
		s.detachLocked()
	}
	s.mu.Unlock()
	c.cancel()

	if err != nil {
		s.logger.Warn("stream transport error", "generation", c.gen, "error", err)
	}
	errCh <- err
}

func (s *Session) read(ctx context.Context, c *conn, query string, events chan<- event.Event) error {
	body, err := s.backend.OpenStream(ctx, s.id, query)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer body.Close()

	s.mu.Lock()
	if !s.current(c) {
		s.mu.Unlock()
		return nil
	}
	s.state = StateOpen
	s.runActive = true
	s.mu.Unlock()
	s.logger.Debug("stream open", "generation", c.gen)

	terminal := false
	err = decodeFrames(ctx, body, func(payload []byte) (bool, error) {
		ev, err := event.Classify(payload)
		if err != nil {
			s.logger.Debug("dropping stream frame", "error", err, "bytes", len(payload))
			return false, nil
		}

		s.mu.Lock()
		if !s.current(c) {
			s.mu.Unlock()
			return true, context.Canceled
		}
		s.state = StateStreaming
		if ev.Type.Terminal() {
			s.runActive = false
			terminal = true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case events <- ev:
		}
		return ev.Type.Terminal(), nil
	})
	if err != nil {
		return err
	}
	if !terminal {
		return ErrIncomplete
	}
	return nil
}
