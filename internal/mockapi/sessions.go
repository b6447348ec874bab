package mockapi

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/cloudagent/internal/chat"
	"github.com/mattjoyce/cloudagent/internal/store"
)

const (
	statusIdle    = "idle"
	statusRunning = "running"

	defaultTitle = "New Chat"

	// zone-less layout the backend uses for timestamps
	wireTimeLayout = "2006-01-02T15:04:05.000000"
)

var (
	errSessionNotFound = errors.New("session not found")
	errRunActive       = errors.New("a run is already active for this session")
	errNoActiveRun     = errors.New("no active run found for this session")
)

type mockMessage struct {
	id        int
	role      store.Role
	content   string
	timestamp time.Time
}

type mockSession struct {
	id        int
	title     string
	status    string
	createdAt time.Time
	updatedAt time.Time
	messages  []mockMessage
	tokens    store.TokenUsage
	run       *activeRun
}

type activeRun struct {
	interrupted chan struct{}
	once        sync.Once
}

func (r *activeRun) interrupt() {
	r.once.Do(func() { close(r.interrupted) })
}

// registry is the in-memory session database.
type registry struct {
	mu        sync.Mutex
	nextID    int
	nextMsgID int
	sessions  map[int]*mockSession
	now       func() time.Time
}

func newRegistry() *registry {
	return &registry{sessions: map[int]*mockSession{}, now: time.Now}
}

func (r *registry) create(title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if title == "" {
		title = defaultTitle
	}
	r.nextID++
	now := r.now()
	r.sessions[r.nextID] = &mockSession{
		id:        r.nextID,
		title:     title,
		status:    statusIdle,
		createdAt: now,
		updatedAt: now,
	}
	return r.nextID
}

func (r *registry) list() []sessionJSON {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sessionJSON, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.toJSON())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].updated.Equal(out[j].updated) {
			return out[i].ID > out[j].ID
		}
		return out[i].updated.After(out[j].updated)
	})
	return out
}

func (r *registry) detail(id int) (*sessionDetailJSON, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	detail := &sessionDetailJSON{Session: s.toJSON(), Messages: []messageJSON{}, Tokens: s.tokens}
	for _, m := range s.messages {
		detail.Messages = append(detail.Messages, messageJSON{
			ID:        m.id,
			Role:      m.role,
			Content:   m.content,
			Timestamp: formatWireTime(m.timestamp),
		})
	}
	return detail, nil
}

func (r *registry) tokens(id int) (store.TokenUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return store.TokenUsage{}, errSessionNotFound
	}
	return s.tokens, nil
}

func (r *registry) setTitle(id int, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return errSessionNotFound
	}
	if title == "" {
		title = defaultTitle
	}
	s.title = title
	s.updatedAt = r.now()
	return nil
}

func (r *registry) delete(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.run != nil {
		s.run.interrupt()
	}
	delete(r.sessions, id)
}

// beginRun records the user query, titles a session on its first query and
// registers the run so it can be interrupted.
func (r *registry) beginRun(id int, query string) (*activeRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	if s.run != nil {
		return nil, errRunActive
	}
	first := true
	for _, m := range s.messages {
		if m.role == store.RoleUser {
			first = false
			break
		}
	}
	if first {
		s.title = chat.TitleFromQuery(query)
	}
	r.appendLocked(s, store.RoleUser, query)
	s.status = statusRunning
	s.run = &activeRun{interrupted: make(chan struct{})}
	return s.run, nil
}

// endRun clears the run and stores the agent answer, if any.
func (r *registry) endRun(id int, run *activeRun, answer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.run != run {
		return
	}
	if answer != "" {
		r.appendLocked(s, store.RoleAgent, answer)
	}
	s.status = statusIdle
	s.run = nil
	s.updatedAt = r.now()
}

func (r *registry) addUsage(id int, usage *store.TokenUsage) {
	if usage == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.tokens.InputTokens += usage.InputTokens
		s.tokens.OutputTokens += usage.OutputTokens
		s.tokens.TotalTokens += usage.TotalTokens
	}
}

func (r *registry) interrupt(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.run == nil {
		return errNoActiveRun
	}
	s.run.interrupt()
	return nil
}

func (r *registry) appendLocked(s *mockSession, role store.Role, content string) {
	r.nextMsgID++
	now := r.now()
	s.messages = append(s.messages, mockMessage{id: r.nextMsgID, role: role, content: content, timestamp: now})
	s.updatedAt = now
}

type sessionJSON struct {
	ID        int     `json:"id"`
	Title     string  `json:"title"`
	Status    string  `json:"status"`
	CreatedAt *string `json:"created_at"`
	UpdatedAt *string `json:"updated_at"`

	updated time.Time
}

type messageJSON struct {
	ID        int        `json:"id"`
	Role      store.Role `json:"role"`
	Content   string     `json:"content"`
	Timestamp *string    `json:"timestamp"`
}

type sessionDetailJSON struct {
	Session  sessionJSON      `json:"session"`
	Messages []messageJSON    `json:"messages"`
	Tokens   store.TokenUsage `json:"tokens"`
}

func (s *mockSession) toJSON() sessionJSON {
	return sessionJSON{
		ID:        s.id,
		Title:     s.title,
		Status:    s.status,
		CreatedAt: formatWireTime(s.createdAt),
		UpdatedAt: formatWireTime(s.updatedAt),
		updated:   s.updatedAt,
	}
}

func formatWireTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(wireTimeLayout)
	return &s
}

func parseSessionID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, errSessionNotFound
	}
	return id, nil
}
