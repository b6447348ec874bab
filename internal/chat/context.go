package chat

import (
	"sync"
	"unicode/utf8"
)

const (
	titleMaxRunes = 30
	titleKeep     = 27
)

// TitleFromQuery derives a session title from the first query: queries longer
// than 30 characters are cut to 27 and suffixed with "...".
func TitleFromQuery(query string) string {
	if utf8.RuneCountInString(query) <= titleMaxRunes {
		return query
	}
	runes := []rune(query)
	return string(runes[:titleKeep]) + "..."
}

// SessionContext holds view state shared by everything rendering one
// session. It is created when a view mounts and passed by reference.
type SessionContext struct {
	mu    sync.RWMutex
	title string
}

// NewSessionContext creates an empty SessionContext.
func NewSessionContext() *SessionContext {
	return &SessionContext{}
}

// Title returns the current session title.
func (s *SessionContext) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// SetTitle replaces the session title.
func (s *SessionContext) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}
