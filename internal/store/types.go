package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// ID is an opaque identifier. The backend encodes ids as JSON numbers while
// locally created ids are strings; both decode to the same form.
type ID string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as text.
func (id ID) String() string {
	return string(id)
}

// Time is a nullable instant. The zero value encodes as null.
type Time struct {
	time.Time
}

// zone-less ISO 8601 layouts emitted by the backend.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime parses RFC 3339 or zone-less ISO 8601 text. Zone-less values are
// interpreted in local time.
func ParseTime(s string) (Time, error) {
	if s == "" {
		return Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Time{t}, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return Time{t}, nil
		}
	}
	return Time{}, fmt.Errorf("parse time %q: unsupported layout", s)
}

// Now returns the current instant as a Time.
func Now() Time {
	return Time{time.Now().UTC()}
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = Time{}
		return nil
	}
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("decode time: %w", err)
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t Time) dbValue() *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

// Message is a single chat message. Messages are immutable once created.
type Message struct {
	ID        ID     `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp Time   `json:"timestamp"`
}

// Session is the backend's session summary.
type Session struct {
	ID        ID     `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt Time   `json:"created_at"`
	UpdatedAt Time   `json:"updated_at"`
}

// TokenUsage is the cumulative token count for a session.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// SessionDetail is a session together with its message history.
type SessionDetail struct {
	Session  Session    `json:"session"`
	Messages []Message  `json:"messages"`
	Tokens   TokenUsage `json:"tokens"`
}
