// Package event classifies raw stream payloads into typed agent events.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/cloudagent/internal/store"
)

// Type discriminates the closed set of stream events.
type Type string

const (
	TypeMessage   Type = "message"
	TypePlanning  Type = "planning"
	TypeAction    Type = "action"
	TypeFinal     Type = "final"
	TypeError     Type = "error"
	TypeDone      Type = "done"
	TypeCancelled Type = "cancelled"
)

// Terminal reports whether the type ends a turn.
func (t Type) Terminal() bool {
	return t == TypeDone || t == TypeCancelled
}

func (t Type) valid() bool {
	switch t {
	case TypeMessage, TypePlanning, TypeAction, TypeFinal, TypeError, TypeDone, TypeCancelled:
		return true
	}
	return false
}

// OutputType is the kind of a final answer.
type OutputType string

const (
	OutputText  OutputType = "text"
	OutputImage OutputType = "image"
)

var (
	// ErrMalformed is returned for payloads that are not a JSON object.
	ErrMalformed = errors.New("malformed event payload")
	// ErrUnknownType is returned for JSON objects with an unrecognized type.
	ErrUnknownType = errors.New("unknown event type")
)

const dataPrefix = "data:"

// Event is one typed stream event. Only the fields relevant to Type are set.
type Event struct {
	Type Type `json:"type"`

	// message
	Role    store.Role `json:"role,omitempty"`
	Content string     `json:"content,omitempty"`

	// planning, action
	StepType     string `json:"step_type,omitempty"`
	StepNumber   int    `json:"step_number,omitempty"`
	Plan         string `json:"plan,omitempty"`
	ModelOutput  string `json:"model_output,omitempty"`
	CodeAction   string `json:"code_action,omitempty"`
	Observations string `json:"observations,omitempty"`

	// action, error
	Error string `json:"error,omitempty"`

	// final
	Output        string     `json:"output,omitempty"`
	OutputType    OutputType `json:"output_type,omitempty"`
	URL           string     `json:"url,omitempty"`
	MimeType      string     `json:"mime_type,omitempty"`
	IsFinalAnswer bool       `json:"is_final_answer,omitempty"`

	TokenUsage *store.TokenUsage `json:"token_usage,omitempty"`
}

// wire mirrors Event with nullable fields the backend may send as null.
type wire struct {
	Type         Type              `json:"type"`
	Role         store.Role        `json:"role"`
	Content      *string           `json:"content"`
	StepType     *string           `json:"step_type"`
	StepNumber   *int              `json:"step_number"`
	Plan         *string           `json:"plan"`
	ModelOutput  *string           `json:"model_output"`
	CodeAction   *string           `json:"code_action"`
	Observations *string           `json:"observations"`
	Error        *string           `json:"error"`
	Output       json.RawMessage   `json:"output"`
	OutputType   *OutputType       `json:"output_type"`
	URL          *string           `json:"url"`
	MimeType     *string           `json:"mime_type"`
	IsFinal      *bool             `json:"is_final_answer"`
	TokenUsage   *store.TokenUsage `json:"token_usage"`
}

// Classify parses one decoded payload into an Event. Callers drop frames
// that fail to classify; a failure is never fatal to the stream.
func Classify(payload []byte) (Event, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return Event{}, ErrMalformed
	}

	var w wire
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !w.Type.valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}

	ev := Event{
		Type:         w.Type,
		Role:         w.Role,
		Content:      deref(w.Content),
		StepType:     deref(w.StepType),
		Plan:         deref(w.Plan),
		ModelOutput:  deref(w.ModelOutput),
		CodeAction:   deref(w.CodeAction),
		Observations: deref(w.Observations),
		Error:        deref(w.Error),
		Output:       outputText(w.Output),
		URL:          deref(w.URL),
		MimeType:     deref(w.MimeType),
		TokenUsage:   w.TokenUsage,
	}
	if w.StepNumber != nil {
		ev.StepNumber = *w.StepNumber
	}
	if w.OutputType != nil {
		ev.OutputType = *w.OutputType
	}
	if w.IsFinal != nil {
		ev.IsFinalAnswer = *w.IsFinal
	}
	if ev.Type == TypeFinal && ev.OutputType == "" {
		ev.OutputType = OutputText
	}
	return ev, nil
}

// ClassifyLine classifies a raw "data: <json>" line.
func ClassifyLine(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return Event{}, fmt.Errorf("%w: missing data prefix", ErrMalformed)
	}
	return Classify([]byte(strings.TrimPrefix(line[len(dataPrefix):], " ")))
}

// IsStep reports whether the event maps onto a reasoning step.
func (e Event) IsStep() bool {
	return e.Type == TypePlanning || e.Type == TypeAction
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// outputText accepts a string output verbatim and keeps any other JSON value
// in its encoded form.
func outputText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
