// Package reasoning folds a turn's stream events into a reasoning timeline
// and a streaming answer.
package reasoning

import (
	"strings"

	"github.com/mattjoyce/cloudagent/internal/event"
	"github.com/mattjoyce/cloudagent/internal/store"
)

// StepKind tags a reasoning step.
type StepKind string

const (
	KindPlanning StepKind = "PlanningStep"
	KindAction   StepKind = "ActionStep"
)

// Step is one planning or action step of a turn.
type Step struct {
	Kind         StepKind
	Number       int
	Plan         string
	ModelOutput  string
	CodeAction   string
	Observations string
	Error        string
	TokenUsage   *store.TokenUsage
}

// Display returns the step's human-readable reasoning: the plan for planning
// steps and the unwrapped thought for action steps.
func (s Step) Display() string {
	if s.Kind == KindPlanning {
		return s.Plan
	}
	return event.Thought(s.ModelOutput)
}

// Answer is the answer being streamed for the current turn.
type Answer struct {
	Content    string
	OutputType event.OutputType
	URL        string
	MimeType   string
}

// Turn is the accumulated state of one query's run. The zero value is an
// empty turn ready for events.
type Turn struct {
	Query     string
	Completed []Step
	Current   *Step
	Answer    Answer
	Finished  bool
	Cancelled bool
	Usage     store.TokenUsage
}

// NewTurn starts an empty turn for query.
func NewTurn(query string) *Turn {
	return &Turn{Query: query}
}

// Terminated reports whether done or cancelled has been applied.
func (t *Turn) Terminated() bool {
	return t.Finished || t.Cancelled
}

// Apply folds ev into the turn. It returns the finalized agent message when
// ev completes the turn with an answer, and whether ev changed the turn.
// Events after done or cancelled are ignored.
func (t *Turn) Apply(ev event.Event) (*store.Message, bool) {
	if t.Terminated() {
		return nil, false
	}
	if ev.TokenUsage != nil {
		t.Usage = *ev.TokenUsage
	}

	switch ev.Type {
	case event.TypePlanning, event.TypeAction:
		step := stepFromEvent(ev)
		if step.Number == 0 {
			step.Number = len(t.Completed) + 1
		}
		t.Completed = append(t.Completed, step)
		t.Current = &t.Completed[len(t.Completed)-1]
		return nil, true

	case event.TypeFinal:
		outputType := ev.OutputType
		if outputType == "" {
			outputType = event.OutputText
		}
		t.Current = nil
		t.Answer = Answer{
			Content:    ev.Output,
			OutputType: outputType,
			URL:        ev.URL,
			MimeType:   ev.MimeType,
		}
		return nil, true

	case event.TypeError:
		msg := strings.TrimSpace(ev.Error)
		if msg == "" {
			msg = "Unknown error"
		}
		t.Answer.Content = "Error: " + msg
		return nil, true

	case event.TypeDone:
		var msg *store.Message
		if t.Answer.Content != "" {
			m := store.NewMessage(store.RoleAgent, t.Answer.Content)
			msg = &m
		}
		t.Answer = Answer{}
		t.Current = nil
		t.Finished = true
		return msg, true

	case event.TypeCancelled:
		t.Answer = Answer{}
		t.Current = nil
		t.Cancelled = true
		return nil, true
	}
	return nil, false
}

// Timeline returns the completed steps in arrival order.
func (t *Turn) Timeline() []Step {
	return append([]Step(nil), t.Completed...)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Completed = t.Timeline()
	if t.Current != nil && len(cp.Completed) > 0 {
		cp.Current = &cp.Completed[len(cp.Completed)-1]
	}
	return &cp
}

func stepFromEvent(ev event.Event) Step {
	kind := KindAction
	if ev.Type == event.TypePlanning {
		kind = KindPlanning
	}
	return Step{
		Kind:         kind,
		Number:       ev.StepNumber,
		Plan:         ev.Plan,
		ModelOutput:  ev.ModelOutput,
		CodeAction:   ev.CodeAction,
		Observations: ev.Observations,
		Error:        ev.Error,
		TokenUsage:   ev.TokenUsage,
	}
}
