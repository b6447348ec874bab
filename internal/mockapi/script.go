package mockapi

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cloudagent/internal/event"
	"github.com/mattjoyce/cloudagent/internal/store"
)

// ScriptEvent is one scripted stream event.
type ScriptEvent struct {
	Type         event.Type       `yaml:"type"`
	StepNumber   int              `yaml:"step_number"`
	Plan         string           `yaml:"plan"`
	ModelOutput  string           `yaml:"model_output"`
	CodeAction   string           `yaml:"code_action"`
	Observations string           `yaml:"observations"`
	Error        string           `yaml:"error"`
	Output       string           `yaml:"output"`
	OutputType   event.OutputType `yaml:"output_type"`
	URL          string           `yaml:"url"`
	MimeType     string           `yaml:"mime_type"`
	InputTokens  int              `yaml:"input_tokens"`
	OutputTokens int              `yaml:"output_tokens"`
	// Raw is a recorded "data: <json>" frame replayed instead of the
	// fields above.
	Raw string `yaml:"raw"`
	// Delay overrides the server step delay before this event.
	Delay time.Duration `yaml:"delay"`
}

// Script is the turn replayed for queries containing Match. An empty Match
// matches every query.
type Script struct {
	Name   string        `yaml:"name"`
	Match  string        `yaml:"match"`
	Events []ScriptEvent `yaml:"events"`
}

// ScriptSet selects the script for a query; the first match wins.
type ScriptSet struct {
	Scripts []Script `yaml:"scripts"`
}

// LoadScripts reads a YAML script file. An empty path yields the built-in
// script.
func LoadScripts(path string) (*ScriptSet, error) {
	if path == "" {
		return DefaultScripts(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scripts: %w", err)
	}
	var set ScriptSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse scripts: %w", err)
	}
	if err := set.validate(); err != nil {
		return nil, fmt.Errorf("invalid scripts: %w", err)
	}
	return &set, nil
}

// DefaultScripts returns the built-in planning, action, final script.
func DefaultScripts() *ScriptSet {
	return &ScriptSet{Scripts: []Script{{
		Name: "default",
		Events: []ScriptEvent{
			{Type: event.TypePlanning, StepNumber: 1, Plan: "1. Work out what is being asked.\n2. Compute the answer.", InputTokens: 120, OutputTokens: 40},
			{Type: event.TypeAction, StepNumber: 2, ModelOutput: `{"thought":"Compute the answer in the sandbox."}`, CodeAction: "print(6 * 7)", Observations: "42", InputTokens: 180, OutputTokens: 30},
			{Type: event.TypeFinal, Output: "42", OutputType: event.OutputText},
		},
	}}}
}

// Select returns the first script whose Match is contained in query.
func (s *ScriptSet) Select(query string) Script {
	lower := strings.ToLower(query)
	for _, sc := range s.Scripts {
		if sc.Match == "" || strings.Contains(lower, strings.ToLower(sc.Match)) {
			return sc
		}
	}
	return DefaultScripts().Scripts[0]
}

func (s *ScriptSet) validate() error {
	for i, sc := range s.Scripts {
		for j, scripted := range sc.Events {
			typ := scripted.Type
			if scripted.Raw != "" {
				ev, err := event.ClassifyLine(scripted.Raw)
				if err != nil {
					return fmt.Errorf("scripts[%d].events[%d]: %w", i, j, err)
				}
				typ = ev.Type
			}
			switch typ {
			case event.TypePlanning, event.TypeAction, event.TypeFinal, event.TypeError:
			default:
				return fmt.Errorf("scripts[%d].events[%d]: unsupported type %q", i, j, typ)
			}
		}
	}
	return nil
}

// toEvent renders the scripted event as a wire event.
func (e ScriptEvent) toEvent() event.Event {
	if e.Raw != "" {
		// validated by LoadScripts
		if ev, err := event.ClassifyLine(e.Raw); err == nil {
			return ev
		}
	}
	ev := event.Event{
		Type:         e.Type,
		StepNumber:   e.StepNumber,
		Plan:         e.Plan,
		ModelOutput:  e.ModelOutput,
		CodeAction:   e.CodeAction,
		Observations: e.Observations,
		Error:        e.Error,
		Output:       e.Output,
		OutputType:   e.OutputType,
		URL:          e.URL,
		MimeType:     e.MimeType,
	}
	switch e.Type {
	case event.TypePlanning:
		ev.StepType = "PlanningStep"
	case event.TypeAction:
		ev.StepType = "ActionStep"
	case event.TypeFinal:
		ev.IsFinalAnswer = true
		if ev.OutputType == "" {
			ev.OutputType = event.OutputText
		}
	}
	if e.InputTokens > 0 || e.OutputTokens > 0 {
		ev.TokenUsage = &store.TokenUsage{
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			TotalTokens:  e.InputTokens + e.OutputTokens,
		}
	}
	return ev
}
