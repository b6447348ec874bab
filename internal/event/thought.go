package event

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Thought extracts the "thought" field when modelOutput is a JSON object
// carrying one, and returns modelOutput unchanged otherwise.
func Thought(modelOutput string) string {
	trimmed := strings.TrimSpace(modelOutput)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return modelOutput
	}
	thought := gjson.Get(trimmed, "thought")
	if !thought.Exists() || thought.Type != gjson.String {
		return modelOutput
	}
	return thought.String()
}
