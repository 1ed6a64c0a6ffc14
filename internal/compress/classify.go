package compress

import (
	"strings"

	"github.com/makihq/maki-gateway/internal/convert"
)

// Category buckets drive the weight scorer.
type Category string

const (
	CategoryUserInstruction Category = "USER_INSTRUCTION"
	CategoryKeyState        Category = "KEY_STATE"
	CategoryReasoning       Category = "INTERMEDIATE_REASONING"
	CategoryFailure         Category = "FAILURE_RECORD"
)

var failureMarkers = []string{
	"error:",
	"exception",
	"traceback",
	"panic:",
	"failed",
	"fatal:",
	"cannot ",
	"permission denied",
	"no such file",
}

// Classify is stage three: bucket every message.
func Classify(messages []convert.Message) []Category {
	out := make([]Category, len(messages))
	for i, m := range messages {
		out[i] = classifyOne(m)
	}
	return out
}

func classifyOne(m convert.Message) Category {
	if m.Role == "user" {
		return CategoryUserInstruction
	}

	// Assistant tool use: write semantics pin state, reads are reasoning.
	if len(m.ToolCalls) > 0 {
		for _, tc := range m.ToolCalls {
			if writeTools[tc.Function.Name] {
				return CategoryKeyState
			}
			if tc.Function.Name == "Bash" {
				params := parseParams(tc.Function.Arguments)
				if cmd, _ := params["command"].(string); cmd != "" && shellWritePattern.MatchString(cmd) {
					return CategoryKeyState
				}
			}
		}
		return CategoryReasoning
	}

	if hasFailureMarker(m.Content.Flat()) {
		return CategoryFailure
	}

	if m.Role == "tool" {
		return CategoryReasoning
	}
	return CategoryReasoning
}

func hasFailureMarker(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
