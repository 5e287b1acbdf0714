package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeToolInput(t *testing.T) {
	cases := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"read file path", "Read", map[string]any{"file_path": "/src/main.go"}, "/src/main.go"},
		{"edit file path", "Edit", map[string]any{"file_path": "/src/a.go", "old_string": "x"}, "/src/a.go"},
		{"bash command", "Bash", map[string]any{"command": "ls -la"}, "ls -la"},
		{"glob pattern", "Glob", map[string]any{"pattern": "**/*.go"}, "**/*.go"},
		{"grep pattern", "Grep", map[string]any{"pattern": "func main"}, "func main"},
		{"web search query", "WebSearch", map[string]any{"query": "go scanner buffer"}, "go scanner buffer"},
		{"web fetch url", "WebFetch", map[string]any{"url": "https://example.com"}, "https://example.com"},
		{"fallback first string by key order", "Custom", map[string]any{"zeta": "last", "alpha": "first"}, "first"},
		{"fallback skips non-strings", "Custom", map[string]any{"count": 3.0, "name": "thing"}, "thing"},
		{"empty input", "Custom", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, summarizeToolInput(tc.tool, tc.input))
		})
	}
}

func TestSummarizeBashCommandTruncated(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := summarizeToolInput("Bash", map[string]any{"command": long})
	assert.Len(t, got, maxSummaryLen)
	assert.Equal(t, long[:maxSummaryLen], got)
}

func TestSummarizeTodoWrite(t *testing.T) {
	input := map[string]any{
		"todos": []any{
			map[string]any{"content": "done thing", "status": "completed"},
			map[string]any{"content": "current thing", "status": "in_progress"},
			map[string]any{"content": "next thing", "status": "pending"},
		},
	}
	assert.Equal(t, "current thing", summarizeToolInput("TodoWrite", input))
}

func TestSummarizeTodoWriteNoInProgress(t *testing.T) {
	input := map[string]any{
		"todos": []any{
			map[string]any{"content": "next thing", "status": "pending"},
		},
	}
	// Falls through to the generic first-string fallback, which finds
	// nothing string-valued at the top level.
	assert.Equal(t, "", summarizeToolInput("TodoWrite", input))
}
