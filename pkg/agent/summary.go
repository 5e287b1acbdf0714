package agent

import (
	"sort"
	"strings"
)

const maxSummaryLen = 80

// summarizeToolInput builds a short human-readable description of a tool
// invocation. Clients render this next to the tool name; raw inputs never
// leave the server.
func summarizeToolInput(tool string, input map[string]any) string {
	switch tool {
	case "Read", "Edit", "Write":
		if s := stringField(input, "file_path"); s != "" {
			return s
		}
	case "Bash":
		if s := stringField(input, "command"); s != "" {
			return truncate(s, maxSummaryLen)
		}
	case "Glob", "Grep":
		if s := stringField(input, "pattern"); s != "" {
			return truncate(s, maxSummaryLen)
		}
	case "WebSearch":
		if s := stringField(input, "query"); s != "" {
			return truncate(s, maxSummaryLen)
		}
	case "WebFetch":
		if s := stringField(input, "url"); s != "" {
			return truncate(s, maxSummaryLen)
		}
	case "TodoWrite":
		if s := inProgressTodo(input); s != "" {
			return truncate(s, maxSummaryLen)
		}
	}

	// Fallback: first string-valued field, in stable key order.
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := input[k].(string); ok && strings.TrimSpace(s) != "" {
			return truncate(s, maxSummaryLen)
		}
	}
	return ""
}

// inProgressTodo pulls the content of the first in-progress item from a
// TodoWrite payload.
func inProgressTodo(input map[string]any) string {
	todos, ok := input["todos"].([]any)
	if !ok {
		return ""
	}
	for _, item := range todos {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if status, _ := m["status"].(string); status != "in_progress" {
			continue
		}
		if content, _ := m["content"].(string); content != "" {
			return content
		}
	}
	return ""
}

func stringField(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
