package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls a JSON object out of a model response. Models frequently
// wrap structured output in markdown fences or surround it with prose, so the
// extraction is lenient: a fenced ```json block wins, then the outermost
// brace-delimited object, then the raw text as a last attempt.
func ExtractJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty response content")
	}

	if fenced, ok := extractFenced(content); ok {
		if json.Valid([]byte(fenced)) {
			return json.RawMessage(fenced), nil
		}
	}

	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			candidate := content[start : end+1]
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), nil
			}
		}
	}

	if json.Valid([]byte(content)) {
		return json.RawMessage(content), nil
	}
	return nil, fmt.Errorf("no valid JSON object in response (%d bytes)", len(content))
}

func extractFenced(content string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(content, marker)
		if start < 0 {
			continue
		}
		rest := content[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(rest[:end]), true
	}
	return "", false
}
