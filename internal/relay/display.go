package relay

import (
	"bytes"
	"encoding/json"
	"strings"
)

// displayFields is the precedence list for the text narrated back.
var displayFields = []string{"output", "response", "text", "message"}

// ResolveDisplayText picks the first non-empty string field from body in
// precedence order. A JSON array is resolved through its first object.
// Anything else resolves to fallback, the transcript that was sent.
func ResolveDisplayText(body []byte, fallback string) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fallback
	}

	var obj map[string]json.RawMessage
	switch trimmed[0] {
	case '{':
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fallback
		}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fallback
		}
		for _, item := range items {
			if err := json.Unmarshal(item, &obj); err == nil && obj != nil {
				break
			}
			obj = nil
		}
	default:
		return fallback
	}

	for _, field := range displayFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return fallback
}
