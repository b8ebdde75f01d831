package stt

import "strings"

var languageCodes = map[string]string{
	"thai": "th",
}

// LanguageCode maps a human-readable language name to the two-letter hint
// the service expects. Names outside the short-list pass through unchanged.
func LanguageCode(name string) string {
	if code, ok := languageCodes[strings.ToLower(strings.TrimSpace(name))]; ok {
		return code
	}
	return name
}
