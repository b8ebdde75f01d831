package session

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a transient, dismissible message for the user. It is never
// shown in the transcript panel.
type Notice struct {
	Level     Level     `json:"level"`
	Kind      string    `json:"kind,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Status    int       `json:"status,omitempty"`
	Turn      uint64    `json:"turn"`
	Timestamp time.Time `json:"timestamp"`
}

const previewRunes = 50

func errorNotice(err error, turn uint64, at time.Time) Notice {
	n := Notice{
		Level:     LevelError,
		Kind:      string(voiceerr.KindOf(err)),
		Message:   voiceerr.Message(err),
		Turn:      turn,
		Timestamp: at,
	}
	var relayErr *voiceerr.RelayError
	if errors.As(err, &relayErr) {
		n.Status = relayErr.Status
		n.Title = relayTitle(relayErr.Type)
		return n
	}
	switch voiceerr.KindOf(err) {
	case voiceerr.KindConfig:
		n.Title = "Configuration required"
	case voiceerr.KindCapture:
		n.Title = "Microphone unavailable"
	case voiceerr.KindTranscription:
		n.Title = "Transcription failed"
	case voiceerr.KindSynthesis:
		n.Title = "Narration failed"
	default:
		n.Title = "Something went wrong"
	}
	return n
}

func relayTitle(t voiceerr.RelayType) string {
	switch t {
	case voiceerr.RelayNetwork:
		return "Network unavailable"
	case voiceerr.RelayHTTP:
		return "Server responded with an error"
	case voiceerr.RelayTimeout:
		return "Connection timed out"
	default:
		return "Send failed"
	}
}

func relayedNotice(text string, turn uint64, at time.Time) Notice {
	return Notice{
		Level:     LevelInfo,
		Title:     "Message delivered",
		Message:   preview(text),
		Turn:      turn,
		Timestamp: at,
	}
}

func playbackFinishedNotice(revealed bool, turn uint64, at time.Time) Notice {
	n := Notice{
		Level:     LevelInfo,
		Title:     "Playback finished",
		Turn:      turn,
		Timestamp: at,
	}
	if revealed {
		n.Message = "Transcript shown"
	}
	return n
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}
