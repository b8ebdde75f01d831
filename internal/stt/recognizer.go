// Package stt turns finished recordings into transcripts.
package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Request is one finished recording plus an optional two-letter language hint.
type Request struct {
	Audio       []byte
	ContentType string
	Filename    string
	Language    string
}

// Result captures recognizer output. Confidence is nil when the backend
// does not report one.
type Result struct {
	Text       string
	Confidence *float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Credentialed is implemented by backends that need a service credential.
type Credentialed interface {
	HasCredential() bool
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "openai":
		return NewOpenAIRecognizer(cfg), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock":
		logger.Warn("using mock recognizer")
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
