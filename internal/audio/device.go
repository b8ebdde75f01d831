package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Stream is a live microphone feed of raw PCM in Format().
type Stream interface {
	io.ReadCloser
	Format() Format
}

// Device acquires exclusive microphone streams. The stream lives until it
// is closed or ctx is done.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// NewDevice builds the backend selected by cfg.Mode.
func NewDevice(cfg config.CaptureConfig, logger *slog.Logger) (Device, error) {
	format := Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitDepth: 16}
	switch cfg.Mode {
	case "exec":
		return NewExecDevice(cfg.Command, format, logger)
	case "mock":
		return NewMockDevice(format), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}
