// Package tts synthesizes narration and owns the single playback resource.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

const (
	ContentTypeMP3 = "audio/mpeg"
	ContentTypeWAV = "audio/wav"
)

// Request contains parameters to synthesize speech.
type Request struct {
	Text     string
	Voice    string
	Language string
}

// Audio is a synthesis result. Bytes-back providers fill Data; URL-back
// providers fill URL and the controller fetches it.
type Audio struct {
	Data        []byte
	ContentType string
	URL         string
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Credentialed is implemented by providers that need a service credential.
type Credentialed interface {
	HasCredential() bool
}

// ProviderError carries the synthesis service's own failure reason.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s tts error: %d - %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s tts error: %s", e.Provider, e.Message)
}

// NewSynthesizer builds the provider selected by cfg.Provider.
func NewSynthesizer(cfg config.TTSConfig, logger *slog.Logger) (Synthesizer, error) {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	switch cfg.Provider {
	case "openai":
		return NewOpenAISynth(cfg), nil
	case "google":
		return NewGoogleSynth(cfg, client), nil
	case "botnoi":
		return NewBotnoiSynth(cfg, client), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "mock":
		logger.Warn("using mock synthesizer")
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.Provider)
	}
}
