package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// ErrPlaybackStopped is reported by Err after Stop.
var ErrPlaybackStopped = errors.New("playback stopped")

// Player starts playback of synthesized audio.
type Player interface {
	Start(ctx context.Context, a Audio) (Playback, error)
}

// Playback is one allocated playback resource. Done is closed when playback
// ends for any reason; Err then reports nil for a natural end. Stop releases
// the resource before returning.
type Playback interface {
	Done() <-chan struct{}
	Err() error
	Pause() error
	Resume() error
	Stop()
}

// NewPlayer builds the player selected by cfg.Mode.
func NewPlayer(cfg config.PlaybackConfig) (Player, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecPlayer(cfg.Command)
	case "simulated":
		return NewSimulatedPlayer(), nil
	default:
		return nil, fmt.Errorf("unknown playback mode %q", cfg.Mode)
	}
}
