package tts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// compressedBytesPerSecond approximates 128 kbps MP3 for duration estimates.
const compressedBytesPerSecond = 16000

// simulatedPlayer holds the audio for its playing time without producing
// sound. It keeps the sequencing observable on headless hosts.
type simulatedPlayer struct{}

func NewSimulatedPlayer() Player { return simulatedPlayer{} }

func (simulatedPlayer) Start(_ context.Context, a Audio) (Playback, error) {
	if len(a.Data) == 0 {
		return nil, errors.New("no audio to play")
	}
	length, err := playingTime(a)
	if err != nil {
		return nil, err
	}
	p := &simulatedPlayback{
		remaining: length,
		resumed:   time.Now(),
		done:      make(chan struct{}),
	}
	p.timer = time.AfterFunc(length, func() { p.finish(nil) })
	return p, nil
}

func playingTime(a Audio) (time.Duration, error) {
	if a.ContentType == ContentTypeWAV {
		return audio.WAVDuration(a.Data)
	}
	return time.Duration(len(a.Data)) * time.Second / compressedBytesPerSecond, nil
}

type simulatedPlayback struct {
	mu        sync.Mutex
	timer     *time.Timer
	remaining time.Duration
	resumed   time.Time
	paused    bool
	finished  bool
	err       error
	done      chan struct{}
}

func (p *simulatedPlayback) Done() <-chan struct{} { return p.done }

func (p *simulatedPlayback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *simulatedPlayback) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.paused {
		return nil
	}
	if p.timer.Stop() {
		p.remaining -= time.Since(p.resumed)
		p.paused = true
	}
	return nil
}

func (p *simulatedPlayback) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || !p.paused {
		return nil
	}
	p.paused = false
	p.resumed = time.Now()
	p.timer = time.AfterFunc(p.remaining, func() { p.finish(nil) })
	return nil
}

func (p *simulatedPlayback) Stop() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	p.finish(ErrPlaybackStopped)
}

func (p *simulatedPlayback) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.err = err
	close(p.done)
}
