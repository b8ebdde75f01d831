package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execPlayer pipes audio into a command such as
// `ffplay -nodisp -autoexit -loglevel quiet -` or `aplay -q`.
type execPlayer struct {
	cmd []string
}

func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("playback command is empty")
	}
	return &execPlayer{cmd: args}, nil
}

func (e *execPlayer) Start(_ context.Context, a Audio) (Playback, error) {
	if len(a.Data) == 0 {
		return nil, errors.New("no audio to play")
	}
	cmd := exec.Command(e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(a.Data)
	p := &execPlayback{cmd: cmd, done: make(chan struct{})}
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start playback command: %w", err)
	}
	go p.wait()
	return p, nil
}

type execPlayback struct {
	cmd    *exec.Cmd
	stderr bytes.Buffer
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	err     error
}

func (p *execPlayback) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	switch {
	case p.stopped:
		p.err = ErrPlaybackStopped
	case err != nil:
		msg := strings.TrimSpace(p.stderr.String())
		if msg == "" {
			p.err = fmt.Errorf("playback command failed: %w", err)
		} else {
			p.err = fmt.Errorf("playback command failed: %w: %s", err, msg)
		}
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *execPlayback) Done() <-chan struct{} { return p.done }

func (p *execPlayback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execPlayback) Pause() error { return pauseProcess(p.cmd.Process) }

func (p *execPlayback) Resume() error { return resumeProcess(p.cmd.Process) }

// Stop kills the player and waits for it to be reaped.
func (p *execPlayback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	_ = resumeProcess(p.cmd.Process)
	_ = p.cmd.Process.Kill()
	<-p.done
}
