package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execDevice runs a recorder command that writes raw PCM to stdout, for
// example `arecord -q -t raw -f S16_LE -r 16000 -c 1`.
type execDevice struct {
	cmd    []string
	format Format
	logger *slog.Logger
}

func NewExecDevice(command string, format Format, logger *slog.Logger) (Device, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	return &execDevice{cmd: args, format: format, logger: logger}, nil
}

func (d *execDevice) Open(ctx context.Context) (Stream, error) {
	command := exec.CommandContext(ctx, d.cmd[0], d.cmd[1:]...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	stream := &execStream{command: command, stdout: stdout, format: d.format}
	command.Stderr = &stream.stderr
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	d.logger.Debug("capture command started", slog.Int("pid", command.Process.Pid))
	return stream, nil
}

type execStream struct {
	command *exec.Cmd
	stdout  io.ReadCloser
	format  Format
	stderr  bytes.Buffer

	waitOnce sync.Once
	waitErr  error
}

func (s *execStream) Format() Format { return s.format }

func (s *execStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			msg := strings.TrimSpace(s.stderr.String())
			if msg == "" {
				return n, fmt.Errorf("capture command exited: %w", werr)
			}
			return n, fmt.Errorf("capture command exited: %w: %s", werr, msg)
		}
	}
	return n, err
}

// Close kills the recorder and reaps it.
func (s *execStream) Close() error {
	if s.command.Process != nil {
		_ = s.command.Process.Kill()
	}
	s.wait()
	return nil
}

func (s *execStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.command.Wait()
	})
	return s.waitErr
}
