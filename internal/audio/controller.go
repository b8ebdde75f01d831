package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/activity"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

var errAlreadyRecording = errors.New("already recording")

// Controller owns the microphone while recording. It feeds the activity
// monitor from the same stream and is the only party that releases it.
type Controller struct {
	cfg     config.CaptureConfig
	device  Device
	monitor *activity.Monitor
	logger  *slog.Logger
	faults  chan error

	// ops serializes Start and Stop.
	ops     sync.Mutex
	mu      sync.Mutex
	current *recording
}

type recording struct {
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	mu      sync.Mutex
	chunks  [][]byte
	stopped bool
}

func (r *recording) append(chunk []byte) {
	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.mu.Unlock()
}

func (r *recording) markStopped() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *recording) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func NewController(cfg config.CaptureConfig, device Device, monitor *activity.Monitor, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		device:  device,
		monitor: monitor,
		logger:  logger.With(slog.String("component", "capture")),
		faults:  make(chan error, 1),
	}
}

// Start acquires the microphone. Failures are *voiceerr.Error of kind
// capture carrying the device's message.
func (c *Controller) Start(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()
	if c.Recording() {
		return voiceerr.Capture(errAlreadyRecording)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.device.Open(streamCtx)
	if err != nil {
		cancel()
		c.logger.Warn("microphone unavailable", slogError(err))
		return voiceerr.Capture(err)
	}

	format := stream.Format()
	ring := activity.NewRing(c.monitor.WindowSize(), format.Channels)
	rec := &recording{
		stream:  stream,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	c.drainFaults()
	c.monitor.Start(ring)
	c.mu.Lock()
	c.current = rec
	c.mu.Unlock()
	go c.read(rec, ring)

	c.logger.Info("capture started",
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
	)
	return nil
}

// Stop releases the microphone and the monitor before returning and then
// assembles the buffered chunks. It returns nil, nil when not recording.
func (c *Controller) Stop() (*Artifact, error) {
	c.ops.Lock()
	defer c.ops.Unlock()
	c.mu.Lock()
	rec := c.current
	c.current = nil
	c.mu.Unlock()
	if rec == nil {
		return nil, nil
	}

	rec.markStopped()
	_ = rec.stream.Close()
	rec.cancel()
	<-rec.done
	c.monitor.Stop()
	c.drainFaults()

	rec.mu.Lock()
	chunks := rec.chunks
	rec.chunks = nil
	rec.mu.Unlock()

	size := 0
	for _, chunk := range chunks {
		size += len(chunk)
	}
	pcm := make([]byte, 0, size)
	for _, chunk := range chunks {
		pcm = append(pcm, chunk...)
	}

	format := rec.stream.Format()
	encoded, err := EncodeWAV(pcm, format)
	if err != nil {
		return nil, voiceerr.Capture(fmt.Errorf("assemble recording: %w", err))
	}
	var duration time.Duration
	if rate := format.BytesPerSecond(); rate > 0 {
		duration = time.Duration(len(pcm)) * time.Second / time.Duration(rate)
	}
	c.logger.Info("capture stopped",
		slog.Int("chunks", len(chunks)),
		slog.Duration("audio", duration),
		slog.Duration("elapsed", time.Since(rec.started)),
	)
	return NewArtifact(encoded, ContentTypeWAV, format, duration), nil
}

func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Faults delivers capture-layer failures that end a recording early.
func (c *Controller) Faults() <-chan error { return c.faults }

// Speaking reports live speech activity; false when not recording.
func (c *Controller) Speaking() bool {
	return c.Recording() && c.monitor.Speaking()
}

func (c *Controller) SpeakingChanges() <-chan bool { return c.monitor.Changes() }

func (c *Controller) read(rec *recording, ring *activity.Ring) {
	defer close(rec.done)
	format := rec.stream.Format()
	size := format.BytesPerSecond() * c.cfg.ChunkMS / 1000
	if frame := format.frameSize(); frame > 0 {
		size = size / frame * frame
	}
	if size <= 0 {
		size = 3200
	}

	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(rec.stream, buf)
		if n > 0 {
			rec.append(buf[:n])
			_, _ = ring.Write(buf[:n])
		}
		if err == nil {
			continue
		}
		if rec.isStopped() {
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errors.New("microphone stream ended")
		}
		c.logger.Warn("capture fault", slogError(err))
		select {
		case c.faults <- voiceerr.Capture(err):
		default:
		}
		return
	}
}

func (c *Controller) drainFaults() {
	for {
		select {
		case <-c.faults:
		default:
			return
		}
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
