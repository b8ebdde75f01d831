// Package activity derives the "currently speaking" signal from live audio.
package activity

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Source supplies the latest time-domain samples.
type Source interface {
	Window(dst []float32)
}

// Monitor samples a Source on a fixed interval and reports whether the
// average spectral level exceeds the threshold.
type Monitor struct {
	cfg      config.ActivityConfig
	logger   *slog.Logger
	analyser *Analyser
	changes  chan bool
	speaking atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewMonitor(cfg config.ActivityConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "activity")),
		analyser: NewAnalyser(cfg.FFTSize, cfg.Smoothing, cfg.MinDecibels, cfg.MaxDecibels),
		changes:  make(chan bool, 1),
	}
}

// WindowSize is the number of samples a Source must be able to provide.
func (m *Monitor) WindowSize() int { return m.analyser.Size() }

// Start begins sampling src. Starting a running monitor restarts it on the
// new source.
func (m *Monitor) Start(src Source) {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyser.Reset()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(src, m.stop, m.done)
}

// Stop halts sampling and returns once the sampling goroutine has exited.
// No change is reported after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.speaking.Store(false)
	select {
	case <-m.changes:
	default:
	}
}

// Speaking reports the most recent sample.
func (m *Monitor) Speaking() bool { return m.speaking.Load() }

// Changes delivers speaking transitions. Undelivered values are replaced by
// newer ones.
func (m *Monitor) Changes() <-chan bool { return m.changes }

func (m *Monitor) run(src Source, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := time.Duration(m.cfg.IntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]float32, m.analyser.Size())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		src.Window(frame)
		level := m.analyser.AverageLevel(frame)
		speaking := level > m.cfg.Threshold
		// Re-check so a tick racing Stop is not reported.
		select {
		case <-stop:
			return
		default:
		}
		if m.speaking.Swap(speaking) != speaking {
			m.logger.Debug("speech activity changed", slog.Bool("speaking", speaking), slog.Float64("level", level))
			m.publish(speaking)
		}
	}
}

func (m *Monitor) publish(v bool) {
	select {
	case m.changes <- v:
		return
	default:
	}
	select {
	case <-m.changes:
	default:
	}
	select {
	case m.changes <- v:
	default:
	}
}
