package activity

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.ActivityConfig {
	cfg := config.Default().Activity
	cfg.IntervalMS = 5
	return cfg
}

func noisePCM(samples int, amplitude float64, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16((rng.Float64()*2 - 1) * amplitude * 32767)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestRingWindowKeepsLatestSamples(t *testing.T) {
	ring := NewRing(4, 1)
	pcm := make([]byte, 12)
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*1000)))
	}
	if _, err := ring.Write(pcm); err != nil {
		t.Fatalf("write: %v", err)
	}
	dst := make([]float32, 4)
	ring.Window(dst)
	if dst[0] != 2000.0/32768 || dst[3] != 5000.0/32768 {
		t.Fatalf("unexpected window %v", dst)
	}

	short := make([]float32, 6)
	ring.Window(short)
	if short[0] != 0 || short[1] != 0 || short[5] != 5000.0/32768 {
		t.Fatalf("expected zero padded window, got %v", short)
	}
}

func TestRingDownmixesStereo(t *testing.T) {
	ring := NewRing(2, 2)
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(int16(0)))
	ring.Write(pcm)
	dst := make([]float32, 1)
	ring.Window(dst)
	if dst[0] != 0.25 {
		t.Fatalf("expected averaged sample 0.25, got %v", dst[0])
	}
}

func TestAnalyserSilenceIsZero(t *testing.T) {
	a := NewAnalyser(2048, 0.8, -100, -30)
	if level := a.AverageLevel(make([]float32, 2048)); level != 0 {
		t.Fatalf("expected silence level 0, got %v", level)
	}
}

func TestAnalyserNoiseExceedsThreshold(t *testing.T) {
	a := NewAnalyser(2048, 0.8, -100, -30)
	ring := NewRing(2048, 1)
	ring.Write(noisePCM(2048, 0.3, 1))
	frame := make([]float32, 2048)
	ring.Window(frame)
	var level float64
	for i := 0; i < 3; i++ {
		level = a.AverageLevel(frame)
	}
	if level <= 10 {
		t.Fatalf("expected noise level above threshold, got %v", level)
	}
	if level > 255 {
		t.Fatalf("level out of byte range: %v", level)
	}
}

func TestFFTImpulse(t *testing.T) {
	x := make([]complex128, 8)
	x[0] = 1
	fft(x)
	for i, v := range x {
		if v != 1 {
			t.Fatalf("bin %d: expected 1, got %v", i, v)
		}
	}
}

func TestMonitorReportsSpeechAndStopsSynchronously(t *testing.T) {
	ring := NewRing(2048, 1)
	monitor := NewMonitor(testConfig(), testLogger())
	monitor.Start(ring)

	ring.Write(noisePCM(4096, 0.4, 7))
	select {
	case speaking := <-monitor.Changes():
		if !speaking {
			t.Fatal("expected speaking=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for speech")
	}
	if !monitor.Speaking() {
		t.Fatal("expected Speaking() true")
	}

	monitor.Stop()
	if monitor.Speaking() {
		t.Fatal("expected speaking cleared after stop")
	}
	ring.Reset()
	select {
	case v := <-monitor.Changes():
		t.Fatalf("unexpected report after stop: %v", v)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestMonitorStopIdempotent(t *testing.T) {
	monitor := NewMonitor(testConfig(), testLogger())
	monitor.Stop()
	monitor.Start(NewRing(2048, 1))
	monitor.Stop()
	monitor.Stop()
}
