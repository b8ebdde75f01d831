package audio

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"
)

// mockDevice produces a synthetic voice pattern in real time: 1.5s of
// broadband noise followed by 1s of near silence, repeating.
type mockDevice struct {
	format Format
}

func NewMockDevice(format Format) Device {
	return &mockDevice{format: format}
}

func (d *mockDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &mockStream{
		format: d.format,
		start:  time.Now(),
		closed: make(chan struct{}),
		seed:   0x2545f491,
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()
	return s, nil
}

type mockStream struct {
	format   Format
	start    time.Time
	produced int
	seed     uint32

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *mockStream) Format() Format { return s.format }

func (s *mockStream) Read(p []byte) (int, error) {
	frame := s.format.frameSize()
	for {
		select {
		case <-s.closed:
			return 0, io.EOF
		default:
		}
		s.mu.Lock()
		due := int(time.Since(s.start).Seconds()*float64(s.format.BytesPerSecond())) / frame * frame
		avail := due - s.produced
		if avail > len(p) {
			avail = len(p) / frame * frame
		}
		if avail > 0 {
			s.fill(p[:avail])
			s.produced += avail
			s.mu.Unlock()
			return avail, nil
		}
		s.mu.Unlock()
		select {
		case <-s.closed:
			return 0, io.EOF
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *mockStream) fill(p []byte) {
	bytesPerSample := s.format.BitDepth / 8
	rate := float64(s.format.BytesPerSecond())
	for off := 0; off+bytesPerSample <= len(p); off += bytesPerSample {
		at := float64(s.produced+off) / rate
		amplitude := 0.001
		if phase := at - 2.5*float64(int(at/2.5)); phase < 1.5 {
			amplitude = 0.3
		}
		s.seed ^= s.seed << 13
		s.seed ^= s.seed >> 17
		s.seed ^= s.seed << 5
		noise := float64(s.seed)/float64(^uint32(0))*2 - 1
		binary.LittleEndian.PutUint16(p[off:], uint16(int16(noise*amplitude*32767)))
	}
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
