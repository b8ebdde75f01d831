package activity

import (
	"encoding/binary"
	"sync"
)

// Ring is the analysis tap fed by the capture reader. It keeps the most
// recent samples as floats in [-1, 1), downmixing interleaved channels.
type Ring struct {
	mu       sync.Mutex
	channels int
	samples  []float32
	next     int
	filled   int
}

func NewRing(size, channels int) *Ring {
	if channels <= 0 {
		channels = 1
	}
	return &Ring{channels: channels, samples: make([]float32, size)}
}

// Write appends signed 16-bit little-endian PCM frames. A trailing partial
// frame is ignored.
func (r *Ring) Write(pcm []byte) (int, error) {
	frame := 2 * r.channels
	r.mu.Lock()
	defer r.mu.Unlock()
	for off := 0; off+frame <= len(pcm); off += frame {
		var sum float32
		for ch := 0; ch < r.channels; ch++ {
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off+2*ch:]))) / 32768
		}
		r.samples[r.next] = sum / float32(r.channels)
		r.next = (r.next + 1) % len(r.samples)
		if r.filled < len(r.samples) {
			r.filled++
		}
	}
	return len(pcm), nil
}

// Window copies the latest len(dst) samples into dst, oldest first. Missing
// history is zero-filled at the front.
func (r *Ring) Window(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(dst)
	have := r.filled
	if have > n {
		have = n
	}
	pad := n - have
	for i := 0; i < pad; i++ {
		dst[i] = 0
	}
	start := (r.next - have + len(r.samples)) % len(r.samples)
	for i := 0; i < have; i++ {
		dst[pad+i] = r.samples[(start+i)%len(r.samples)]
	}
}

// Reset drops all buffered history.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.samples {
		r.samples[i] = 0
	}
	r.next = 0
	r.filled = 0
}
