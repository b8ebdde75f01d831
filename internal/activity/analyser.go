package activity

import (
	"math"
	"math/cmplx"
)

// Analyser computes byte-scaled frequency magnitudes over a Blackman
// window with exponential smoothing between frames.
type Analyser struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	window   []float64
	buf      []complex128
	smoothed []float64
}

func NewAnalyser(size int, smoothing, minDB, maxDB float64) *Analyser {
	a := &Analyser{
		size:      size,
		smoothing: smoothing,
		minDB:     minDB,
		maxDB:     maxDB,
		window:    make([]float64, size),
		buf:       make([]complex128, size),
		smoothed:  make([]float64, size/2),
	}
	const alpha = 0.16
	a0 := (1 - alpha) / 2
	a2 := alpha / 2
	for n := 0; n < size; n++ {
		x := float64(n) / float64(size)
		a.window[n] = a0 - 0.5*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return a
}

// Size is the number of time-domain samples consumed per frame.
func (a *Analyser) Size() int { return a.size }

// Reset clears the smoothing history.
func (a *Analyser) Reset() {
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
}

// AverageLevel analyses one frame of samples and returns the mean of the
// byte-scaled bins, in [0, 255].
func (a *Analyser) AverageLevel(samples []float32) float64 {
	for i := 0; i < a.size; i++ {
		var s float64
		if i < len(samples) {
			s = float64(samples[i])
		}
		a.buf[i] = complex(s*a.window[i], 0)
	}
	fft(a.buf)

	scale := 255 / (a.maxDB - a.minDB)
	var total float64
	for k := range a.smoothed {
		mag := cmplx.Abs(a.buf[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := math.Floor(scale * (db - a.minDB))
		switch {
		case v < 0 || math.IsNaN(v):
			v = 0
		case v > 255:
			v = 255
		}
		total += v
	}
	return total / float64(len(a.smoothed))
}

// fft is an in-place iterative radix-2 transform; len(x) must be a power of two.
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(length)))
		for start := 0; start < n; start += length {
			w := complex(1, 0)
			half := length / 2
			for k := 0; k < half; k++ {
				u := x[start+k]
				v := x[start+k+half] * w
				x[start+k] = u + v
				x[start+k+half] = u - v
				w *= step
			}
		}
	}
}
