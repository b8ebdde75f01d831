// Package audio owns microphone capture and the finished recording artifact.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const ContentTypeWAV = "audio/wav"

// Format describes interleaved signed little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func (f Format) frameSize() int { return f.Channels * f.BitDepth / 8 }

// BytesPerSecond is the PCM data rate.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.frameSize() }

// Artifact is a finished recording. It is immutable once built.
type Artifact struct {
	ContentType string
	Format      Format
	Duration    time.Duration
	data        []byte
}

func NewArtifact(data []byte, contentType string, format Format, duration time.Duration) *Artifact {
	return &Artifact{
		ContentType: contentType,
		Format:      format,
		Duration:    duration,
		data:        append([]byte(nil), data...),
	}
}

// Bytes returns a copy of the encoded audio.
func (a *Artifact) Bytes() []byte { return append([]byte(nil), a.data...) }

func (a *Artifact) Len() int { return len(a.data) }

// Reader streams the encoded audio without copying.
func (a *Artifact) Reader() io.Reader { return bytes.NewReader(a.data) }

// Filename is the upload name matching the container.
func (a *Artifact) Filename() string {
	if a.ContentType == ContentTypeWAV {
		return "recording.wav"
	}
	return "recording.bin"
}

// EncodeWAV wraps 16-bit PCM in a WAV container.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", format.BitDepth)
	}
	if len(pcm)%2 != 0 {
		return nil, errors.New("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:   samples,
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, format.SampleRate, format.BitDepth, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// WAVDuration probes the playing time of a WAV payload.
func WAVDuration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("read wav: %w", err)
	}
	rate := int64(dec.AvgBytesPerSec)
	if rate == 0 {
		rate = int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	}
	if rate == 0 {
		return 0, errors.New("wav header has no data rate")
	}
	return time.Duration(dec.PCMLen() * int64(time.Second) / rate), nil
}

// seekBuffer is the in-memory io.WriteSeeker the wav encoder needs to
// patch chunk sizes on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(s.pos) + offset
	case io.SeekEnd:
		next = int64(len(s.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	s.pos = int(next)
	return next, nil
}
