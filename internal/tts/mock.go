package tts

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// mockSynth renders silence lasting roughly as long as the text would take
// to read aloud.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	length := time.Duration(utf8.RuneCountInString(req.Text)) * 40 * time.Millisecond
	if length > 3*time.Second {
		length = 3 * time.Second
	}
	format := audio.Format{SampleRate: m.sampleRate, Channels: m.channels, BitDepth: 16}
	pcm := make([]byte, int(length.Seconds()*float64(format.BytesPerSecond()))/2*2)
	data, err := audio.EncodeWAV(pcm, format)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: data, ContentType: ContentTypeWAV}, nil
}
