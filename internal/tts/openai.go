package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// openAIVoices maps the voice names used by the control surface onto the
// speech endpoint's voices.
var openAIVoices = map[string]openai.SpeechVoice{
	"Puck":    openai.VoiceAlloy,
	"Kore":    openai.VoiceEcho,
	"Nova":    openai.VoiceNova,
	"Shimmer": openai.VoiceShimmer,
	"Onyx":    openai.VoiceOnyx,
	"Fable":   openai.VoiceFable,
	"Sage":    openai.SpeechVoice("sage"),
}

func openAIVoice(name string) openai.SpeechVoice {
	if name == "" {
		name = "Sage"
	}
	if voice, ok := openAIVoices[name]; ok {
		return voice
	}
	return openai.VoiceAlloy
}

type openAISynth struct {
	client *openai.Client
	cfg    config.TTSConfig
}

func NewOpenAISynth(cfg config.TTSConfig) Synthesizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &openAISynth{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

func (s *openAISynth) HasCredential() bool { return strings.TrimSpace(s.cfg.APIKey) != "" }

func (s *openAISynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.cfg.Model),
		Input:          req.Text,
		Voice:          openAIVoice(req.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return Audio{}, &ProviderError{Provider: "openai", Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
		}
		return Audio{}, err
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return Audio{}, fmt.Errorf("read speech: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, &ProviderError{Provider: "openai", Message: "no audio returned"}
	}
	return Audio{Data: data, ContentType: ContentTypeMP3}, nil
}
