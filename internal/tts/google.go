package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
)

const googleEndpoint = "https://texttospeech.googleapis.com/v1/text:synthesize"

type googleSynth struct {
	cfg      config.TTSConfig
	client   *http.Client
	endpoint string
}

type googleRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding string  `json:"audioEncoding"`
		SpeakingRate  float64 `json:"speakingRate,omitempty"`
	} `json:"audioConfig"`
}

type googleResponse struct {
	AudioContent string `json:"audioContent"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewGoogleSynth(cfg config.TTSConfig, client *http.Client) Synthesizer {
	endpoint := googleEndpoint
	if cfg.BaseURL != "" {
		endpoint = strings.TrimRight(cfg.BaseURL, "/") + "/v1/text:synthesize"
	}
	return &googleSynth{cfg: cfg, client: client, endpoint: endpoint}
}

func (s *googleSynth) HasCredential() bool { return strings.TrimSpace(s.cfg.APIKey) != "" }

// googleVoice picks a voice from the language hint. Explicit Google voice
// names (e.g. th-TH-Chirp3-HD-Achernar) are honoured for Thai.
func googleVoice(voice, language string) (name, languageCode string) {
	lang := strings.ToLower(language)
	if lang == "" {
		lang = "th-th"
	}
	if strings.Contains(lang, "th") {
		if strings.Count(voice, "-") >= 2 {
			return voice, "th-TH"
		}
		return "th-TH-Chirp3-HD-Achernar", "th-TH"
	}
	return "en-US-Standard-A", "en-US"
}

func (s *googleSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	var body googleRequest
	body.Input.Text = req.Text
	body.Voice.Name, body.Voice.LanguageCode = googleVoice(req.Voice, req.Language)
	body.AudioConfig.AudioEncoding = "MP3"
	if s.cfg.Speed > 0 && s.cfg.Speed != 1 {
		body.AudioConfig.SpeakingRate = s.cfg.Speed
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Audio{}, err
	}

	// The key stays out of the URL: transport errors quote it.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Audio{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", s.cfg.APIKey)
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("google tts request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read google tts response: %w", err)
	}
	var decoded googleResponse
	_ = json.Unmarshal(raw, &decoded)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if decoded.Error != nil && decoded.Error.Message != "" {
			msg = decoded.Error.Message
		}
		return Audio{}, &ProviderError{Provider: "google", Status: resp.StatusCode, Message: msg}
	}
	if decoded.AudioContent == "" {
		return Audio{}, &ProviderError{Provider: "google", Message: "no audio content returned"}
	}
	data, err := base64.StdEncoding.DecodeString(decoded.AudioContent)
	if err != nil {
		return Audio{}, fmt.Errorf("decode google audio: %w", err)
	}
	return Audio{Data: data, ContentType: ContentTypeMP3}, nil
}
