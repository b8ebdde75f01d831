package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
)

const botnoiEndpoint = "https://api-voice.botnoi.ai/openapi/v1/generate_audio"

// botnoiSynth is a URL-back provider: the service stores the rendered file
// and answers with its location.
type botnoiSynth struct {
	cfg      config.TTSConfig
	client   *http.Client
	endpoint string
}

type botnoiRequest struct {
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
	Volume    string  `json:"volume"`
	Speed     float64 `json:"speed"`
	TypeMedia string  `json:"type_media"`
	SaveFile  string  `json:"save_file"`
	Language  string  `json:"language"`
}

type botnoiResponse struct {
	AudioURL string `json:"audio_url"`
	URL      string `json:"url"`
	Message  string `json:"message"`
}

func NewBotnoiSynth(cfg config.TTSConfig, client *http.Client) Synthesizer {
	endpoint := botnoiEndpoint
	if cfg.BaseURL != "" {
		endpoint = strings.TrimRight(cfg.BaseURL, "/") + "/openapi/v1/generate_audio"
	}
	return &botnoiSynth{cfg: cfg, client: client, endpoint: endpoint}
}

func (s *botnoiSynth) HasCredential() bool { return strings.TrimSpace(s.cfg.APIKey) != "" }

func (s *botnoiSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	speed := s.cfg.Speed
	if speed <= 0 {
		speed = 1
	}
	speaker := s.cfg.Speaker
	if speaker == "" {
		speaker = "1"
	}
	language := "th"
	if req.Language != "" {
		language = strings.ToLower(strings.SplitN(req.Language, "-", 2)[0])
	}
	payload, err := json.Marshal(botnoiRequest{
		Text:      req.Text,
		Speaker:   speaker,
		Volume:    "1",
		Speed:     speed,
		TypeMedia: "mp3",
		SaveFile:  "true",
		Language:  language,
	})
	if err != nil {
		return Audio{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Audio{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Botnoi-Token", s.cfg.APIKey)
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Audio{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Audio{}, &ProviderError{
			Provider: "botnoi",
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))),
		}
	}
	var decoded botnoiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Audio{}, fmt.Errorf("decode botnoi response: %w", err)
	}
	audioURL := decoded.AudioURL
	if audioURL == "" {
		audioURL = decoded.URL
	}
	if audioURL == "" {
		return Audio{}, &ProviderError{Provider: "botnoi", Message: "no audio url returned"}
	}
	return Audio{URL: audioURL, ContentType: ContentTypeMP3}, nil
}
