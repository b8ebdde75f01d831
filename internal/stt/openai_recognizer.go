package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// ServiceError carries the transcription service's own failure reason.
type ServiceError struct {
	Status  int
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("stt service returned %d: %s", e.Status, e.Message)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

type openAIRecognizer struct {
	client *openai.Client
	cfg    config.STTConfig
}

// NewOpenAIRecognizer targets the Whisper transcription endpoint, or any
// compatible service at cfg.BaseURL.
func NewOpenAIRecognizer(cfg config.STTConfig) Recognizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &openAIRecognizer{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

func (r *openAIRecognizer) HasCredential() bool {
	return strings.TrimSpace(r.cfg.APIKey) != ""
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	filename := req.Filename
	if filename == "" {
		filename = "recording.wav"
	}
	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.cfg.Model,
		FilePath: filename,
		Reader:   bytes.NewReader(req.Audio),
		Language: req.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return Result{}, serviceError(err)
	}
	return Result{Text: resp.Text}, nil
}

func serviceError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ServiceError{Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.HTTPStatus
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &ServiceError{Status: reqErr.HTTPStatusCode, Message: msg, Err: err}
	}
	return err
}
