package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transcript is the text recognized from one recording.
type Transcript struct {
	Text       string    `json:"text"`
	Confidence *float64  `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Client makes exactly one recognizer call per recording.
type Client struct {
	cfg        config.STTConfig
	recognizer Recognizer
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	transcribing atomic.Bool
}

func NewClient(cfg config.STTConfig, recognizer Recognizer, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-voice/stt"),
		now:        time.Now,
	}
}

// Transcribing reports whether a call is in flight.
func (c *Client) Transcribing() bool { return c.transcribing.Load() }

// Transcribe sends artifact to the recognizer. Failures are typed
// *voiceerr.Error values; cancellation by ctx is returned as ctx.Err().
func (c *Client) Transcribe(ctx context.Context, artifact *audio.Artifact) (Transcript, error) {
	if cred, ok := c.recognizer.(Credentialed); ok && !cred.HasCredential() {
		return Transcript{}, voiceerr.Config("transcription service credential is not configured")
	}
	if artifact == nil || artifact.Len() == 0 {
		return Transcript{}, voiceerr.Transcription("no audio was recorded", nil)
	}
	if !c.transcribing.CompareAndSwap(false, true) {
		return Transcript{}, voiceerr.Transcription("a transcription is already in progress", nil)
	}
	defer c.transcribing.Store(false)

	language := LanguageCode(c.cfg.Language)
	ctx, span := c.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("stt.mode", c.cfg.Mode),
		attribute.String("stt.language", language),
		attribute.Int("audio.bytes", artifact.Len()),
	))
	defer span.End()

	if c.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	started := c.now()
	result, err := c.recognizer.Transcribe(ctx, Request{
		Audio:       artifact.Bytes(),
		ContentType: artifact.ContentType,
		Filename:    artifact.Filename(),
		Language:    language,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Transcript{}, context.Canceled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		c.logger.Warn("transcription failed", slogError(err))
		if errors.Is(err, context.DeadlineExceeded) {
			return Transcript{}, voiceerr.Transcription("transcription timed out", err)
		}
		var svcErr *ServiceError
		if errors.As(err, &svcErr) && svcErr.Message != "" {
			return Transcript{}, voiceerr.Transcription(svcErr.Message, err)
		}
		return Transcript{}, voiceerr.Transcription("", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		span.SetStatus(codes.Error, "empty transcript")
		return Transcript{}, voiceerr.Transcription("no text was recognized", nil)
	}
	c.logger.Info("transcription complete",
		slog.Int("chars", len(text)),
		slog.Duration("latency", c.now().Sub(started)),
	)
	return Transcript{Text: text, Confidence: result.Confidence, Timestamp: c.now()}, nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
