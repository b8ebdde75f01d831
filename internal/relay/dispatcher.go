// Package relay posts transcripts to the downstream automation endpoint.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Payload is the JSON body sent to the endpoint.
type Payload struct {
	Msg       string `json:"msg"`
	SessionID string `json:"sessionId"`
}

// Response is a successful relay reply.
type Response struct {
	Status      int
	Body        json.RawMessage
	DisplayText string
}

// Dispatcher sends one request per call. It does not serialize callers.
type Dispatcher struct {
	cfg     config.RelayConfig
	client  *http.Client
	logger  *slog.Logger
	tracer  trace.Tracer
	latency metric.Float64Histogram
}

func NewDispatcher(cfg config.RelayConfig, logger *slog.Logger) *Dispatcher {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/relay")
	latency, err := meter.Float64Histogram("loqa.voice.relay.latency",
		metric.WithDescription("Relay round-trip latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to register relay latency histogram", slogError(err))
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		logger:  logger.With(slog.String("component", "relay")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-voice/relay"),
		latency: latency,
	}
}

// Send posts payload and resolves the display text. Failures are
// *voiceerr.RelayError; cancellation by ctx is returned as context.Canceled.
func (d *Dispatcher) Send(ctx context.Context, payload Payload) (Response, error) {
	ctx, span := d.tracer.Start(ctx, "relay.send", trace.WithAttributes(
		attribute.Int("relay.msg_chars", len(payload.Msg)),
	))
	defer span.End()

	started := time.Now()
	resp, err := d.send(ctx, payload)
	if d.latency != nil {
		d.latency.Record(ctx, time.Since(started).Seconds())
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Response{}, context.Canceled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "relay failed")
		d.logger.Warn("relay failed", slogError(err))
		return Response{}, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	d.logger.Info("relay complete", slog.Int("status", resp.Status), slog.Duration("latency", time.Since(started)))
	return resp, nil
}

func (d *Dispatcher) send(ctx context.Context, payload Payload) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, unknownError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, unknownError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range d.cfg.Headers {
		req.Header.Set(key, value)
	}

	httpResp, err := d.client.Do(req)
	if err != nil {
		return Response{}, classify(ctx, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 64<<10))
		return Response{}, &voiceerr.RelayError{
			Type:    voiceerr.RelayHTTP,
			Message: fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode, statusText(httpResp)),
			Status:  httpResp.StatusCode,
		}
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return Response{}, ctxErr
		}
		if isTimeout(ctx, err) {
			return Response{}, timeoutError(err)
		}
		return Response{}, unknownError(err)
	}
	return Response{
		Status:      httpResp.StatusCode,
		Body:        json.RawMessage(raw),
		DisplayText: ResolveDisplayText(raw, payload.Msg),
	}, nil
}

// classify maps a transport failure with no HTTP response onto the relay
// taxonomy. Caller cancellation is passed through untouched.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	if isTimeout(ctx, err) {
		return timeoutError(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &voiceerr.RelayError{Type: voiceerr.RelayNetwork, Message: "could not connect to relay endpoint: " + urlErr.Err.Error(), Err: err}
	}
	return unknownError(err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func timeoutError(err error) error {
	return &voiceerr.RelayError{Type: voiceerr.RelayTimeout, Message: "relay request timed out", Err: err}
}

func unknownError(err error) error {
	return &voiceerr.RelayError{Type: voiceerr.RelayUnknown, Message: err.Error(), Err: err}
}

func statusText(resp *http.Response) string {
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
