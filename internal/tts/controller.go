package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Callbacks receive the generation returned by the Speak call they belong to.
type Callbacks struct {
	OnSuccess func(gen uint64)
	OnError   func(gen uint64, err error)
}

// Controller narrates text through one provider and owns the only playback
// resource. Every Speak or Stop starts a new generation; results of older
// generations are discarded without invoking a callback.
type Controller struct {
	cfg       config.TTSConfig
	synth     Synthesizer
	player    Player
	fetcher   *http.Client
	callbacks Callbacks
	logger    *slog.Logger
	tracer    trace.Tracer
	changes   chan bool
	workers   sync.WaitGroup

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	playback Playback
	active   bool
	playing  bool
	paused   bool
}

func NewController(cfg config.TTSConfig, synth Synthesizer, player Player, callbacks Callbacks, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		synth:     synth,
		player:    player,
		fetcher:   &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		callbacks: callbacks,
		logger:    logger.With(slog.String("component", "tts")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-voice/tts"),
		changes:   make(chan bool, 1),
	}
}

// Speak preempts any current attempt and narrates text asynchronously.
// Validation failures are reported through OnError, never returned.
func (c *Controller) Speak(text string) uint64 {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	wasPlaying := c.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.active = true
	c.mu.Unlock()
	if wasPlaying {
		c.publish(false)
	}

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		c.run(ctx, gen, text)
	}()
	return gen
}

// Stop cancels the in-flight request and releases playback before
// returning. The cancelled attempt invokes no callback.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	wasPlaying := c.stopLocked()
	c.mu.Unlock()
	if wasPlaying {
		c.publish(false)
	}
}

// Pause suspends playback without releasing it.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playback == nil || c.paused {
		return nil
	}
	if err := c.playback.Pause(); err != nil {
		return err
	}
	c.paused = true
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playback == nil || !c.paused {
		return nil
	}
	if err := c.playback.Resume(); err != nil {
		return err
	}
	c.paused = false
	return nil
}

// Active reports whether an attempt is synthesizing or playing.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Playing reports whether audio is allocated for playback, paused or not.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// PlayingChanges delivers playing transitions. Undelivered values are
// replaced by newer ones.
func (c *Controller) PlayingChanges() <-chan bool { return c.changes }

// Close stops playback and waits for workers to exit.
func (c *Controller) Close() {
	c.Stop()
	c.workers.Wait()
}

// stopLocked must be called with mu held.
func (c *Controller) stopLocked() bool {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.playback != nil {
		c.playback.Stop()
		c.playback = nil
	}
	wasPlaying := c.playing
	c.active = false
	c.playing = false
	c.paused = false
	return wasPlaying
}

func (c *Controller) run(ctx context.Context, gen uint64, text string) {
	if strings.TrimSpace(text) == "" {
		c.finish(gen, voiceerr.Synthesis("no text to speak", nil))
		return
	}
	if cred, ok := c.synth.(Credentialed); ok && !cred.HasCredential() {
		c.finish(gen, voiceerr.Config("speech synthesis credential is not configured"))
		return
	}

	spanCtx, span := c.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.provider", c.cfg.Provider),
		attribute.Int("tts.chars", len(text)),
	))
	defer span.End()

	reqCtx := spanCtx
	if c.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(spanCtx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	a, err := c.synth.Synthesize(reqCtx, Request{Text: text, Voice: c.cfg.Voice, Language: c.cfg.Language})
	if err == nil && len(a.Data) == 0 && a.URL != "" {
		a, err = c.fetch(reqCtx, a)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		c.finish(gen, synthesisError(err))
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	playback, err := c.player.Start(ctx, a)
	if err != nil {
		c.mu.Unlock()
		span.RecordError(err)
		c.finish(gen, voiceerr.Synthesis("audio playback failed: "+err.Error(), err))
		return
	}
	c.playback = playback
	c.playing = true
	c.mu.Unlock()
	c.publish(true)
	c.logger.Info("playback started", slog.String("content_type", a.ContentType), slog.Int("bytes", len(a.Data)))

	select {
	case <-ctx.Done():
		return
	case <-playback.Done():
	}
	if perr := playback.Err(); perr != nil {
		c.finish(gen, voiceerr.Synthesis("audio playback failed: "+perr.Error(), perr))
		return
	}
	c.finish(gen, nil)
}

// finish ends generation gen and invokes exactly one callback when gen is
// still current.
func (c *Controller) finish(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.playback = nil
	wasPlaying := c.playing
	c.active = false
	c.playing = false
	c.paused = false
	c.mu.Unlock()
	if wasPlaying {
		c.publish(false)
	}

	if err != nil {
		c.logger.Warn("narration failed", slogError(err))
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(gen, err)
		}
		return
	}
	c.logger.Info("playback finished")
	if c.callbacks.OnSuccess != nil {
		c.callbacks.OnSuccess(gen)
	}
}

// fetch downloads the audio of a URL-back provider.
func (c *Controller) fetch(ctx context.Context, a Audio) (Audio, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return Audio{}, err
	}
	resp, err := c.fetcher.Do(req)
	if err != nil {
		return Audio{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Audio{}, fmt.Errorf("fetch audio: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("fetch audio: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = a.ContentType
	}
	return Audio{Data: data, ContentType: contentType, URL: a.URL}, nil
}

func synthesisError(err error) error {
	var typed *voiceerr.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return voiceerr.Synthesis("speech synthesis timed out", err)
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return voiceerr.Synthesis(provErr.Error(), err)
	}
	return voiceerr.Synthesis("", err)
}

func (c *Controller) publish(v bool) {
	select {
	case c.changes <- v:
		return
	default:
	}
	select {
	case <-c.changes:
	default:
	}
	select {
	case c.changes <- v:
	default:
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
