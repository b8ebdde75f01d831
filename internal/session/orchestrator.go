package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/relay"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrBusy is returned by ToggleRecord while a transcription or relay call
// is outstanding.
var ErrBusy = errors.New("session is busy")

// ErrStopped is returned by control methods once Run has exited.
var ErrStopped = errors.New("session orchestrator stopped")

// Capture is the microphone side of a session.
type Capture interface {
	Start(ctx context.Context) error
	Stop() (*audio.Artifact, error)
	Recording() bool
	Speaking() bool
	Faults() <-chan error
	SpeakingChanges() <-chan bool
}

type Transcriber interface {
	Transcribe(ctx context.Context, artifact *audio.Artifact) (stt.Transcript, error)
}

type Relayer interface {
	Send(ctx context.Context, payload relay.Payload) (relay.Response, error)
}

// Speech narrates text. Completion arrives through Orchestrator.SpeechFinished.
type Speech interface {
	Speak(text string) uint64
	Stop()
	Playing() bool
	PlayingChanges() <-chan bool
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	SessionID    string     `json:"session_id"`
	Phase        string     `json:"phase"`
	Turn         uint64     `json:"turn"`
	Recording    bool       `json:"recording"`
	Transcribing bool       `json:"transcribing"`
	Relaying     bool       `json:"relaying"`
	Synthesizing bool       `json:"synthesizing"`
	Narrating    bool       `json:"narrating"`
	Speaking     bool       `json:"speaking"`
	Busy         bool       `json:"busy"`
	AutoPlayback bool       `json:"auto_playback"`
	Displayed    *Displayed `json:"displayed,omitempty"`
	WordCount    int        `json:"word_count"`
	LastError    *Notice    `json:"last_error,omitempty"`
}

// Update is delivered to subscribers: a new snapshot, a notice, or both.
type Update struct {
	Snapshot Snapshot `json:"snapshot"`
	Notice   *Notice  `json:"notice,omitempty"`
}

type request struct {
	event Event
	reply chan response
}

type response struct {
	snapshot Snapshot
	err      error
}

type speechDone struct {
	gen uint64
	err error
}

// Orchestrator owns the session State. A single goroutine (Run) applies
// every event, so transitions never race.
type Orchestrator struct {
	capture     Capture
	transcriber Transcriber
	relayer     Relayer
	speech      Speech
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	turns         metric.Int64Counter
	errorsCounter metric.Int64Counter
	phaseDuration metric.Float64Histogram

	requests chan request
	results  chan Event
	speechCh chan speechDone
	done     chan struct{}
	doneOnce sync.Once

	// Owned by the Run goroutine.
	artifact   *audio.Artifact
	captureErr error
	workCtx    context.Context
	workCancel context.CancelFunc
	speakGen   uint64
	speakTurn  uint64
	phaseSince time.Time
	turnSpan   trace.Span

	mu          sync.RWMutex
	state       State
	subscribers map[int]chan Update
	nextSub     int
}

func NewOrchestrator(cfg config.SessionConfig, capture Capture, transcriber Transcriber, relayer Relayer, speech Speech, logger *slog.Logger) *Orchestrator {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/session")
	o := &Orchestrator{
		capture:     capture,
		transcriber: transcriber,
		relayer:     relayer,
		speech:      speech,
		logger:      logger.With(slog.String("component", "session")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-voice/session"),
		now:         time.Now,
		requests:    make(chan request),
		results:     make(chan Event, 8),
		speechCh:    make(chan speechDone, 8),
		done:        make(chan struct{}),
		state: State{
			SessionID:    uuid.NewString(),
			AutoPlayback: cfg.AutoPlayback,
		},
		subscribers: make(map[int]chan Update),
	}
	var err error
	if o.turns, err = meter.Int64Counter("loqa.voice.turns", metric.WithDescription("Completed voice turns by outcome")); err != nil {
		o.logger.Warn("failed to register turn counter", slogError(err))
	}
	if o.errorsCounter, err = meter.Int64Counter("loqa.voice.errors", metric.WithDescription("Surfaced errors by kind")); err != nil {
		o.logger.Warn("failed to register error counter", slogError(err))
	}
	if o.phaseDuration, err = meter.Float64Histogram("loqa.voice.phase.duration", metric.WithUnit("s"), metric.WithDescription("Time spent per phase")); err != nil {
		o.logger.Warn("failed to register phase histogram", slogError(err))
	}
	return o
}

// SessionID identifies this session to the relay endpoint.
func (o *Orchestrator) SessionID() string { return o.current().SessionID }

// Run drives the session until ctx is done. On exit it releases the
// microphone and playback.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.workCtx, o.workCancel = context.WithCancel(ctx)
	o.phaseSince = o.now()
	defer o.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-o.requests:
			snap, err := o.handleRequest(ctx, req.event)
			req.reply <- response{snapshot: snap, err: err}
		case ev := <-o.results:
			o.dispatch(ctx, ev)
		case done := <-o.speechCh:
			if done.gen == 0 || done.gen != o.speakGen {
				continue
			}
			o.speakGen = 0
			o.dispatch(ctx, SynthesisFinished{Turn: o.speakTurn, Err: done.err, At: o.now()})
		case err := <-o.capture.Faults():
			o.dispatch(ctx, CaptureFaulted{Turn: o.current().Turn, Err: err, At: o.now()})
		case <-o.capture.SpeakingChanges():
			o.broadcast(nil)
		case <-o.speech.PlayingChanges():
			o.broadcast(nil)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.doneOnce.Do(func() { close(o.done) })
	o.workCancel()
	if o.capture.Recording() {
		_, _ = o.capture.Stop()
	}
	o.speech.Stop()
	if o.turnSpan != nil {
		o.turnSpan.End()
		o.turnSpan = nil
	}
	o.mu.Lock()
	for id, ch := range o.subscribers {
		close(ch)
		delete(o.subscribers, id)
	}
	o.mu.Unlock()
}

// SpeechFinished is the completion callback for the Speech implementation.
func (o *Orchestrator) SpeechFinished(gen uint64, err error) {
	select {
	case o.speechCh <- speechDone{gen: gen, err: err}:
	case <-o.done:
	}
}

// ToggleRecord starts a recording when idle or narrating and stops it when
// recording. It returns ErrBusy while transcribing or relaying.
func (o *Orchestrator) ToggleRecord(ctx context.Context) (Snapshot, error) {
	return o.submit(ctx, RecordToggled{})
}

// TogglePlayback stops narration in progress, or narrates the displayed
// transcript when idle.
func (o *Orchestrator) TogglePlayback(ctx context.Context) (Snapshot, error) {
	return o.submit(ctx, PlaybackToggled{})
}

func (o *Orchestrator) SetAutoPlayback(ctx context.Context, enabled bool) (Snapshot, error) {
	return o.submit(ctx, AutoPlaybackSet{Enabled: enabled})
}

func (o *Orchestrator) ToggleAutoPlayback(ctx context.Context) (Snapshot, error) {
	return o.submit(ctx, AutoPlaybackToggled{})
}

// Cancel abandons the current turn without reporting an error.
func (o *Orchestrator) Cancel(ctx context.Context) (Snapshot, error) {
	return o.submit(ctx, Cancelled{})
}

func (o *Orchestrator) submit(ctx context.Context, ev Event) (Snapshot, error) {
	req := request{event: ev, reply: make(chan response, 1)}
	select {
	case o.requests <- req:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-o.done:
		return Snapshot{}, ErrStopped
	}
	select {
	case resp := <-req.reply:
		return resp.snapshot, resp.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (o *Orchestrator) handleRequest(ctx context.Context, ev Event) (Snapshot, error) {
	if _, ok := ev.(RecordToggled); ok && o.current().Busy() {
		return o.Snapshot(), ErrBusy
	}
	switch e := ev.(type) {
	case PlaybackToggled:
		e.At = o.now()
		ev = e
	case Cancelled:
		e.At = o.now()
		ev = e
	}
	o.dispatch(ctx, ev)
	return o.Snapshot(), nil
}

// Snapshot reports the current state with live speaking flags.
func (o *Orchestrator) Snapshot() Snapshot {
	s := o.current()
	snap := Snapshot{
		SessionID:    s.SessionID,
		Phase:        s.Phase.String(),
		Turn:         s.Turn,
		Recording:    s.Phase == PhaseRecording,
		Transcribing: s.Phase == PhaseTranscribing,
		Relaying:     s.Phase == PhaseRelaying,
		Synthesizing: s.Phase == PhaseSynthesizing,
		Narrating:    s.Narration,
		Busy:         s.Busy(),
		AutoPlayback: s.AutoPlayback,
		LastError:    s.LastError,
	}
	snap.Speaking = (snap.Recording && o.capture.Speaking()) || o.speech.Playing()
	if s.Displayed != nil {
		d := *s.Displayed
		snap.Displayed = &d
		snap.WordCount = len(strings.Fields(d.Text))
	}
	return snap
}

// Subscribe registers for updates. Slow subscribers miss updates rather
// than stall the session. The returned func unsubscribes.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Update, buffer)
	o.mu.Lock()
	select {
	case <-o.done:
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if sub, ok := o.subscribers[id]; ok {
				delete(o.subscribers, id)
				close(sub)
			}
		})
	}
}

func (o *Orchestrator) current() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// dispatch applies ev and executes the resulting commands. Commands that
// complete synchronously may feed further events.
func (o *Orchestrator) dispatch(ctx context.Context, ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]
		prev := o.current()
		next, cmds := prev.Apply(ev)
		o.mu.Lock()
		o.state = next
		o.mu.Unlock()
		if next.Phase != prev.Phase || next.Turn != prev.Turn {
			o.observeTransition(ctx, prev, next)
		}

		var notices []Notice
		for _, cmd := range cmds {
			if follow := o.execute(ctx, cmd, &notices); follow != nil {
				queue = append(queue, follow)
			}
		}
		if len(notices) == 0 {
			o.broadcast(nil)
		}
		for i := range notices {
			o.broadcast(&notices[i])
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, cmd Command, notices *[]Notice) Event {
	switch c := cmd.(type) {
	case StartCapture:
		if err := o.capture.Start(ctx); err != nil {
			return CaptureStartFailed{Turn: c.Turn, Err: err, At: o.now()}
		}
	case StopCapture:
		artifact, err := o.capture.Stop()
		if c.Discard {
			o.artifact, o.captureErr = nil, nil
			return nil
		}
		o.artifact, o.captureErr = artifact, err
	case Transcribe:
		artifact, captureErr := o.artifact, o.captureErr
		o.artifact, o.captureErr = nil, nil
		if captureErr != nil {
			return TranscriptionFailed{Turn: c.Turn, Err: captureErr, At: o.now()}
		}
		workCtx := o.workCtx
		go func() {
			transcript, err := o.transcriber.Transcribe(workCtx, artifact)
			if errors.Is(err, context.Canceled) {
				return
			}
			if err != nil {
				o.post(TranscriptionFailed{Turn: c.Turn, Err: err, At: o.now()})
				return
			}
			o.post(Transcribed{Turn: c.Turn, Transcript: transcript})
		}()
	case Relay:
		workCtx := o.workCtx
		payload := relay.Payload{Msg: c.Text, SessionID: o.current().SessionID}
		go func() {
			resp, err := o.relayer.Send(workCtx, payload)
			if errors.Is(err, context.Canceled) {
				return
			}
			if err != nil {
				o.post(RelayFailed{Turn: c.Turn, Err: err, At: o.now()})
				return
			}
			o.post(Relayed{Turn: c.Turn, Response: resp, At: o.now()})
		}()
	case Speak:
		o.speakTurn = c.Turn
		o.speakGen = o.speech.Speak(c.Text)
	case StopSpeech:
		o.speakGen = 0
		o.speech.Stop()
	case CancelWork:
		o.workCancel()
		o.workCtx, o.workCancel = context.WithCancel(ctx)
	case Notify:
		*notices = append(*notices, c.Notice)
		if c.Notice.Level == LevelError {
			o.logger.Warn("turn failed",
				slog.String("kind", c.Notice.Kind),
				slog.String("message", c.Notice.Message),
				slog.Uint64("turn", c.Notice.Turn),
			)
			if o.errorsCounter != nil {
				o.errorsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", c.Notice.Kind)))
			}
		}
	}
	return nil
}

func (o *Orchestrator) post(ev Event) {
	select {
	case o.results <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) observeTransition(ctx context.Context, prev, next State) {
	now := o.now()
	if o.phaseDuration != nil {
		o.phaseDuration.Record(ctx, now.Sub(o.phaseSince).Seconds(),
			metric.WithAttributes(attribute.String("phase", prev.Phase.String())))
	}
	o.phaseSince = now
	o.logger.Debug("phase changed",
		slog.String("from", prev.Phase.String()),
		slog.String("to", next.Phase.String()),
		slog.Uint64("turn", next.Turn),
	)

	if next.Turn != prev.Turn && o.turnSpan != nil {
		o.endTurn(ctx, "cancelled")
	}
	if next.Phase == PhaseRecording && o.turnSpan == nil {
		_, o.turnSpan = o.tracer.Start(ctx, "session.turn", trace.WithAttributes(
			attribute.String("session.id", next.SessionID),
			attribute.Int64("session.turn", int64(next.Turn)),
		))
	}
	if next.Phase == PhaseIdle && o.turnSpan != nil {
		outcome := "completed"
		switch {
		case next.LastError != nil && next.LastError.Turn == next.Turn:
			outcome = "failed"
		case next.Displayed == nil:
			outcome = "cancelled"
		}
		o.endTurn(ctx, outcome)
	}
}

func (o *Orchestrator) endTurn(ctx context.Context, outcome string) {
	o.turnSpan.SetAttributes(attribute.String("session.outcome", outcome))
	o.turnSpan.End()
	o.turnSpan = nil
	if o.turns != nil {
		o.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (o *Orchestrator) broadcast(notice *Notice) {
	update := Update{Snapshot: o.Snapshot(), Notice: notice}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- update:
		default:
			o.logger.Debug("dropping update for slow subscriber")
		}
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
