package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/activity"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bridge"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/presence"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/relay"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool

	orch     *session.Orchestrator
	speech   *tts.Controller
	store    *eventstore.Store
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	bridge   *bridge.Bridge
	presence *presence.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeAll()

	if err := r.buildSession(); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	sessionID := r.orch.SessionID()
	if err := store.AppendSession(ctx, sessionID, r.cfg.Node.ID); err != nil {
		r.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}

	if err := r.attachBus(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	journalUpdates, unsubscribe := r.orch.Subscribe(r.cfg.Session.UpdateBuffer)
	defer unsubscribe()
	journal := eventstore.NewJournal(store, sessionID, r.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.orch.Run(gctx)
	})
	g.Go(func() error {
		journal.Run(gctx, journalUpdates)
		return nil
	})
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("session_id", sessionID),
		slog.String("capture", r.cfg.Capture.Mode),
		slog.String("stt", r.cfg.STT.Mode),
		slog.String("tts", r.cfg.TTS.Provider),
		slog.Bool("auto_playback", r.cfg.Session.AutoPlayback),
	)

	return g.Wait()
}

// buildSession assembles the voice pipeline around one orchestrator.
func (r *Runtime) buildSession() error {
	device, err := audio.NewDevice(r.cfg.Capture, r.logger)
	if err != nil {
		return fmt.Errorf("capture device: %w", err)
	}
	monitor := activity.NewMonitor(r.cfg.Activity, r.logger)
	capture := audio.NewController(r.cfg.Capture, device, monitor, r.logger)

	recognizer, err := stt.NewRecognizer(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("speech recognizer: %w", err)
	}
	transcriber := stt.NewClient(r.cfg.STT, recognizer, r.logger)
	dispatcher := relay.NewDispatcher(r.cfg.Relay, r.logger)

	synth, err := tts.NewSynthesizer(r.cfg.TTS, r.logger)
	if err != nil {
		return fmt.Errorf("speech synthesizer: %w", err)
	}
	player, err := tts.NewPlayer(r.cfg.Playback)
	if err != nil {
		return fmt.Errorf("audio player: %w", err)
	}

	// The orchestrator is assigned before any Speak call can complete.
	var orch *session.Orchestrator
	r.speech = tts.NewController(r.cfg.TTS, synth, player, tts.Callbacks{
		OnSuccess: func(gen uint64) { orch.SpeechFinished(gen, nil) },
		OnError:   func(gen uint64, err error) { orch.SpeechFinished(gen, err) },
	}, r.logger)
	orch = session.NewOrchestrator(r.cfg.Session, capture, transcriber, dispatcher, r.speech, r.logger)
	r.orch = orch
	return nil
}

func (r *Runtime) attachBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	r.bridge = bridge.New(client, r.orch, r.cfg.Session.UpdateBuffer, r.logger)
	if err := r.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	announcement := protocol.NodeAnnouncement{
		SessionID: r.orch.SessionID(),
		Providers: protocol.Providers{
			Capture:       r.cfg.Capture.Mode,
			Transcription: r.cfg.STT.Mode,
			Synthesis:     r.cfg.TTS.Provider,
			Playback:      r.cfg.Playback.Mode,
		},
	}
	status := func() (string, uint64) {
		snap := r.orch.Snapshot()
		return snap.Phase, snap.Turn
	}
	svc, err := presence.NewService(ctx, r.cfg.Node, client, announcement, status, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.presence = svc
	return nil
}

func (r *Runtime) closeAll() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.speech != nil {
		r.speech.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Ready reports whether the runtime serves requests and, when a bus is
// configured, is connected to it.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return true
}
