// Package bridge exposes the session controls over the bus.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/nats-io/nats.go"
)

// ErrUnknownControl is returned by Apply for an unrecognised verb.
var ErrUnknownControl = errors.New("unknown control")

const noticeStream = "VOICE_NOTICES"

// Controls is the subset of the orchestrator driven by control surfaces.
type Controls interface {
	ToggleRecord(ctx context.Context) (session.Snapshot, error)
	TogglePlayback(ctx context.Context) (session.Snapshot, error)
	SetAutoPlayback(ctx context.Context, enabled bool) (session.Snapshot, error)
	ToggleAutoPlayback(ctx context.Context) (session.Snapshot, error)
	Cancel(ctx context.Context) (session.Snapshot, error)
	Subscribe(buffer int) (<-chan session.Update, func())
}

// Apply runs one control verb against controls.
func Apply(ctx context.Context, controls Controls, verb string, req protocol.ControlRequest) (session.Snapshot, error) {
	switch verb {
	case protocol.ControlRecord:
		return controls.ToggleRecord(ctx)
	case protocol.ControlPlayback:
		return controls.TogglePlayback(ctx)
	case protocol.ControlAutoplay:
		if req.Enabled != nil {
			return controls.SetAutoPlayback(ctx, *req.Enabled)
		}
		return controls.ToggleAutoPlayback(ctx)
	case protocol.ControlCancel:
		return controls.Cancel(ctx)
	default:
		return session.Snapshot{}, fmt.Errorf("%w %q", ErrUnknownControl, verb)
	}
}

// Bridge answers control requests on voice.control.<verb> and publishes
// session updates.
type Bridge struct {
	bus      *bus.Client
	controls Controls
	log      *slog.Logger
	timeout  time.Duration
	buffer   int

	mu          sync.Mutex
	subs        []*nats.Subscription
	unsubscribe func()
	done        chan struct{}
}

func New(client *bus.Client, controls Controls, buffer int, log *slog.Logger) *Bridge {
	return &Bridge{
		bus:      client,
		controls: controls,
		log:      log.With(slog.String("component", "bridge")),
		timeout:  5 * time.Second,
		buffer:   buffer,
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	if err := b.bus.EnsureStream(noticeStream, []string{protocol.SubjectSessionNotice}, 24*time.Hour, 1000); err != nil {
		b.log.Warn("notice history disabled", slog.String("error", err.Error()))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	verbs := []string{protocol.ControlRecord, protocol.ControlPlayback, protocol.ControlAutoplay, protocol.ControlCancel}
	for _, verb := range verbs {
		sub, err := b.bus.Conn().Subscribe(protocol.ControlSubject(verb), b.handleControl)
		if err != nil {
			b.closeLocked()
			return fmt.Errorf("subscribe %s: %w", verb, err)
		}
		b.subs = append(b.subs, sub)
	}

	updates, unsubscribe := b.controls.Subscribe(b.buffer)
	b.unsubscribe = unsubscribe
	b.done = make(chan struct{})
	go b.forward(ctx, updates, b.done)

	b.log.Info("bridge started", slog.Int("controls", len(verbs)))
	return nil
}

func (b *Bridge) Close() {
	b.mu.Lock()
	done := b.done
	b.closeLocked()
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (b *Bridge) closeLocked() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	b.done = nil
}

func (b *Bridge) handleControl(msg *nats.Msg) {
	verb := strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			b.reply(msg, protocol.ControlReply{Error: "invalid control request: " + err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	snap, err := Apply(ctx, b.controls, verb, req)
	if err != nil {
		b.log.Debug("control refused", slog.String("verb", verb), slog.String("error", err.Error()))
		b.reply(msg, protocol.ControlReply{Error: err.Error(), Session: snap})
		return
	}
	b.log.Debug("control applied", slog.String("verb", verb), slog.String("surface", req.Surface), slog.String("phase", snap.Phase))
	b.reply(msg, protocol.ControlReply{OK: true, Session: snap})
}

func (b *Bridge) reply(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		b.log.Warn("failed to encode control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		b.log.Warn("failed to send control reply", slog.String("error", err.Error()))
	}
}

func (b *Bridge) forward(ctx context.Context, updates <-chan session.Update, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := b.bus.PublishJSON(protocol.SubjectSessionState, u.Snapshot); err != nil {
				b.log.Warn("failed to publish session state", slog.String("error", err.Error()))
			}
			if u.Notice != nil {
				if err := b.bus.PublishJSON(protocol.SubjectSessionNotice, u.Notice); err != nil {
					b.log.Warn("failed to publish notice", slog.String("error", err.Error()))
				}
			}
		}
	}
}
