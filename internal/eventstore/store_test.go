package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "turns.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: TypePhase}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "voice-1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Turn: 2, Type: TypePhase, Phase: "recording", Payload: []byte(`{"to":"recording"}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Turn != 2 || events[0].Phase != "recording" || string(events[0].Payload) != `{"to":"recording"}` {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "voice-1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: TypeNotice}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "voice-1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestJournalRecordsTimelineWithoutTranscript(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	if err := es.AppendSession(ctx, "s1", "voice-1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	es.clock = func() time.Time { return at }
	j := NewJournal(es, "s1", newLogger())

	updates := []session.Update{
		{Snapshot: session.Snapshot{Phase: "recording", Turn: 1}},
		{Snapshot: session.Snapshot{Phase: "recording", Turn: 1, Speaking: true}},
		{Snapshot: session.Snapshot{Phase: "transcribing", Turn: 1}},
		{Snapshot: session.Snapshot{Phase: "relaying", Turn: 1}},
		{
			Snapshot: session.Snapshot{Phase: "idle", Turn: 1, Displayed: &session.Displayed{Text: "secret answer"}, WordCount: 2},
			Notice:   &session.Notice{Level: session.LevelInfo, Title: "Message delivered", Message: "secret answer", Turn: 1, Timestamp: at},
		},
	}
	for _, u := range updates {
		if err := j.Record(ctx, u); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	events, err := es.ListSessionEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var phases []string
	for _, e := range events {
		if strings.Contains(string(e.Payload), "secret") {
			t.Fatalf("transcript text persisted: %s", e.Payload)
		}
		if e.Type == TypePhase {
			phases = append(phases, e.Phase)
		}
	}
	want := []string{"recording", "transcribing", "relaying", "idle"}
	if strings.Join(phases, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected phases %v", phases)
	}

	last := events[len(events)-1]
	if last.Type != TypeNotice {
		t.Fatalf("expected trailing notice, got %+v", last)
	}
	var payload noticePayload
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if payload.Title != "Message delivered" || payload.Message != "" {
		t.Fatalf("unexpected notice payload %+v", payload)
	}
}
