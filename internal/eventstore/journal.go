package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/session"
)

type phasePayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	WordCount int    `json:"word_count,omitempty"`
}

// Notice messages of info level quote the response, so only errors keep
// their message.
type noticePayload struct {
	Level   string `json:"level"`
	Kind    string `json:"kind,omitempty"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// Journal records phase transitions and notices of one session.
type Journal struct {
	store     *Store
	log       *slog.Logger
	sessionID string
	lastPhase string
	lastTurn  uint64
}

func NewJournal(store *Store, sessionID string, log *slog.Logger) *Journal {
	return &Journal{
		store:     store,
		log:       log.With(slog.String("component", "journal")),
		sessionID: sessionID,
		lastPhase: "idle",
	}
}

// Run records updates until the channel closes or ctx is done.
func (j *Journal) Run(ctx context.Context, updates <-chan session.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := j.Record(ctx, u); err != nil {
				j.log.Warn("failed to record session event", slog.String("error", err.Error()))
			}
		}
	}
}

// Record writes the rows implied by u.
func (j *Journal) Record(ctx context.Context, u session.Update) error {
	snap := u.Snapshot
	if snap.Phase != j.lastPhase || snap.Turn != j.lastTurn {
		payload := phasePayload{From: j.lastPhase, To: snap.Phase}
		if snap.Phase == "idle" && snap.Displayed != nil {
			payload.WordCount = snap.WordCount
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		j.lastPhase, j.lastTurn = snap.Phase, snap.Turn
		if err := j.store.AppendEvent(ctx, Event{SessionID: j.sessionID, Turn: snap.Turn, Type: TypePhase, Phase: snap.Phase, Payload: data}); err != nil {
			return err
		}
	}
	if n := u.Notice; n != nil {
		payload := noticePayload{Level: string(n.Level), Kind: n.Kind, Title: n.Title, Status: n.Status}
		if n.Level == session.LevelError {
			payload.Message = n.Message
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return j.store.AppendEvent(ctx, Event{SessionID: j.sessionID, Turn: n.Turn, Type: TypeNotice, Phase: snap.Phase, Payload: data, CreatedAt: n.Timestamp})
	}
	return nil
}
