package session

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/relay"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

var at = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func apply(t *testing.T, s State, ev Event) (State, []Command) {
	t.Helper()
	next, cmds := s.Apply(ev)
	if (next.Phase == PhaseTranscribing || next.Phase == PhaseRelaying) && next.Displayed != nil {
		t.Fatalf("transcript displayed during %s", next.Phase)
	}
	return next, cmds
}

func toRelaying(t *testing.T, auto bool) State {
	t.Helper()
	s := State{SessionID: "s1", AutoPlayback: auto}
	s, _ = apply(t, s, RecordToggled{})
	s, _ = apply(t, s, RecordToggled{})
	s, cmds := apply(t, s, Transcribed{Turn: s.Turn, Transcript: stt.Transcript{Text: "question"}})
	if s.Phase != PhaseRelaying {
		t.Fatalf("expected relaying, got %s", s.Phase)
	}
	want := []Command{Relay{Turn: s.Turn, Text: "question"}}
	if !reflect.DeepEqual(cmds, want) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
	return s
}

func hasCommand[T Command](cmds []Command) bool {
	for _, c := range cmds {
		if _, ok := c.(T); ok {
			return true
		}
	}
	return false
}

func notices(cmds []Command) []Notice {
	var out []Notice
	for _, c := range cmds {
		if n, ok := c.(Notify); ok {
			out = append(out, n.Notice)
		}
	}
	return out
}

func TestRecordToggleStartsAndStops(t *testing.T) {
	s := State{Displayed: &Displayed{Text: "old"}, PendingText: "p"}
	s, cmds := apply(t, s, RecordToggled{})
	if s.Phase != PhaseRecording || s.Turn != 1 {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.Displayed != nil || s.PendingText != "" {
		t.Fatalf("expected cleared transcript, got %+v", s)
	}
	if !reflect.DeepEqual(cmds, []Command{StopSpeech{}, StartCapture{Turn: 1}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}

	s, cmds = apply(t, s, RecordToggled{})
	if s.Phase != PhaseTranscribing {
		t.Fatalf("expected transcribing, got %s", s.Phase)
	}
	if !reflect.DeepEqual(cmds, []Command{StopCapture{}, Transcribe{Turn: 1}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
}

func TestRecordToggleIgnoredWhileBusy(t *testing.T) {
	s := toRelaying(t, false)
	if !s.Busy() {
		t.Fatalf("expected busy while relaying")
	}
	next, cmds := apply(t, s, RecordToggled{})
	if !reflect.DeepEqual(next, s) || cmds != nil {
		t.Fatalf("expected no transition, got %+v %#v", next, cmds)
	}
}

func TestRecordingPreemptsNarration(t *testing.T) {
	s := toRelaying(t, true)
	s, _ = apply(t, s, Relayed{Turn: s.Turn, Response: relay.Response{DisplayText: "answer"}, At: at})
	if s.Phase != PhaseSynthesizing {
		t.Fatalf("expected synthesizing, got %s", s.Phase)
	}
	s, cmds := apply(t, s, RecordToggled{})
	if s.Phase != PhaseRecording || s.PendingText != "" {
		t.Fatalf("unexpected state %+v", s)
	}
	if _, ok := cmds[0].(StopSpeech); !ok {
		t.Fatalf("expected speech stopped before capture, got %#v", cmds)
	}
}

func TestRelayedWithoutAutoPlaybackDisplaysImmediately(t *testing.T) {
	s := toRelaying(t, false)
	s, cmds := apply(t, s, Relayed{Turn: s.Turn, Response: relay.Response{DisplayText: "hello"}, At: at})
	if s.Phase != PhaseIdle {
		t.Fatalf("expected idle, got %s", s.Phase)
	}
	if s.Displayed == nil || s.Displayed.Text != "hello" {
		t.Fatalf("expected displayed hello, got %+v", s.Displayed)
	}
	if hasCommand[Speak](cmds) {
		t.Fatalf("unexpected synthesis %#v", cmds)
	}
	ns := notices(cmds)
	if len(ns) != 1 || ns[0].Level != LevelInfo || ns[0].Title != "Message delivered" {
		t.Fatalf("unexpected notices %+v", ns)
	}
}

func TestRelayedWithAutoPlaybackHoldsText(t *testing.T) {
	s := toRelaying(t, true)
	s, cmds := apply(t, s, Relayed{Turn: s.Turn, Response: relay.Response{DisplayText: "hello"}, At: at})
	if s.Phase != PhaseSynthesizing || s.PendingText != "hello" || s.Displayed != nil {
		t.Fatalf("unexpected state %+v", s)
	}
	if !hasCommand[Speak](cmds) {
		t.Fatalf("expected speak command, got %#v", cmds)
	}

	s, cmds = apply(t, s, SynthesisFinished{Turn: s.Turn, At: at})
	if s.Phase != PhaseIdle || s.Displayed == nil || s.Displayed.Text != "hello" {
		t.Fatalf("unexpected state %+v", s)
	}
	ns := notices(cmds)
	if len(ns) != 1 || ns[0].Title != "Playback finished" {
		t.Fatalf("unexpected notices %+v", ns)
	}
}

func TestSynthesisFailureStillRevealsText(t *testing.T) {
	s := toRelaying(t, true)
	s, _ = apply(t, s, Relayed{Turn: s.Turn, Response: relay.Response{DisplayText: "hello"}, At: at})
	s, cmds := apply(t, s, SynthesisFinished{Turn: s.Turn, Err: voiceerr.Synthesis("openai tts error: 500 - boom", nil), At: at})
	if s.Phase != PhaseIdle || s.Displayed == nil || s.Displayed.Text != "hello" {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.LastError == nil || s.LastError.Kind != string(voiceerr.KindSynthesis) {
		t.Fatalf("expected synthesis error, got %+v", s.LastError)
	}
	ns := notices(cmds)
	if len(ns) != 1 || ns[0].Message != "openai tts error: 500 - boom" || ns[0].Title != "Narration failed" {
		t.Fatalf("unexpected notices %+v", ns)
	}
}

func TestRelayFailureDisplaysNothing(t *testing.T) {
	s := toRelaying(t, true)
	err := &voiceerr.RelayError{Type: voiceerr.RelayHTTP, Message: "HTTP 502: Bad Gateway", Status: 502}
	s, cmds := apply(t, s, RelayFailed{Turn: s.Turn, Err: err, At: at})
	if s.Phase != PhaseIdle || s.Displayed != nil {
		t.Fatalf("unexpected state %+v", s)
	}
	ns := notices(cmds)
	if len(ns) != 1 {
		t.Fatalf("expected one notice, got %+v", ns)
	}
	n := ns[0]
	if n.Level != LevelError || n.Status != 502 || n.Title != "Server responded with an error" || n.Message != "HTTP 502: Bad Gateway" {
		t.Fatalf("unexpected notice %+v", n)
	}
}

func TestTranscriptionFailureReturnsToIdle(t *testing.T) {
	s := State{}
	s, _ = apply(t, s, RecordToggled{})
	s, _ = apply(t, s, RecordToggled{})
	s, cmds := apply(t, s, TranscriptionFailed{Turn: s.Turn, Err: voiceerr.Transcription("no text was recognized", nil), At: at})
	if s.Phase != PhaseIdle || s.Displayed != nil || s.LastError == nil {
		t.Fatalf("unexpected state %+v", s)
	}
	if ns := notices(cmds); len(ns) != 1 || ns[0].Title != "Transcription failed" {
		t.Fatalf("unexpected notices %+v", ns)
	}
}

func TestCaptureStartFailure(t *testing.T) {
	s, _ := apply(t, State{}, RecordToggled{})
	s, cmds := apply(t, s, CaptureStartFailed{Turn: s.Turn, Err: voiceerr.Capture(errors.New("permission denied")), At: at})
	if s.Phase != PhaseIdle {
		t.Fatalf("expected idle, got %s", s.Phase)
	}
	if ns := notices(cmds); len(ns) != 1 || ns[0].Title != "Microphone unavailable" || ns[0].Message != "permission denied" {
		t.Fatalf("unexpected notices %+v", ns)
	}
}

func TestCaptureFaultFinalizesRecording(t *testing.T) {
	s, _ := apply(t, State{}, RecordToggled{})
	s, cmds := apply(t, s, CaptureFaulted{Turn: s.Turn, Err: voiceerr.Capture(errors.New("device unplugged")), At: at})
	if s.Phase != PhaseTranscribing {
		t.Fatalf("expected transcribing, got %s", s.Phase)
	}
	if !hasCommand[StopCapture](cmds) || !hasCommand[Transcribe](cmds) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
	if ns := notices(cmds); len(ns) != 1 || ns[0].Level != LevelWarn {
		t.Fatalf("unexpected notices %+v", ns)
	}
}

func TestStaleEventsAreDropped(t *testing.T) {
	s := toRelaying(t, false)
	stale := []Event{
		Transcribed{Turn: s.Turn, Transcript: stt.Transcript{Text: "late"}},
		Relayed{Turn: s.Turn - 1, Response: relay.Response{DisplayText: "old"}},
		RelayFailed{Turn: s.Turn + 1, Err: errors.New("x")},
		SynthesisFinished{Turn: s.Turn},
		CaptureFaulted{Turn: s.Turn, Err: errors.New("x")},
	}
	for _, ev := range stale {
		next, cmds := apply(t, s, ev)
		if !reflect.DeepEqual(next, s) || cmds != nil {
			t.Fatalf("event %T changed state: %+v %#v", ev, next, cmds)
		}
	}
}

func TestCancelDuringRelayInvalidatesTurn(t *testing.T) {
	s := toRelaying(t, false)
	turn := s.Turn
	s, cmds := apply(t, s, Cancelled{At: at})
	if s.Phase != PhaseIdle || s.Turn == turn {
		t.Fatalf("unexpected state %+v", s)
	}
	if !reflect.DeepEqual(cmds, []Command{CancelWork{}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
	if len(notices(cmds)) != 0 {
		t.Fatalf("cancellation must not notify")
	}
	next, _ := apply(t, s, Relayed{Turn: turn, Response: relay.Response{DisplayText: "late"}})
	if next.Displayed != nil {
		t.Fatalf("late relay result applied")
	}
}

func TestCancelRecordingDiscards(t *testing.T) {
	s, _ := apply(t, State{}, RecordToggled{})
	s, cmds := apply(t, s, Cancelled{At: at})
	if s.Phase != PhaseIdle {
		t.Fatalf("expected idle, got %s", s.Phase)
	}
	if !reflect.DeepEqual(cmds, []Command{StopCapture{Discard: true}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
}

func TestPlaybackToggle(t *testing.T) {
	s := toRelaying(t, false)
	s, _ = apply(t, s, Relayed{Turn: s.Turn, Response: relay.Response{DisplayText: "hello"}, At: at})

	s, cmds := apply(t, s, PlaybackToggled{At: at})
	if !s.Narration || !reflect.DeepEqual(cmds, []Command{Speak{Turn: s.Turn, Text: "hello"}}) {
		t.Fatalf("expected narration start, got %+v %#v", s, cmds)
	}
	s, cmds = apply(t, s, PlaybackToggled{At: at})
	if s.Narration || !reflect.DeepEqual(cmds, []Command{StopSpeech{}}) {
		t.Fatalf("expected narration stop, got %+v %#v", s, cmds)
	}

	empty, cmds := apply(t, State{}, PlaybackToggled{At: at})
	if empty.Narration || cmds != nil {
		t.Fatalf("nothing to narrate, got %+v %#v", empty, cmds)
	}
}

func TestPlaybackToggleDuringSynthesisReveals(t *testing.T) {
	s := toRelaying(t, true)
	s, _ = apply(t, s, Relayed{Turn: s.Turn, Response: relay.Response{DisplayText: "hello"}, At: at})
	s, cmds := apply(t, s, PlaybackToggled{At: at})
	if s.Phase != PhaseIdle || s.Displayed == nil || s.Displayed.Text != "hello" {
		t.Fatalf("unexpected state %+v", s)
	}
	if !reflect.DeepEqual(cmds, []Command{StopSpeech{}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
}

func TestAutoPlaybackToggledFlipsAppliedState(t *testing.T) {
	s := State{AutoPlayback: true}
	s, cmds := apply(t, s, AutoPlaybackToggled{})
	if s.AutoPlayback || len(cmds) != 0 {
		t.Fatalf("expected auto playback off with no commands, got %+v %#v", s, cmds)
	}
	s, _ = apply(t, s, AutoPlaybackToggled{})
	if !s.AutoPlayback {
		t.Fatal("expected second toggle to restore auto playback")
	}
}

func TestNarrationFinishedNotice(t *testing.T) {
	s := State{Turn: 3, Displayed: &Displayed{Text: "x"}, Narration: true}
	s, cmds := apply(t, s, SynthesisFinished{Turn: 3, At: at})
	if s.Narration {
		t.Fatalf("narration still active")
	}
	ns := notices(cmds)
	if len(ns) != 1 || ns[0].Message != "" {
		t.Fatalf("unexpected notices %+v", ns)
	}
}

func TestRelayedNoticePreview(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "ก"
	}
	n := relayedNotice(long, 1, at)
	if want := string([]rune(long)[:50]) + "..."; n.Message != want {
		t.Fatalf("unexpected preview %q", n.Message)
	}
	if n := relayedNotice("short", 1, at); n.Message != "short" {
		t.Fatalf("unexpected preview %q", n.Message)
	}
}

func TestErrorNoticeTitles(t *testing.T) {
	cases := []struct {
		err   error
		title string
	}{
		{&voiceerr.RelayError{Type: voiceerr.RelayNetwork, Message: "m"}, "Network unavailable"},
		{&voiceerr.RelayError{Type: voiceerr.RelayTimeout, Message: "m"}, "Connection timed out"},
		{&voiceerr.RelayError{Type: voiceerr.RelayUnknown, Message: "m"}, "Send failed"},
		{voiceerr.Config("missing key"), "Configuration required"},
		{errors.New("other"), "Something went wrong"},
	}
	for _, tc := range cases {
		if got := errorNotice(tc.err, 1, at).Title; got != tc.title {
			t.Fatalf("%v: expected %q, got %q", tc.err, tc.title, got)
		}
	}
}
