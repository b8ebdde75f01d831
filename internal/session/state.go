// Package session sequences capture, transcription, relay and narration
// for one voice session.
package session

import (
	"time"

	"github.com/loqalabs/loqa-voice/internal/relay"
	"github.com/loqalabs/loqa-voice/internal/stt"
)

// Phase is the orchestrator's position in a turn.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRecording
	PhaseTranscribing
	PhaseRelaying
	PhaseSynthesizing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRecording:
		return "recording"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseRelaying:
		return "relaying"
	case PhaseSynthesizing:
		return "synthesizing"
	default:
		return "unknown"
	}
}

// Displayed is the text visible in the transcript panel.
type Displayed struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the whole mutable context of a session. It is a value: Apply
// returns a new State and never mutates its receiver.
type State struct {
	SessionID    string
	Phase        Phase
	Turn         uint64
	PendingText  string
	Displayed    *Displayed
	LastError    *Notice
	AutoPlayback bool
	// Narration is a manual one-shot narration of the displayed text.
	Narration bool
}

// Event is an input to the state machine.
type Event interface{ isEvent() }

type RecordToggled struct{}

type CaptureStartFailed struct {
	Turn uint64
	Err  error
	At   time.Time
}

type CaptureFaulted struct {
	Turn uint64
	Err  error
	At   time.Time
}

type Transcribed struct {
	Turn       uint64
	Transcript stt.Transcript
}

type TranscriptionFailed struct {
	Turn uint64
	Err  error
	At   time.Time
}

type Relayed struct {
	Turn     uint64
	Response relay.Response
	At       time.Time
}

type RelayFailed struct {
	Turn uint64
	Err  error
	At   time.Time
}

// SynthesisFinished ends a narration; Err is nil on natural end of playback.
type SynthesisFinished struct {
	Turn uint64
	Err  error
	At   time.Time
}

type PlaybackToggled struct {
	At time.Time
}

type AutoPlaybackSet struct {
	Enabled bool
}

// AutoPlaybackToggled flips the setting relative to the state it is applied to.
type AutoPlaybackToggled struct{}

type Cancelled struct {
	At time.Time
}

func (RecordToggled) isEvent()       {}
func (CaptureStartFailed) isEvent()  {}
func (CaptureFaulted) isEvent()      {}
func (Transcribed) isEvent()         {}
func (TranscriptionFailed) isEvent() {}
func (Relayed) isEvent()             {}
func (RelayFailed) isEvent()         {}
func (SynthesisFinished) isEvent()   {}
func (PlaybackToggled) isEvent()     {}
func (AutoPlaybackSet) isEvent()     {}
func (AutoPlaybackToggled) isEvent() {}
func (Cancelled) isEvent()           {}

// Command is a side effect requested by a transition.
type Command interface{ isCommand() }

type StartCapture struct{ Turn uint64 }

// StopCapture releases the microphone. Discard drops the recording.
type StopCapture struct{ Discard bool }

type Transcribe struct{ Turn uint64 }

type Relay struct {
	Turn uint64
	Text string
}

type Speak struct {
	Turn uint64
	Text string
}

type StopSpeech struct{}

// CancelWork abandons in-flight transcription and relay calls.
type CancelWork struct{}

type Notify struct{ Notice Notice }

func (StartCapture) isCommand() {}
func (StopCapture) isCommand()  {}
func (Transcribe) isCommand()   {}
func (Relay) isCommand()        {}
func (Speak) isCommand()        {}
func (StopSpeech) isCommand()   {}
func (CancelWork) isCommand()   {}
func (Notify) isCommand()       {}

// Busy reports whether the record toggle is unavailable.
func (s State) Busy() bool {
	return s.Phase == PhaseTranscribing || s.Phase == PhaseRelaying
}

// Apply is the transition function. Events that belong to an earlier turn
// or do not fit the current phase leave the state unchanged.
func (s State) Apply(ev Event) (State, []Command) {
	next := s
	switch e := ev.(type) {
	case RecordToggled:
		switch s.Phase {
		case PhaseIdle, PhaseSynthesizing:
			next.Turn++
			next.Phase = PhaseRecording
			next.PendingText = ""
			next.Displayed = nil
			next.LastError = nil
			next.Narration = false
			return next, []Command{StopSpeech{}, StartCapture{Turn: next.Turn}}
		case PhaseRecording:
			next.Phase = PhaseTranscribing
			return next, []Command{StopCapture{}, Transcribe{Turn: s.Turn}}
		}

	case CaptureStartFailed:
		if e.Turn != s.Turn || s.Phase != PhaseRecording {
			break
		}
		notice := errorNotice(e.Err, s.Turn, e.At)
		next.Phase = PhaseIdle
		next.LastError = &notice
		return next, []Command{Notify{Notice: notice}}

	case CaptureFaulted:
		if e.Turn != s.Turn || s.Phase != PhaseRecording {
			break
		}
		notice := errorNotice(e.Err, s.Turn, e.At)
		notice.Level = LevelWarn
		notice.Title = "Recording interrupted"
		next.Phase = PhaseTranscribing
		return next, []Command{StopCapture{}, Notify{Notice: notice}, Transcribe{Turn: s.Turn}}

	case Transcribed:
		if e.Turn != s.Turn || s.Phase != PhaseTranscribing {
			break
		}
		next.Phase = PhaseRelaying
		return next, []Command{Relay{Turn: s.Turn, Text: e.Transcript.Text}}

	case TranscriptionFailed:
		if e.Turn != s.Turn || s.Phase != PhaseTranscribing {
			break
		}
		notice := errorNotice(e.Err, s.Turn, e.At)
		next.Phase = PhaseIdle
		next.LastError = &notice
		return next, []Command{Notify{Notice: notice}}

	case Relayed:
		if e.Turn != s.Turn || s.Phase != PhaseRelaying {
			break
		}
		cmds := []Command{Notify{Notice: relayedNotice(e.Response.DisplayText, s.Turn, e.At)}}
		if s.AutoPlayback {
			next.Phase = PhaseSynthesizing
			next.PendingText = e.Response.DisplayText
			return next, append(cmds, Speak{Turn: s.Turn, Text: e.Response.DisplayText})
		}
		next.Phase = PhaseIdle
		next.Displayed = &Displayed{Text: e.Response.DisplayText, Timestamp: e.At}
		return next, cmds

	case RelayFailed:
		if e.Turn != s.Turn || s.Phase != PhaseRelaying {
			break
		}
		notice := errorNotice(e.Err, s.Turn, e.At)
		next.Phase = PhaseIdle
		next.LastError = &notice
		return next, []Command{Notify{Notice: notice}}

	case SynthesisFinished:
		if e.Turn != s.Turn {
			break
		}
		switch {
		case s.Phase == PhaseSynthesizing:
			next.Phase = PhaseIdle
			next.Displayed = &Displayed{Text: s.PendingText, Timestamp: e.At}
			next.PendingText = ""
			if e.Err != nil {
				notice := errorNotice(e.Err, s.Turn, e.At)
				next.LastError = &notice
				return next, []Command{Notify{Notice: notice}}
			}
			return next, []Command{Notify{Notice: playbackFinishedNotice(true, s.Turn, e.At)}}
		case s.Phase == PhaseIdle && s.Narration:
			next.Narration = false
			if e.Err != nil {
				notice := errorNotice(e.Err, s.Turn, e.At)
				next.LastError = &notice
				return next, []Command{Notify{Notice: notice}}
			}
			return next, []Command{Notify{Notice: playbackFinishedNotice(false, s.Turn, e.At)}}
		}

	case PlaybackToggled:
		switch {
		case s.Phase == PhaseSynthesizing:
			next.Phase = PhaseIdle
			next.Displayed = &Displayed{Text: s.PendingText, Timestamp: e.At}
			next.PendingText = ""
			return next, []Command{StopSpeech{}}
		case s.Phase == PhaseIdle && s.Narration:
			next.Narration = false
			return next, []Command{StopSpeech{}}
		case s.Phase == PhaseIdle && s.Displayed != nil && s.Displayed.Text != "":
			next.Narration = true
			next.LastError = nil
			return next, []Command{Speak{Turn: s.Turn, Text: s.Displayed.Text}}
		}

	case AutoPlaybackSet:
		next.AutoPlayback = e.Enabled
		return next, nil

	case AutoPlaybackToggled:
		next.AutoPlayback = !s.AutoPlayback
		return next, nil

	case Cancelled:
		switch s.Phase {
		case PhaseRecording:
			next.Phase = PhaseIdle
			return next, []Command{StopCapture{Discard: true}}
		case PhaseTranscribing, PhaseRelaying:
			// A new turn number makes the abandoned call's result stale.
			next.Turn++
			next.Phase = PhaseIdle
			return next, []Command{CancelWork{}}
		case PhaseSynthesizing:
			next.Phase = PhaseIdle
			next.Displayed = &Displayed{Text: s.PendingText, Timestamp: e.At}
			next.PendingText = ""
			return next, []Command{StopSpeech{}}
		case PhaseIdle:
			if s.Narration {
				next.Narration = false
				return next, []Command{StopSpeech{}}
			}
		}
	}
	return s, nil
}
