// Package voiceerr defines the typed failures surfaced by the voice pipeline.
//
// Every component converts its failures into one of these types at its
// boundary. Cancellation is not part of the taxonomy: callers see
// context.Canceled and treat it as a silent outcome.
package voiceerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindConfig        Kind = "config"
	KindCapture       Kind = "capture"
	KindTranscription Kind = "transcription"
	KindRelay         Kind = "relay"
	KindSynthesis     Kind = "synthesis"
	KindUnknown       Kind = "unknown"
)

// Error is a failure of kind config, capture, transcription or synthesis.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Config reports a missing credential or unusable configuration.
func Config(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// Capture wraps a microphone acquisition or streaming failure.
func Capture(err error) *Error {
	return wrap(KindCapture, err)
}

// Transcription wraps a speech-to-text failure. The message is the
// service's own reason when one is known.
func Transcription(message string, err error) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: KindTranscription, Message: message, Err: err}
}

// Synthesis wraps a text-to-speech request or playback failure.
func Synthesis(message string, err error) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: KindSynthesis, Message: message, Err: err}
}

func wrap(kind Kind, err error) *Error {
	if err == nil {
		return &Error{Kind: kind, Message: string(kind) + " failed"}
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// RelayType is the relay failure taxonomy.
type RelayType string

const (
	RelayNetwork RelayType = "network"
	RelayHTTP    RelayType = "http"
	RelayTimeout RelayType = "timeout"
	RelayUnknown RelayType = "unknown"
)

// RelayError is a failed relay dispatch. Status is set only for RelayHTTP.
type RelayError struct {
	Type    RelayType
	Message string
	Status  int
	Err     error
}

func (e *RelayError) Error() string { return e.Message }

func (e *RelayError) Unwrap() error { return e.Err }

// KindOf reports the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return KindRelay
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// Message returns the user-facing message of err, preserved verbatim for
// typed errors.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Message
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Error()
	}
	return err.Error()
}
