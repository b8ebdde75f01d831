package voiceerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	relay := &RelayError{Type: RelayHTTP, Message: "HTTP 502: Bad Gateway", Status: 502}
	wrapped := fmt.Errorf("dispatch: %w", relay)
	if KindOf(wrapped) != KindRelay {
		t.Fatalf("expected relay kind, got %s", KindOf(wrapped))
	}
	if KindOf(Config("missing %s api key", "openai")) != KindConfig {
		t.Fatal("expected config kind")
	}
	if KindOf(Capture(errors.New("permission denied"))) != KindCapture {
		t.Fatal("expected capture kind")
	}
	if KindOf(context.Canceled) != KindUnknown {
		t.Fatal("cancellation must stay outside the taxonomy")
	}
}

func TestMessagePreservedVerbatim(t *testing.T) {
	relay := &RelayError{Type: RelayHTTP, Message: "HTTP 404: Not Found", Status: 404}
	if Message(fmt.Errorf("wrapped: %w", relay)) != "HTTP 404: Not Found" {
		t.Fatalf("unexpected message %q", Message(relay))
	}
	err := Transcription("", errors.New("invalid file format"))
	if Message(err) != "invalid file format" {
		t.Fatalf("expected underlying reason, got %q", Message(err))
	}
	if !errors.Is(err, err.Err) {
		t.Fatal("expected unwrap to expose cause")
	}
}
