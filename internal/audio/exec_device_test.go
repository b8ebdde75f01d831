package audio

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecDeviceReadsUntilClose(t *testing.T) {
	requireShell(t)
	format := Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	device, err := NewExecDevice(`sh -c 'exec cat /dev/zero'`, format, testLogger())
	if err != nil {
		t.Fatalf("new exec device: %v", err)
	}
	stream, err := device.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if stream.Format() != format {
		t.Fatalf("unexpected format %+v", stream.Format())
	}

	buf := make([]byte, 3200)
	for i := 0; i < 3; i++ {
		if _, err := io.ReadFull(stream, buf); err != nil {
			t.Fatalf("read chunk %d: %v", i, err)
		}
	}

	closed := make(chan error, 1)
	go func() { closed <- stream.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not reap the recorder")
	}
	if state := stream.(*execStream).command.ProcessState; state == nil {
		t.Fatal("recorder process not reaped")
	}
}

func TestExecDeviceReportsRecorderExit(t *testing.T) {
	requireShell(t)
	device, err := NewExecDevice(`sh -c 'printf abcd; echo "no such device" >&2; exit 4'`, Format{SampleRate: 16000, Channels: 1, BitDepth: 16}, testLogger())
	if err != nil {
		t.Fatalf("new exec device: %v", err)
	}
	stream, err := device.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if string(data) != "abcd" {
		t.Fatalf("unexpected pcm %q", data)
	}
	if err == nil || !strings.Contains(err.Error(), "no such device") {
		t.Fatalf("expected recorder exit error, got %v", err)
	}
}

func TestExecDeviceRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecDevice("  ", Format{}, testLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
}
