//go:build windows

package tts

import (
	"errors"
	"os"
)

var errPauseUnsupported = errors.New("pause is not supported on windows")

func pauseProcess(*os.Process) error { return errPauseUnsupported }

func resumeProcess(*os.Process) error { return nil }
