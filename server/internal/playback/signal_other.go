//go:build !unix

package playback

import (
	"errors"
	"os"
)

var errPauseUnsupported = errors.New("pause is not supported on this platform")

func pauseProcess(p *os.Process) error  { return errPauseUnsupported }
func resumeProcess(p *os.Process) error { return errPauseUnsupported }
