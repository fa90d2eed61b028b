package sampler

import (
	"errors"
	"fmt"
	"path/filepath"
)

var (
	// ErrUnprocessable matches every transcoder failure and the zero-frame outcome.
	ErrUnprocessable = errors.New("unprocessable video")
	// ErrProbe matches failures to read duration or metadata.
	ErrProbe = errors.New("video probe failed")
	// ErrExtract matches failures to cut segments or extract frames.
	ErrExtract = errors.New("frame extraction failed")
	// ErrNoFrames is wrapped when a video yields no frames at all.
	ErrNoFrames = errors.New("no frames extracted from video")
	// ErrStop is returned by a yield func to end sampling early without error.
	ErrStop = errors.New("stop sampling")
)

type Op string

const (
	OpProbe   Op = "probe"
	OpCut     Op = "cut"
	OpExtract Op = "extract"
)

// TranscodeError carries the failed operation and the transcoder's diagnostic output.
type TranscodeError struct {
	Op     Op
	Path   string
	Stderr string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, filepath.Base(e.Path), e.Err)
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

func (e *TranscodeError) Is(target error) bool {
	switch target {
	case ErrUnprocessable:
		return true
	case ErrProbe:
		return e.Op == OpProbe
	case ErrExtract:
		return e.Op == OpCut || e.Op == OpExtract
	}
	return false
}
