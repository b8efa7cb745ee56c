package stream

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyLive     = errors.New("stream is already live")
	ErrNoContent       = errors.New("no content attached to stream")
	ErrSpawnFailed     = errors.New("failed to spawn encoder")
	ErrNotFound        = errors.New("not found")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrCrashDetected   = errors.New("encoder crashed")
	ErrInvalidWindow   = errors.New("end time must be after start time")
	ErrNoItems         = errors.New("rotation has no items")
	ErrRotationActive  = errors.New("rotation is active; stop it first")
	ErrStreamLive      = errors.New("stream is live; stop it first")
	ErrMissingDuration = errors.New("rotation item has no declared duration")
	ErrNotScheduled    = errors.New("stream is no longer scheduled")
)

// CrashError describes an encoder that exited on its own with a failure.
// It matches ErrCrashDetected with errors.Is.
type CrashError struct {
	Code   int
	Signal string
}

func (e *CrashError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("encoder crashed: killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("encoder crashed: exit code %d", e.Code)
}

func (e *CrashError) Is(target error) bool { return target == ErrCrashDetected }
