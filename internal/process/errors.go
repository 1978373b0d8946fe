package process

import (
	"errors"
	"fmt"

	"github.com/smazurov/stayopen/internal/framing"
)

// Sentinel errors carried by StartError and Result.Err.
var (
	ErrBinaryMissing = errors.New("binary missing")
	ErrNotExecutable = errors.New("binary not executable")
	ErrStartTimeout  = errors.New("start timed out")
	ErrSpawnFailed   = errors.New("spawn failed")
	ErrTerminated    = errors.New("worker terminated")
	ErrWorkerExited  = errors.New("worker exited")
	ErrChannelDesync = framing.ErrDesync
)

// Start error codes.
const (
	ErrCodeBinaryMissing = "BINARY_MISSING"
	ErrCodeNotExecutable = "NOT_EXECUTABLE"
	ErrCodeStartTimeout  = "START_TIMEOUT"
	ErrCodeSpawnFailed   = "SPAWN_FAILED"
)

// StartError reports why the worker could not be started.
type StartError struct {
	Code    string
	Path    string
	Message string
	Cause   error
}

func (e *StartError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Code, e.Message, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
}

func (e *StartError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's code.
func (e *StartError) Is(target error) bool {
	switch e.Code {
	case ErrCodeBinaryMissing:
		return target == ErrBinaryMissing
	case ErrCodeNotExecutable:
		return target == ErrNotExecutable
	case ErrCodeStartTimeout:
		return target == ErrStartTimeout
	case ErrCodeSpawnFailed:
		return target == ErrSpawnFailed
	}
	return false
}

func newStartError(code, path, message string, cause error) *StartError {
	return &StartError{
		Code:    code,
		Path:    path,
		Message: message,
		Cause:   cause,
	}
}
