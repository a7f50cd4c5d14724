package sync

import (
	"errors"
	"fmt"
)

// Exit-code domain for a pass, also used as the process exit code in
// one-shot mode.
const (
	ExitOK          = 0
	ExitEnvironment = 1
	ExitGit         = 2
	ExitValidation  = 3
	ExitCopy        = 4
	ExitConfig      = 5
)

// PassError is a per-target pass failure carrying its exit-code domain.
// Passes are non-fatal to the process: the scheduler records them and moves
// on.
type PassError struct {
	Code int
	Err  error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("code=%d: %v", e.Code, e.Err)
}

func (e *PassError) Unwrap() error { return e.Err }

func environmentError(format string, args ...any) *PassError {
	return &PassError{Code: ExitEnvironment, Err: fmt.Errorf(format, args...)}
}

func gitError(err error) *PassError {
	return &PassError{Code: ExitGit, Err: err}
}

func validationError(format string, args ...any) *PassError {
	return &PassError{Code: ExitValidation, Err: fmt.Errorf(format, args...)}
}

func copyError(err error) *PassError {
	return &PassError{Code: ExitCopy, Err: err}
}

// ExitCode maps an error to the pass exit-code domain. nil means success.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var pe *PassError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ExitEnvironment
}
