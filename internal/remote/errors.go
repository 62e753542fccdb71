package remote

import (
	"errors"
	"fmt"

	"github.com/andrej220/vdctl/internal/classify"
)

// ErrConnection means the instance could not be reached within the
// attempt budget.
var ErrConnection = errors.New("could not reach the instance")

// CommandError reports a command that ran on the instance and exited
// with a nonzero status.
type CommandError struct {
	Command  string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed on the instance with exit code %d", e.Command, e.ExitCode)
}

// attemptError is a retryable failed attempt.
type attemptError struct {
	result  classify.Result
	command string
}

func (e *attemptError) Error() string {
	return fmt.Sprintf("%s: %s", e.result, e.command)
}

func retryableAttempt(err error) bool {
	var ae *attemptError
	return errors.As(err, &ae) && ae.result.Class.Retryable()
}
