// Package classify maps process outcomes of transport commands to failure
// classes that drive retry decisions.
package classify

import (
	"fmt"

	"github.com/andrej220/vdctl/internal/procrun"
)

// DefaultTransportExitCode is what OpenSSH's ssh and scp return when the
// connection could not be established or was lost.
const DefaultTransportExitCode = 255

type Class int

const (
	Success Class = iota
	TransportFailure
	CommandFailure
	Timeout
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case TransportFailure:
		return "transport-failure"
	case CommandFailure:
		return "command-failure"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Retryable reports whether a fresh attempt may succeed. A failed remote
// command is never retried: it may not be idempotent.
func (c Class) Retryable() bool {
	return c == TransportFailure || c == Timeout
}

// Result is a classified outcome. ExitCode is only meaningful for
// CommandFailure and TransportFailure.
type Result struct {
	Class    Class
	ExitCode int
}

func (r Result) String() string {
	if r.Class == CommandFailure || r.Class == TransportFailure {
		return fmt.Sprintf("%s(%d)", r.Class, r.ExitCode)
	}
	return r.Class.String()
}

type Classifier struct {
	// TransportExitCode is the exit code the transport binary uses for its
	// own connection failures.
	TransportExitCode int
}

func New() Classifier {
	return Classifier{TransportExitCode: DefaultTransportExitCode}
}

func (c Classifier) Classify(o procrun.Outcome) Result {
	switch {
	case o.KilledByTimeout:
		return Result{Class: Timeout, ExitCode: o.ExitCode}
	case o.ExitCode == 0:
		return Result{Class: Success}
	case o.ExitCode == c.TransportExitCode:
		return Result{Class: TransportFailure, ExitCode: o.ExitCode}
	default:
		return Result{Class: CommandFailure, ExitCode: o.ExitCode}
	}
}
