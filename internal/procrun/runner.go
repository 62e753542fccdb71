// Package procrun spawns local processes with an optional wall-clock
// watchdog and hands their combined output to a concurrent reader.
package procrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/andrej220/vdctl/internal/lg"
	"github.com/kballard/go-shellquote"
)

const defaultDrainGrace = 2 * time.Second

// ErrStart is returned when the process could not be spawned at all.
var ErrStart = errors.New("start process")

// Command is a structured argv passed to the process-spawn primitive as is.
type Command struct {
	Path string
	Args []string
}

// Argv returns the full argument vector including the binary.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// String renders the command as a shell-quoted line, for logs only.
func (c Command) String() string {
	return shellquote.Join(c.Argv()...)
}

// Outcome is the result of one process invocation.
// ExitCode is -1 when the process did not exit on its own.
type Outcome struct {
	ExitCode        int
	KilledByTimeout bool
	Duration        time.Duration
}

// Exited reports whether the outcome carries a real exit code.
func (o Outcome) Exited() bool {
	return !o.KilledByTimeout && o.ExitCode >= 0
}

// ExecOptions tune a single Execute call.
type ExecOptions struct {
	// Timeout arms a watchdog when > 0.
	Timeout time.Duration
	// Output receives the combined stdout/stderr stream while the process
	// runs. It must return once the reader reports EOF or an error.
	// Output is discarded when nil.
	Output func(r io.Reader)
}

// Runner executes commands. The zero value is usable.
type Runner struct {
	Logger lg.Logger
	// DrainGrace bounds how long output is read after the process exits,
	// in case a detached descendant keeps the pipe open.
	DrainGrace time.Duration
}

func NewRunner(logger lg.Logger) *Runner {
	return &Runner{Logger: logger, DrainGrace: defaultDrainGrace}
}

func (r *Runner) logger() lg.Logger {
	if r.Logger == nil {
		return lg.Discard
	}
	return r.Logger
}

func (r *Runner) drainGrace() time.Duration {
	if r.DrainGrace <= 0 {
		return defaultDrainGrace
	}
	return r.DrainGrace
}

// Execute runs c to completion, or until the timeout fires, or until ctx is
// cancelled. A non-nil error means the process could not be started or ctx
// was cancelled; every other result is described by the Outcome.
func (r *Runner) Execute(ctx context.Context, c Command, opts ExecOptions) (Outcome, error) {
	logger := r.logger()
	out := Outcome{ExitCode: -1}

	logger.Info("Running command", lg.String("cmd", c.String()))

	pr, pw, err := os.Pipe()
	if err != nil {
		return out, fmt.Errorf("%w: output pipe: %v", ErrStart, err)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return out, fmt.Errorf("%w: %s: %v", ErrStart, c.Path, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		if opts.Output != nil {
			opts.Output(pr)
			return
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var watchdog <-chan time.Time
	var timer *time.Timer
	if opts.Timeout > 0 {
		timer = time.NewTimer(opts.Timeout)
		watchdog = timer.C
	}

	var waitErr, ctxErr error
	select {
	case waitErr = <-waitDone:
	case <-watchdog:
		select {
		case waitErr = <-waitDone:
		default:
			out.KilledByTimeout = true
			logger.Warn("Command timed out, killing it",
				lg.String("cmd", c.String()), lg.Duration("timeout", opts.Timeout))
			killProcess(cmd)
			waitErr = <-waitDone
		}
	case <-ctx.Done():
		ctxErr = ctx.Err()
		killProcess(cmd)
		waitErr = <-waitDone
	}
	if timer != nil {
		timer.Stop()
	}

	select {
	case <-readDone:
	case <-time.After(r.drainGrace()):
		logger.Warn("Output still open after process exit, closing it", lg.String("cmd", c.String()))
		killProcess(cmd)
		pr.Close()
		<-readDone
	}
	pr.Close()

	out.Duration = time.Since(started)
	if ctxErr != nil {
		return out, ctxErr
	}
	if !out.KilledByTimeout && cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && cmd.ProcessState == nil {
		return out, fmt.Errorf("wait %s: %w", c.Path, waitErr)
	}

	logger.Debug("Command finished",
		lg.Int("exit_code", out.ExitCode),
		lg.Bool("killed_by_timeout", out.KilledByTimeout),
		lg.Duration("duration", out.Duration))
	return out, nil
}
