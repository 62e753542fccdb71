// Package remote runs commands on and copies files to a single instance
// over SSH, retrying when the connection rather than the command fails.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andrej220/vdctl/internal/classify"
	"github.com/andrej220/vdctl/internal/lg"
	"github.com/andrej220/vdctl/internal/procrun"
	"github.com/andrej220/vdctl/internal/retry"
	"github.com/andrej220/vdctl/internal/stream"
	"github.com/andrej220/vdctl/internal/transport"
	"github.com/andrej220/vdctl/pkg/report"
	"github.com/google/uuid"
)

const (
	DefaultWaitTimeout  = 20 * time.Second
	DefaultWaitAttempts = 4

	probeCommand = "uptime"
)

const (
	opRun  = "run"
	opPush = "push"
	opPull = "pull"
	opWait = "wait"
)

// Executor runs one local process. *procrun.Runner satisfies it.
type Executor interface {
	Execute(ctx context.Context, c procrun.Command, opts procrun.ExecOptions) (procrun.Outcome, error)
}

// Recorder receives one entry per finished operation.
type Recorder interface {
	Record(e report.Entry)
}

// Options configure New. Zero values fall back to defaults.
type Options struct {
	Endpoint    Endpoint
	UseInternal bool
	User        string
	KeyPath     string
	ExtraArgs   string
	// CheckIdentity validates the private key before the first command.
	CheckIdentity bool

	Builder    transport.Builder
	Classifier classify.Classifier
	// Policy.Retryable is ignored: connection failures and timeouts are
	// always the ones retried.
	Policy retry.Policy
	// Breakers, when set, supplies the breaker for the resolved address
	// and Breaker is ignored. Otherwise the session gets a breaker of its
	// own built from Breaker.
	Breakers *retry.Breakers
	Breaker  retry.BreakerSettings

	Runner       Executor
	Logger       lg.Logger
	Console      io.Writer
	Recorder     Recorder
	RetryOptions []retry.Option
}

// Session talks to one instance. Operations on a session are meant to be
// issued sequentially by a single owner.
type Session struct {
	ID string

	target     transport.Target
	builder    transport.Builder
	classifier classify.Classifier
	policy     retry.Policy
	runner     Executor
	logger     lg.Logger
	console    io.Writer
	recorder   Recorder
	retryOpts  []retry.Option
}

// New resolves the instance address once and prepares a session.
func New(o Options) (*Session, error) {
	addr := o.Endpoint.Resolve(o.UseInternal)
	if addr == "" {
		which := "external"
		if o.UseInternal {
			which = "internal"
		}
		return nil, fmt.Errorf("endpoint has no %s address", which)
	}
	if o.User == "" {
		return nil, errors.New("ssh user is required")
	}
	if o.CheckIdentity {
		if err := transport.CheckIdentity(o.KeyPath); err != nil {
			return nil, err
		}
	}

	s := &Session{
		ID: uuid.NewString(),
		target: transport.Target{
			Addr:      addr,
			User:      o.User,
			KeyPath:   o.KeyPath,
			ExtraArgs: o.ExtraArgs,
		},
		builder:    o.Builder,
		classifier: o.Classifier,
		policy:     o.Policy,
		runner:     o.Runner,
		logger:     o.Logger,
		console:    o.Console,
		recorder:   o.Recorder,
		retryOpts:  o.RetryOptions,
	}
	if s.logger == nil {
		s.logger = lg.Discard
	}
	s.logger = s.logger.With(lg.String("session", s.ID), lg.String("host", addr))
	if s.classifier.TransportExitCode == 0 {
		s.classifier = classify.New()
	}
	if s.policy.MaxAttempts == 0 {
		s.policy = retry.DefaultPolicy(nil)
	}
	s.policy.Retryable = retryableAttempt
	if o.Breakers != nil {
		s.policy.Breaker = o.Breakers.Get(addr)
	} else {
		if o.Breaker.Name == "" {
			o.Breaker.Name = addr
		}
		s.policy.Breaker = retry.NewBreaker(o.Breaker)
	}
	if s.runner == nil {
		s.runner = procrun.NewRunner(s.logger)
	}
	if s.console == nil {
		s.console = os.Stdout
	}
	return s, nil
}

// Addr is the resolved instance address.
func (s *Session) Addr() string { return s.target.Addr }

type runOptions struct {
	timeout    time.Duration
	showOutput bool
}

type RunOption func(*runOptions)

// WithTimeout bounds each attempt, not the whole call.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// WithShowOutput prints command output to the console instead of the
// debug log.
func WithShowOutput(show bool) RunOption {
	return func(o *runOptions) { o.showOutput = show }
}

// RunCommand runs command on the instance. A nonzero exit status yields a
// *CommandError right away. Connection failures and timeouts are retried
// according to the session policy; running out of attempts yields an error
// matching ErrConnection.
func (s *Session) RunCommand(ctx context.Context, command string, opts ...RunOption) error {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	cmd, err := s.builder.Build(transport.Shell, s.target)
	if err != nil {
		return err
	}
	cmd.Args = append(cmd.Args, command)

	sink := stream.Select(o.showOutput, s.console, s.logger)
	return s.run(ctx, opRun, command, cmd, procrun.ExecOptions{
		Timeout: o.timeout,
		Output:  stream.Reader(sink),
	})
}

// PushFile copies local to remote on the instance.
func (s *Session) PushFile(ctx context.Context, local, remote string) error {
	return s.copy(ctx, opPush, local, transport.RemotePath(s.target.User, s.target.Addr, remote))
}

// PullFile copies remote on the instance to local.
func (s *Session) PullFile(ctx context.Context, remote, local string) error {
	return s.copy(ctx, opPull, transport.RemotePath(s.target.User, s.target.Addr, remote), local)
}

func (s *Session) copy(ctx context.Context, op, src, dst string) error {
	cmd, err := s.builder.Build(transport.FileCopy, s.target)
	if err != nil {
		return err
	}
	cmd.Args = append(cmd.Args, src, dst)
	return s.run(ctx, op, cmd.String(), cmd, procrun.ExecOptions{
		Output: stream.Reader(stream.LogSink{Logger: s.logger}),
	})
}

func (s *Session) run(ctx context.Context, op, label string, cmd procrun.Command, execOpts procrun.ExecOptions) error {
	started := time.Now()
	attempts := 0
	var last *classify.Result

	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		attempts++
		outcome, err := s.runner.Execute(ctx, cmd, execOpts)
		if err != nil {
			return err
		}
		res := s.classifier.Classify(outcome)
		last = &res
		switch res.Class {
		case classify.Success:
			return nil
		case classify.CommandFailure:
			return &CommandError{Command: label, ExitCode: res.ExitCode}
		default:
			return &attemptError{result: res, command: label}
		}
	}, append([]retry.Option{retry.WithLogger(s.logger), retry.WithName(op)}, s.retryOpts...)...)

	if errors.Is(err, retry.ErrRetriesExhausted) || errors.Is(err, retry.ErrCircuitOpen) {
		err = fmt.Errorf("%w %s: %w", ErrConnection, s.target.Addr, err)
	}
	s.finish(op, cmd.String(), attempts, last, started, err)
	return err
}

// WaitUntilReachable probes the instance with a trivial command until one
// probe succeeds. Probes run back to back; each is bounded by timeout.
func (s *Session) WaitUntilReachable(ctx context.Context, timeout time.Duration, maxAttempts int) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultWaitAttempts
	}
	cmd, err := s.builder.Build(transport.Shell, s.target)
	if err != nil {
		return err
	}
	cmd.Args = append(cmd.Args, probeCommand)

	s.logger.Info("Waiting for SSH server", lg.Duration("timeout", timeout), lg.Int("max_attempts", maxAttempts))
	started := time.Now()
	var last *classify.Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, err := s.runner.Execute(ctx, cmd, procrun.ExecOptions{
			Timeout: timeout,
			Output:  stream.Reader(stream.LogSink{Logger: s.logger}),
		})
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			s.finish(opWait, cmd.String(), attempt, last, started, err)
			return err
		}
		res := s.classifier.Classify(outcome)
		last = &res
		if res.Class == classify.Success {
			s.finish(opWait, cmd.String(), attempt, last, started, nil)
			return nil
		}
		s.logger.Debug("SSH server not ready", lg.Int("attempt", attempt), lg.String("result", res.String()))
	}

	err = fmt.Errorf("%w %s: ssh isn't ready after %d attempts", ErrConnection, s.target.Addr, maxAttempts)
	s.finish(opWait, cmd.String(), maxAttempts, last, started, err)
	return err
}

// finish logs and records a finished operation. last is nil when no attempt
// produced an outcome.
func (s *Session) finish(op, command string, attempts int, last *classify.Result, started time.Time, err error) {
	elapsed := time.Since(started)
	fields := []lg.Field{
		lg.String("operation", op),
		lg.Int("attempts", attempts),
		lg.Duration("elapsed", elapsed),
	}
	if err != nil {
		s.logger.Error("Operation failed", append(fields, lg.Err(err))...)
	} else {
		s.logger.Info("Operation finished", fields...)
	}

	if s.recorder == nil {
		return
	}
	entry := report.Entry{
		SessionID: s.ID,
		Operation: op,
		Command:   command,
		Attempts:  attempts,
		ExitCode:  -1,
		Started:   started.UTC(),
		Duration:  elapsed,
	}
	if last != nil {
		entry.Class = last.Class.String()
		entry.ExitCode = last.ExitCode
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.recorder.Record(entry)
}
