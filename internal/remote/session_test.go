package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/vdctl/internal/lg"
	"github.com/andrej220/vdctl/internal/procrun"
	"github.com/andrej220/vdctl/internal/retry"
	"github.com/andrej220/vdctl/internal/transport"
	"github.com/andrej220/vdctl/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeRunner replays outcomes in order; the last one repeats.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes []procrun.Outcome
	err      error
	output   string
	calls    []procrun.Command
	opts     []procrun.ExecOptions
}

func exits(codes ...int) *fakeRunner {
	f := &fakeRunner{}
	for _, c := range codes {
		f.outcomes = append(f.outcomes, procrun.Outcome{ExitCode: c})
	}
	return f
}

func (f *fakeRunner) Execute(ctx context.Context, c procrun.Command, opts procrun.ExecOptions) (procrun.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.opts = append(f.opts, opts)
	i := len(f.calls) - 1
	f.mu.Unlock()

	if opts.Output != nil {
		opts.Output(strings.NewReader(f.output))
	}
	if f.err != nil {
		return procrun.Outcome{ExitCode: -1}, f.err
	}
	return f.outcomes[min(i, len(f.outcomes)-1)], nil
}

type recordingTimer struct {
	sleeps []time.Duration
	c      chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.sleeps = append(r.sleeps, d)
	r.c <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.c }

type harness struct {
	runner   *fakeRunner
	timer    *recordingTimer
	console  *bytes.Buffer
	logs     *observer.ObservedLogs
	recorder *report.Recorder
	session  *Session
}

func newHarness(t *testing.T, runner *fakeRunner, mutate ...func(*Options)) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		runner:   runner,
		timer:    newRecordingTimer(),
		console:  &bytes.Buffer{},
		logs:     logs,
		recorder: report.NewRecorder("", "10.0.0.1"),
	}
	o := Options{
		Endpoint:     NewEndpoint("10.0.0.1"),
		User:         "vsoc-01",
		KeyPath:      "/keys/id_rsa",
		Runner:       runner,
		Logger:       lg.NewFromZap(zap.New(core)),
		Console:      h.console,
		Recorder:     h.recorder,
		RetryOptions: []retry.Option{retry.WithTimer(h.timer)},
	}
	for _, m := range mutate {
		m(&o)
	}
	s, err := New(o)
	require.NoError(t, err)
	h.session = s
	return h
}

func TestRunCommandSuccess(t *testing.T) {
	runner := exits(0)
	runner.output = "line one\n\nline two\n"
	h := newHarness(t, runner)

	err := h.session.RunCommand(context.Background(), "ls /", WithShowOutput(true), WithTimeout(5*time.Second))
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{
		"ssh", "-i", "/keys/id_rsa", "-q",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "StrictHostKeyChecking=no",
		"-l", "vsoc-01", "10.0.0.1", "ls /",
	}, runner.calls[0].Argv())
	assert.Equal(t, 5*time.Second, runner.opts[0].Timeout)
	assert.Equal(t, "line one\nline two\n", h.console.String())
	assert.Empty(t, h.timer.sleeps)

	r := h.recorder.Report()
	require.Len(t, r.Entries, 1)
	assert.Equal(t, "run", r.Entries[0].Operation)
	assert.Equal(t, "success", r.Entries[0].Class)
	assert.Equal(t, 1, r.Entries[0].Attempts)
	assert.Equal(t, h.session.ID, r.Entries[0].SessionID)
}

func TestRunCommandHiddenOutputGoesToDebugLog(t *testing.T) {
	runner := exits(0)
	runner.output = "secret\n"
	h := newHarness(t, runner)

	require.NoError(t, h.session.RunCommand(context.Background(), "cat /etc/motd"))
	assert.Empty(t, h.console.String())
	entries := h.logs.FilterMessage("secret").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
}

func TestRunCommandExhaustsOnTransportFailure(t *testing.T) {
	runner := exits(255)
	h := newHarness(t, runner)

	err := h.session.RunCommand(context.Background(), "ls")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, retry.ErrRetriesExhausted)
	var exhausted *retry.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, exhausted.Attempts)

	assert.Len(t, runner.calls, 4)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, h.timer.sleeps)

	r := h.recorder.Report()
	require.Len(t, r.Entries, 1)
	assert.Equal(t, 4, r.Entries[0].Attempts)
	assert.Equal(t, "transport-failure", r.Entries[0].Class)
	assert.Equal(t, 255, r.Entries[0].ExitCode)
	assert.True(t, r.Failed())
}

func TestRunCommandBackoffFactor(t *testing.T) {
	runner := exits(255)
	h := newHarness(t, runner, func(o *Options) {
		o.Policy = retry.Policy{MaxAttempts: 4, BaseSleep: time.Second, BackoffFactor: 2}
	})

	err := h.session.RunCommand(context.Background(), "ls")
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.timer.sleeps)
}

func TestRunCommandFailureIsNotRetried(t *testing.T) {
	runner := exits(1)
	h := newHarness(t, runner)

	err := h.session.RunCommand(context.Background(), "false")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, &CommandError{Command: "false", ExitCode: 1}, cmdErr)
	assert.NotErrorIs(t, err, ErrConnection)
	assert.Len(t, runner.calls, 1)
	assert.Empty(t, h.timer.sleeps)
	assert.Equal(t, `command "false" failed on the instance with exit code 1`, err.Error())
}

func TestRunCommandRetriesTimeout(t *testing.T) {
	runner := &fakeRunner{outcomes: []procrun.Outcome{
		{ExitCode: -1, KilledByTimeout: true},
		{ExitCode: 0},
	}}
	h := newHarness(t, runner)

	require.NoError(t, h.session.RunCommand(context.Background(), "sleep 1", WithTimeout(time.Second)))
	assert.Len(t, runner.calls, 2)
	assert.Equal(t, []time.Duration{3 * time.Second}, h.timer.sleeps)
}

func TestRunCommandRecoversFromTransportFailure(t *testing.T) {
	runner := exits(255, 255, 0)
	h := newHarness(t, runner)

	require.NoError(t, h.session.RunCommand(context.Background(), "uname -a"))
	assert.Len(t, runner.calls, 3)
	assert.Len(t, h.timer.sleeps, 2)
}

func TestRunCommandStartError(t *testing.T) {
	runner := &fakeRunner{err: procrun.ErrStart}
	h := newHarness(t, runner)

	err := h.session.RunCommand(context.Background(), "ls")
	assert.ErrorIs(t, err, procrun.ErrStart)
	assert.Len(t, runner.calls, 1)

	r := h.recorder.Report()
	require.Len(t, r.Entries, 1)
	assert.Empty(t, r.Entries[0].Class)
	assert.Equal(t, -1, r.Entries[0].ExitCode)
}

func TestBreakerSharedAcrossSessions(t *testing.T) {
	runner := exits(255)
	breakers := retry.NewBreakers(retry.BreakerSettings{Threshold: 1, OpenFor: time.Hour})
	shared := func(o *Options) {
		o.Policy = retry.Policy{MaxAttempts: 4, BaseSleep: time.Millisecond, BackoffFactor: 1}
		o.Breakers = breakers
	}

	first := newHarness(t, runner, shared)
	err := first.session.RunCommand(context.Background(), "ls")
	var exhausted *retry.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Len(t, runner.calls, 4)

	second := newHarness(t, runner, shared)
	err = second.session.RunCommand(context.Background(), "ls")
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, retry.ErrCircuitOpen)
	assert.Len(t, runner.calls, 4)
	r := second.recorder.Report()
	require.Len(t, r.Entries, 1)
	assert.Equal(t, 0, r.Entries[0].Attempts)

	other := newHarness(t, runner, shared, func(o *Options) { o.Endpoint = NewEndpoint("10.0.0.2") })
	assert.ErrorIs(t, other.session.RunCommand(context.Background(), "ls"), retry.ErrRetriesExhausted)
	assert.Len(t, runner.calls, 8)
}

func TestSessionOwnBreaker(t *testing.T) {
	runner := exits(255)
	h := newHarness(t, runner, func(o *Options) {
		o.Policy = retry.Policy{MaxAttempts: 2, BaseSleep: time.Millisecond, BackoffFactor: 1}
		o.Breaker = retry.BreakerSettings{Threshold: 1, OpenFor: time.Hour}
	})

	assert.ErrorIs(t, h.session.RunCommand(context.Background(), "ls"), retry.ErrRetriesExhausted)
	assert.ErrorIs(t, h.session.RunCommand(context.Background(), "ls"), retry.ErrCircuitOpen)
	assert.Len(t, runner.calls, 2)
}

func TestPushAndPullFile(t *testing.T) {
	runner := exits(0)
	h := newHarness(t, runner, func(o *Options) {
		o.ExtraArgs = "-P 2222"
	})

	require.NoError(t, h.session.PushFile(context.Background(), "/tmp/img.zip", "/home/vsoc-01/img.zip"))
	require.NoError(t, h.session.PullFile(context.Background(), "/home/vsoc-01/log.txt", "/tmp/log.txt"))

	prefix := []string{
		"scp", "-i", "/keys/id_rsa", "-q",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "StrictHostKeyChecking=no",
		"-P", "2222",
	}
	require.Len(t, runner.calls, 2)
	assert.Equal(t, append(append([]string{}, prefix...), "/tmp/img.zip", "vsoc-01@10.0.0.1:/home/vsoc-01/img.zip"), runner.calls[0].Argv())
	assert.Equal(t, append(append([]string{}, prefix...), "vsoc-01@10.0.0.1:/home/vsoc-01/log.txt", "/tmp/log.txt"), runner.calls[1].Argv())

	ops := []string{}
	for _, e := range h.recorder.Report().Entries {
		ops = append(ops, e.Operation)
	}
	assert.Equal(t, []string{"push", "pull"}, ops)
}

func TestPushFileRetriesTransportFailure(t *testing.T) {
	runner := exits(255)
	h := newHarness(t, runner)

	err := h.session.PushFile(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrConnection)
	assert.Len(t, runner.calls, 4)
}

func TestWaitUntilReachable(t *testing.T) {
	runner := exits(255, 255, 0)
	h := newHarness(t, runner)

	require.NoError(t, h.session.WaitUntilReachable(context.Background(), 5*time.Second, 4))
	assert.Len(t, runner.calls, 3)
	for i, c := range runner.calls {
		argv := c.Argv()
		assert.Equal(t, "uptime", argv[len(argv)-1])
		assert.Equal(t, 5*time.Second, runner.opts[i].Timeout)
	}
	assert.Empty(t, h.timer.sleeps)

	r := h.recorder.Report()
	require.Len(t, r.Entries, 1)
	assert.Equal(t, "wait", r.Entries[0].Operation)
	assert.Equal(t, 3, r.Entries[0].Attempts)
}

func TestWaitUntilReachableGivesUp(t *testing.T) {
	runner := &fakeRunner{outcomes: []procrun.Outcome{{ExitCode: -1, KilledByTimeout: true}, {ExitCode: 1}}}
	h := newHarness(t, runner)

	err := h.session.WaitUntilReachable(context.Background(), time.Second, 3)
	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, retry.ErrRetriesExhausted)
	assert.Len(t, runner.calls, 3)
	assert.Empty(t, h.timer.sleeps)
}

func TestWaitUntilReachableDefaults(t *testing.T) {
	runner := exits(255)
	h := newHarness(t, runner)

	assert.ErrorIs(t, h.session.WaitUntilReachable(context.Background(), 0, 0), ErrConnection)
	assert.Len(t, runner.calls, DefaultWaitAttempts)
	assert.Equal(t, DefaultWaitTimeout, runner.opts[0].Timeout)
}

func TestWaitUntilReachableCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := exits(255)
	h := newHarness(t, runner)

	assert.ErrorIs(t, h.session.WaitUntilReachable(ctx, time.Second, 4), context.Canceled)
	assert.Len(t, runner.calls, 1)
}

func TestNewResolvesAddressOnce(t *testing.T) {
	runner := exits(0)
	h := newHarness(t, runner, func(o *Options) {
		o.Endpoint = Endpoint{External: "203.0.113.5", Internal: "10.128.0.5"}
		o.UseInternal = true
	})
	assert.Equal(t, "10.128.0.5", h.session.Addr())

	require.NoError(t, h.session.RunCommand(context.Background(), "true"))
	argv := runner.calls[0].Argv()
	assert.Equal(t, "10.128.0.5", argv[len(argv)-2])
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Endpoint: Endpoint{External: "1.2.3.4"}, UseInternal: true, User: "u"})
	assert.ErrorContains(t, err, "internal")

	_, err = New(Options{Endpoint: NewEndpoint("1.2.3.4")})
	assert.Error(t, err)

	_, err = New(Options{Endpoint: NewEndpoint("1.2.3.4"), User: "u", KeyPath: filepath.Join(t.TempDir(), "missing"), CheckIdentity: true})
	assert.ErrorIs(t, err, transport.ErrIdentity)
}

func TestNewDefaults(t *testing.T) {
	s, err := New(Options{Endpoint: NewEndpoint("1.2.3.4"), User: "u"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, retry.DefaultMaxAttempts, s.policy.MaxAttempts)
	assert.Equal(t, 255, s.classifier.TransportExitCode)
	assert.Nil(t, s.policy.Breaker)
	assert.IsType(t, &procrun.Runner{}, s.runner)
	assert.Equal(t, io.Writer(os.Stdout), s.console)
}

func TestEndpointResolve(t *testing.T) {
	e := Endpoint{External: "a", Internal: "b"}
	assert.Equal(t, "a", e.Resolve(false))
	assert.Equal(t, "b", e.Resolve(true))
	assert.Equal(t, Endpoint{External: "x", Internal: "x"}, NewEndpoint("x"))
}
