// vdremote runs commands on, copies files to and from, and waits for a
// virtual device instance over SSH.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/vdctl/internal/lg"
	"github.com/andrej220/vdctl/internal/remote"
	"github.com/andrej220/vdctl/pkg/config"
	"github.com/andrej220/vdctl/pkg/report"
	"github.com/spf13/cobra"
)

const (
	serviceName = "vdremote"

	exitOK          = 0
	exitFailure     = 1
	exitUnreachable = 255
)

type rootOptions struct {
	configPath   string
	host         string
	internalHost string
	useInternal  bool
	user         string
	key          string
	extraArgs    string
	reportPath   string
	log          lg.Config

	cfg    *config.Config
	logger lg.Logger
	out    io.Writer

	// runner replaces the process runner in tests.
	runner remote.Executor
}

// prepare loads the effective configuration, validates it and sets up
// logging.
func (r *rootOptions) prepare(cmd *cobra.Command) error {
	cfg, err := r.effectiveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg = cfg

	if r.logger == nil {
		r.log.ServiceName = serviceName
		r.logger = lg.New(&r.log)
	}
	return nil
}

// effectiveConfig loads the config file and applies explicitly set flags.
func (r *rootOptions) effectiveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Read(r.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("user") {
		cfg.SSH.User = r.user
	}
	if flags.Changed("key") {
		cfg.SSH.PrivateKeyPath = r.key
	}
	if flags.Changed("extra-args") {
		cfg.SSH.ExtraArgs = r.extraArgs
	}
	if flags.Changed("use-internal") {
		cfg.SSH.UseInternalIP = r.useInternal
	}
	return cfg, nil
}

// withSession opens a session to the selected instance, runs fn and writes
// the report when one was requested, whatever fn returned.
func (r *rootOptions) withSession(ctx context.Context, fn func(context.Context, *remote.Session) error) error {
	if r.host == "" && r.internalHost == "" {
		return errors.New("--host is required")
	}
	endpoint := remote.NewEndpoint(r.host)
	if r.internalHost != "" {
		endpoint.Internal = r.internalHost
	}
	if r.host == "" {
		endpoint.External = ""
	}

	rec := report.NewRecorder("", endpoint.Resolve(r.cfg.SSH.UseInternalIP))
	s, err := remote.New(remote.Options{
		Endpoint:      endpoint,
		UseInternal:   r.cfg.SSH.UseInternalIP,
		User:          r.cfg.SSH.User,
		KeyPath:       r.cfg.SSH.PrivateKeyPath,
		ExtraArgs:     r.cfg.SSH.ExtraArgs,
		CheckIdentity: r.cfg.SSH.CheckIdentity,
		Builder:       r.cfg.Builder(),
		Classifier:    r.cfg.Classifier(),
		Policy:        r.cfg.RetryPolicy(),
		Breaker:       r.cfg.BreakerSettings(),
		Runner:        r.runner,
		Logger:        r.logger,
		Console:       r.out,
		Recorder:      rec,
	})
	if err != nil {
		return err
	}

	err = fn(ctx, s)
	if path := r.reportPath; path != "" {
		if saveErr := report.NewFileStore(path).Save(ctx, rec.Report()); saveErr != nil {
			r.logger.Error("Writing report failed", lg.String("path", path), lg.Err(saveErr))
		}
	}
	return err
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Remote execution on virtual device instances over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			for c := cmd; c != nil; c = c.Parent() {
				if c.Name() == "config" {
					return nil
				}
			}
			return opts.prepare(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file, yaml or toml (default $XDG_CONFIG_HOME/vdctl/config.yaml)")
	pf.StringVar(&opts.host, "host", "", "external address of the instance")
	pf.StringVar(&opts.internalHost, "internal-host", "", "internal address of the instance (defaults to --host)")
	pf.BoolVar(&opts.useInternal, "use-internal", false, "connect through the internal address")
	pf.StringVar(&opts.user, "user", config.DefaultUser, "login user on the instance")
	pf.StringVar(&opts.key, "key", "", "private key file")
	pf.StringVar(&opts.extraArgs, "extra-args", "", "extra ssh/scp options, shell quoted")
	pf.StringVar(&opts.reportPath, "report", "", "write a JSON report of all operations to this file")

	logFlags := flag.NewFlagSet("log", flag.ContinueOnError)
	opts.log.RegisterFlags(logFlags)
	pf.AddGoFlagSet(logFlags)

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newPushCmd(opts))
	rootCmd.AddCommand(newPullCmd(opts))
	rootCmd.AddCommand(newWaitCmd(opts))
	rootCmd.AddCommand(newEnqueueCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	return rootCmd
}

// exitCode maps an error to the process exit status: the remote status for
// a failed command, 255 when the instance was unreachable. A command that
// left no exit status, such as ssh killed by a signal, maps to 1.
func exitCode(err error) int {
	var cmdErr *remote.CommandError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cmdErr):
		if cmdErr.ExitCode < 0 {
			return exitFailure
		}
		return cmdErr.ExitCode
	case errors.Is(err, remote.ErrConnection):
		return exitUnreachable
	default:
		return exitFailure
	}
}

func execute(ctx context.Context, opts *rootOptions, args []string, stderr io.Writer) int {
	root := newRootCmd(opts)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	if opts.logger != nil {
		_ = opts.logger.Sync()
	}
	return exitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, &rootOptions{out: os.Stdout}, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}
