package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andrej220/vdctl/internal/remote"
	"github.com/andrej220/vdctl/pkg/config"
	"github.com/andrej220/vdctl/pkg/config/filestore"
	"github.com/andrej220/vdctl/pkg/kafkautil"
	"github.com/andrej220/vdctl/pkg/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		timeout    time.Duration
		showOutput bool
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- <command...>",
		Short: "Run a command on the instance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			return root.withSession(cmd.Context(), func(ctx context.Context, s *remote.Session) error {
				return s.RunCommand(ctx, command, remote.WithTimeout(timeout), remote.WithShowOutput(showOutput))
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "bound for each attempt (0 means none)")
	cmd.Flags().BoolVar(&showOutput, "show-output", false, "print command output instead of logging it at debug level")
	return cmd
}

func newPushCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <local> <remote>",
		Short: "Copy a local file to the instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withSession(cmd.Context(), func(ctx context.Context, s *remote.Session) error {
				return s.PushFile(ctx, args[0], args[1])
			})
		},
	}
}

func newPullCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <remote> <local>",
		Short: "Copy a file from the instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withSession(cmd.Context(), func(ctx context.Context, s *remote.Session) error {
				return s.PullFile(ctx, args[0], args[1])
			})
		},
	}
}

func newWaitCmd(root *rootOptions) *cobra.Command {
	var (
		timeout  time.Duration
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until the instance accepts SSH logins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("timeout") {
				timeout = root.cfg.Wait.Timeout
			}
			if !cmd.Flags().Changed("attempts") {
				attempts = root.cfg.Wait.MaxAttempts
			}
			return root.withSession(cmd.Context(), func(ctx context.Context, s *remote.Session) error {
				return s.WaitUntilReachable(ctx, timeout, attempts)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", remote.DefaultWaitTimeout, "bound for each probe")
	cmd.Flags().IntVar(&attempts, "attempts", remote.DefaultWaitAttempts, "number of probes")
	return cmd
}

// newEnqueueCmd hands an operation to vdworker through Kafka instead of
// running it here.
func newEnqueueCmd(root *rootOptions) *cobra.Command {
	var (
		timeout  time.Duration
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <run|push|pull|wait> [args...]",
		Short: "Queue an operation for vdworker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := root.request(models.Op(args[0]), args[1:])
			if err != nil {
				return err
			}
			req.TimeoutSeconds = int(timeout / time.Second)
			req.Attempts = attempts
			req.EnsureID()
			if err := req.Validate(); err != nil {
				return err
			}
			kc := root.cfg.Kafka
			if len(kc.Brokers) == 0 {
				return errors.New("no kafka brokers configured")
			}
			producer := kafkautil.NewProducer[models.Request](kafkautil.Config{Brokers: kc.Brokers, Topic: kc.Topic}, root.logger)
			defer producer.Close()
			if err := producer.Publish(cmd.Context(), req.ID, req); err != nil {
				return err
			}
			fmt.Fprintln(root.out, req.ID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "bound for each attempt")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "number of probes for wait")
	return cmd
}

func (r *rootOptions) request(op models.Op, args []string) (models.Request, error) {
	req := models.Request{
		Op:          op,
		ExternalIP:  r.host,
		InternalIP:  r.internalHost,
		UseInternal: r.cfg.SSH.UseInternalIP,
		User:        r.cfg.SSH.User,
	}
	if req.InternalIP == "" {
		req.InternalIP = r.host
	}
	switch op {
	case models.OpRun:
		req.Command = strings.Join(args, " ")
	case models.OpPush, models.OpPull:
		if len(args) != 2 {
			return req, fmt.Errorf("%s needs two paths", op)
		}
		if op == models.OpPush {
			req.Local, req.Remote = args[0], args[1]
		} else {
			req.Remote, req.Local = args[0], args[1]
		}
	case models.OpWait:
	default:
		return req, fmt.Errorf("unknown operation %q", op)
	}
	return req, nil
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := root.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := filestore.New(path).Save(config.Default()); err != nil {
				return err
			}
			fmt.Fprintln(root.out, path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, flags applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.effectiveConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(root.out)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
