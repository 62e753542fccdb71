// Package config holds the settings shared by vdremote and vdworker.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andrej220/vdctl/internal/classify"
	"github.com/andrej220/vdctl/internal/retry"
	"github.com/andrej220/vdctl/internal/transport"
	"github.com/andrej220/vdctl/pkg/config/configstore"
	"github.com/andrej220/vdctl/pkg/config/filestore"
	"github.com/go-playground/validator/v10"
)

const (
	ProjectName    = "vdctl"
	ConfigFileName = "config.yaml"
	DefaultUser    = "vsoc-01"
)

var ErrInvalidConfig = errors.New("invalid config")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	durations := map[string]func(time.Duration) bool{
		"nonnegduration": func(d time.Duration) bool { return d >= 0 },
		"posduration":    func(d time.Duration) bool { return d > 0 },
	}
	for tag, ok := range durations {
		ok := ok
		err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			d, isDuration := fl.Field().Interface().(time.Duration)
			return isDuration && ok(d)
		})
		if err != nil {
			panic(fmt.Sprintf("config: register %s: %v", tag, err))
		}
	}
	return v
}

type SSHConfig struct {
	User              string `yaml:"user" toml:"user" json:"user" validate:"required"`
	PrivateKeyPath    string `yaml:"privateKeyPath" toml:"privateKeyPath" json:"privateKeyPath" validate:"required"`
	ExtraArgs         string `yaml:"extraArgs,omitempty" toml:"extraArgs,omitempty" json:"extraArgs,omitempty"`
	SSHBin            string `yaml:"sshBin" toml:"sshBin" json:"sshBin" validate:"required"`
	SCPBin            string `yaml:"scpBin" toml:"scpBin" json:"scpBin" validate:"required"`
	UseInternalIP     bool   `yaml:"useInternalIP" toml:"useInternalIP" json:"useInternalIP"`
	TransportExitCode int    `yaml:"transportExitCode" toml:"transportExitCode" json:"transportExitCode" validate:"min=1,max=255"`
	CheckIdentity     bool   `yaml:"checkIdentity" toml:"checkIdentity" json:"checkIdentity"`
}

type RetryConfig struct {
	MaxAttempts      int           `yaml:"maxAttempts" toml:"maxAttempts" json:"maxAttempts" validate:"min=1"`
	BaseSleep        time.Duration `yaml:"baseSleep" toml:"baseSleep" json:"baseSleep" validate:"nonnegduration"`
	BackoffFactor    float64       `yaml:"backoffFactor" toml:"backoffFactor" json:"backoffFactor" validate:"gte=1"`
	BreakerThreshold uint32        `yaml:"breakerThreshold" toml:"breakerThreshold" json:"breakerThreshold"`
	BreakerOpenFor   time.Duration `yaml:"breakerOpenFor" toml:"breakerOpenFor" json:"breakerOpenFor" validate:"nonnegduration"`
}

type WaitConfig struct {
	Timeout     time.Duration `yaml:"timeout" toml:"timeout" json:"timeout" validate:"posduration"`
	MaxAttempts int           `yaml:"maxAttempts" toml:"maxAttempts" json:"maxAttempts" validate:"min=1"`
}

type ReportConfig struct {
	Path            string `yaml:"path,omitempty" toml:"path,omitempty" json:"path,omitempty"`
	MongoURI        string `yaml:"mongoURI,omitempty" toml:"mongoURI,omitempty" json:"mongoURI,omitempty" validate:"omitempty,uri"`
	MongoDB         string `yaml:"mongoDB" toml:"mongoDB" json:"mongoDB" validate:"required_with=MongoURI"`
	MongoCollection string `yaml:"mongoCollection" toml:"mongoCollection" json:"mongoCollection" validate:"required_with=MongoURI"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers" json:"brokers" validate:"omitempty,dive,hostname_port"`
	Topic   string   `yaml:"topic" toml:"topic" json:"topic" validate:"required_with=Brokers"`
	GroupID string   `yaml:"groupID" toml:"groupID" json:"groupID" validate:"required_with=Brokers"`
}

type WorkerConfig struct {
	MaxWorkers int    `yaml:"maxWorkers" toml:"maxWorkers" json:"maxWorkers" validate:"min=1"`
	HealthAddr string `yaml:"healthAddr,omitempty" toml:"healthAddr,omitempty" json:"healthAddr,omitempty" validate:"omitempty,hostname_port"`
}

type Config struct {
	SSH    SSHConfig    `yaml:"ssh" toml:"ssh" json:"ssh"`
	Retry  RetryConfig  `yaml:"retry" toml:"retry" json:"retry"`
	Wait   WaitConfig   `yaml:"wait" toml:"wait" json:"wait"`
	Report ReportConfig `yaml:"report" toml:"report" json:"report"`
	Kafka  KafkaConfig  `yaml:"kafka" toml:"kafka" json:"kafka"`
	Worker WorkerConfig `yaml:"worker" toml:"worker" json:"worker"`
}

// Default returns a config that works against a stock instance image.
func Default() *Config {
	key := ""
	if home, err := os.UserHomeDir(); err == nil {
		key = filepath.Join(home, ".ssh", "id_rsa")
	}
	return &Config{
		SSH: SSHConfig{
			User:              DefaultUser,
			PrivateKeyPath:    key,
			SSHBin:            transport.DefaultSSHBin,
			SCPBin:            transport.DefaultSCPBin,
			TransportExitCode: classify.DefaultTransportExitCode,
		},
		Retry: RetryConfig{
			MaxAttempts:   retry.DefaultMaxAttempts,
			BaseSleep:     retry.DefaultBaseSleep,
			BackoffFactor: retry.DefaultBackoffFactor,
		},
		Wait: WaitConfig{
			Timeout:     20 * time.Second,
			MaxAttempts: 4,
		},
		Report: ReportConfig{
			MongoDB:         ProjectName,
			MongoCollection: "reports",
		},
		Kafka: KafkaConfig{
			Topic:   "vdctl-requests",
			GroupID: "vdworker",
		},
		Worker: WorkerConfig{
			MaxWorkers: 10,
		},
	}
}

// DefaultPath is the per-user config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ProjectName, ConfigFileName), nil
}

// Load reads store on top of the defaults and validates the result.
func Load(store configstore.ConfigStore) (*Config, error) {
	cfg := Default()
	if err := store.Load(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads path on top of the defaults without validating, so callers
// can apply overrides first. An empty path means DefaultPath, which may be
// missing; an explicitly named file must exist.
func Read(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return Default(), nil
		}
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	cfg := Default()
	if err := filestore.New(path).Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and expands a leading ~ in the key path.
func (c *Config) Validate() error {
	if strings.HasPrefix(c.SSH.PrivateKeyPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.SSH.PrivateKeyPath = filepath.Join(home, c.SSH.PrivateKeyPath[2:])
		}
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.Retry.MaxAttempts,
		BaseSleep:     c.Retry.BaseSleep,
		BackoffFactor: c.Retry.BackoffFactor,
	}
}

func (c *Config) BreakerSettings() retry.BreakerSettings {
	return retry.BreakerSettings{
		Threshold: c.Retry.BreakerThreshold,
		OpenFor:   c.Retry.BreakerOpenFor,
	}
}

func (c *Config) Classifier() classify.Classifier {
	return classify.Classifier{TransportExitCode: c.SSH.TransportExitCode}
}

func (c *Config) Builder() transport.Builder {
	return transport.Builder{SSHBin: c.SSH.SSHBin, SCPBin: c.SSH.SCPBin}
}
