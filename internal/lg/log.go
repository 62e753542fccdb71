package lg

import (
	"bytes"
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured log field, aliasing zapcore.Field for flexibility.
type Field = zapcore.Field

func Any(key string, value any) Field                { return zap.Any(key, value) }
func String(key, value string) Field                 { return zap.String(key, value) }
func Strings(key string, value []string) Field       { return zap.Strings(key, value) }
func Int(key string, value int) Field                { return zap.Int(key, value) }
func Bool(key string, value bool) Field              { return zap.Bool(key, value) }
func Float64(key string, value float64) Field        { return zap.Float64(key, value) }
func Time(key string, value time.Time) Field         { return zap.Time(key, value) }
func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }
func Err(err error) Field                            { return zap.Error(err) }

// Logger defines the minimal interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

// Config holds logging configuration options.
type Config struct {
	ServiceName string
	Debug       bool
	Format      string // "json" or "console"
}

// RegisterFlags binds -debug and -log-format on fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
	fs.StringVar(&c.Format, "log-format", c.Format, "json or console")
}

// New builds a zap-based Logger based on cfg.
func New(cfg *Config) Logger {
	var baseCfg zap.Config
	if cfg.Debug {
		baseCfg = zap.NewDevelopmentConfig()
		baseCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		baseCfg = zap.NewProductionConfig()
	}

	format := cfg.Format
	if format == "" {
		format = "console"
	}
	baseCfg.Encoding = format
	baseCfg.EncoderConfig.TimeKey = "timestamp"
	baseCfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	baseCfg.InitialFields = map[string]any{"service": cfg.ServiceName}
	// Command output is forwarded line by line at debug level; sampling would drop it.
	baseCfg.Sampling = nil

	logger, err := baseCfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		log.Printf("[FATAL] cannot initialize zap logger: %v", err)
		return defaultLogger{}
	}
	return &zapLogger{l: logger}
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

// zapLogger wraps a *zap.Logger to implement Logger.
type zapLogger struct{ l *zap.Logger }

func (z *zapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, fields...) }

func (z *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z.l.With(fields...)}
}

func (z *zapLogger) Sync() error {
	return z.l.Sync()
}

// defaultLogger falls back to the standard log package.
type defaultLogger struct{}

func (d defaultLogger) Debug(msg string, fields ...Field) {}

func (d defaultLogger) Info(msg string, fields ...Field) {
	log.Println("INFO:", msg, flatten(fields...))
}

func (d defaultLogger) Warn(msg string, fields ...Field) {
	log.Println("WARN:", msg, flatten(fields...))
}

func (d defaultLogger) Error(msg string, fields ...Field) {
	log.Println("ERROR:", msg, flatten(fields...))
}

func (d defaultLogger) With(fields ...Field) Logger { return d }
func (d defaultLogger) Sync() error                 { return nil }

// flatten renders fields as "key=value" pairs using zap's console encoder.
func flatten(fields ...Field) string {
	if len(fields) == 0 {
		return ""
	}
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		LineEnding: " ",
	})
	buffer, err := enc.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return ""
	}
	defer buffer.Free()
	var buf bytes.Buffer
	buf.Write(buffer.Bytes())
	return strings.TrimSpace(buf.String())
}

// context key type for carrying Logger
type ctxKey struct{}

// Attach returns a new context with the provided Logger.
func Attach(ctx context.Context, lg Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, lg)
}

// FromContext retrieves the Logger from ctx, or falls back to defaultLogger.
func FromContext(ctx context.Context) Logger {
	if lg, ok := ctx.Value(ctxKey{}).(Logger); ok && lg != nil {
		return lg
	}
	return defaultLogger{}
}

// noopLogger does absolutely nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
func (noopLogger) With(...Field) Logger   { return noopLogger{} }
func (noopLogger) Sync() error            { return nil }

var Discard Logger = noopLogger{}
