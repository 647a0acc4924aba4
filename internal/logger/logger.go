package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// Options controls how the root logger is built.
type Options struct {
	Name   string
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// New builds a root logger. Empty fields fall back to the LOG_LEVEL and
// LOG_FORMAT environment variables, then to info level text output on
// stderr.
func New(opts Options) hclog.Logger {
	if opts.Level == "" {
		opts.Level = os.Getenv("LOG_LEVEL")
	}
	if opts.Format == "" {
		opts.Format = os.Getenv("LOG_FORMAT")
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      ParseLevel(opts.Level),
		JSONFormat: strings.EqualFold(opts.Format, "json"),
		Output:     opts.Output,
	})
}

// ParseLevel maps a level name to an hclog level, defaulting to info.
func ParseLevel(level string) hclog.Level {
	if level == "" {
		return hclog.Info
	}
	if l := hclog.LevelFromString(level); l != hclog.NoLevel {
		return l
	}
	return hclog.Info
}

var defaultLogger atomic.Pointer[hclog.Logger]

// SetDefault replaces the package-level logger used by the helpers below.
func SetDefault(l hclog.Logger) {
	if l == nil {
		return
	}
	defaultLogger.Store(&l)
}

// Default returns the package-level logger.
func Default() hclog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return *l
	}
	l := New(Options{Name: "plughost"})
	defaultLogger.CompareAndSwap(nil, &l)
	return *defaultLogger.Load()
}

func Info(msg string, args ...interface{}) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...interface{}) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...interface{}) {
	Default().Error(msg, args...)
}

func Debug(msg string, args ...interface{}) {
	Default().Debug(msg, args...)
}
