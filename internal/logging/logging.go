// Package logging builds the zap loggers used across pwman-desktop.
package logging

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatAuto    = ""
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New builds a logger at the given level. With FormatAuto the console encoder is
// used when stderr is a terminal and JSON otherwise.
func New(level, format string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var cfg zap.Config
	switch format {
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
	case FormatJSON:
		cfg = zap.NewProductionConfig()
	case FormatAuto:
		if isTerminal(os.Stderr) {
			cfg = zap.NewDevelopmentConfig()
		} else {
			cfg = zap.NewProductionConfig()
		}
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

type retryableAdapter struct {
	*zap.SugaredLogger
}

func (a *retryableAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Retryable adapts a sugared logger to the retryablehttp logger interface.
// Everything the retry client prints is logged at debug level.
func Retryable(l *zap.SugaredLogger) retryablehttp.Logger {
	return &retryableAdapter{SugaredLogger: OrNop(l)}
}
