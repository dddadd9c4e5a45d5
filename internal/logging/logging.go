// Package logging builds the zap logger shared by every flextrace component.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level, encoding and destination.
type Options struct {
	Level    string
	Encoding string // "console" or "json"
	// File receives the log in addition to stderr when set.
	File   string
	Caller bool
}

// ParseLevel parses a zap level name.
func ParseLevel(s string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New builds a logger from opts and installs it as the zap global.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.DisableCaller = !opts.Caller
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = opts.Encoding
	cfg.EncoderConfig.MessageKey = "message"
	cfg.OutputPaths = []string{"stderr"}
	if opts.File != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}

	if strings.EqualFold(opts.Encoding, "console") {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	zap.ReplaceGlobals(l)
	return l, nil
}

// Sync flushes l, ignoring the EINVAL stderr returns on some platforms
// (uber-go/zap#772).
func Sync(l *zap.Logger) {
	if err := l.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		fmt.Fprintf(os.Stderr, "syncing logger: %v\n", err)
	}
}
