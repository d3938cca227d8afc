// Package logging builds the logr.Logger used across dpictl.
package logging

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels passed to logger.V().
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// ErrUnknownLevel is returned by [ParseLevel].
var ErrUnknownLevel = errors.New("logging: unknown level")

// ParseLevel maps a level name to a logr verbosity.
// "error" is returned as -1 so that only errors are printed.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return -1, nil
	case "", "info":
		return 0, nil
	case "default":
		return DEFAULT, nil
	case "verbose":
		return VERBOSE, nil
	case "debug":
		return DEBUG, nil
	case "trace":
		return TRACE, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// New returns a console logger writing to w that prints V(n) messages for
// n <= verbosity.
func New(w io.Writer, verbosity int) logr.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""

	lvl := zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	if verbosity < 0 {
		lvl.SetLevel(zapcore.ErrorLevel)
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)

	return zapr.NewLogger(zap.New(core))
}

// NewTestLogger creates a new Zap logger using the dev mode.
func NewTestLogger() logr.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-TRACE))

	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		panic(err)
	}

	return zapr.NewLogger(z)
}
