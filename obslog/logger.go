// Package obslog provides the structured logging infrastructure shared by
// the coordinator and transfer driver. It wraps go.uber.org/zap rather than
// the standard library logger so every gate transition carries structured
// fields (component id, device id, gate name) instead of formatted strings.
package obslog

import (
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how a Logger is built. Unlike the ambient CLI loggers in
// comparable systems, this one takes no environment variables: the library
// has no configuration file or env surface (see spec §6), so every field is
// set explicitly by the embedding application.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Empty defaults to
	// "info".
	Level string

	// JSON selects the JSON encoder; false uses the console encoder.
	JSON bool

	// Sampling enables zap's default sampler for high-volume gate-level
	// debug logging. Error logs are never sampled.
	Sampling bool
}

// New builds a *zap.Logger from cfg. A zero Config is valid and produces an
// info-level console logger with no sampling.
func New(cfg Config) (*zap.Logger, error) {
	encConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encConfig)
	}

	level := parseLevel(cfg.Level)
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)

	if cfg.Sampling {
		errorCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= zapcore.ErrorLevel
		}))
		sampledCore := zapcore.NewSamplerWithOptions(
			zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
				return lvl < zapcore.ErrorLevel && lvl >= level
			})),
			time.Second, 100, 100,
		)
		core = zapcore.NewTee(errorCore, sampledCore)
	}

	return zap.New(core), nil
}

// Nop returns a logger that discards everything, used as the default when
// no logger is supplied to the coordinator.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync flushes a logger's buffered entries, swallowing the sync errors that
// stdout/stderr commonly return on shutdown (they do not indicate lost
// writes).
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	if err == nil {
		return nil
	}

	errStr := err.Error()
	if strings.Contains(errStr, "invalid argument") ||
		strings.Contains(errStr, "inappropriate ioctl for device") ||
		strings.Contains(errStr, "bad file descriptor") {
		return nil
	}
	if err == syscall.EINVAL {
		return nil
	}
	return err
}
