// Package logger provides logging for portal-sync. It backs both the
// package-level printf helpers used by the command layer and the standard
// library's slog (used throughout internal packages) with a single zap core,
// so every component writes to the same sink with the same encoding.
package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Unstructured switches from JSON to human-readable console output.
	Unstructured bool
	// File, when set, sends output to a size-rotated file instead of stderr.
	File *FileOptions
}

// FileOptions configures rotating file output.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var log = zap.NewNop().Sugar()

// Initialize sets up the default logger. Log level is taken from the
// viper-bound --debug flag; PORTAL_SYNC_UNSTRUCTURED_LOGS switches to
// console encoding for local development.
func Initialize() {
	opts := Options{Level: "info"}
	if viper.GetBool("debug") {
		opts.Level = "debug"
	}
	if _, ok := os.LookupEnv("PORTAL_SYNC_UNSTRUCTURED_LOGS"); ok {
		opts.Unstructured = true
	}
	InitializeWithOptions(opts)
}

// InitializeWithOptions sets up the default logger from explicit options,
// typically derived from the logging section of the config file. It also
// installs the zap core as slog's default handler.
func InitializeWithOptions(opts Options) {
	level := parseLevel(opts.Level)

	var enc zapcore.Encoder
	if opts.Unstructured {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.AddSync(os.Stderr)
	if opts.File != nil && opts.File.Path != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File.Path,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
			Compress:   true,
		})
	}

	core := zapcore.NewCore(enc, sink, level)
	log = zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
	slog.SetDefault(slog.New(&slogHandler{core: core}))
}

func parseLevel(s string) zapcore.Level {
	switch s {
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

// Debug logs a message at debug level.
func Debug(msg string) { log.Debug(msg) }

// Info logs a message at info level.
func Info(msg string) { log.Info(msg) }

// Warn logs a message at warn level.
func Warn(msg string) { log.Warn(msg) }

// Error logs a message at error level.
func Error(msg string) { log.Error(msg) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { log.Debugf(format, args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { log.Infof(format, args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { log.Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { log.Errorf(format, args...) }

// Fatalf logs a formatted message at fatal level and exits.
func Fatalf(format string, args ...any) { log.Fatalf(format, args...) }

// slogHandler adapts the zap core to slog so packages using the standard
// structured logger share the process-wide sink.
type slogHandler struct {
	core  zapcore.Core
	attrs []zapcore.Field
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.core.Enabled(zapLevel(level))
}

func (h *slogHandler) Handle(_ context.Context, rec slog.Record) error {
	ce := h.core.Check(zapcore.Entry{
		Level:   zapLevel(rec.Level),
		Time:    rec.Time,
		Message: rec.Message,
	}, nil)
	if ce == nil {
		return nil
	}
	fields := make([]zapcore.Field, 0, len(h.attrs)+rec.NumAttrs())
	fields = append(fields, h.attrs...)
	rec.Attrs(func(a slog.Attr) bool {
		fields = append(fields, zap.Any(a.Key, a.Value.Any()))
		return true
	})
	ce.Write(fields...)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]zapcore.Field, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next, h.attrs)
	for _, a := range attrs {
		next = append(next, zap.Any(a.Key, a.Value.Any()))
	}
	return &slogHandler{core: h.core, attrs: next}
}

func (h *slogHandler) WithGroup(_ string) slog.Handler {
	// Groups are flattened; nothing in this codebase logs through them.
	return h
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l >= slog.LevelError:
		return zapcore.ErrorLevel
	case l >= slog.LevelWarn:
		return zapcore.WarnLevel
	case l >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
