package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where governator writes its structured logs.
type Options struct {
	Service string
	Env     string
	Level   string

	// File enables a rotated log file in addition to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup builds the process logger, installs it as the slog default and routes the
// standard library logger through it. Every line carries the service and env.
func Setup(opts Options) *slog.Logger {
	handler := newHandler(output(opts), opts)
	base := slog.New(handler).With(baseArgs(opts)...)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(handler.WithAttrs(baseAttrs(opts)), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
	return base
}

func output(opts Options) io.Writer {
	path := strings.TrimSpace(opts.File)
	if path == "" {
		return os.Stdout
	}
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    positiveOr(opts.MaxSizeMB, 100),
		MaxBackups: positiveOr(opts.MaxBackups, 5),
		MaxAge:     positiveOr(opts.MaxAgeDays, 14),
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotated)
}

func newHandler(w io.Writer, opts Options) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			if isSensitive(attr.Key) && attr.Value.Kind() == slog.KindString {
				return MaskField(attr.Key, attr.Value.String())
			}
			return attr
		},
	})
}

// ParseLevel maps a textual level to slog; unknown values fall back to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func baseAttrs(opts Options) []slog.Attr {
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(opts.Service))}
	if env := strings.TrimSpace(opts.Env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	return attrs
}

func baseArgs(opts Options) []any {
	attrs := baseAttrs(opts)
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return args
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
