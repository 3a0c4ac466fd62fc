package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/USA-RedDragon/rpc-gateway/internal/config"
)

// LevelNotice sits between Info and Warn, matching the platform's five-level
// scale. slog has no built-in equivalent.
const LevelNotice = slog.Level(2)

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelError:
		return slog.LevelError
	case config.LogLevelWarning:
		return slog.LevelWarn
	case config.LogLevelNotice:
		return LevelNotice
	case config.LogLevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Apply installs the default slog logger according to the configured level
// and format. The thread format flag is accepted but has no effect; the Go
// runtime does not expose goroutine identifiers.
func Apply(cfg config.Log) {
	opts := &slog.HandlerOptions{
		Level:     slogLevel(cfg.Level),
		AddSource: cfg.Format.Location || cfg.Format.Function,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if !cfg.Format.TS {
					return slog.Attr{}
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok && level == LevelNotice {
					a.Value = slog.StringValue("NOTICE")
				}
			case slog.SourceKey:
				source, ok := a.Value.Any().(*slog.Source)
				if !ok {
					return a
				}
				switch {
				case cfg.Format.Location && cfg.Format.Function:
					return a
				case cfg.Format.Function:
					return slog.String("func", source.Function)
				case cfg.Format.Location:
					return slog.Group(slog.SourceKey,
						slog.String("file", filepath.Base(source.File)),
						slog.Int("line", source.Line))
				}
			}
			return a
		},
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

// Notice logs at the Notice level through the default logger.
func Notice(msg string, args ...any) {
	slog.Log(context.Background(), LevelNotice, msg, args...)
}
