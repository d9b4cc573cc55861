// Package logger builds flockd's process-wide slog.Logger, leveled by a
// -v/-vv verbosity count rather than a named level string.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// Log is the process-wide logger, set by Init.
var Log *slog.Logger

// levelForVerbosity maps a -v count to an slog level: 0 is warn, 1 is
// info, 2 or more is debug.
func levelForVerbosity(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelWarn
	case verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Init builds Log, writing to logFile in addition to stdout when
// logFile is non-empty. When stdout is a TTY, source positions are
// dropped to keep lines short for interactive use.
func Init(verbosity int, logFile string) error {
	level := levelForVerbosity(verbosity)

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd())

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level:     level,
		AddSource: !interactive,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
