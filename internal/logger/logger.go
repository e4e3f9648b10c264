package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var Log = slog.Default()

// ParseLevel maps a config level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// New returns a text logger with the shortened time format.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	}))
}

// Init installs the process logger. Output goes to stderr, and is also appended to logFile
// when set. The returned closer releases the file.
func Init(level string, logFile string) (io.Closer, error) {
	var writers []io.Writer
	writers = append(writers, os.Stderr)

	var closer io.Closer = io.NopCloser(nil)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
		closer = f
	}

	Log = New(io.MultiWriter(writers...), level)
	slog.SetDefault(Log)
	return closer, nil
}
