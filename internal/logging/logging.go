// Package logging builds the process logger: console or JSON on stderr,
// optionally mirrored into a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"dev.c0redev.securetcp/internal/config"
)

// Logger owns the rotating file, if any.
type Logger struct {
	zerolog.Logger
	closer io.Closer
}

func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// New builds a logger for app writing to out (os.Stderr when nil) and sets
// it as the zerolog global.
func New(app string, c config.LogConfig, out io.Writer) (*Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	if out == nil {
		out = os.Stderr
	}
	if c.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	l := &Logger{}
	w := out
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		}
		w = zerolog.MultiLevelWriter(out, lj)
		l.closer = lj
	}

	l.Logger = zerolog.New(w).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = l.Logger
	return l, nil
}
