package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the global logger's level, format and optional file.
type Options struct {
	Level  string
	Format string // json | text
	// File, when set, receives a JSON copy of every line with size-based
	// rotation.
	File string
	// Out defaults to os.Stderr.
	Out io.Writer
}

// Setup installs the global zerolog logger. The returned closer releases the
// log file, if any.
func Setup(o Options) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	out := o.Out
	if out == nil {
		out = os.Stderr
	}
	var primary io.Writer = NewRedactWriter(out)
	if o.Format == "text" {
		primary = zerolog.ConsoleWriter{Out: primary}
	}

	var closer io.Closer = nopCloser{}
	w := primary
	if o.File != "" {
		rot := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		closer = rot
		w = zerolog.MultiLevelWriter(primary, NewRedactWriter(rot))
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(o.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
