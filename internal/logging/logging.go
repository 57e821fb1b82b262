// Package logging wires zerolog to a console writer and a rotating JSON trace
// file, matching the original deployment's console + rotating-file setup.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger. The console sink on stderr honors level; the
// trace file (when configured) captures everything and rotates at 20 MB.
func New(level, file string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	writers := []io.Writer{&zerolog.FilteredLevelWriter{
		Writer: zerolog.LevelWriterAdapter{Writer: console},
		Level:  lvl,
	}}

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    20, // MB
				MaxBackups: 5,
			})
		}
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerolog.TraceLevel).
		With().Timestamp().Logger()
}
