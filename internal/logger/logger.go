// Package logger configures the process-wide zerolog setup shared by the
// server and the dispatch CLI.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "02-01-2006 15:04:05"

// New constructs the root logger for a named service. Development environments
// get human readable console output; everything else emits JSON lines with the
// service name stamped on every event.
func New(service, env, level string, writers ...io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(defaultLevel(level))))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logger: parse level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond

	output := pickOutput(env, writers)
	logger := zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
	return logger, nil
}

// Component derives a child logger scoped to a named component.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

func pickOutput(env string, writers []io.Writer) io.Writer {
	if len(writers) > 0 {
		return io.MultiWriter(writers...)
	}
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "development", "dev", "local":
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
		cw.FieldsExclude = []string{zerolog.TimestampFieldName}
		return cw
	default:
		return os.Stdout
	}
}

func defaultLevel(level string) string {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel.String()
	}
	return level
}
