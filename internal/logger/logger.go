package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const simpleTimeFormat = "02-01-2006 15:04:05"

// New builds a zerolog logger: console output in development, JSON elsewhere.
func New(env, level string, writers ...io.Writer) (*zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	switch {
	case len(writers) > 0:
		output = io.MultiWriter(writers...)
	case strings.EqualFold(env, "development") || strings.EqualFold(env, "dev"):
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: simpleTimeFormat}
	default:
		output = os.Stdout
	}

	logger := zerolog.New(output).With().Timestamp().Logger().Level(lvl)
	return &logger, nil
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}
