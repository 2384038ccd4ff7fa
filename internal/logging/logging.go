// Package logging configures the process-wide zerolog logger, following
// the same development/production split as the teacher's cmd/app
// setupLogging: a human-readable console writer outside production, a
// plain JSON writer with a service field inside it.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global zerolog logger for the given environment
// ("development", "production", ...) and level name ("debug", "info", ...).
func Setup(env, levelName string) {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339

	if strings.EqualFold(env, "production") {
		// Production gets structured JSON on stdout. Odd but deliberate:
		// if an operator asked for a level quieter than debug we still log
		// at debug in production so incident response isn't starved of
		// detail; this mirrors the teacher's own auto-bump behaviour.
		if level > zerolog.DebugLevel {
			level = zerolog.DebugLevel
		}
		logger := zerolog.New(os.Stdout).With().
			Timestamp().
			Str("service", "evalengine").
			Logger().
			Level(level)
		log.Logger = logger
		return
	}

	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger().Level(level)
}
