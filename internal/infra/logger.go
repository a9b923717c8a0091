package infra

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the zerolog logger handed to every component. The alias
// keeps call sites on infra.Logger so the logging backend stays a
// single-file decision.
type Logger = zerolog.Logger

// NewLogger builds the process logger. Development gets a human
// console writer at debug level; every other environment gets JSON
// at info level for log shippers.
func NewLogger(appEnv string) Logger {
	if appEnv == "development" {
		return zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}
