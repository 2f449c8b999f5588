package dipstick

import (
	"os"

	"github.com/rs/zerolog"
)

// The library's internal logger. Recording-path failures are swallowed into
// self-metrics and surface here at debug level, except buffer overflows,
// which are logged at warn level, so instrumentation can never crash or spam
// the host application.
var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
	Level(zerolog.WarnLevel).
	With().Timestamp().Str("component", "dipstick").Logger()

// SetLogger replaces the library's internal logger.
// Call it once during application setup, before metrics are configured.
func SetLogger(l zerolog.Logger) {
	logger = l
}
