package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns the global logger tagged with a component name.
// It reads log.Logger at call time so loggers built after logging setup
// pick up the configured writer and level.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
