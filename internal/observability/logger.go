package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger returns the global logger tagged with the app name.
func ComponentLogger(app string) zerolog.Logger {
	return log.With().Str("app", app).Logger()
}

// ConnLogger returns the global logger tagged with one connection's identity.
func ConnLogger(slot int, connID string) zerolog.Logger {
	return log.With().Int("slot", slot).Str("conn_id", connID).Logger()
}
