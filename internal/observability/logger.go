package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs a console logger tagged with the binary name and
// returns it. Binaries call this once before constructing a coordinator.
func InitLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// ComponentLogger derives a logger scoped to one internal component, so
// session, peer and engine logs stay distinguishable in a shared stream.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
