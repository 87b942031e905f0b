package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide logger. Every line carries the service
// name so the shared log pipeline can route it. APP_ENV=dev (or development)
// switches to a human-friendly console writer.
func NewLogger(env string) zerolog.Logger {
	out := io.Writer(os.Stdout)
	if env == "dev" || env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().
		Timestamp().
		Str("service", "city-insight").
		Logger()
}
