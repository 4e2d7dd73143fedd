// Package logging constructs the process-wide zerolog.Logger used by every
// component, with a console writer in development and plain JSON when
// stdout is not a terminal — the same split the rest of the retrieved
// example corpus uses zerolog for.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds a Logger tagged with the node id, at the given level
// ("debug", "info", "warn", "error"; defaults to "info" on a bad value).
func New(nodeID, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if isatty.IsTerminal(os.Stdout.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("node_id", nodeID).
		Logger()
}
