package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"CoverLedger/internal/chain"

	"github.com/rs/zerolog"
)

// LogOptions selects where component loggers write and how much.
type LogOptions struct {
	Level  string    // zerolog level name; empty means info
	Format string    // "json" (default) or "console" for local runs
	Output io.Writer // stdout when nil
}

var (
	logMu   sync.RWMutex
	logBase = zerolog.New(os.Stdout).Level(zerolog.InfoLevel)
)

// ConfigureLogging replaces the base every later NewLogger derives from.
// Loggers handed out before the call keep their old settings.
func ConfigureLogging(opts LogOptions) error {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		level = l
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	switch opts.Format {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	default:
		return fmt.Errorf("log format %q: want json or console", opts.Format)
	}

	logMu.Lock()
	logBase = zerolog.New(out).Level(level)
	logMu.Unlock()
	return nil
}

// NewLogger returns a logger stamped with its component name.
func NewLogger(component string) zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logBase.With().Timestamp().Str("component", component).Logger()
}

// ChainLogger is NewLogger for goroutines bound to one deployment.
func ChainLogger(component string, c chain.Chain) zerolog.Logger {
	return NewLogger(component).With().Str("chain", string(c)).Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
