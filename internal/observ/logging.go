package observ

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init configures the process logger. Level is one of zerolog's named
// levels; unknown values fall back to info.
func Init(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
	mu.Unlock()
}

// Logger returns the process logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Log emits one structured event with arbitrary key/value fields.
func Log(event string, kv map[string]any) {
	l := Logger()
	l.Info().Fields(kv).Msg(event)
}

// Warn emits one structured warning event.
func Warn(event string, kv map[string]any) {
	l := Logger()
	l.Warn().Fields(kv).Msg(event)
}

// Error emits one structured error event.
func Error(event string, err error, kv map[string]any) {
	l := Logger()
	l.Error().Err(err).Fields(kv).Msg(event)
}
