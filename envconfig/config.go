// Package envconfig reads process-level settings from TBLOCK_* environment variables.
package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/djeday123/transblock/logutil"
)

// Var returns an environment variable stripped of surrounding whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the slog level selected by TBLOCK_DEBUG.
// Unset or false is info, 1/true is debug, 2 and above is trace.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("TBLOCK_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			if b {
				level = slog.LevelDebug
			}
		} else if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			level = slog.Level(i * -4)
			if level < logutil.LevelTrace {
				level = logutil.LevelTrace
			}
		}
	}
	return level
}

// Uint64 returns a function reading a uint64 with a default value.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

var (
	// Seed is the default seed for parameter init and dropout when a config
	// carries no random source. Zero means seed from the clock.
	Seed = Uint64("TBLOCK_SEED", 0)

	numThreads = Uint64("TBLOCK_NUM_THREADS", 0)
)

// NumThreads caps the goroutines a CPU kernel may use. Defaults to GOMAXPROCS.
func NumThreads() int {
	if n := numThreads(); n > 0 {
		return int(n)
	}
	return runtime.GOMAXPROCS(0)
}

// EnvVar describes one recognised variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every recognised variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"TBLOCK_DEBUG":       {"TBLOCK_DEBUG", LogLevel(), "Show additional debug information (e.g. TBLOCK_DEBUG=1)"},
		"TBLOCK_SEED":        {"TBLOCK_SEED", Seed(), "Default seed for parameter init and dropout (0 = clock)"},
		"TBLOCK_NUM_THREADS": {"TBLOCK_NUM_THREADS", NumThreads(), "Maximum goroutines per CPU kernel"},
	}
}
