// Package logging provides the hclog.Logger factory shared by the CLI
// and every pkg that performs an observable step (mmap, patch
// enumeration, MSF rewrite, commit).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
)

// NewLogger creates a new hclog logger with standard settings.
func NewLogger(name string, level string, output io.Writer) hclog.Logger {
	if output == nil {
		output = os.Stderr
	}

	jsonFormat := os.Getenv("RPE_JSON_LOG") == "1"

	if !jsonFormat {
		output = NewPrefixWriter("rpe: ", output)
	}

	opts := &hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(level),
		JSONFormat: jsonFormat,
		Output:     output,
		TimeFormat: "2006-01-02T15:04:05Z",
		TimeFn: func() time.Time {
			return time.Now().UTC()
		},
	}

	return hclog.New(opts)
}

// GetLogLevel returns the configured log level from the environment,
// defaulting to "warn" so a bare invocation stays quiet.
func GetLogLevel() string {
	level := os.Getenv("RPE_LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	return level
}
