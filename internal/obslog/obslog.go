// Package obslog builds the zerolog.Logger every long-running piece of
// spopagent uses, following internal/observability/logger.go's
// InitLogger shape in the lineage codebase.
package obslog

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls Configure's output. Zero-value Options produces debug
// level (zerolog.DebugLevel is Level's zero value), timestamped,
// colorized console output.
type Options struct {
	Level       zerolog.Level
	NoTimestamp bool
	NoColor     bool
}

// Configure builds a zerolog.Logger scoped to app and installs it as the
// package-level log.Logger, mirroring InitLogger's side effect.
func Configure(app string, opts Options) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		NoColor:    opts.NoColor,
	}

	ctx := zerolog.New(output).With()
	if !opts.NoTimestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Str("app", app).Logger().Level(opts.Level)

	log.Logger = logger
	return logger
}

// ConfigureFromEnv builds Options from SPOPAGENT_LOG_LEVEL,
// SPOPAGENT_LOG_TIMESTAMP, and SPOPAGENT_LOG_NOCOLOR, then calls
// Configure, mirroring the lineage's EDGECTL_LOG_* variables.
func ConfigureFromEnv(app string) zerolog.Logger {
	opts := Options{Level: zerolog.InfoLevel}

	if raw := os.Getenv("SPOPAGENT_LOG_LEVEL"); raw != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			opts.Level = lvl
		}
	}
	if raw := os.Getenv("SPOPAGENT_LOG_TIMESTAMP"); raw != "" {
		opts.NoTimestamp = isFalse(raw)
	}
	if raw := os.Getenv("SPOPAGENT_LOG_NOCOLOR"); raw != "" {
		opts.NoColor = isTrue(raw)
	}

	return Configure(app, opts)
}

// ForConn scopes a logger with the connection-correlation fields spec.md
// leaves undescribed but any operator needs to grep a peer's traffic
// out of a busy agent's log.
func ForConn(base zerolog.Logger, remote string) zerolog.Logger {
	return base.With().Str("remote", remote).Logger()
}

// ForFrame further scopes a connection logger to one stream/frame id
// pair.
func ForFrame(base zerolog.Logger, streamID, frameID uint64) zerolog.Logger {
	return base.With().Uint64("stream_id", streamID).Uint64("frame_id", frameID).Logger()
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func isFalse(s string) bool {
	switch strings.ToLower(s) {
	case "0", "false", "no", "off":
		return true
	default:
		return false
	}
}
