// Package logx holds the process-wide zerolog logger. Stdout carries the
// JSON-RPC stream, so records only ever go to stderr or an explicit writer.
package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared logger.
var Log = log.Logger

var levels = map[string]zerolog.Level{
	"all":      zerolog.TraceLevel,
	"trace":    zerolog.TraceLevel,
	"debug":    zerolog.DebugLevel,
	"info":     zerolog.InfoLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"fatal":    zerolog.FatalLevel,
	"none":     zerolog.Disabled,
	"off":      zerolog.Disabled,
	"disabled": zerolog.Disabled,
}

// Configure points Log at stderr.
func Configure(level, format string) {
	ConfigureOutput(level, format, os.Stderr)
}

// ConfigureOutput points Log at w. An unknown level means info. Format
// "json" writes one object per record; anything else uses the console
// writer, uncoloured when NO_COLOR is set.
func ConfigureOutput(level, format string, w io.Writer) {
	lvl, ok := levels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		Log = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	_, noColor := os.LookupEnv("NO_COLOR")
	cw := zerolog.ConsoleWriter{Out: w, NoColor: noColor, TimeFormat: time.TimeOnly}
	Log = zerolog.New(cw).With().Timestamp().Logger()
}

func init() {
	Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}
