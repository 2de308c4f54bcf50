package logger

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// CLI verbosity, counted from repeated -v flags. The server and agent
// start at VerbosityInfo so dispatcher ticks and run transitions show up.
const (
	VerbosityUser  = 0 // warnings and errors only
	VerbosityInfo  = 1 // -v: ticks, launches, transitions
	VerbosityDebug = 2 // -vv: placement, stale callbacks, config details
)

// VerbosityToLevel maps a -v count to the minimum zap level.
// Anything past -vv stays at debug.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// LevelName describes a verbosity for the startup banner, e.g. "debug (-vv)"
func LevelName(verbosity int) string {
	if verbosity <= VerbosityUser {
		return "quiet"
	}
	flag := "-" + strings.Repeat("v", verbosity)
	return VerbosityToLevel(verbosity).String() + " (" + flag + ")"
}
