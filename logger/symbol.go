package logger

import (
	"github.com/teranos/metronome/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol goes in a structured field, not the message, so logs stay queryable.
//
//	logger.PulseInfow(log, "Dispatcher tick", "due", n)

// PulseInfow logs an info message with the Pulse symbol (꩜)
func PulseInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	withSymbol(l, sym.Pulse).Infow(msg, keysAndValues...)
}

// PulseWarnw logs a warning message with the Pulse symbol (꩜)
func PulseWarnw(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	withSymbol(l, sym.Pulse).Warnw(msg, keysAndValues...)
}

// PulseOpenInfow logs an info message with the PulseOpen symbol (✿)
// Used for startup and recovery
func PulseOpenInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	withSymbol(l, sym.PulseOpen).Infow(msg, keysAndValues...)
}

// PulseCloseInfow logs an info message with the PulseClose symbol (❀)
// Used for graceful shutdown
func PulseCloseInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	withSymbol(l, sym.PulseClose).Infow(msg, keysAndValues...)
}

// RunInfow logs a run lifecycle message with the Run symbol (⟶)
func RunInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	withSymbol(l, sym.Run).Infow(msg, keysAndValues...)
}

func withSymbol(l *zap.SugaredLogger, symbol string) *zap.SugaredLogger {
	if l == nil {
		l = Logger
	}
	return l.With(FieldSymbol, symbol)
}
