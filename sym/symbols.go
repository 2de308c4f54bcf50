// Package sym defines the symbols metronome uses to tag log lines and CLI output
// by subsystem. They are stable across CLI, logs and documentation.
package sym

// Subsystem symbols
const (
	AM         = "≡" // am: configuration and system settings
	Pulse      = "꩜" // dispatcher ticks and run launches
	PulseOpen  = "✿" // graceful startup, run recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	Host       = "⌬" // host inventory and placement
	Run        = "⟶" // run lifecycle transitions
)

// SymbolToCommand maps each CLI-facing symbol to its command name.
var SymbolToCommand = map[string]string{
	AM:    "am",
	DB:    "db",
	Pulse: "job",
	Host:  "agent",
}

// CommandToSymbol is the inverse of SymbolToCommand.
var CommandToSymbol = func() map[string]string {
	m := make(map[string]string, len(SymbolToCommand))
	for s, c := range SymbolToCommand {
		m[c] = s
	}
	return m
}()
