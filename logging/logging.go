// Package logging defines the logging seam the decision engine logs
// through. It is deliberately tiny — Debugf/Errorf — so any of the
// adapters/* packages, or a caller's own logger, can satisfy it without
// pulling in this module's dependencies.
package logging

// Logger is the interface the engine and its collaborators log
// through. Implementations are expected to be safe for concurrent use.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Nop discards every message. It is the default when no logger is
// configured.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Errorf(string, ...interface{}) {}
