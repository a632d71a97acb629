// Package events defines the typed notifications published by the stability
// pool engine.
package events

// Event is a committed pool state change.
type Event interface {
	EventType() string
}

// Emitter receives events after the mutation that produced them commits.
// Implementations must not call back into the engine.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
