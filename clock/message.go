// Package clock produces the transport pulse stream, either generated
// locally at a fixed tempo or followed from an external MIDI clock master,
// and estimates tempo from pulse arrival times.
package clock

import "time"

// PPQN is the standard MIDI clock resolution: pulses per quarter note
const PPQN = 24

// Kind tags a clock message
type Kind uint8

const (
	Tick Kind = iota
	Start
	Stop
	Continue

	// Disconnected reports that an external source went away. No ticks
	// follow it.
	Disconnected
	// Shutdown is the last message a source emits after Stop()
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case Tick:
		return "Tick"
	case Start:
		return "Start"
	case Stop:
		return "Stop"
	case Continue:
		return "Continue"
	case Disconnected:
		return "Disconnected"
	case Shutdown:
		return "Shutdown"
	}
	return "Unknown"
}

// Message is one pulse or transport change. At is the wall-clock time the
// source observed it; the protocol itself carries no timestamp.
type Message struct {
	Kind Kind
	At   time.Time
}

// Source produces clock messages on its own goroutine
type Source interface {
	Start() error
	Stop() error
	Messages() <-chan Message
}

// messageBuffer bounds the source channel generously. Sends block when it
// is full; timing-critical messages are never dropped.
const messageBuffer = 4096
