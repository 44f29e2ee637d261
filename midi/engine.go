package midi

import (
	"context"
	"time"
)

// DeviceInfo describes a port the engine can bind to
type DeviceInfo struct {
	Name   string
	Input  bool
	Output bool
}

// Sender delivers events to a device
type Sender interface {
	Send(ev Event) error
}

// Receiver yields events arriving from a device. Receive blocks until an
// event arrives, the context ends, or the source goes away
// (ErrDisconnected). Realtime events must be handed over with no
// buffering beyond a channel hop.
type Receiver interface {
	Receive(ctx context.Context) (Event, error)
}

// StampedReceiver also reports when each event reached the process, taken
// before any internal queueing
type StampedReceiver interface {
	ReceiveStamped(ctx context.Context) (Event, time.Time, error)
}

// Engine is the full transport-protocol boundary
type Engine interface {
	Sender
	Receiver
	ListDevices() []DeviceInfo
	Close() error
}

// Discard is a Sender that drops everything (no output bound)
type Discard struct{}

func (Discard) Send(Event) error { return nil }
