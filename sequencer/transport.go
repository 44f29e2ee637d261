package sequencer

import "fmt"

// Status is the play state of the transport
type Status int

const (
	Stopped Status = iota
	Playing
	Paused
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// TransportState is the musical position. Only the processing goroutine
// mutates it; everyone else gets a Snapshot.
type TransportState struct {
	TickCount    uint64
	TicksPerBeat uint32
	BeatsPerBar  uint32
	Status       Status
}

// Beat is the beat within the bar
func (s TransportState) Beat() uint64 {
	return (s.TickCount / uint64(s.TicksPerBeat)) % uint64(s.BeatsPerBar)
}

// Bar counts whole bars since Start
func (s TransportState) Bar() uint64 {
	return s.TickCount / (uint64(s.TicksPerBeat) * uint64(s.BeatsPerBar))
}

// TickInBeat is the tick offset inside the current beat
func (s TransportState) TickInBeat() uint64 {
	return s.TickCount % uint64(s.TicksPerBeat)
}

// Transport is the state machine: Stopped (initial), Playing, Paused
type Transport struct {
	state TransportState
}

// NewTransport creates a stopped transport
func NewTransport(ticksPerBeat, beatsPerBar uint32) *Transport {
	if ticksPerBeat == 0 {
		ticksPerBeat = 24
	}
	if beatsPerBar == 0 {
		beatsPerBar = 4
	}
	return &Transport{state: TransportState{
		TicksPerBeat: ticksPerBeat,
		BeatsPerBar:  beatsPerBar,
	}}
}

// State returns a copy of the current state
func (t *Transport) State() TransportState { return t.state }

// Start rewinds to tick 0 and plays. Returns the status it left.
func (t *Transport) Start() Status {
	prev := t.state.Status
	t.state.TickCount = 0
	t.state.Status = Playing
	return prev
}

// Stop freezes the position. Returns the status it left.
func (t *Transport) Stop() Status {
	prev := t.state.Status
	t.state.Status = Stopped
	return prev
}

// Continue plays from the current position. Returns the status it left.
func (t *Transport) Continue() Status {
	prev := t.state.Status
	t.state.Status = Playing
	return prev
}

// Pause holds the position; only a playing transport can pause
func (t *Transport) Pause() bool {
	if t.state.Status != Playing {
		return false
	}
	t.state.Status = Paused
	return true
}

// Tick advances one tick while playing and reports whether it did
func (t *Transport) Tick() bool {
	if t.state.Status != Playing {
		return false
	}
	t.state.TickCount++
	return true
}
