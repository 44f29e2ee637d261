package midi

import (
	"errors"
	"fmt"
)

// MIDI message types
const (
	NoteOn  uint8 = 0x90
	NoteOff uint8 = 0x80
	CC      uint8 = 0xB0
)

// System realtime status bytes
const (
	Clock    uint8 = 0xF8
	Start    uint8 = 0xFA
	Continue uint8 = 0xFB
	Stop     uint8 = 0xFC
)

// CCAllNotesOff is the channel mode controller that silences a channel
const CCAllNotesOff uint8 = 123

var (
	// ErrMalformed is returned for bytes that do not form a valid message
	ErrMalformed = errors.New("midi: malformed message")
	// ErrDisconnected is returned once the underlying byte source is gone
	ErrDisconnected = errors.New("midi: source disconnected")
	// ErrPortNotFound is returned when no port matches the requested name
	ErrPortNotFound = errors.New("midi: port not found")
)

// Event is a single MIDI message. For CC, Note holds the controller
// number and Velocity the value. Realtime events only use Type.
type Event struct {
	Type     uint8 // NoteOn, NoteOff, CC, or a realtime status byte
	Channel  uint8 // 0-15
	Note     uint8
	Velocity uint8
}

// IsRealtime reports whether the event is one of the transport realtime messages
func (e Event) IsRealtime() bool {
	return IsRealtimeStatus(e.Type)
}

// IsRealtimeStatus reports whether b is a realtime status byte this package models
func IsRealtimeStatus(b uint8) bool {
	switch b {
	case Clock, Start, Continue, Stop:
		return true
	}
	return false
}

// Bytes encodes the event as wire bytes
func (e Event) Bytes() []byte {
	if e.IsRealtime() {
		return []byte{e.Type}
	}
	return []byte{e.Type | (e.Channel & 0x0F), e.Note & 0x7F, e.Velocity & 0x7F}
}

func (e Event) String() string {
	switch e.Type {
	case NoteOn:
		return fmt.Sprintf("NoteOn ch=%d note=%d vel=%d", e.Channel, e.Note, e.Velocity)
	case NoteOff:
		return fmt.Sprintf("NoteOff ch=%d note=%d", e.Channel, e.Note)
	case CC:
		return fmt.Sprintf("CC ch=%d cc=%d val=%d", e.Channel, e.Note, e.Velocity)
	case Clock:
		return "Clock"
	case Start:
		return "Start"
	case Continue:
		return "Continue"
	case Stop:
		return "Stop"
	}
	return fmt.Sprintf("Event(0x%02X)", e.Type)
}

// NewNoteOn builds a note on event
func NewNoteOn(channel, note, velocity uint8) Event {
	return Event{Type: NoteOn, Channel: channel, Note: note, Velocity: velocity}
}

// NewNoteOff builds a note off event
func NewNoteOff(channel, note uint8) Event {
	return Event{Type: NoteOff, Channel: channel, Note: note}
}

// NewControlChange builds a CC event
func NewControlChange(channel, controller, value uint8) Event {
	return Event{Type: CC, Channel: channel, Note: controller, Velocity: value}
}

// Realtime builds a realtime event from its status byte
func Realtime(status uint8) Event {
	return Event{Type: status}
}

// Parse decodes one complete message. Messages outside the modelled set
// (program change, sysex, song position...) are reported as malformed so
// callers can count and drop them.
func Parse(data []byte) (Event, error) {
	if len(data) == 0 {
		return Event{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	status := data[0]
	if status >= 0xF0 {
		if IsRealtimeStatus(status) && len(data) == 1 {
			return Realtime(status), nil
		}
		return Event{}, fmt.Errorf("%w: unsupported system message 0x%02X", ErrMalformed, status)
	}
	if status < 0x80 {
		return Event{}, fmt.Errorf("%w: missing status byte", ErrMalformed)
	}
	kind := status & 0xF0
	switch kind {
	case NoteOn, NoteOff, CC:
	default:
		return Event{}, fmt.Errorf("%w: unsupported channel message 0x%02X", ErrMalformed, status)
	}
	if len(data) != 3 || data[1] > 0x7F || data[2] > 0x7F {
		return Event{}, fmt.Errorf("%w: bad data bytes % X", ErrMalformed, data)
	}
	ev := Event{Type: kind, Channel: status & 0x0F, Note: data[1], Velocity: data[2]}
	// note on with zero velocity is a note off
	if ev.Type == NoteOn && ev.Velocity == 0 {
		ev.Type = NoteOff
	}
	return ev, nil
}
