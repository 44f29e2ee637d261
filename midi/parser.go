package midi

import "fmt"

// StreamParser turns a raw MIDI byte stream (as read from a DIN/serial
// link) into events. It handles running status and realtime bytes that
// arrive in the middle of another message.
type StreamParser struct {
	status  uint8
	need    int
	data    [2]uint8
	have    int
	inSysEx bool
}

// Feed consumes one byte. ok is true when b completed an event. A non-nil
// error means the byte (or the message it finished) was dropped.
func (p *StreamParser) Feed(b byte) (ev Event, ok bool, err error) {
	if b >= 0xF8 {
		// realtime never touches running status
		switch b {
		case Clock, Start, Continue, Stop:
			return Realtime(b), true, nil
		case 0xFE, 0xFF: // active sense, reset
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("%w: undefined realtime 0x%02X", ErrMalformed, b)
	}

	if b >= 0x80 {
		return p.feedStatus(b)
	}

	if p.inSysEx {
		return Event{}, false, nil
	}
	if p.status == 0 {
		return Event{}, false, fmt.Errorf("%w: data byte 0x%02X without status", ErrMalformed, b)
	}

	p.data[p.have] = b
	p.have++
	if p.have < p.need {
		return Event{}, false, nil
	}
	p.have = 0

	// keep running status, return to waiting for data
	kind := p.status & 0xF0
	switch kind {
	case NoteOn, NoteOff, CC:
		ev = Event{Type: kind, Channel: p.status & 0x0F, Note: p.data[0], Velocity: p.data[1]}
		if ev.Type == NoteOn && ev.Velocity == 0 {
			ev.Type = NoteOff
		}
		return ev, true, nil
	}
	return Event{}, false, fmt.Errorf("%w: unsupported channel message 0x%02X", ErrMalformed, p.status)
}

func (p *StreamParser) feedStatus(b byte) (Event, bool, error) {
	p.have = 0
	switch {
	case b == 0xF0:
		p.inSysEx = true
		p.status = 0
		return Event{}, false, nil
	case b == 0xF7:
		wasSysEx := p.inSysEx
		p.inSysEx = false
		p.status = 0
		if !wasSysEx {
			return Event{}, false, fmt.Errorf("%w: stray end of exclusive", ErrMalformed)
		}
		return Event{}, false, nil
	case b >= 0xF1:
		// system common cancels running status; payload bytes will be
		// rejected as data without status, so no ticks are fabricated
		p.inSysEx = false
		p.status = 0
		return Event{}, false, fmt.Errorf("%w: unsupported system common 0x%02X", ErrMalformed, b)
	}

	p.inSysEx = false
	p.status = b
	switch b & 0xF0 {
	case 0xC0, 0xD0:
		p.need = 1
	default:
		p.need = 2
	}
	return Event{}, false, nil
}

// Reset forgets running status and any partial message
func (p *StreamParser) Reset() {
	*p = StreamParser{}
}
