package midi

import (
	"fmt"
	"sync/atomic"

	"phasorsync/debug"

	gomidi "gitlab.com/gomidi/midi/v2"
)

var ledSendCount uint64

// Launchpad X color palette (velocity values 0-127)
// See Programmer's Reference Manual for full palette
const (
	ColorOff          uint8 = 0
	ColorDimRed       uint8 = 7
	ColorRed          uint8 = 5
	ColorDimGreen     uint8 = 19
	ColorGreen        uint8 = 21
	ColorBrightGreen  uint8 = 87
	ColorDimYellow    uint8 = 97
	ColorBrightYellow uint8 = 62
	ColorDimBlue      uint8 = 43
	ColorBlue         uint8 = 45
	ColorWhite        uint8 = 3
)

// BeatLights shows transport position on a Launchpad grid in programmer
// mode: the top row counts beats in the bar, the right column counts bars
// modulo 8, the bottom-left pad shows play state.
type BeatLights struct {
	send func(msg gomidi.Message) error
	prev map[uint8]uint8 // note -> color, for diffing
}

// NewBeatLights wraps an already-opened Launchpad output
func NewBeatLights(send func(msg gomidi.Message) error) *BeatLights {
	bl := &BeatLights{send: send, prev: make(map[uint8]uint8)}

	// Send SysEx to switch to Programmer mode
	// F0 00 20 29 02 0C 00 7F F7
	bl.send(gomidi.SysEx([]byte{0x00, 0x20, 0x29, 0x02, 0x0C, 0x00, 0x7F}))

	// Set brightness to maximum (0-127)
	// F0 00 20 29 02 0C 08 <brightness> F7
	bl.send(gomidi.SysEx([]byte{0x00, 0x20, 0x29, 0x02, 0x0C, 0x08, 0x7F}))
	return bl
}

// OpenBeatLights finds a Launchpad output by name and opens it
func OpenBeatLights(portName string) (*BeatLights, error) {
	out, err := findOutPort(portName)
	if err != nil {
		return nil, err
	}
	send, err := gomidi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("open launchpad %q: %w", out.String(), err)
	}
	return NewBeatLights(send), nil
}

// LightFrame computes the pad colors for a position. Pure, for testing.
func LightFrame(beat, beatsPerBar, bar uint64, playing bool) map[uint8]uint8 {
	frame := make(map[uint8]uint8, 17)
	for col := uint64(0); col < 8; col++ {
		color := ColorOff
		switch {
		case col >= beatsPerBar:
		case col == beat && playing:
			color = ColorBrightGreen
			if col == 0 {
				color = ColorBrightYellow
			}
		default:
			color = ColorDimGreen
		}
		frame[rowColToNote(7, int(col))] = color
	}
	for row := 0; row < 8; row++ {
		color := ColorOff
		if uint64(row) == bar%8 {
			color = ColorBlue
		}
		frame[rowColToNote(row, 8)] = color
	}
	state := ColorDimRed
	if playing {
		state = ColorGreen
	}
	frame[rowColToNote(0, 0)] = state
	return frame
}

// Show sends only the pads that changed since the last frame
func (bl *BeatLights) Show(beat, beatsPerBar, bar uint64, playing bool) error {
	frame := LightFrame(beat, beatsPerBar, bar, playing)
	var sent int
	for note, color := range frame {
		if prev, ok := bl.prev[note]; ok && prev == color {
			continue
		}
		if err := bl.send(gomidi.NoteOn(0, note, color)); err != nil {
			return fmt.Errorf("launchpad led %d: %w", note, err)
		}
		bl.prev[note] = color
		sent++
	}
	count := atomic.AddUint64(&ledSendCount, uint64(sent))
	if sent > 0 && count%100 < uint64(sent) {
		debug.Log("lp-send", "batch count=%d (this batch=%d)", count, sent)
	}
	return nil
}

// Clear turns every lit pad off
func (bl *BeatLights) Clear() {
	for note, color := range bl.prev {
		if color != ColorOff {
			bl.send(gomidi.NoteOn(0, note, ColorOff))
		}
	}
	bl.prev = make(map[uint8]uint8)
}

// Launchpad X note mapping
// 8x8 Grid:  Row 0 (bottom) = notes 11-18, Row 7 = notes 81-88
// Side col:  Col 8 (right side scene buttons) = notes 19, 29, 39, 49, 59, 69, 79, 89
func rowColToNote(row, col int) uint8 {
	return uint8((row+1)*10 + col + 1)
}
