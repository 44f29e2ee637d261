package sequencer

import "phasorsync/midi"

// Provider tops up the scheduler ahead of the transport. Both methods run
// on the processing goroutine.
//
// Tick T is dispatched on the T-th pulse after Start. The first pulse is
// the downbeat, so musical position p belongs at tick p+1; an event due at
// 0 goes out on that same first pulse.
type Provider interface {
	// FillUntil schedules everything due up to and including tick
	FillUntil(tick uint64, s *Scheduler)
	// Reset restarts generation at the first tick not yet dispatched
	// (0 after Start, past the held position on Continue from Stopped)
	Reset(from uint64)
}

// GM percussion wood blocks
const (
	ClickAccent uint8 = 76
	ClickNormal uint8 = 77
)

// Metronome clicks once per beat, accented on the downbeat
type Metronome struct {
	TicksPerBeat uint64
	BeatsPerBar  uint64
	Channel      uint8
	Velocity     uint8
	Length       uint64 // ticks each click sounds

	beat uint64 // next beat to click
}

// NewMetronome creates a metronome on the GM drum channel
func NewMetronome(ticksPerBeat, beatsPerBar uint32) *Metronome {
	return &Metronome{
		TicksPerBeat: uint64(ticksPerBeat),
		BeatsPerBar:  uint64(beatsPerBar),
		Channel:      9,
		Velocity:     100,
		Length:       uint64(ticksPerBeat) / 4,
	}
}

// Reset moves the next click to the first beat boundary at or after from
func (m *Metronome) Reset(from uint64) {
	if from <= 1 {
		m.beat = 0
		return
	}
	m.beat = (from - 1 + m.TicksPerBeat - 1) / m.TicksPerBeat
}

func (m *Metronome) due(beat uint64) uint64 { return beat*m.TicksPerBeat + 1 }

func (m *Metronome) FillUntil(tick uint64, s *Scheduler) {
	for m.due(m.beat) <= tick {
		note := ClickNormal
		if m.beat%m.BeatsPerBar == 0 {
			note = ClickAccent
		}
		s.Schedule(m.due(m.beat), midi.NewNoteOn(m.Channel, note, m.Velocity), m.Length)
		m.beat++
	}
}
