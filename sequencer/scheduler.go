package sequencer

import (
	"container/heap"

	"phasorsync/midi"
)

// ScheduledEvent is an event waiting for its tick. A NoteOn with Length > 0
// gets its NoteOff scheduled Length ticks after Due when dispatched.
type ScheduledEvent struct {
	Due    uint64
	Seq    uint64 // insertion order, breaks ties at the same tick
	Event  midi.Event
	Length uint64
}

// eventHeap is a min-heap on (Due, Seq)
type eventHeap []ScheduledEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].Due != h[j].Due {
		return h[i].Due < h[j].Due
	}
	return h[i].Seq < h[j].Seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(ScheduledEvent)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}

// Scheduler holds pending events by due tick. Not safe for concurrent use;
// the processing goroutine owns it and providers only see it from there.
type Scheduler struct {
	events eventHeap
	seq    uint64
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Schedule queues ev at tick due and returns its sequence number
func (s *Scheduler) Schedule(due uint64, ev midi.Event, length uint64) uint64 {
	s.seq++
	heap.Push(&s.events, ScheduledEvent{Due: due, Seq: s.seq, Event: ev, Length: length})
	return s.seq
}

// PopDue removes every event with Due <= tick and hands each to fn in
// (Due, Seq) order. fn may schedule more events; anything it adds at or
// before tick is popped in the same pass.
func (s *Scheduler) PopDue(tick uint64, fn func(ScheduledEvent)) int {
	n := 0
	for len(s.events) > 0 && s.events[0].Due <= tick {
		ev := heap.Pop(&s.events).(ScheduledEvent)
		n++
		if fn != nil {
			fn(ev)
		}
	}
	return n
}

// Peek returns the next event to fire without removing it
func (s *Scheduler) Peek() (ScheduledEvent, bool) {
	if len(s.events) == 0 {
		return ScheduledEvent{}, false
	}
	return s.events[0], true
}

// Len returns the number of pending events
func (s *Scheduler) Len() int { return len(s.events) }

// Clear drops all pending events and returns how many there were. The
// sequence counter keeps counting.
func (s *Scheduler) Clear() int {
	n := len(s.events)
	s.events = s.events[:0]
	return n
}
