package sequencer

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"phasorsync/clock"
	"phasorsync/debug"
	"phasorsync/midi"
)

// ErrEngineStopped is returned by commands sent after Run has returned
var ErrEngineStopped = errors.New("sequencer: engine stopped")

// DefaultLookAhead is how far ahead providers fill the queue: half a beat
const DefaultLookAhead = clock.PPQN / 2

// Config holds the engine parameters. Zero values select defaults.
type Config struct {
	TicksPerBeat   uint32
	BeatsPerBar    uint32
	LostMultiplier float64
	LostFallback   time.Duration
	LookAhead      uint64
	ClockOut       bool // forward realtime messages to the sink
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdSchedule
	cmdScheduleAhead
)

type command struct {
	kind   commandKind
	tick   uint64
	ev     midi.Event
	length uint64
}

// malformedCounter is implemented by sources that drop bad input
type malformedCounter interface {
	Malformed() uint64
}

// Engine is the processing goroutine. It owns the transport, the tempo
// estimator and the scheduler; nothing else touches them.
type Engine struct {
	cfg  Config
	src  clock.Source
	sink midi.Sender

	transport *Transport
	tempo     *clock.TempoEstimator
	sched     *Scheduler
	providers []Provider
	pub       *Publisher

	cmds chan command
	done chan struct{}
	now  func() time.Time

	// notes dispatched and not yet released, keyed channel<<8|note
	sounding map[uint16]struct{}

	dispatched uint64
	sinkErrors uint64
	clockLost  uint64
}

// NewEngine wires a source to a sink. A nil sink discards output.
func NewEngine(src clock.Source, sink midi.Sender, cfg Config) *Engine {
	if cfg.TicksPerBeat == 0 {
		cfg.TicksPerBeat = clock.PPQN
	}
	if cfg.BeatsPerBar == 0 {
		cfg.BeatsPerBar = 4
	}
	if cfg.LookAhead == 0 {
		cfg.LookAhead = DefaultLookAhead
	}
	if sink == nil {
		sink = midi.Discard{}
	}
	return &Engine{
		cfg:       cfg,
		src:       src,
		sink:      sink,
		transport: NewTransport(cfg.TicksPerBeat, cfg.BeatsPerBar),
		tempo:     clock.NewTempoEstimator(int(cfg.TicksPerBeat), cfg.LostMultiplier, cfg.LostFallback),
		sched:     NewScheduler(),
		pub:       NewPublisher(),
		cmds:      make(chan command, 64),
		done:      make(chan struct{}),
		now:       time.Now,
		sounding:  make(map[uint16]struct{}),
	}
}

// AddProvider registers a look-ahead producer. Call before Run.
func (e *Engine) AddProvider(p Provider) {
	e.providers = append(e.providers, p)
}

// Publisher returns the snapshot slot for observers
func (e *Engine) Publisher() *Publisher { return e.pub }

// Done is closed when Run returns
func (e *Engine) Done() <-chan struct{} { return e.done }

// Pause holds the transport at its position with the queue intact
func (e *Engine) Pause() error {
	return e.send(command{kind: cmdPause})
}

// Schedule queues ev at an absolute tick
func (e *Engine) Schedule(due uint64, ev midi.Event, length uint64) error {
	return e.send(command{kind: cmdSchedule, tick: due, ev: ev, length: length})
}

// ScheduleAhead queues ev a number of ticks after the current position
func (e *Engine) ScheduleAhead(ticks uint64, ev midi.Event, length uint64) error {
	return e.send(command{kind: cmdScheduleAhead, tick: ticks, ev: ev, length: length})
}

func (e *Engine) send(c command) error {
	// a buffered send would succeed after Run returned
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}
	select {
	case e.cmds <- c:
		return nil
	case <-e.done:
		return ErrEngineStopped
	}
}

// Run processes clock messages until Shutdown, a closed stream, or ctx
// cancellation. Each message is fully handled before the next is read.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.publish()

	lost := time.NewTimer(time.Hour)
	lost.Stop()
	defer lost.Stop()

	msgs := e.src.Messages()
	for {
		e.armLost(lost)

		select {
		case <-ctx.Done():
			e.drain(msgs)
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				e.shutdown()
				return nil
			}
			if !e.Process(msg) {
				return nil
			}
		case c := <-e.cmds:
			e.apply(c)
		case <-lost.C:
			e.CheckClockLost(e.now())
		}
	}
}

// drain handles what the source already queued, then shuts down
func (e *Engine) drain(msgs <-chan clock.Message) {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok || !e.Process(msg) {
				return
			}
		default:
			e.shutdown()
			return
		}
	}
}

func (e *Engine) armLost(timer *time.Timer) {
	deadline, ok := e.tempo.Deadline()
	if !ok {
		timer.Stop()
		return
	}
	// fire just past the deadline so Lost agrees
	timer.Reset(time.Until(deadline) + time.Millisecond)
}

// Process handles one clock message and reports whether the engine should
// keep running
func (e *Engine) Process(msg clock.Message) bool {
	switch msg.Kind {
	case clock.Tick:
		e.tick(msg.At)
	case clock.Start:
		e.start(msg.At)
	case clock.Stop:
		e.transport.Stop()
		e.halt("stop")
		e.thru(midi.Stop)
	case clock.Continue:
		prev := e.transport.Continue()
		if prev == Stopped {
			// the queue was cleared on stop; regenerate after the last
			// dispatched position
			from := e.transport.State().TickCount
			if from > 0 {
				from++
			}
			e.resetProviders(from)
		}
		if prev != Playing {
			e.tempo.Arm(msg.At)
		}
		debug.Log("transport", "continue from %s at tick %d", prev, e.transport.State().TickCount)
		e.thru(midi.Continue)
	case clock.Disconnected:
		debug.Logger().Warn("clock source disconnected", "status", e.transport.State().Status)
		e.forceStop()
	case clock.Shutdown:
		e.shutdown()
		return false
	}
	e.publish()
	return true
}

func (e *Engine) tick(at time.Time) {
	e.tempo.Observe(at)
	if e.transport.Tick() {
		t := e.transport.State().TickCount
		e.sched.PopDue(t, e.dispatch)
		for _, p := range e.providers {
			p.FillUntil(t+e.cfg.LookAhead, e.sched)
		}
		debug.LogEvery(int(e.cfg.TicksPerBeat), "tick", "tick=%d pending=%d", t, e.sched.Len())
	}
	e.thru(midi.Clock)
}

func (e *Engine) start(at time.Time) {
	prev := e.transport.Start()
	if prev != Stopped {
		// restart from zero: queued positions are meaningless now
		e.halt("restart")
	}
	e.tempo.Reset()
	e.tempo.Arm(at)
	e.resetProviders(0)
	debug.Log("transport", "start (was %s)", prev)
	e.thru(midi.Start)
}

func (e *Engine) resetProviders(from uint64) {
	for _, p := range e.providers {
		p.Reset(from)
		p.FillUntil(from+e.cfg.LookAhead, e.sched)
	}
}

// halt drops the queue and releases sounding notes
func (e *Engine) halt(reason string) {
	n := e.sched.Clear()
	e.releaseAll()
	debug.Log("transport", "%s at tick %d, dropped %d events", reason, e.transport.State().TickCount, n)
}

func (e *Engine) forceStop() {
	e.clockLost++
	e.tempo.Reset()
	if e.transport.Stop() != Stopped {
		e.halt("clock lost")
	}
}

// CheckClockLost forces Stopped when no tick arrived within the tolerance
// window. Reports whether the clock counted as lost.
func (e *Engine) CheckClockLost(now time.Time) bool {
	if !e.tempo.Lost(now) {
		return false
	}
	st := e.transport.State()
	if st.Status != Stopped {
		debug.Logger().Warn("clock lost, forcing stop", "tick", st.TickCount, "status", st.Status)
	} else {
		debug.Log("clock", "clock lost while stopped, tempo cleared")
	}
	e.forceStop()
	e.publish()
	return true
}

func (e *Engine) apply(c command) {
	switch c.kind {
	case cmdPause:
		if e.transport.Pause() {
			e.releaseAll()
			debug.Log("transport", "pause at tick %d", e.transport.State().TickCount)
		}
	case cmdSchedule:
		e.sched.Schedule(c.tick, c.ev, c.length)
	case cmdScheduleAhead:
		e.sched.Schedule(e.transport.State().TickCount+c.tick, c.ev, c.length)
	}
	e.publish()
}

func (e *Engine) dispatch(ev ScheduledEvent) {
	if err := e.sink.Send(ev.Event); err != nil {
		e.sinkErrors++
		debug.Logger().Error("dispatch failed", "event", ev.Event.String(), "due", ev.Due, "err", err)
		return
	}
	e.dispatched++

	key := uint16(ev.Event.Channel)<<8 | uint16(ev.Event.Note)
	switch ev.Event.Type {
	case midi.NoteOn:
		e.sounding[key] = struct{}{}
		if ev.Length > 0 {
			e.sched.Schedule(ev.Due+ev.Length, midi.NewNoteOff(ev.Event.Channel, ev.Event.Note), 0)
		}
	case midi.NoteOff:
		delete(e.sounding, key)
	}
}

// releaseAll sends NoteOff for every note still sounding
func (e *Engine) releaseAll() {
	for _, key := range slices.Sorted(maps.Keys(e.sounding)) {
		off := midi.NewNoteOff(uint8(key>>8), uint8(key))
		if err := e.sink.Send(off); err != nil {
			e.sinkErrors++
			debug.Logger().Error("note release failed", "event", off.String(), "err", err)
		}
	}
	clear(e.sounding)
}

func (e *Engine) thru(status uint8) {
	if !e.cfg.ClockOut {
		return
	}
	if err := e.sink.Send(midi.Realtime(status)); err != nil {
		e.sinkErrors++
		debug.LogEvery(96, "dispatch", "clock thru failed: %v", err)
	}
}

func (e *Engine) shutdown() {
	e.releaseAll()
	debug.Log("transport", "shutdown at tick %d", e.transport.State().TickCount)
	e.publish()
}

func (e *Engine) publish() {
	st := e.transport.State()
	s := Snapshot{
		TickCount:    st.TickCount,
		Beat:         st.Beat(),
		Bar:          st.Bar(),
		TickInBeat:   st.TickInBeat(),
		TicksPerBeat: st.TicksPerBeat,
		BeatsPerBar:  st.BeatsPerBar,
		Status:       st.Status,
		Pending:      e.sched.Len(),
		Dispatched:   e.dispatched,
		SinkErrors:   e.sinkErrors,
		Outliers:     e.tempo.Rejected(),
		ClockLost:    e.clockLost,
		At:           e.now(),
	}
	s.BPM, s.HasBPM = e.tempo.BPM()
	if mc, ok := e.src.(malformedCounter); ok {
		s.Malformed = mc.Malformed()
	}
	e.pub.Publish(s)
}
