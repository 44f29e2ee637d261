package sequencer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"phasorsync/clock"
	"phasorsync/midi"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// at120 is one tick at 120 BPM, 24 PPQN
var at120 = clock.Interval(120, clock.PPQN)

type chanSource struct {
	ch chan clock.Message
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan clock.Message, 1024)}
}

func (s *chanSource) Start() error                    { return nil }
func (s *chanSource) Stop() error                     { return nil }
func (s *chanSource) Messages() <-chan clock.Message { return s.ch }

type sent struct {
	ev   midi.Event
	tick uint64
}

// recordSink remembers what was sent and at which transport position
type recordSink struct {
	mu     sync.Mutex
	events []sent
	tick   func() uint64
	fail   bool
}

func (r *recordSink) Send(ev midi.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("port closed")
	}
	var tick uint64
	if r.tick != nil {
		tick = r.tick()
	}
	r.events = append(r.events, sent{ev: ev, tick: tick})
	return nil
}

func (r *recordSink) sent() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.events...)
}

func newTestEngine(cfg Config) (*Engine, *recordSink) {
	sink := &recordSink{}
	e := NewEngine(newChanSource(), sink, cfg)
	e.now = func() time.Time { return t0 }
	sink.tick = func() uint64 { return e.transport.State().TickCount }
	return e, sink
}

// ticks feeds n ticks starting at from and returns the last tick time
func ticks(e *Engine, from time.Time, n int) time.Time {
	at := from
	for i := 0; i < n; i++ {
		at = from.Add(time.Duration(i) * at120)
		e.Process(clock.Message{Kind: clock.Tick, At: at})
	}
	return at
}

func latest(t *testing.T, e *Engine) Snapshot {
	t.Helper()
	s, ok := e.Publisher().Latest()
	if !ok {
		t.Fatal("nothing published")
	}
	return s
}

func TestEnginePositionScenario(t *testing.T) {
	e, _ := newTestEngine(Config{})

	e.Process(clock.Message{Kind: clock.Start, At: t0})
	last := ticks(e, t0, 24)

	// one full beat of pulses lands on the second beat of the first bar
	s := latest(t, e)
	if s.TickCount != 24 || s.Beat != 1 || s.Bar != 0 || s.TickInBeat != 0 || s.Status != Playing {
		t.Fatalf("after 24 ticks: %+v", s)
	}
	if !s.HasBPM || math.Abs(s.BPM-120) > 0.5 {
		t.Fatalf("bpm %.3f (ok=%v), want 120±0.5", s.BPM, s.HasBPM)
	}

	ticks(e, last.Add(at120), 96)
	s = latest(t, e)
	if s.TickCount != 120 || s.Beat != 1 || s.Bar != 1 || s.Status != Playing {
		t.Fatalf("after 120 ticks: %+v", s)
	}
}

func TestEngineTickCountMonotonic(t *testing.T) {
	e, _ := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})

	var prev uint64
	at := t0
	for i := 0; i < 200; i++ {
		if i == 50 {
			e.apply(command{kind: cmdPause})
		}
		if i == 80 {
			e.Process(clock.Message{Kind: clock.Continue, At: at})
		}
		at = at.Add(at120)
		if i == 120 {
			// a late pulse still moves the position by one
			at = at.Add(8 * at120)
		}
		e.Process(clock.Message{Kind: clock.Tick, At: at})

		got := e.transport.State().TickCount
		paused := i >= 50 && i < 80
		switch {
		case paused && got != prev:
			t.Fatalf("tick %d: advanced while paused (%d -> %d)", i, prev, got)
		case !paused && got != prev+1:
			t.Fatalf("tick %d: %d -> %d, want +1", i, prev, got)
		}
		prev = got
	}

	s := latest(t, e)
	if s.TickCount != 170 || s.Outliers != 1 {
		t.Fatalf("after glitch: tick=%d outliers=%d, want 170 and 1", s.TickCount, s.Outliers)
	}
	if math.Abs(s.BPM-120) > 0.5 {
		t.Fatalf("glitch moved the tempo to %.2f", s.BPM)
	}
}

func TestEngineClockLost(t *testing.T) {
	e, sink := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	e.sched.Schedule(1000, midi.NewNoteOn(0, 60, 100), 0)
	e.sched.Schedule(2, midi.NewNoteOn(0, 61, 100), 0)
	last := ticks(e, t0, 30)

	// a couple of missed pulses are tolerated
	if e.CheckClockLost(last.Add(5 * at120)) {
		t.Fatal("clock lost after 5 missed pulses")
	}
	if !e.CheckClockLost(last.Add(13 * at120)) {
		t.Fatal("clock not lost after 13 missed pulses")
	}

	s := latest(t, e)
	if s.Status != Stopped || s.TickCount != 30 || s.Pending != 0 || s.ClockLost != 1 {
		t.Fatalf("after clock lost: %+v", s)
	}
	if s.HasBPM {
		t.Fatal("tempo survived clock loss")
	}

	// the sounding note was released
	events := sink.sent()
	if got := events[len(events)-1].ev; got != midi.NewNoteOff(0, 61) {
		t.Fatalf("last sent %s, want note off 61", got)
	}

	// no new ticks, no new deadline
	if e.CheckClockLost(last.Add(time.Hour)) {
		t.Fatal("clock lost twice without ticks")
	}
}

func TestEngineClockLostFallback(t *testing.T) {
	e, _ := newTestEngine(Config{LostFallback: 500 * time.Millisecond})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	e.Process(clock.Message{Kind: clock.Tick, At: t0})

	if e.CheckClockLost(t0.Add(400 * time.Millisecond)) {
		t.Fatal("lost before fallback window")
	}
	if !e.CheckClockLost(t0.Add(600 * time.Millisecond)) {
		t.Fatal("not lost after fallback window")
	}
}

func TestEngineStartWithoutTicksIsLost(t *testing.T) {
	e, _ := newTestEngine(Config{LostFallback: 500 * time.Millisecond})
	// ticks while stopped, then a Start that no pulse follows
	last := ticks(e, t0, 30)
	start := last.Add(at120)
	e.Process(clock.Message{Kind: clock.Start, At: start})

	if e.CheckClockLost(start.Add(400 * time.Millisecond)) {
		t.Fatal("lost before the fallback window")
	}
	if !e.CheckClockLost(start.Add(time.Hour)) {
		t.Fatal("start followed by silence never counted as lost")
	}
	if s := latest(t, e); s.Status != Stopped || s.ClockLost != 1 {
		t.Fatalf("after silence: %+v", s)
	}
}

func TestEngineContinueWithoutTicksIsLost(t *testing.T) {
	e, _ := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	last := ticks(e, t0, 30)
	if !e.CheckClockLost(last.Add(time.Minute)) {
		t.Fatal("clock not lost")
	}

	resume := last.Add(2 * time.Minute)
	e.Process(clock.Message{Kind: clock.Continue, At: resume})
	if s := latest(t, e); s.Status != Playing {
		t.Fatalf("continue did not resume: %+v", s)
	}
	if !e.CheckClockLost(resume.Add(time.Hour)) {
		t.Fatal("continue followed by silence never counted as lost")
	}
	if s := latest(t, e); s.Status != Stopped || s.TickCount != 30 || s.ClockLost != 2 {
		t.Fatalf("after silence: %+v", s)
	}
}

func TestEngineDisconnectStops(t *testing.T) {
	e, _ := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	ticks(e, t0, 10)
	if !e.Process(clock.Message{Kind: clock.Disconnected, At: t0}) {
		t.Fatal("disconnect ended the engine")
	}
	s := latest(t, e)
	if s.Status != Stopped || s.TickCount != 10 || s.ClockLost != 1 {
		t.Fatalf("after disconnect: %+v", s)
	}
}

func TestEngineStopClearsQueue(t *testing.T) {
	e, sink := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	e.sched.Schedule(5, midi.NewNoteOn(0, 60, 100), 0)
	e.sched.Schedule(50, midi.NewNoteOn(0, 62, 100), 0)
	last := ticks(e, t0, 3)

	e.Process(clock.Message{Kind: clock.Stop, At: last})
	if s := latest(t, e); s.Pending != 0 || s.Status != Stopped {
		t.Fatalf("after stop: %+v", s)
	}

	ticks(e, last.Add(at120), 60)
	if s := latest(t, e); s.TickCount != 3 {
		t.Fatalf("stopped transport moved to %d", s.TickCount)
	}
	if n := len(sink.sent()); n != 0 {
		t.Fatalf("sent %d events after stop", n)
	}
}

func TestEnginePauseKeepsQueue(t *testing.T) {
	e, sink := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	e.sched.Schedule(5, midi.NewNoteOn(0, 60, 100), 0)
	last := ticks(e, t0, 3)

	e.apply(command{kind: cmdPause})
	s := latest(t, e)
	if s.Status != Paused || s.Pending != 1 {
		t.Fatalf("after pause: %+v", s)
	}

	last = ticks(e, last.Add(at120), 10)
	if s := latest(t, e); s.TickCount != 3 || s.Pending != 1 || len(sink.sent()) != 0 {
		t.Fatalf("paused transport changed: %+v", s)
	}

	e.Process(clock.Message{Kind: clock.Continue, At: last})
	ticks(e, last.Add(at120), 2)

	events := sink.sent()
	if len(events) != 1 || events[0].tick != 5 || events[0].ev.Note != 60 {
		t.Fatalf("sent %+v, want note 60 at tick 5", events)
	}
}

func TestEngineStableDispatchOrder(t *testing.T) {
	e, sink := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	for i := uint8(0); i < 20; i++ {
		e.apply(command{kind: cmdSchedule, tick: 4, ev: midi.NewNoteOn(1, i, 90)})
		e.apply(command{kind: cmdSchedule, tick: uint64(i%3) + 3, ev: midi.NewControlChange(1, 7, i)})
	}
	ticks(e, t0, 6)

	var notes []uint8
	for _, s := range sink.sent() {
		if s.ev.Type == midi.NoteOn {
			if s.tick != 4 {
				t.Fatalf("note %d dispatched at tick %d", s.ev.Note, s.tick)
			}
			notes = append(notes, s.ev.Note)
		}
	}
	if len(notes) != 20 {
		t.Fatalf("dispatched %d notes, want 20", len(notes))
	}
	for i, n := range notes {
		if n != uint8(i) {
			t.Fatalf("order %v", notes)
		}
	}
}

func TestEngineNoEarlyOrDuplicateDispatch(t *testing.T) {
	e, sink := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	due := make(map[uint8]uint64)
	for i := uint8(0); i < 100; i++ {
		d := uint64(i)*37%50 + 1
		due[i] = d
		e.sched.Schedule(d, midi.NewControlChange(0, 20, i), 0)
	}
	ticks(e, t0, 60)

	seen := make(map[uint8]bool)
	for _, s := range sink.sent() {
		v := s.ev.Velocity
		if seen[v] {
			t.Fatalf("event %d dispatched twice", v)
		}
		seen[v] = true
		if s.tick < due[v] {
			t.Fatalf("event %d due %d dispatched at %d", v, due[v], s.tick)
		}
		if s.tick != due[v] {
			t.Fatalf("event %d due %d dispatched late at %d", v, due[v], s.tick)
		}
	}
	if len(seen) != 100 {
		t.Fatalf("dispatched %d of 100", len(seen))
	}
}

func TestEngineNoteLength(t *testing.T) {
	e, sink := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	e.apply(command{kind: cmdScheduleAhead, tick: 2, ev: midi.NewNoteOn(3, 64, 80), length: 3})
	ticks(e, t0, 8)

	events := sink.sent()
	if len(events) != 2 {
		t.Fatalf("sent %+v", events)
	}
	if events[0].ev != midi.NewNoteOn(3, 64, 80) || events[0].tick != 2 {
		t.Fatalf("note on %+v", events[0])
	}
	if events[1].ev != midi.NewNoteOff(3, 64) || events[1].tick != 5 {
		t.Fatalf("note off %+v", events[1])
	}
	if len(e.sounding) != 0 {
		t.Fatalf("still sounding: %v", e.sounding)
	}
}

func TestEngineStopReleasesNotes(t *testing.T) {
	e, sink := newTestEngine(Config{})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	e.sched.Schedule(1, midi.NewNoteOn(0, 60, 100), 0)
	e.sched.Schedule(1, midi.NewNoteOn(2, 40, 100), 24)
	last := ticks(e, t0, 2)
	e.Process(clock.Message{Kind: clock.Stop, At: last})

	events := sink.sent()
	want := []midi.Event{
		midi.NewNoteOn(0, 60, 100),
		midi.NewNoteOn(2, 40, 100),
		midi.NewNoteOff(0, 60),
		midi.NewNoteOff(2, 40),
	}
	if len(events) != len(want) {
		t.Fatalf("sent %+v", events)
	}
	for i := range want {
		if events[i].ev != want[i] {
			t.Fatalf("event %d = %s, want %s", i, events[i].ev, want[i])
		}
	}
}

func TestEngineClockThru(t *testing.T) {
	e, sink := newTestEngine(Config{ClockOut: true})
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	last := ticks(e, t0, 2)
	e.Process(clock.Message{Kind: clock.Stop, At: last})
	e.Process(clock.Message{Kind: clock.Continue, At: last})

	var got []uint8
	for _, s := range sink.sent() {
		got = append(got, s.ev.Type)
	}
	want := []uint8{midi.Start, midi.Clock, midi.Clock, midi.Stop, midi.Continue}
	if len(got) != len(want) {
		t.Fatalf("thru %x, want %x", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("thru %x, want %x", got, want)
		}
	}
}

func TestEngineSinkErrorsCounted(t *testing.T) {
	e, sink := newTestEngine(Config{})
	sink.fail = true
	e.Process(clock.Message{Kind: clock.Start, At: t0})
	e.sched.Schedule(1, midi.NewNoteOn(0, 60, 100), 4)
	ticks(e, t0, 10)

	s := latest(t, e)
	if s.SinkErrors != 1 || s.Dispatched != 0 || s.Status != Playing {
		t.Fatalf("after failed send: %+v", s)
	}
	// a failed NoteOn schedules no NoteOff
	if s.Pending != 0 {
		t.Fatalf("pending %d", s.Pending)
	}
}

func TestEngineMetronome(t *testing.T) {
	e, sink := newTestEngine(Config{})
	e.AddProvider(NewMetronome(24, 4))

	e.Process(clock.Message{Kind: clock.Start, At: t0})
	if s := latest(t, e); s.Pending != 1 {
		t.Fatalf("pending after start %d, want the downbeat click", s.Pending)
	}
	last := ticks(e, t0, 96)

	var clicks []sent
	for _, s := range sink.sent() {
		if s.ev.Type == midi.NoteOn {
			clicks = append(clicks, s)
		}
	}
	// downbeat on the first pulse, then every 24 pulses
	if len(clicks) != 4 {
		t.Fatalf("clicks %+v", clicks)
	}
	if clicks[0].ev.Note != ClickAccent || clicks[1].ev.Note != ClickNormal || clicks[3].ev.Note != ClickNormal {
		t.Fatalf("accents %+v", clicks)
	}
	for i, c := range clicks {
		if c.tick != uint64(i)*24+1 {
			t.Fatalf("click %d at tick %d", i, c.tick)
		}
	}

	// the next bar's downbeat was due at 97 when Stop cleared it; continue
	// schedules it again and nothing already played
	e.Process(clock.Message{Kind: clock.Stop, At: last})
	e.Process(clock.Message{Kind: clock.Continue, At: last})
	if s := latest(t, e); s.Pending != 1 {
		t.Fatalf("pending after continue %d, want the downbeat", s.Pending)
	}
	ticks(e, last.Add(at120), 24)
	var after []sent
	for _, s := range sink.sent() {
		if s.ev.Type == midi.NoteOn && s.tick > 96 {
			after = append(after, s)
		}
	}
	if len(after) != 1 || after[0].tick != 97 || after[0].ev.Note != ClickAccent {
		t.Fatalf("clicks after continue %+v, want the accent at 97", after)
	}
}

func TestEngineRunShutdown(t *testing.T) {
	src := newChanSource()
	sink := &recordSink{}
	e := NewEngine(src, sink, Config{})

	now := time.Now()
	src.ch <- clock.Message{Kind: clock.Start, At: now}
	for i := 0; i < 5; i++ {
		src.ch <- clock.Message{Kind: clock.Tick, At: now.Add(time.Duration(i) * at120)}
	}
	src.ch <- clock.Message{Kind: clock.Shutdown, At: now}

	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit on shutdown")
	}

	if s := latest(t, e); s.TickCount != 5 || s.Status != Playing {
		t.Fatalf("final snapshot %+v", s)
	}
	// the command buffer has room, so every call must still be refused
	for i := 0; i < 50; i++ {
		if err := e.Pause(); !errors.Is(err, ErrEngineStopped) {
			t.Fatalf("pause %d after exit: %v", i, err)
		}
		if err := e.Schedule(10, midi.NewNoteOn(0, 60, 100), 0); !errors.Is(err, ErrEngineStopped) {
			t.Fatalf("schedule %d after exit: %v", i, err)
		}
	}
}

// waitFor blocks until a published snapshot satisfies cond
func waitFor(t *testing.T, pub *Publisher, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s, ok := pub.Latest(); ok && cond(s) {
		return s
	}
	for {
		s, err := pub.Next(ctx)
		if err != nil {
			last, _ := pub.Latest()
			t.Fatalf("condition not reached: %v (last %+v)", err, last)
		}
		if cond(s) {
			return s
		}
	}
}

func TestEngineRunClockLostTimer(t *testing.T) {
	src := newChanSource()
	e := NewEngine(src, nil, Config{LostMultiplier: 2})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	now := time.Now()
	src.ch <- clock.Message{Kind: clock.Start, At: now}
	for i := 0; i < 4; i++ {
		src.ch <- clock.Message{Kind: clock.Tick, At: now.Add(time.Duration(i) * 10 * time.Millisecond)}
	}

	s := waitFor(t, e.Publisher(), func(s Snapshot) bool { return s.ClockLost > 0 })
	if s.Status != Stopped || s.TickCount != 4 {
		t.Fatalf("after timeout: %+v", s)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}

func TestEngineRunCommands(t *testing.T) {
	src := newChanSource()
	sink := &recordSink{}
	e := NewEngine(src, sink, Config{})
	sink.tick = func() uint64 { return e.transport.State().TickCount }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	now := time.Now()
	src.ch <- clock.Message{Kind: clock.Start, At: now}
	waitFor(t, e.Publisher(), func(s Snapshot) bool { return s.Status == Playing })

	if err := e.Schedule(3, midi.NewNoteOn(0, 72, 100), 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, e.Publisher(), func(s Snapshot) bool { return s.Pending == 1 })

	for i := 0; i < 4; i++ {
		src.ch <- clock.Message{Kind: clock.Tick, At: now.Add(time.Duration(i) * at120)}
	}
	src.ch <- clock.Message{Kind: clock.Shutdown, At: now}
	<-e.Done()

	events := sink.sent()
	if len(events) != 2 || events[0].tick != 3 || events[1].ev != midi.NewNoteOff(0, 72) {
		t.Fatalf("sent %+v", events)
	}
}
