package clock

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"phasorsync/debug"
)

// Tempo range accepted by the internal generator
const (
	MinBPM = 20
	MaxBPM = 300
)

// InternalClock generates ticks at a fixed tempo and acts as the transport
// master: ticks run continuously once started, and transport changes are
// injected into the same ordered stream.
type InternalClock struct {
	ticksPerBeat int

	mu  sync.Mutex
	bpm float64

	out   chan Message
	ctrl  chan Kind
	tempo chan float64
	stop  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// NewInternalClock creates a generator at bpm (clamped to MinBPM..MaxBPM)
func NewInternalClock(bpm float64, ticksPerBeat int) *InternalClock {
	if ticksPerBeat <= 0 {
		ticksPerBeat = PPQN
	}
	return &InternalClock{
		ticksPerBeat: ticksPerBeat,
		bpm:          clampBPM(bpm),
		out:          make(chan Message, messageBuffer),
		ctrl:         make(chan Kind, 16),
		tempo:        make(chan float64, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func clampBPM(bpm float64) float64 {
	if bpm < MinBPM {
		return MinBPM
	}
	if bpm > MaxBPM {
		return MaxBPM
	}
	return bpm
}

// Interval returns the time between ticks at bpm: 60 / (bpm * ticksPerBeat)
func Interval(bpm float64, ticksPerBeat int) time.Duration {
	return time.Duration(60 / (bpm * float64(ticksPerBeat)) * float64(time.Second))
}

// Messages returns the clock stream
func (c *InternalClock) Messages() <-chan Message { return c.out }

// Tempo returns the configured BPM
func (c *InternalClock) Tempo() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bpm
}

// SetTempo changes the BPM. The tick already scheduled keeps its slot; the
// new interval applies from there on.
func (c *InternalClock) SetTempo(bpm float64) {
	bpm = clampBPM(bpm)
	c.mu.Lock()
	c.bpm = bpm
	c.mu.Unlock()
	// latest value wins
	select {
	case <-c.tempo:
	default:
	}
	c.tempo <- bpm
}

// StartTransport emits Start in order with the ticks
func (c *InternalClock) StartTransport() { c.ctrl <- Start }

// StopTransport emits Stop in order with the ticks
func (c *InternalClock) StopTransport() { c.ctrl <- Stop }

// ContinueTransport emits Continue in order with the ticks
func (c *InternalClock) ContinueTransport() { c.ctrl <- Continue }

// Start launches the generator goroutine
func (c *InternalClock) Start() error {
	var err error
	c.startOnce.Do(func() {
		select {
		case <-c.stop:
			err = fmt.Errorf("internal clock: already stopped")
			return
		default:
		}
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.run()
	})
	return err
}

// Stop halts generation and emits Shutdown as the final message
func (c *InternalClock) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		close(c.stop)
		if started {
			<-c.done
			return
		}
		c.emitLast()
	})
	return nil
}

func (c *InternalClock) run() {
	// keep the timing loop on one OS thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	interval := Interval(c.Tempo(), c.ticksPerBeat)
	anchor := time.Now()
	var n int64

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		// transport changes go out before a tick that is due at the same time
		select {
		case k := <-c.ctrl:
			c.out <- Message{Kind: k, At: time.Now()}
			debug.Log("clock", "internal transport %s", k)
			continue
		default:
		}

		// absolute deadline: sleeping relative to "now" would accumulate drift
		next := anchor.Add(time.Duration(n) * interval)
		timer.Reset(time.Until(next))

		select {
		case <-c.stop:
			c.emitLast()
			return
		case k := <-c.ctrl:
			timer.Stop()
			c.out <- Message{Kind: k, At: time.Now()}
			debug.Log("clock", "internal transport %s", k)
		case bpm := <-c.tempo:
			timer.Stop()
			anchor, n = next, 0
			interval = Interval(bpm, c.ticksPerBeat)
			debug.Log("clock", "internal tempo %.1f interval=%s", bpm, interval)
		case at := <-timer.C:
			c.out <- Message{Kind: Tick, At: at}
			n++
		}
	}
}

// emitLast sends Shutdown without blocking; a full buffer means nobody is
// reading anymore
func (c *InternalClock) emitLast() {
	select {
	case c.out <- Message{Kind: Shutdown, At: time.Now()}:
	default:
	}
}
