package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"phasorsync/debug"
	"phasorsync/midi"
)

// ExternalClock follows a clock master on a MIDI input. Its goroutine only
// converts realtime events into messages and never blocks on anything but
// the receiver (and a full output buffer).
type ExternalClock struct {
	rx  midi.Receiver
	out chan Message
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	malformed atomic.Uint64
	ignored   atomic.Uint64
}

// NewExternalClock wraps a receiver
func NewExternalClock(rx midi.Receiver) *ExternalClock {
	ctx, cancel := context.WithCancel(context.Background())
	return &ExternalClock{
		rx:     rx,
		out:    make(chan Message, messageBuffer),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// KindOf maps a realtime MIDI event to its clock message kind
func KindOf(ev midi.Event) (Kind, bool) {
	switch ev.Type {
	case midi.Clock:
		return Tick, true
	case midi.Start:
		return Start, true
	case midi.Stop:
		return Stop, true
	case midi.Continue:
		return Continue, true
	}
	return 0, false
}

// Messages returns the clock stream
func (c *ExternalClock) Messages() <-chan Message { return c.out }

// Malformed returns how many malformed inputs were dropped
func (c *ExternalClock) Malformed() uint64 { return c.malformed.Load() }

// Ignored returns how many well-formed non-clock events were skipped
func (c *ExternalClock) Ignored() uint64 { return c.ignored.Load() }

// Start launches the listener goroutine
func (c *ExternalClock) Start() error {
	var err error
	c.startOnce.Do(func() {
		if c.ctx.Err() != nil {
			err = fmt.Errorf("external clock: already stopped")
			return
		}
		c.started.Store(true)
		go c.run()
	})
	return err
}

// Stop ends listening and emits Shutdown as the final message
func (c *ExternalClock) Stop() error {
	c.stopOnce.Do(func() {
		c.cancel()
		if c.started.Load() {
			<-c.done
			return
		}
		c.out <- Message{Kind: Shutdown, At: c.now()}
	})
	return nil
}

func (c *ExternalClock) run() {
	defer close(c.done)

	stamped, _ := c.rx.(midi.StampedReceiver)
	for {
		var ev midi.Event
		var at time.Time
		var err error
		if stamped != nil {
			ev, at, err = stamped.ReceiveStamped(c.ctx)
		} else {
			ev, err = c.rx.Receive(c.ctx)
		}
		if at.IsZero() {
			at = c.now()
		}
		if err != nil {
			if errors.Is(err, midi.ErrMalformed) {
				n := c.malformed.Add(1)
				debug.LogEvery(16, "clock", "malformed input dropped: %v (total=%d)", err, n)
				continue
			}
			if c.ctx.Err() == nil {
				debug.Logger().Warn("external clock source lost", "err", err)
				c.out <- Message{Kind: Disconnected, At: at}
				<-c.ctx.Done()
			}
			c.out <- Message{Kind: Shutdown, At: c.now()}
			return
		}

		kind, ok := KindOf(ev)
		if !ok {
			c.ignored.Add(1)
			continue
		}
		c.out <- Message{Kind: kind, At: at}
	}
}
