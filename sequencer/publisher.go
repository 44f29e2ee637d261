package sequencer

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Snapshot is an immutable copy of the transport and its counters
type Snapshot struct {
	TickCount    uint64
	Beat         uint64
	Bar          uint64
	TickInBeat   uint64
	TicksPerBeat uint32
	BeatsPerBar  uint32
	Status       Status

	BPM    float64
	HasBPM bool

	Pending    int    // events in the scheduler
	Dispatched uint64 // events sent to the sink
	SinkErrors uint64
	Outliers   uint64 // tick intervals rejected by the tempo estimator
	Malformed  uint64 // inputs dropped by the pulse source
	ClockLost  uint64 // forced stops (timeouts and disconnects)

	At time.Time
}

// Publisher holds the latest snapshot. Publishing never blocks: an unread
// snapshot is simply replaced.
type Publisher struct {
	mu     sync.Mutex
	latest Snapshot
	has    bool

	updates chan struct{}
	subs    []chan struct{}
}

// NewPublisher creates an empty publisher
func NewPublisher() *Publisher {
	p := &Publisher{updates: make(chan struct{}, 1)}
	p.subs = []chan struct{}{p.updates}
	return p
}

// Publish replaces the latest snapshot and signals every subscriber
func (p *Publisher) Publish(s Snapshot) {
	p.mu.Lock()
	p.latest = s
	p.has = true
	subs := p.subs
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a notify channel of its own, so observers do not take
// each other's signals. cancel stops the signals; the channel is not closed.
func (p *Publisher) Subscribe() (updates <-chan struct{}, cancel func()) {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.subs = append(p.subs[:len(p.subs):len(p.subs)], ch)
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			// copy so a Publish holding the old slice is unaffected
			p.subs = slices.DeleteFunc(slices.Clone(p.subs), func(c chan struct{}) bool { return c == ch })
		})
	}
}

// Latest returns the most recent snapshot, if any was published
func (p *Publisher) Latest() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.has
}

// Updates signals that a new snapshot is available. Capacity one: several
// publishes between reads collapse into one signal.
func (p *Publisher) Updates() <-chan struct{} { return p.updates }

// Next blocks until a snapshot newer than the last signal is published
func (p *Publisher) Next(ctx context.Context) (Snapshot, error) {
	select {
	case <-p.updates:
		s, _ := p.Latest()
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Observe calls fn with the latest snapshot at most fps times per second,
// and only when something changed. Returns when ctx ends.
func Observe(ctx context.Context, pub *Publisher, fps int, fn func(Snapshot)) {
	if fps <= 0 {
		fps = 30
	}
	updates, unsubscribe := pub.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	// pick up anything published before subscribing
	_, dirty := pub.Latest()
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if s, ok := pub.Latest(); ok {
				fn(s)
			}
		}
	}
}
