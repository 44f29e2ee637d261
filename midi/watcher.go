package midi

import (
	"context"
	"sync"
	"time"

	"phasorsync/debug"
)

// DeviceEvent is emitted when ports appear or disappear
type DeviceEvent struct {
	Type   DeviceEventType
	Device DeviceInfo
}

type DeviceEventType int

const (
	DeviceConnected DeviceEventType = iota
	DeviceDisconnected
)

// Watcher handles hot-plug detection by polling the driver port list
type Watcher struct {
	devices  map[string]DeviceInfo
	mu       sync.RWMutex
	events   chan DeviceEvent
	pollRate time.Duration
	list     func(timeout time.Duration) ([]DeviceInfo, error)
}

// NewWatcher creates a watcher polling at pollRate
func NewWatcher(pollRate time.Duration) *Watcher {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Watcher{
		devices:  make(map[string]DeviceInfo),
		events:   make(chan DeviceEvent, 16),
		pollRate: pollRate,
		list:     ListDevices,
	}
}

// Events returns a channel of device connect/disconnect events
func (w *Watcher) Events() <-chan DeviceEvent {
	return w.events
}

// Devices returns a snapshot of known ports
func (w *Watcher) Devices() []DeviceInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(w.devices))
	for _, d := range w.devices {
		out = append(out, d)
	}
	return out
}

// Run starts the polling loop (blocking - run in goroutine)
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	// Initial scan
	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			close(w.events)
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	current, err := w.list(3 * time.Second)
	if err != nil {
		// CoreMIDI is hung - skip this scan
		debug.Log("watch", "scan skipped: %v", err)
		return
	}

	seen := make(map[string]bool, len(current))
	var changes []DeviceEvent

	w.mu.Lock()
	for _, d := range current {
		seen[d.Name] = true
		if _, exists := w.devices[d.Name]; !exists {
			changes = append(changes, DeviceEvent{Type: DeviceConnected, Device: d})
		}
		w.devices[d.Name] = d
	}
	for name, d := range w.devices {
		if !seen[name] {
			delete(w.devices, name)
			changes = append(changes, DeviceEvent{Type: DeviceDisconnected, Device: d})
		}
	}
	w.mu.Unlock()

	for _, ev := range changes {
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Fanout copies every event to n subscriber channels, closing them all
// when in closes. Each subscriber has its own queue, so one stalled reader
// never holds up the others. Device events are rare; the queue is unbounded.
func Fanout(in <-chan DeviceEvent, n int) []<-chan DeviceEvent {
	feeds := make([]chan DeviceEvent, n)
	ro := make([]<-chan DeviceEvent, n)
	for i := range feeds {
		feeds[i] = make(chan DeviceEvent)
		out := make(chan DeviceEvent, max(cap(in), 1))
		ro[i] = out
		go forward(feeds[i], out)
	}
	go func() {
		for ev := range in {
			for _, feed := range feeds {
				feed <- ev
			}
		}
		for _, feed := range feeds {
			close(feed)
		}
	}()
	return ro
}

// forward queues events from feed until out can take them
func forward(feed <-chan DeviceEvent, out chan<- DeviceEvent) {
	defer close(out)
	var queue []DeviceEvent
	for feed != nil || len(queue) > 0 {
		var send chan<- DeviceEvent
		var next DeviceEvent
		if len(queue) > 0 {
			send, next = out, queue[0]
		}
		select {
		case ev, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			queue = append(queue, ev)
		case send <- next:
			queue = queue[1:]
		}
	}
}
