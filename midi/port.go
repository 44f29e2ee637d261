package midi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"phasorsync/debug"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver
)

// inboundBuffer is generous on purpose: a full buffer stalls the driver
// callback rather than losing a clock byte
const inboundBuffer = 4096

type received struct {
	ev  Event
	at  time.Time // arrival, stamped by the reader
	err error
}

// receive takes the next inbound event, draining what already arrived
// before reporting a disconnect
func receive(ctx context.Context, inbound <-chan received, gone <-chan struct{}) received {
	select {
	case r := <-inbound:
		return r
	default:
	}
	select {
	case r := <-inbound:
		return r
	case <-gone:
		select {
		case r := <-inbound:
			return r
		default:
		}
		return received{err: ErrDisconnected}
	case <-ctx.Done():
		return received{err: ctx.Err()}
	}
}

// PortEngine binds a driver input and/or output port through gomidi
type PortEngine struct {
	inName  string
	outName string

	send   func(msg gomidi.Message) error
	stopFn func()

	inbound chan received
	gone    chan struct{}
	goneMu  sync.Once
	closeMu sync.Once
}

// OpenPorts opens the first input and output whose names contain the given
// substrings (case-insensitive). Either name may be empty to skip it.
func OpenPorts(inName, outName string) (*PortEngine, error) {
	pe := &PortEngine{
		inbound: make(chan received, inboundBuffer),
		gone:    make(chan struct{}),
	}

	if outName != "" {
		out, err := findOutPort(outName)
		if err != nil {
			return nil, err
		}
		send, err := gomidi.SendTo(out)
		if err != nil {
			return nil, fmt.Errorf("open output %q: %w", out.String(), err)
		}
		pe.outName = out.String()
		pe.send = send
	}

	if inName != "" {
		in, err := findInPort(inName)
		if err != nil {
			return nil, err
		}
		pe.inName = in.String()
		stop, err := gomidi.ListenTo(in, pe.onMessage,
			gomidi.UseTimeCode(), // clock bytes are filtered without this
			gomidi.HandleError(func(listenErr error) {
				debug.Log("midi", "listener error on %s: %v", pe.inName, listenErr)
				pe.Disconnect()
			}))
		if err != nil {
			return nil, fmt.Errorf("open input %q: %w", pe.inName, err)
		}
		pe.stopFn = stop
	}

	return pe, nil
}

// onMessage runs on the driver thread; it only stamps, converts and hands
// over. The driver's millisecond timestamp is too coarse for tempo.
func (pe *PortEngine) onMessage(msg gomidi.Message, timestampms int32) {
	at := time.Now()
	ev, err := Parse([]byte(msg))
	select {
	case pe.inbound <- received{ev: ev, at: at, err: err}:
	case <-pe.gone:
	}
}

// InputName returns the full name of the bound input port
func (pe *PortEngine) InputName() string { return pe.inName }

// OutputName returns the full name of the bound output port
func (pe *PortEngine) OutputName() string { return pe.outName }

// Send writes an event to the output port
func (pe *PortEngine) Send(ev Event) error {
	if pe.send == nil {
		return fmt.Errorf("send %s: no output port bound", ev)
	}
	return pe.send(gomidi.Message(ev.Bytes()))
}

// Receive blocks for the next inbound event
func (pe *PortEngine) Receive(ctx context.Context) (Event, error) {
	r := receive(ctx, pe.inbound, pe.gone)
	return r.ev, r.err
}

// ReceiveStamped is Receive plus the time the driver delivered the event
func (pe *PortEngine) ReceiveStamped(ctx context.Context) (Event, time.Time, error) {
	r := receive(ctx, pe.inbound, pe.gone)
	return r.ev, r.at, r.err
}

// Disconnect marks the input as gone. Safe to call more than once.
func (pe *PortEngine) Disconnect() {
	pe.goneMu.Do(func() { close(pe.gone) })
}

// Follow watches device events and disconnects when the bound input
// disappears. Blocks until events is closed.
func (pe *PortEngine) Follow(events <-chan DeviceEvent) {
	for ev := range events {
		if ev.Type == DeviceDisconnected && ev.Device.Input && ev.Device.Name == pe.inName {
			debug.Log("midi", "bound input %s unplugged", pe.inName)
			pe.Disconnect()
		}
	}
}

// ListDevices returns every port the driver currently reports
func (pe *PortEngine) ListDevices() []DeviceInfo {
	devices, _ := ListDevices(3 * time.Second)
	return devices
}

// Close releases the ports
func (pe *PortEngine) Close() error {
	pe.closeMu.Do(func() {
		if pe.stopFn != nil {
			pe.stopFn()
		}
		pe.Disconnect()
	})
	return nil
}

// ListDevices enumerates driver ports, giving up after timeout (CoreMIDI
// can hang). Ports present as both input and output are merged.
func ListDevices(timeout time.Duration) ([]DeviceInfo, error) {
	type portsResult struct {
		inPorts  []drivers.In
		outPorts []drivers.Out
	}

	ch := make(chan portsResult, 1)
	go func() {
		ch <- portsResult{inPorts: gomidi.GetInPorts(), outPorts: gomidi.GetOutPorts()}
	}()

	var result portsResult
	select {
	case result = <-ch:
	case <-time.After(timeout):
		return nil, fmt.Errorf("list ports: driver did not answer within %s", timeout)
	}

	index := make(map[string]int)
	var devices []DeviceInfo
	for _, in := range result.inPorts {
		index[in.String()] = len(devices)
		devices = append(devices, DeviceInfo{Name: in.String(), Input: true})
	}
	for _, out := range result.outPorts {
		if i, ok := index[out.String()]; ok {
			devices[i].Output = true
			continue
		}
		devices = append(devices, DeviceInfo{Name: out.String(), Output: true})
	}
	return devices, nil
}

func findInPort(name string) (drivers.In, error) {
	for _, p := range gomidi.GetInPorts() {
		if containsCI(p.String(), name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("input %q: %w", name, ErrPortNotFound)
}

func findOutPort(name string) (drivers.Out, error) {
	for _, p := range gomidi.GetOutPorts() {
		if containsCI(p.String(), name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("output %q: %w", name, ErrPortNotFound)
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
