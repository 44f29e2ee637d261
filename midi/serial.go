package midi

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"phasorsync/debug"

	"go.bug.st/serial"
)

// DINBaud is the MIDI 1.0 DIN link rate
const DINBaud = 31250

// SerialEngine speaks raw MIDI bytes over a serial device (a DIN adapter
// or a microcontroller bridge)
type SerialEngine struct {
	name string
	port io.ReadWriteCloser

	writeMu sync.Mutex
	inbound chan received
	gone    chan struct{}
	goneMu  sync.Once
	closeMu sync.Once
}

// OpenSerial opens the named serial device at the given baud rate
// (DINBaud when zero) and starts reading.
func OpenSerial(name string, baud int) (*SerialEngine, error) {
	if baud <= 0 {
		baud = DINBaud
	}
	mode := &serial.Mode{BaudRate: baud}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	// bounded reads so Close can end the read loop
	if err := p.SetReadTimeout(100 * time.Millisecond); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serial %s read timeout: %w", name, err)
	}
	debug.Log("serial", "port opened device=%s baud=%d", name, baud)
	return newSerialEngine(name, p), nil
}

func newSerialEngine(name string, port io.ReadWriteCloser) *SerialEngine {
	se := &SerialEngine{
		name:    name,
		port:    port,
		inbound: make(chan received, inboundBuffer),
		gone:    make(chan struct{}),
	}
	go se.readLoop()
	return se
}

func (se *SerialEngine) readLoop() {
	var parser StreamParser
	buf := make([]byte, 64)
	for {
		n, err := se.port.Read(buf)
		at := time.Now()
		for _, b := range buf[:n] {
			ev, ok, perr := parser.Feed(b)
			if !ok && perr == nil {
				continue
			}
			select {
			case se.inbound <- received{ev: ev, at: at, err: perr}:
			case <-se.gone:
				return
			}
		}
		if err != nil {
			debug.Log("serial", "read error on %s: %v", se.name, err)
			se.disconnect()
			return
		}
		select {
		case <-se.gone:
			return
		default:
		}
	}
}

func (se *SerialEngine) disconnect() {
	se.goneMu.Do(func() { close(se.gone) })
}

// Send writes an event to the serial link
func (se *SerialEngine) Send(ev Event) error {
	se.writeMu.Lock()
	defer se.writeMu.Unlock()
	if _, err := se.port.Write(ev.Bytes()); err != nil {
		return fmt.Errorf("serial write %s: %w", ev, err)
	}
	return nil
}

// Receive blocks for the next parsed event
func (se *SerialEngine) Receive(ctx context.Context) (Event, error) {
	r := receive(ctx, se.inbound, se.gone)
	return r.ev, r.err
}

// ReceiveStamped is Receive plus the time the bytes were read
func (se *SerialEngine) ReceiveStamped(ctx context.Context) (Event, time.Time, error) {
	r := receive(ctx, se.inbound, se.gone)
	return r.ev, r.at, r.err
}

// ListDevices returns the serial ports present on the system
func (se *SerialEngine) ListDevices() []DeviceInfo {
	names, err := serial.GetPortsList()
	if err != nil {
		debug.Log("serial", "list ports: %v", err)
		return nil
	}
	devices := make([]DeviceInfo, 0, len(names))
	for _, n := range names {
		devices = append(devices, DeviceInfo{Name: n, Input: true, Output: true})
	}
	return devices
}

// Close closes the underlying serial port
func (se *SerialEngine) Close() error {
	var err error
	se.closeMu.Do(func() {
		se.disconnect()
		err = se.port.Close()
	})
	return err
}
