package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"phasorsync/clock"
	"phasorsync/midi"

	gomidi "gitlab.com/gomidi/midi/v2"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "list":
		err = listPorts()
	case "monitor":
		err = monitor(ctx, arg(2))
	case "master":
		err = master(ctx, arg(2), arg(3))
	case "serial":
		err = serialMonitor(ctx, arg(2), arg(3))
	case "poll":
		err = pollDevices(ctx)
	default:
		usage()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func arg(i int) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return ""
}

func usage() {
	fmt.Println("MIDI clock test scripts")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  list                  - List all MIDI ports")
	fmt.Println("  monitor <in>          - Print transport messages and tempo from an input")
	fmt.Println("  master <out> [bpm]    - Send clock and Start to an output")
	fmt.Println("  serial <dev> [baud]   - Monitor clock on a serial DIN adapter")
	fmt.Println("  poll                  - Poll for device changes")
}

func listPorts() error {
	fmt.Println("=== MIDI Ports ===")
	fmt.Println("(waiting up to 3 seconds...)")

	devices, err := midi.ListDevices(3 * time.Second)
	if err != nil {
		fmt.Println("\nTIMEOUT! CoreMIDI is hung.")
		fmt.Println("Fix: sudo killall coreaudiod midiserver")
		return err
	}
	for i, d := range devices {
		dir := ""
		if d.Input {
			dir += "in "
		}
		if d.Output {
			dir += "out"
		}
		fmt.Printf("  %d: %-40s %s\n", i, d.Name, dir)
	}
	return nil
}

func monitor(ctx context.Context, in string) error {
	if in == "" {
		return errors.New("monitor needs an input port name")
	}
	pe, err := midi.OpenPorts(in, "")
	if err != nil {
		return err
	}
	defer pe.Close()
	fmt.Printf("Listening on %s. Ctrl+C to exit.\n", pe.InputName())
	return follow(ctx, clock.NewExternalClock(pe))
}

func serialMonitor(ctx context.Context, dev, baud string) error {
	if dev == "" {
		return errors.New("serial needs a device path")
	}
	rate := midi.DINBaud
	if baud != "" {
		n, err := strconv.Atoi(baud)
		if err != nil {
			return fmt.Errorf("baud %q: %w", baud, err)
		}
		rate = n
	}
	se, err := midi.OpenSerial(dev, rate)
	if err != nil {
		return err
	}
	defer se.Close()
	fmt.Printf("Listening on %s at %d baud. Ctrl+C to exit.\n", dev, rate)
	return follow(ctx, clock.NewExternalClock(se))
}

// follow prints transport changes and the tempo once per beat
func follow(ctx context.Context, ext *clock.ExternalClock) error {
	if err := ext.Start(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ext.Stop()
	}()

	est := clock.NewTempoEstimator(clock.PPQN, 0, 0)
	var ticks int
	for msg := range ext.Messages() {
		switch msg.Kind {
		case clock.Tick:
			est.Observe(msg.At)
			ticks++
			if ticks%clock.PPQN == 0 {
				if bpm, ok := est.BPM(); ok {
					fmt.Printf("[%s] beat %4d  %6.2f bpm  rejected=%d\n", msg.At.Format("15:04:05.000"), ticks/clock.PPQN, bpm, est.Rejected())
				}
			}
		case clock.Start:
			est.Reset()
			ticks = 0
			fmt.Printf("[%s] START\n", msg.At.Format("15:04:05.000"))
		case clock.Shutdown:
			fmt.Printf("malformed=%d ignored=%d\n", ext.Malformed(), ext.Ignored())
			return nil
		default:
			fmt.Printf("[%s] %s\n", msg.At.Format("15:04:05.000"), msg.Kind)
		}
	}
	return nil
}

func master(ctx context.Context, out, bpmArg string) error {
	if out == "" {
		return errors.New("master needs an output port name")
	}
	bpm := 120.0
	if bpmArg != "" {
		v, err := strconv.ParseFloat(bpmArg, 64)
		if err != nil {
			return fmt.Errorf("bpm %q: %w", bpmArg, err)
		}
		bpm = v
	}
	pe, err := midi.OpenPorts("", out)
	if err != nil {
		return err
	}
	defer pe.Close()

	ic := clock.NewInternalClock(bpm, clock.PPQN)
	ic.StartTransport()
	if err := ic.Start(); err != nil {
		return err
	}
	fmt.Printf("Sending clock to %s at %.1f bpm (interval %s). Ctrl+C to stop.\n",
		pe.OutputName(), ic.Tempo(), clock.Interval(ic.Tempo(), clock.PPQN))

	go func() {
		<-ctx.Done()
		ic.StopTransport()
		// let Stop go out before the generator halts
		time.Sleep(50 * time.Millisecond)
		ic.Stop()
	}()

	var sent, failed int
	for msg := range ic.Messages() {
		var ev midi.Event
		switch msg.Kind {
		case clock.Tick:
			ev = midi.Realtime(midi.Clock)
		case clock.Start:
			ev = midi.Realtime(midi.Start)
		case clock.Stop:
			ev = midi.Realtime(midi.Stop)
		case clock.Continue:
			ev = midi.Realtime(midi.Continue)
		case clock.Shutdown:
			fmt.Printf("sent=%d failed=%d\n", sent, failed)
			return nil
		default:
			continue
		}
		if err := pe.Send(ev); err != nil {
			failed++
			continue
		}
		sent++
	}
	return nil
}

func pollDevices(ctx context.Context) error {
	fmt.Println("Polling for device changes every 2 seconds...")
	fmt.Println("Connect/disconnect devices to test. Ctrl+C to exit.")

	w := midi.NewWatcher(2 * time.Second)
	go w.Run(ctx)

	for ev := range w.Events() {
		state := "connected"
		if ev.Type == midi.DeviceDisconnected {
			state = "disconnected"
		}
		fmt.Printf("[%s] %s: %s (in=%v out=%v)\n", time.Now().Format("15:04:05"), state, ev.Device.Name, ev.Device.Input, ev.Device.Output)
	}

	// release the driver before exit
	gomidi.CloseDriver()
	return nil
}
