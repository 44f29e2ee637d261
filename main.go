package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"phasorsync/clock"
	"phasorsync/config"
	"phasorsync/debug"
	"phasorsync/midi"
	"phasorsync/sequencer"
	"phasorsync/theme"
	"phasorsync/tui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "phasorsync: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	config    string
	palette   string
	headless  bool
	source    string
	bpm       float64
	in        string
	out       string
	lights    string
	serialDev string
	baud      int
	clockOut  bool
	metronome bool
	debug     bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.config, "config", "", "config file (default ~/.config/phasorsync/config.json)")
	flag.StringVar(&f.palette, "palette", "", "GIMP palette for the status display")
	flag.BoolVar(&f.headless, "headless", false, "print status lines instead of the terminal UI")
	flag.StringVar(&f.source, "source", "", "clock source: internal, external or serial")
	flag.Float64Var(&f.bpm, "bpm", 0, "internal clock tempo")
	flag.StringVar(&f.in, "in", "", "MIDI input carrying the external clock")
	flag.StringVar(&f.out, "out", "", "MIDI output for scheduled events")
	flag.StringVar(&f.lights, "lights", "", "Launchpad output for the beat display")
	flag.StringVar(&f.serialDev, "serial", "", "serial DIN MIDI device")
	flag.IntVar(&f.baud, "baud", 0, "serial baud rate (default 31250)")
	flag.BoolVar(&f.clockOut, "clock-out", false, "forward clock and transport to the output")
	flag.BoolVar(&f.metronome, "metronome", false, "schedule a click on every beat")
	flag.BoolVar(&f.debug, "debug", false, "write a debug log")
	flag.Parse()
	return f
}

// loadConfig reads the config file and applies the flags given on the
// command line over it
func loadConfig(f flags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.config != "" {
		cfg, err = config.LoadFile(f.config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "source":
			cfg.ClockSource = config.ClockSource(f.source)
		case "bpm":
			cfg.BPM = f.bpm
		case "in":
			cfg.InputPort = f.in
		case "out":
			cfg.OutputPort = f.out
		case "lights":
			cfg.LightsPort = f.lights
		case "serial":
			cfg.SerialDevice = f.serialDev
		case "baud":
			cfg.SerialBaud = f.baud
		case "clock-out":
			cfg.ClockOut = f.clockOut
		case "metronome":
			cfg.Metronome = f.metronome
		case "debug":
			cfg.Debug = f.debug
		}
	})
	return cfg, cfg.Validate()
}

// pulse is the bound clock source plus everything that has to be closed
type pulse struct {
	src     clock.Source
	master  *clock.InternalClock // nil when following
	sink    midi.Sender
	port    *midi.PortEngine // external input, followed for unplug
	label   string
	closers []io.Closer
}

func (p *pulse) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i].Close()
	}
}

func openPulse(cfg *config.Config) (*pulse, error) {
	p := &pulse{sink: midi.Discard{}}

	switch cfg.ClockSource {
	case config.SourceExternal:
		pe, err := midi.OpenPorts(cfg.InputPort, cfg.OutputPort)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, pe)
		if cfg.OutputPort != "" {
			p.sink = pe
		}
		p.port = pe
		p.src = clock.NewExternalClock(pe)
		p.label = "external: " + pe.InputName()

	case config.SourceSerial:
		se, err := midi.OpenSerial(cfg.SerialDevice, cfg.SerialBaud)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, se)
		p.sink = se
		p.src = clock.NewExternalClock(se)
		p.label = "serial: " + cfg.SerialDevice

	default:
		ic := clock.NewInternalClock(cfg.BPM, cfg.TicksPerBeat)
		p.master = ic
		p.src = ic
		p.label = "internal"
	}

	if cfg.OutputPort != "" && p.port == nil {
		out, err := midi.OpenPorts("", cfg.OutputPort)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.closers = append(p.closers, out)
		p.sink = out
	}
	return p, nil
}

func run() error {
	f := parseFlags()
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	if cfg.Debug {
		if err := debug.Enable(debug.DefaultPath(), true); err != nil {
			return fmt.Errorf("debug log: %w", err)
		}
		defer debug.Disable()
	} else if f.headless {
		debug.EnableWriter(os.Stderr, false)
	}
	logger := debug.Logger()
	logger.Info("phasorsync starting",
		"source", cfg.ClockSource,
		"bpm", cfg.BPM,
		"in", cfg.InputPort,
		"out", cfg.OutputPort,
		"serial", cfg.SerialDevice,
		"clock_lost_multiplier", cfg.ClockLostMultiplier,
		"look_ahead_ticks", cfg.LookAheadTicks,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	p, err := openPulse(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	engine := sequencer.NewEngine(p.src, p.sink, sequencer.Config{
		TicksPerBeat:   uint32(cfg.TicksPerBeat),
		BeatsPerBar:    uint32(cfg.BeatsPerBar),
		LostMultiplier: cfg.ClockLostMultiplier,
		LostFallback:   cfg.LostFallback(),
		LookAhead:      uint64(cfg.LookAheadTicks),
		ClockOut:       cfg.ClockOut,
	})
	if cfg.Metronome {
		engine.AddProvider(sequencer.NewMetronome(uint32(cfg.TicksPerBeat), uint32(cfg.BeatsPerBar)))
	}
	pub := engine.Publisher()

	// hot-plug: the bound input is dropped when it disappears
	watcher := midi.NewWatcher(time.Second)
	go watcher.Run(ctx)
	feeds := midi.Fanout(watcher.Events(), 2)
	if p.port != nil {
		go p.port.Follow(feeds[0])
	} else {
		go func() {
			for range feeds[0] {
			}
		}()
	}

	if cfg.LightsPort != "" {
		bl, err := midi.OpenBeatLights(cfg.LightsPort)
		if err != nil {
			logger.Warn("beat lights unavailable", "port", cfg.LightsPort, "err", err)
		} else {
			lightsDone := make(chan struct{})
			go func() {
				defer close(lightsDone)
				sequencer.Observe(ctx, pub, 30, func(s sequencer.Snapshot) {
					if err := bl.Show(s.Beat, uint64(s.BeatsPerBar), s.Bar, s.Status == sequencer.Playing); err != nil {
						debug.Log("lights", "show: %v", err)
					}
				})
			}()
			defer func() {
				cancel()
				<-lightsDone
				bl.Clear()
			}()
		}
	}

	go engine.Run(ctx)
	if err := p.src.Start(); err != nil {
		return err
	}
	defer shutdown(p.src, engine, cancel)

	var master tui.Master
	if p.master != nil {
		master = p.master
	}

	if f.headless {
		go logDevices(feeds[1])
		if p.master != nil {
			p.master.StartTransport()
		}
		fmt.Printf("phasorsync %s. Ctrl+C to exit.\n", p.label)
		sequencer.Observe(ctx, pub, 2, printStatus)
		return nil
	}

	th := theme.New(theme.LoadOrDefault(f.palette))
	m := tui.NewModel(pub, master, engine, th, p.label).WithDevices(feeds[1])
	prog := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := prog.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// shutdown stops the source so the engine sees Shutdown and releases its
// notes, then gives up after a second
func shutdown(src clock.Source, engine *sequencer.Engine, cancel context.CancelFunc) {
	src.Stop()
	select {
	case <-engine.Done():
	case <-time.After(time.Second):
		debug.Logger().Warn("engine did not drain in time")
	}
	cancel()
}

// logDevices reports hot-plug events the way the TUI notice line does
func logDevices(events <-chan midi.DeviceEvent) {
	for ev := range events {
		if ev.Type == midi.DeviceConnected {
			debug.Logger().Info("device connected", "name", ev.Device.Name)
		} else {
			debug.Logger().Info("device disconnected", "name", ev.Device.Name)
		}
	}
}

func printStatus(s sequencer.Snapshot) {
	bpm := "  ---.-"
	if s.HasBPM {
		bpm = fmt.Sprintf("%7.2f", s.BPM)
	}
	fmt.Printf("%-8s bar %4d beat %d/%d tick %8d %s bpm  queued=%d outliers=%d lost=%d\n",
		s.Status, s.Bar+1, s.Beat+1, s.BeatsPerBar, s.TickCount, bpm, s.Pending, s.Outliers, s.ClockLost)
}
