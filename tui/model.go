package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"phasorsync/midi"
	"phasorsync/sequencer"
	"phasorsync/theme"
	"phasorsync/widgets"
)

// refresh rate of the status display
const fps = 30

// Master is a clock that owns the transport (the internal generator)
type Master interface {
	StartTransport()
	StopTransport()
	ContinueTransport()
	SetTempo(bpm float64)
	Tempo() float64
}

// Pauser holds the transport in place
type Pauser interface {
	Pause() error
}

type Model struct {
	Publisher *sequencer.Publisher
	Master    Master // nil when following an external clock
	Pauser    Pauser
	Theme     *theme.Theme
	Source    string // shown in the header

	snap     sequencer.Snapshot
	has      bool
	devices  <-chan midi.DeviceEvent
	notice   string
	quitting bool
}

type frameMsg time.Time

type DeviceEventMsg midi.DeviceEvent

type devicesClosedMsg struct{}

func NewModel(pub *sequencer.Publisher, master Master, pauser Pauser, th *theme.Theme, source string) Model {
	if th == nil {
		th = theme.New(nil)
	}
	return Model{
		Publisher: pub,
		Master:    master,
		Pauser:    pauser,
		Theme:     th,
		Source:    source,
	}
}

// WithDevices makes the model report hot-plug events
func (m Model) WithDevices(events <-chan midi.DeviceEvent) Model {
	m.devices = events
	return m
}

func nextFrame() tea.Cmd {
	return tea.Tick(time.Second/fps, func(t time.Time) tea.Msg { return frameMsg(t) })
}

func ListenForDevices(events <-chan midi.DeviceEvent) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return devicesClosedMsg{}
		}
		return DeviceEventMsg(event)
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{nextFrame()}
	if m.devices != nil {
		cmds = append(cmds, ListenForDevices(m.devices))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg.String())

	case frameMsg:
		m.snap, m.has = m.Publisher.Latest()
		return m, nextFrame()

	case DeviceEventMsg:
		event := midi.DeviceEvent(msg)
		if event.Type == midi.DeviceConnected {
			m.notice = "connected: " + event.Device.Name
		} else {
			m.notice = "disconnected: " + event.Device.Name
		}
		return m, ListenForDevices(m.devices)

	case devicesClosedMsg:
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case " ", "space":
		if m.Master == nil {
			m.notice = "following external clock"
			return m, nil
		}
		if m.snap.Status == sequencer.Stopped {
			m.Master.StartTransport()
		} else {
			m.Master.StopTransport()
		}

	case "c":
		if m.Master == nil {
			m.notice = "following external clock"
			return m, nil
		}
		m.Master.ContinueTransport()

	case "z":
		if m.Pauser != nil {
			if err := m.Pauser.Pause(); err != nil {
				m.notice = err.Error()
			}
		}

	case "+", "=":
		if m.Master != nil {
			m.Master.SetTempo(m.Master.Tempo() + 5)
		}

	case "-", "_":
		if m.Master != nil {
			m.Master.SetTempo(m.Master.Tempo() - 5)
		}
	}
	return m, nil
}

func (m Model) statusGlyph() (rune, lipgloss.Color) {
	switch m.snap.Status {
	case sequencer.Playing:
		return m.Theme.Symbols.Playing, m.Theme.Success()
	case sequencer.Paused:
		return m.Theme.Symbols.Paused, m.Theme.Warning()
	}
	return m.Theme.Symbols.Stopped, m.Theme.Muted()
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent())
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	fgStyle := lipgloss.NewStyle().Foreground(m.Theme.FG())
	warnStyle := lipgloss.NewStyle().Foreground(m.Theme.Warning())

	s := m.snap
	glyph, color := m.statusGlyph()
	status := lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%c %s", glyph, strings.ToUpper(s.Status.String())))

	tempo := "---.-bpm"
	if s.HasBPM {
		tempo = fmt.Sprintf("%5.1fbpm", s.BPM)
	}
	header := headerStyle.Render("phasorsync") + "  " + status + "  " + fgStyle.Render(tempo) + "  " + dimStyle.Render(m.Source)

	position := fgStyle.Render(fmt.Sprintf("bar %4d  beat %d/%d  tick %8d", s.Bar+1, s.Beat+1, max(s.BeatsPerBar, 1), s.TickCount))

	sym := m.Theme.Symbols
	beats := widgets.RenderBeats(s.Beat, uint64(s.BeatsPerBar), s.Status == sequencer.Playing,
		widgets.BeatGlyphs{Current: sym.BeatCurrent, Passed: sym.BeatPassed, Ahead: sym.BeatAhead},
		m.Theme.Active(), m.Theme.Muted())
	progress := widgets.RenderProgress(s.TickInBeat, uint64(s.TicksPerBeat), 24, sym.Filled, sym.Empty, m.Theme.Accent())

	counters := strings.Join([]string{
		widgets.RenderCounter("queued", uint64(s.Pending), dimStyle),
		widgets.RenderCounter("sent", s.Dispatched, dimStyle),
		widgets.RenderCounter("outliers", s.Outliers, dimStyle),
		widgets.RenderCounter("malformed", s.Malformed, dimStyle),
		widgets.RenderCounter("lost", s.ClockLost, dimStyle),
		widgets.RenderCounter("errors", s.SinkErrors, dimStyle),
	}, "  ")

	keys := "space:start/stop  c:continue  z:pause  +/-:tempo  q:quit"
	if m.Master == nil {
		keys = "z:pause  q:quit"
	}
	help := dimStyle.Render(keys)

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n\n")
	if !m.has {
		out.WriteString(dimStyle.Render("waiting for clock..."))
		out.WriteString("\n")
	}
	out.WriteString(position)
	out.WriteString("\n")
	out.WriteString(beats)
	out.WriteString("   ")
	out.WriteString(progress)
	out.WriteString("\n\n")
	out.WriteString(counters)
	out.WriteString("\n\n")
	out.WriteString(help)

	if m.notice != "" {
		out.WriteString("\n")
		out.WriteString(warnStyle.Render(m.notice))
	}

	return out.String()
}
