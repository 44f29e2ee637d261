package widgets

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// BeatGlyphs are the runes used by RenderBeats
type BeatGlyphs struct {
	Current, Passed, Ahead rune
}

// RenderBeats draws one glyph per beat of the bar. The current beat is
// drawn in hot, the rest in cold. When playing is false every beat is cold.
func RenderBeats(beat, beatsPerBar uint64, playing bool, g BeatGlyphs, hot, cold lipgloss.Color) string {
	hotStyle := lipgloss.NewStyle().Foreground(hot)
	coldStyle := lipgloss.NewStyle().Foreground(cold)

	cells := make([]string, 0, beatsPerBar)
	for i := uint64(0); i < beatsPerBar; i++ {
		switch {
		case playing && i == beat:
			cells = append(cells, hotStyle.Render(string(g.Current)))
		case i < beat:
			cells = append(cells, coldStyle.Render(string(g.Passed)))
		default:
			cells = append(cells, coldStyle.Render(string(g.Ahead)))
		}
	}
	return strings.Join(cells, " ")
}

// RenderProgress draws a width-cell bar filled in proportion to pos/total
func RenderProgress(pos, total uint64, width int, filled, empty rune, color lipgloss.Color) string {
	if width <= 0 || total == 0 {
		return ""
	}
	if pos > total {
		pos = total
	}
	n := int(pos * uint64(width) / total)
	bar := strings.Repeat(string(filled), n) + strings.Repeat(string(empty), width-n)
	return lipgloss.NewStyle().Foreground(color).Render(bar)
}

// RenderPad renders a single colored pad
func RenderPad(color [3]uint8) string {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color(rgbToHex(color)))
	return style.Render("■")
}

// RenderPadRow renders a row of colored pads with spacing
func RenderPadRow(colors [][3]uint8) string {
	var out strings.Builder
	for i, c := range colors {
		if i > 0 {
			out.WriteString(" ")
		}
		out.WriteString(RenderPad(c))
	}
	return out.String()
}

// RenderCounter formats "label value" with the value right-aligned
func RenderCounter(label string, value uint64, style lipgloss.Style) string {
	return style.Render(fmt.Sprintf("%s %6d", label, value))
}

// RenderKeyHelp formats key bindings in a friendly way
func RenderKeyHelp(sections []KeySection) string {
	var lines []string
	for _, sec := range sections {
		if sec.Title != "" {
			lines = append(lines, sec.Title)
		}
		for _, k := range sec.Keys {
			lines = append(lines, fmt.Sprintf("  %-12s %s", k.Key, k.Desc))
		}
	}
	return strings.Join(lines, "\n")
}

// KeySection groups related key bindings
type KeySection struct {
	Title string
	Keys  []KeyBinding
}

// KeyBinding is a single key and its description
type KeyBinding struct {
	Key  string
	Desc string
}

func rgbToHex(c [3]uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}
