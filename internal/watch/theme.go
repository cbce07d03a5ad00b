package watch

import "github.com/charmbracelet/lipgloss"

var (
	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")
	colorEvent   = lipgloss.Color("#2563eb")
	colorControl = lipgloss.Color("#7c3aed")
)

var (
	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBright)

	styleDimmed = lipgloss.NewStyle().
			Foreground(colorDimmed)

	styleBanner = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorDanger)
)

func kindColor(k Kind) lipgloss.Color {
	switch k {
	case KindEvent:
		return colorEvent
	case KindControl:
		return colorControl
	case KindConn:
		return colorHealthy
	case KindError:
		return colorDanger
	default:
		return colorDimmed
	}
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(colorBorder)
}
