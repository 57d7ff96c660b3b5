// Package ui renders CLI output: styled when writing to a terminal, plain
// text when piped.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette, a single violet accent over grays.
const (
	ColorAccent    = "135" // titles and highlights
	ColorAccentDim = "97"  // secondary accent
	ColorGray      = "245" // labels, metadata
	ColorDarkGray  = "238" // separators
	ColorRed       = "196" // errors
	ColorYellow    = "220" // warnings, degradation notices
)

// Styles holds the render styles for CLI output.
type Styles struct {
	Title   Style
	Score   Style
	Label   Style
	Dim     Style
	Warning Style
	Error   Style
	Tag     Style
}

// Style is the subset of lipgloss used here, aliased so plain mode can be a
// zero style.
type Style = lipgloss.Style

// DefaultStyles returns the styled palette for terminal output.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Score:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccentDim)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Tag:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccentDim)),
	}
}

// NoColorStyles returns unstyled components for plain mode.
func NoColorStyles() Styles {
	return Styles{}
}

// IsTTY reports whether w is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether the NO_COLOR convention is in effect.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}
