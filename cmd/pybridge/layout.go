package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/bridge"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB"))

	fieldStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// describe resolves a version string such as "3.12" or "3.12.4".
func describe(version string, plat abi.Platform) (*abi.Descriptor, error) {
	if strings.Count(version, ".") == 1 {
		version += ".0"
	}
	_, gen, err := abi.DetectString(version)
	if err != nil {
		return nil, err
	}
	if plat == abi.PlatformUnknown {
		plat = abi.PlatformLP64
	}
	return abi.Describe(gen, plat)
}

func layoutTable(l *abi.Layout) string {
	rows := make([][]string, 0, len(l.Fields))
	for _, f := range l.Fields {
		kind := f.Scalar.String()
		if f.Nested != nil {
			kind = f.Nested.Name
		}
		rows = append(rows, []string{fieldStyle.Render(f.Name), fmt.Sprint(f.Offset), fmt.Sprint(f.Size), kind})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(helpStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("field", "offset", "size", "type").
		Rows(rows...).
		String()
}

func renderLayouts(d *abi.Descriptor) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("generation %s, %s", d.Generation, d.Platform)))
	b.WriteString("\n\n")
	layouts := append(d.All(), bridge.Layout(d, "Awaitable"))
	for _, l := range layouts {
		b.WriteString(headerStyle.Render(fmt.Sprintf("%s (%d bytes, align %d)", l.Name, l.Size, l.Align)))
		b.WriteString("\n")
		b.WriteString(layoutTable(l))
		b.WriteString("\n\n")
	}
	return b.String()
}

func printLayouts(w io.Writer, version string, plat abi.Platform) error {
	d, err := describe(version, plat)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, renderLayouts(d))
	return err
}
