package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"avaneesh/blefrag/pkg/frag"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10")).
		Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

func field(label string, value interface{}) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(value))
}

func formatHeader(h frag.Header) string {
	kind := "cont "
	if h.Start {
		kind = "start"
	}
	sec := ""
	if h.Secure {
		sec = " secure"
	}
	return fmt.Sprintf("%s src=%d dst=%d%s", kind, h.SourcePort, h.DestPort, sec)
}
