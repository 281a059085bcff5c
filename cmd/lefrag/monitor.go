package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live view of the loopback exchange counters",
	Long: `Run the loopback exchange continuously and show per-role counters.

When stdout is not a terminal, --count exchanges are run and the final
counters are printed once.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	addDemoFlags(monitorCmd)
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 50*time.Millisecond, "Delay between exchanges")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return runLoopback(cmd, args)
	}

	d, err := newDemo(demoLoss, demoSeed)
	if err != nil {
		return err
	}
	defer d.close()

	_, err = tea.NewProgram(newMonitorModel(d)).Run()
	return err
}

type monitorTickMsg time.Time

type exchangeMsg struct {
	err error
}

type monitorModel struct {
	demo    *demo
	table   table.Model
	ok      int
	failed  int
	lastErr error
	started time.Time
}

func newMonitorModel(d *demo) monitorModel {
	return monitorModel{
		demo:    d,
		table:   statsTable(d.rows()),
		started: time.Now(),
	}
}

func monitorTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) exchange() tea.Cmd {
	d := m.demo
	return func() tea.Msg {
		time.Sleep(monitorInterval)
		return exchangeMsg{err: d.exchange(demoSize, demoTimeout)}
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(monitorTick(), m.exchange(), tea.EnterAltScreen)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case monitorTickMsg:
		m.table.SetRows(tableRows(m.demo.rows()))
		return m, monitorTick()

	case exchangeMsg:
		if msg.err != nil {
			m.failed++
			m.lastErr = msg.err
		} else {
			m.ok++
		}
		return m, m.exchange()
	}
	return m, nil
}

func (m monitorModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("lefrag monitor  %d bytes at MTU %d, loss %.2f", demoSize, mtu, demoLoss)))
	b.WriteString("\n\n")
	b.WriteString(field("uptime", time.Since(m.started).Round(time.Second)))
	b.WriteString("\n")
	b.WriteString(field("echoed", okStyle.Render(fmt.Sprint(m.ok))))
	b.WriteString("\n")
	b.WriteString(field("failed", errorStyle.Render(fmt.Sprint(m.failed))))
	b.WriteString("\n")
	if m.lastErr != nil {
		b.WriteString(field("last error", m.lastErr))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(boxStyle.Render(m.table.View()))
	b.WriteString("\n\nq to quit\n")
	return b.String()
}
