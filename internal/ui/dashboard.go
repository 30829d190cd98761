// Package ui implements the optional interactive loop-mode dashboard
// (spec.md §7's loop mode, SPEC_FULL.md §4.5): a live view of pass/fail
// counts per loader and per finding kind, updated once per iteration.
// It is never consulted by validation logic -- a run with --ui produces
// the same findings as one without it.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/liveimage/kvalidate/internal/report"
)

// IterationStats summarizes one validation pass for the dashboard.
// cmd/kvalidate builds one of these after every runOnce call and sends
// it to the running Dashboard.
type IterationStats struct {
	Iteration       int
	Started         time.Time
	Duration        time.Duration
	PagesValidated  int
	StacksValidated int
	Findings        []*report.Finding
}

type loaderRow struct {
	name     string
	pages    int
	findings int
}

type kindRow struct {
	kind  report.Kind
	count int
}

// iterationMsg carries a completed IterationStats into the bubbletea
// event loop; Dashboard.Send is the only producer.
type iterationMsg IterationStats

type model struct {
	iterations int
	lastStats  IterationStats
	perLoader  map[string]*loaderRow
	perKind    map[report.Kind]int
	totalPages int
	quit       bool
}

func newModel() model {
	return model{
		perLoader: make(map[string]*loaderRow),
		perKind:   make(map[report.Kind]int),
	}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quit = true
			return m, tea.Quit
		}
	case iterationMsg:
		m.applyIteration(IterationStats(msg))
	}
	return m, nil
}

func (m *model) applyIteration(s IterationStats) {
	m.iterations++
	m.lastStats = s
	m.totalPages += s.PagesValidated

	seen := make(map[string]bool)
	for _, f := range s.Findings {
		name := f.Loader
		if name == "" {
			name = "(unassigned)"
		}
		row, ok := m.perLoader[name]
		if !ok {
			row = &loaderRow{name: name}
			m.perLoader[name] = row
		}
		if !seen[name] {
			row.pages += s.PagesValidated
			seen[name] = true
		}
		row.findings++
		m.perKind[f.Kind]++
	}
	// An iteration with no findings at all credits its pages to an
	// "(all clean)" row, so a clean pass shows up as "0 findings" rather
	// than disappearing; loaders without findings in an iteration that
	// has findings elsewhere get no row.
	if len(s.Findings) == 0 {
		row, ok := m.perLoader["(all clean)"]
		if !ok {
			row = &loaderRow{name: "(all clean)"}
			m.perLoader["(all clean)"] = row
		}
		row.pages += s.PagesValidated
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("kvalidate"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  iteration %d  pages validated %d", m.iterations, m.totalPages)))
	b.WriteString("\n\n")

	b.WriteString(headStyle.Render("loader"))
	b.WriteString(strings.Repeat(" ", 24))
	b.WriteString(headStyle.Render("pages"))
	b.WriteString("   ")
	b.WriteString(headStyle.Render("findings"))
	b.WriteString("\n")

	for _, row := range sortedLoaderRows(m.perLoader) {
		status := okStyle.Render("0")
		if row.findings > 0 {
			status = failStyle.Render(fmt.Sprintf("%d", row.findings))
		}
		b.WriteString(fmt.Sprintf("%-30s%-9d%s\n", row.name, row.pages, status))
	}

	if len(m.perKind) > 0 {
		b.WriteString("\n")
		b.WriteString(headStyle.Render("finding kind"))
		b.WriteString("\n")
		for _, row := range sortedKindRows(m.perKind) {
			b.WriteString(fmt.Sprintf("%-30s%d\n", row.kind, row.count))
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("press q to quit"))
	return b.String()
}

func sortedLoaderRows(rows map[string]*loaderRow) []*loaderRow {
	out := make([]*loaderRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func sortedKindRows(counts map[report.Kind]int) []kindRow {
	out := make([]kindRow, 0, len(counts))
	for k, n := range counts {
		out = append(out, kindRow{kind: k, count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].kind < out[j].kind })
	return out
}

// Dashboard wraps a running bubbletea program. It is safe to Send from
// any goroutine while Run is blocked in another.
type Dashboard struct {
	program *tea.Program
}

// NewDashboard constructs a Dashboard ready to Run.
func NewDashboard() *Dashboard {
	return &Dashboard{program: tea.NewProgram(newModel())}
}

// Run blocks until the user quits the dashboard (q, ctrl+c, or esc).
// Call it from the goroutine that owns the terminal; drive validation
// iterations from a separate goroutine that calls Send.
func (d *Dashboard) Run() error {
	_, err := d.program.Run()
	return err
}

// Send delivers one iteration's results to the dashboard. It is a
// no-op once the dashboard has quit.
func (d *Dashboard) Send(stats IterationStats) {
	d.program.Send(iterationMsg(stats))
}

// Quit requests the dashboard stop, e.g. when the validation loop is
// cancelled from outside the TUI (spec.md §7's signal handling).
func (d *Dashboard) Quit() {
	d.program.Quit()
}
