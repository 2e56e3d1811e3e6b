// Package ui is the optional terminal dashboard: a HUD with live session
// and preload stats above a scrolling log viewport. It only engages when
// stdout is a TTY; otherwise the logger prints plain lines.
package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Colors
var (
	pink   = lipgloss.Color("#FF69B4")
	cyan   = lipgloss.Color("#42D9C8")
	green  = lipgloss.Color("#73F59F")
	red    = lipgloss.Color("#FF6B9D")
	orange = lipgloss.Color("#FF9F43")
	gray   = lipgloss.Color("#626262")
)

// Styles
var (
	hudStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1)

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(pink)
	valueStyle   = lipgloss.NewStyle().Foreground(cyan)
	statStyle    = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warningStyle = lipgloss.NewStyle().Foreground(orange)
	mutedStyle   = lipgloss.NewStyle().Foreground(gray)
	helpStyle    = lipgloss.NewStyle().Foreground(gray).Italic(true).PaddingLeft(1)
)

// Stats is the HUD's data: live sessions, preload progress, and process
// health.
type Stats struct {
	ActiveSessions int
	TotalSessions  int64
	TotalSteps     int64

	PreloadGeofence string
	PreloadDone     int
	PreloadTotal    int

	RequestsTotal  int
	RequestsPerSec float64
	MemoryUsageMB  float64
	GoroutineCount int
}

type dashboard struct {
	viewport  viewport.Model
	logs      []string
	stats     Stats
	version   string
	port      string
	startTime time.Time
	ready     bool
	width     int
	height    int
}

var (
	globalModel  *dashboard
	program      *tea.Program
	uiEnabled    bool
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
	shutdownOnce sync.Once
)

const (
	maxLogs     = 1000
	avgLogChars = 100
)

// IsTTY checks if stdout is a terminal.
func IsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// Initialize starts the TUI (only if a TTY is available).
func Initialize(version, buildTime, port string) bool {
	if !IsTTY() {
		return false
	}

	uiEnabled = true
	shutdownCtx, shutdownFunc = context.WithCancel(context.Background())

	globalModel = &dashboard{
		version:   version,
		port:      port,
		startTime: time.Now(),
		logs:      make([]string, 0, maxLogs),
	}

	program = tea.NewProgram(globalModel, tea.WithAltScreen())

	go func() { program.Run() }()

	time.Sleep(100 * time.Millisecond)
	go startTicker(shutdownCtx)

	return true
}

func startTicker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if program != nil {
				program.Send(tickMsg{})
			}
		}
	}
}

// AddLog adds a log line to the scrolling area (or prints to stdout if no
// TUI).
func AddLog(msg string) {
	if !uiEnabled {
		fmt.Println(msg)
		return
	}
	if program != nil {
		program.Send(logMsg{msg})
	}
}

// UpdateStats updates the stats in the HUD.
func UpdateStats(stats Stats) {
	if uiEnabled && program != nil {
		program.Send(statsMsg{stats})
	}
}

// SetReady marks the server as ready.
func SetReady() {
	if uiEnabled && program != nil {
		program.Send(readyMsg{})
	}
}

// Shutdown stops the TUI.
func Shutdown() {
	if !uiEnabled {
		return
	}

	shutdownOnce.Do(func() {
		if shutdownFunc != nil {
			shutdownFunc()
		}
		if program != nil {
			program.Quit()
			time.Sleep(100 * time.Millisecond)
		}
		program = nil
		globalModel = nil
	})
}

// Messages
type (
	logMsg   struct{ msg string }
	statsMsg struct{ stats Stats }
	readyMsg struct{}
	tickMsg  struct{}
)

func (m *dashboard) Init() tea.Cmd {
	return nil
}

func (m *dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		viewportHeight := m.height - 10 // HUD + separator + footer

		if !m.ready {
			m.viewport = viewport.New(msg.Width, viewportHeight)
			m.viewport.YPosition = 8
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = viewportHeight
		}

		if len(m.logs) > 0 {
			m.viewport.SetContent(m.buildLogContent())
			m.viewport.GotoBottom()
		}

	case logMsg:
		m.logs = append(m.logs, msg.msg)
		if len(m.logs) > maxLogs {
			copy(m.logs, m.logs[len(m.logs)-maxLogs:])
			m.logs = m.logs[:maxLogs]
		}
		m.viewport.SetContent(m.buildLogContent())
		m.viewport.GotoBottom()

	case statsMsg:
		m.stats = msg.stats

	case readyMsg, tickMsg:
		// Trigger re-render
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *dashboard) View() string {
	if !m.ready {
		spinner := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		frame := int(time.Since(m.startTime).Milliseconds()/100) % len(spinner)
		loading := titleStyle.Render(spinner[frame] + " Initializing VLN bench...")
		return lipgloss.NewStyle().Padding(2).Render(loading)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHUD(),
		mutedStyle.Bold(true).Render(strings.Repeat("─", m.width)),
		m.viewport.View(),
		m.renderFooter(),
	)
}

func (m *dashboard) buildLogContent() string {
	if len(m.logs) == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(len(m.logs) * avgLogChars)
	for i, log := range m.logs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(log)
	}
	return b.String()
}

func (m *dashboard) renderHUD() string {
	uptime := formatDuration(time.Since(m.startTime))

	rows := []string{
		fmt.Sprintf("%s %s  %s",
			titleStyle.Render("🧭 VLN BENCH"),
			mutedStyle.Render("v"+m.version),
			mutedStyle.Render("⏱ "+uptime)),

		fmt.Sprintf("%s %s  %s %s",
			mutedStyle.Render("🔌"), valueStyle.Render(m.port),
			mutedStyle.Render("🌐"), mutedStyle.Render("http://localhost:"+m.port)),

		m.renderSessionInfo(),
		m.renderPreloadInfo(),
		m.renderPerfMetrics(),
	}

	return hudStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m *dashboard) renderSessionInfo() string {
	active := colorizeIfNonZero(m.stats.ActiveSessions, statStyle)
	total := mutedStyle.Render(fmt.Sprintf("%d", m.stats.TotalSessions))
	steps := statStyle.Render(fmt.Sprintf("%d", m.stats.TotalSteps))

	return fmt.Sprintf("%s %s active / %s total  %s %s steps",
		mutedStyle.Render("🚶"), active, total,
		mutedStyle.Render("👣"), steps)
}

func (m *dashboard) renderPreloadInfo() string {
	if m.stats.PreloadTotal == 0 {
		return mutedStyle.Render("📦 No preload running")
	}

	pct := float64(m.stats.PreloadDone) / float64(m.stats.PreloadTotal) * 100
	bar := renderBar(pct)
	return fmt.Sprintf("%s %s %s %s",
		mutedStyle.Render("📦"),
		valueStyle.Render(m.stats.PreloadGeofence),
		bar,
		statStyle.Render(fmt.Sprintf("%d/%d (%.0f%%)", m.stats.PreloadDone, m.stats.PreloadTotal, pct)))
}

func (m *dashboard) renderPerfMetrics() string {
	if m.stats.RequestsTotal == 0 {
		return mutedStyle.Render("📊 No requests yet")
	}

	reqTotal := statStyle.Render(fmt.Sprintf("%d", m.stats.RequestsTotal))
	reqRate := colorizeRate(m.stats.RequestsPerSec)
	memory := colorizeMemory(m.stats.MemoryUsageMB)
	goroutines := colorizeGoroutines(m.stats.GoroutineCount)

	return fmt.Sprintf("%s %s (%s)  %s %s  %s %s",
		mutedStyle.Render("📊"), reqTotal, reqRate,
		mutedStyle.Render("💾"), memory,
		mutedStyle.Render("🔀"), goroutines)
}

func (m *dashboard) renderFooter() string {
	scrollPos := ""
	if len(m.logs) > 0 && m.viewport.TotalLineCount() > m.viewport.Height {
		pct := int(float64(m.viewport.YOffset) / float64(m.viewport.TotalLineCount()-m.viewport.Height) * 100)
		if pct > 100 {
			pct = 100
		}
		scrollPos = fmt.Sprintf("(%d%%)", pct)
	}
	return helpStyle.Render(fmt.Sprintf("↑↓ scroll %s • q/ctrl+c quit", scrollPos))
}

// Helper functions
func colorizeIfNonZero(val int, style lipgloss.Style) string {
	if val > 0 {
		return style.Render(fmt.Sprintf("%d", val))
	}
	return mutedStyle.Render("0")
}

func colorizeRate(rate float64) string {
	style := statStyle
	if rate > 100 {
		style = errorStyle
	} else if rate > 50 {
		style = warningStyle
	}
	return style.Render(fmt.Sprintf("%.1f/s", rate))
}

func colorizeMemory(memMB float64) string {
	if memMB > 1024 {
		gb := memMB / 1024
		style := statStyle
		if gb > 2 {
			style = errorStyle
		} else if gb > 1 {
			style = warningStyle
		}
		return style.Render(fmt.Sprintf("%.1fGB", gb))
	}

	style := statStyle
	if memMB > 500 {
		style = warningStyle
	}
	return style.Render(fmt.Sprintf("%.0fMB", memMB))
}

func renderBar(pct float64) string {
	barLen := int(pct / 10)
	if barLen > 10 {
		barLen = 10
	}
	return mutedStyle.Render("[" + strings.Repeat("▓", barLen) + strings.Repeat("░", 10-barLen) + "]")
}

func colorizeGoroutines(count int) string {
	style := mutedStyle
	if count > 1000 {
		style = errorStyle
	} else if count > 500 {
		style = warningStyle
	}
	return style.Render(fmt.Sprintf("%d", count))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
