// Package logger is the process-wide logging front end. Lines render as
// styled text on stdout, or are handed to the terminal dashboard when it
// owns the screen. Errors can additionally be forwarded to Sentry
// through a hook installed at startup, which keeps this package free of
// the Sentry dependency.
package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/stefanpenner/vln-bench/internal/style"
)

// Log receives every rendered line when the TUI owns stdout. main wires
// it to the dashboard's AddLog before enabling UI mode.
var Log func(string)

var useUI bool

// SetUIMode redirects output into Log instead of stdout.
func SetUIMode(enabled bool) {
	useUI = enabled
}

// captureException forwards an error to Sentry. Left nil when Sentry is
// not configured.
var captureException func(error) interface{}

// SetSentryCaptureException installs the Sentry hook.
func SetSentryCaptureException(fn func(error) interface{}) {
	captureException = fn
}

func emit(line string) {
	if useUI && Log != nil {
		Log(line)
		return
	}
	fmt.Println(line)
}

// Info prints a plain informational line.
func Info(format string, args ...interface{}) {
	emit(style.Info.Render("  " + fmt.Sprintf(format, args...)))
}

// Success prints a checkmarked line for an operation that completed.
func Success(format string, args ...interface{}) {
	emit(style.Success.Render("  ✓ " + fmt.Sprintf(format, args...)))
}

// Warn prints a non-fatal problem.
func Warn(format string, args ...interface{}) {
	emit(style.Warn.Render("  ⚠ " + fmt.Sprintf(format, args...)))
}

// Muted prints a low-importance line (cache sweeps, config reloads,
// stream teardown) that should not draw the eye.
func Muted(format string, args ...interface{}) {
	emit(style.Muted.Render("  " + fmt.Sprintf(format, args...)))
}

// Error prints a failure line and, when err is non-nil, forwards it to
// Sentry. err may be nil for failures with no underlying error value.
func Error(err error, format string, args ...interface{}) {
	emit(style.Error.Render("  ✗ " + fmt.Sprintf(format, args...)))
	if err != nil && captureException != nil {
		captureException(err)
	}
}

// Fatal is Error followed by process exit.
func Fatal(err error, format string, args ...interface{}) {
	Error(err, format, args...)
	os.Exit(1)
}

// Section prints a divider introducing a group of startup lines.
func Section(title string) {
	fmt.Println()
	fmt.Printf("%s %s\n", style.Muted.Render("━━━━"), style.Section.Render("▸ "+title))
}

// PrintBanner draws the startup banner. Only used when the TUI is not
// running; the dashboard has its own header.
func PrintBanner(version, buildTime string) {
	body := lipgloss.JoinVertical(lipgloss.Left,
		style.Banner.Render("🧭 VLN BENCH"),
		style.Muted.Render("panorama navigation evaluation runtime"),
		"",
		fmt.Sprintf("%s %s   %s %s",
			style.Key.Render("version:"), style.Value.Render(version),
			style.Key.Render("built:"), style.Value.Render(buildTime)),
	)
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(style.Accent).
		Padding(0, 2).
		Render(body)
	fmt.Println(box)
}

// PreloadSummary is the one-line wrap-up printed when a geofence preload
// run finishes.
type PreloadSummary struct {
	Geofence string
	Duration time.Duration
	Fetched  int
	Cached   int
	Errors   int
}

// Print renders the summary, colored by how the run went.
func (p PreloadSummary) Print() {
	outcome := style.Success.Render("✓")
	if p.Errors > 0 {
		outcome = style.Warn.Render("⚠")
	}
	if p.Fetched == 0 && p.Cached == 0 && p.Errors > 0 {
		outcome = style.Error.Render("✗")
	}

	line := fmt.Sprintf("  %s %s %s %s • %s fetched • %s cached",
		outcome,
		style.Preload.Render("preload["+p.Geofence+"]"),
		style.Muted.Render("done"),
		style.Muted.Render(fmt.Sprintf("(%v)", p.Duration.Round(time.Millisecond))),
		style.Success.Render(fmt.Sprintf("%d", p.Fetched)),
		style.Muted.Render(fmt.Sprintf("%d", p.Cached)))
	if p.Errors > 0 {
		line += " • " + style.Error.Render(fmt.Sprintf("%d errors", p.Errors))
	}
	emit(line)
}

// StepSummary is the terse per-transition line the session engine logs
// at high frequency.
type StepSummary struct {
	SessionID string
	Action    string
	Outcome   string // "ok" or an error_kind
}

// Print renders one step line: muted when healthy, caution-colored for
// terminations, warning for rejected actions.
func (s StepSummary) Print() {
	st, icon := style.Muted, "→"
	switch {
	case s.Outcome != "ok":
		st, icon = style.Warn, "⚠"
	case s.Action == "stop" || s.Action == "end" || s.Action == "timeout":
		st, icon = style.Terminate, "■"
	}
	emit(st.Render(fmt.Sprintf("  %s %s %s [%s]", icon, s.SessionID, s.Action, s.Outcome)))
}

// ServerInfo dumps the effective configuration at startup.
type ServerInfo struct {
	Port           string
	GeofenceCount  int
	PreloadWorkers int
	RenderOutputPx int
}

// Print renders the configuration block.
func (s ServerInfo) Print() {
	Section("Configuration")
	row := func(icon, key, value string) {
		fmt.Printf("  %s %s %s\n",
			style.Muted.Render(icon),
			style.Key.Render(key),
			style.Value.Render(value))
	}
	row("🔌", "Port:", s.Port)
	row("🗺", "Geofences:", fmt.Sprintf("%d", s.GeofenceCount))
	row("⚙", "Preload workers:", fmt.Sprintf("%d", s.PreloadWorkers))
	row("🖼", "Render size:", fmt.Sprintf("%dpx", s.RenderOutputPx))
}

// Shutdown prints the graceful-shutdown notice.
func Shutdown() {
	fmt.Println()
	fmt.Println(style.Terminate.Render("  ⏸  Shutting down gracefully..."))
}

// httpLogger is the charm logger behind the HTTP request log; its field
// styles are set once here so the middleware only passes values.
var httpLogger = newHTTPLogger()

func newHTTPLogger() *log.Logger {
	l := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Prefix:          "http",
	})
	styles := log.DefaultStyles()
	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().Foreground(style.Dim)
	styles.Prefix = lipgloss.NewStyle().Foreground(style.Dim)
	l.SetStyles(styles)
	return l
}

// HTTPLogger returns the shared request logger for middleware use.
func HTTPLogger() *log.Logger {
	return httpLogger
}
