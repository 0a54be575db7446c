package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state represents the current phase of the demo run.
type state int

const (
	stateInit       state = iota
	stateLoggingIn        // login request in flight
	stateRunning          // concurrent requests in flight
	stateRefreshing       // the single refresh call is in flight
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// maxStatusLines bounds the status log; older lines scroll off.
const maxStatusLines = 12

// Model is the BubbleTea model for the session demo TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	serverURL string
	path      string

	// Request progress
	total    int
	finished int
	failed   int
	queued   int
	refresh  int

	// Success / error display
	summary Summary
	errMsg  string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles — defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleCounter = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228"))

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		m.serverURL = msg.ServerURL
		return m, nil

	case MsgSessionLoaded:
		m.addStatus(statusOK, "Stored session for "+describeIdentity(msg.Identity))
		return m, nil

	case MsgSessionMissing:
		m.addStatus(statusInfo, "No stored session")
		return m, nil

	case MsgLoggingIn:
		m.state = stateLoggingIn
		m.addStatus(statusInfo, "Logging in as "+msg.Username)
		return m, nil

	case MsgLoginOK:
		m.addStatus(statusOK, "Logged in as "+describeIdentity(msg.Identity))
		return m, nil

	case MsgLoginFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Login failed: %v", msg.Err))
		return m, nil

	// ── Pipeline messages ────────────────────────────────────────────────────

	case MsgDispatching:
		m.state = stateRunning
		m.total = msg.Count
		m.path = msg.Path
		return m, nil

	case MsgRequestOK:
		m.finished++
		m.addStatus(statusOK, fmt.Sprintf("Request #%d ok (%s)", msg.N, msg.Elapsed.Round(time.Millisecond)))
		return m, nil

	case MsgRequestFailed:
		m.finished++
		m.failed++
		m.addStatus(statusWarn, fmt.Sprintf("Request #%d failed: %v", msg.N, msg.Err))
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, fmt.Sprintf("401 on %s %s", msg.Method, msg.Path))
		return m, nil

	case MsgReplaying:
		m.addStatus(statusInfo, fmt.Sprintf("Replaying %s %s", msg.Method, msg.Path))
		return m, nil

	// ── Refresh messages ─────────────────────────────────────────────────────

	case MsgRefreshing:
		m.state = stateRefreshing
		m.refresh++
		m.queued = 0
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgQueued:
		m.queued = msg.Depth
		return m, nil

	case MsgResolved:
		if m.state == stateRefreshing {
			m.state = stateRunning
		}
		m.queued = 0
		if msg.Err != nil {
			m.addStatus(statusWarn, fmt.Sprintf("Refresh failed, %d released: %v", msg.Released, msg.Err))
		} else {
			m.addStatus(statusOK, fmt.Sprintf("Token refreshed, %d released", msg.Released))
		}
		return m, nil

	case MsgRedirected:
		m.addStatus(statusWarn, "Session ended, redirecting to "+msg.Target)
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while logging in and while requests are in flight.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  SOJ Session Client  "))
	b.WriteString("\n")
	if m.serverURL != "" {
		b.WriteString(styleDim.Render("  " + m.serverURL))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateLoggingIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Logging in...\n")

	case stateRunning, stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Requests to " + m.path + "  ")
		b.WriteString(styleCounter.Render(fmt.Sprintf("%d/%d", m.finished, m.total)))
		b.WriteString("\n")
		if m.state == stateRefreshing {
			b.WriteString(styleWarn.Render(fmt.Sprintf("  Refreshing access token, %d queued", m.queued)))
			b.WriteString("\n")
		}

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after every request has settled.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.summary.Failed == 0 {
		b.WriteString(styleOK.Render("  ✓ All requests succeeded"))
	} else {
		b.WriteString(styleWarn.Render(fmt.Sprintf("  ⚠ %d of %d requests failed",
			m.summary.Failed, m.summary.Succeeded+m.summary.Failed)))
	}
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Succeeded: "))
	b.WriteString(fmt.Sprintf("%d\n", m.summary.Succeeded))

	b.WriteString(styleBold.Render("Failed:    "))
	b.WriteString(fmt.Sprintf("%d\n", m.summary.Failed))

	b.WriteString(styleBold.Render("Refreshes: "))
	b.WriteString(fmt.Sprintf("%d\n", m.refresh))

	b.WriteString(styleBold.Render("Elapsed:   "))
	b.WriteString(m.summary.Elapsed.Round(time.Millisecond).String() + "\n")

	if m.summary.Redirect != "" {
		b.WriteString(styleBold.Render("Redirect:  "))
		b.WriteString(m.summary.Redirect + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session demo failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = m.statusLines[n-maxStatusLines:]
	}
}
