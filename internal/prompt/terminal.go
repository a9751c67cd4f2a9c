package prompt

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/hugo-lorenzo-mato/crashkit/internal/clip"
	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

// Terminal shows an interactive crash dialog on a TTY. When the input is not
// a terminal, or the dialog cannot run, Fallback answers instead.
type Terminal struct {
	In       *os.File
	Out      io.Writer
	Fallback Prompt
	Logger   *slog.Logger
}

// NewTerminal returns a dialog on stdin/stderr that falls back to Default.
func NewTerminal(logger *slog.Logger) *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr, Fallback: Default(), Logger: logger}
}

// Ask implements Prompt.
func (t *Terminal) Ask(r *report.Report) (res Result) {
	logger := logging.Or(t.Logger)
	fallback := t.Fallback
	if fallback == nil {
		fallback = Default()
	}
	defer func() {
		if v := recover(); v != nil {
			logger.Error("crash dialog panicked", slog.Any("panic", v))
			res = fallback.Ask(r)
		}
	}()

	if t.In == nil || !term.IsTerminal(int(t.In.Fd())) {
		return fallback.Ask(r)
	}
	out := t.Out
	if out == nil {
		out = os.Stderr
	}

	p := tea.NewProgram(newModel(r), tea.WithInput(t.In), tea.WithOutput(out), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		logger.Warn("crash dialog failed", slog.String("error", err.Error()))
		return fallback.Ask(r)
	}
	m := final.(model)
	r.GeneralInfo.UserDescription = m.description()
	return m.result
}

var (
	colorPrimary = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#9CA3AF")
	colorBorder  = lipgloss.Color("#374151")
	colorOK      = lipgloss.Color("#10B981")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			Padding(0, 1)

	summaryStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			PaddingLeft(1)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder)

	focusedPaneStyle = paneStyle.
				BorderForeground(colorPrimary)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorOK).
			PaddingLeft(1)
)

type keyMap struct {
	Send     key.Binding
	SendQuit key.Binding
	Discard  key.Binding
	Quit     key.Binding
	Copy     key.Binding
	Focus    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Send, k.SendQuit, k.Discard, k.Quit, k.Copy, k.Focus}
}

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var keys = keyMap{
	Send:     key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "send & continue")),
	SendQuit: key.NewBinding(key.WithKeys("ctrl+t"), key.WithHelp("ctrl+t", "send & quit")),
	Discard:  key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "continue without sending")),
	Quit:     key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit without sending")),
	Copy:     key.NewBinding(key.WithKeys("ctrl+y"), key.WithHelp("ctrl+y", "copy details")),
	Focus:    key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch pane")),
}

type copiedMsg struct {
	result clip.Result
	err    error
}

// copyDetails is replaced in tests.
var copyDetails = clip.WriteAll

type model struct {
	report   *report.Report
	details  string
	viewport viewport.Model
	textarea textarea.Model
	help     help.Model

	detailsFocused bool
	status         string
	result         Result
	done           bool
}

func newModel(r *report.Report) model {
	ta := textarea.New()
	ta.Placeholder = "What were you doing when this happened?"
	ta.Prompt = ""
	ta.CharLimit = 2000
	ta.ShowLineNumbers = false
	ta.SetWidth(78)
	ta.SetHeight(4)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.Focus()

	details := Details(r)
	vp := viewport.New(78, 12)
	vp.SetContent(details)

	return model{
		report:   r,
		details:  details,
		viewport: vp,
		textarea: ta,
		help:     help.New(),
	}
}

func (m model) description() string { return strings.TrimSpace(m.textarea.Value()) }

func (m model) Init() tea.Cmd { return textarea.Blink }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w := max(msg.Width-2, 20)
		m.textarea.SetWidth(w)
		m.viewport.Width = w
		m.viewport.Height = max(msg.Height-14, 3)
		m.help.Width = msg.Width
		return m, nil

	case copiedMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		} else {
			m.status = msg.result.String()
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Send):
			return m.finish(Result{Send: true})
		case key.Matches(msg, keys.SendQuit):
			return m.finish(Result{Send: true, Terminate: true})
		case key.Matches(msg, keys.Discard):
			return m.finish(Result{})
		case key.Matches(msg, keys.Quit):
			return m.finish(Result{Terminate: true})
		case key.Matches(msg, keys.Copy):
			text := m.details
			return m, func() tea.Msg {
				res, err := copyDetails(text)
				return copiedMsg{result: res, err: err}
			}
		case key.Matches(msg, keys.Focus):
			m.detailsFocused = !m.detailsFocused
			if m.detailsFocused {
				m.textarea.Blur()
			} else {
				m.textarea.Focus()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.detailsFocused {
		m.viewport, cmd = m.viewport.Update(msg)
	} else {
		m.textarea, cmd = m.textarea.Update(msg)
	}
	return m, cmd
}

func (m model) finish(res Result) (tea.Model, tea.Cmd) {
	m.result = res
	m.done = true
	return m, tea.Quit
}

func (m model) View() string {
	if m.done {
		return ""
	}
	gi := m.report.GeneralInfo
	title := titleStyle.Render(fmt.Sprintf("%s stopped working", orDefault(gi.HostApplication, "The application")))
	summary := summaryStyle.Render(fmt.Sprintf("%s: %s", gi.ExceptionType, gi.ExceptionMessage))

	descPane, detailPane := focusedPaneStyle, paneStyle
	if m.detailsFocused {
		descPane, detailPane = paneStyle, focusedPaneStyle
	}

	parts := []string{
		title,
		summary,
		descPane.Render(m.textarea.View()),
		detailPane.Render(m.viewport.View()),
	}
	if m.status != "" {
		parts = append(parts, statusStyle.Render(m.status))
	}
	parts = append(parts, m.help.View(keys))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
