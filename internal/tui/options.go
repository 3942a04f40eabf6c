// Package tui is the interactive options screen: add a URL to lock, remove
// one, or unlock everything.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/codefionn/tablock/internal/prefs"
)

const opTimeout = 5 * time.Second

// Store is the part of prefs.Store the screen edits.
type Store interface {
	Load(ctx context.Context) (prefs.Prefs, error)
	Add(ctx context.Context, pattern string) (prefs.Prefs, error)
	RemoveAt(ctx context.Context, index int) (prefs.Prefs, error)
	Clear(ctx context.Context) (prefs.Prefs, error)
}

// Notifier tells the daemon the preferences changed. Its error is shown as
// a warning; the change itself is already saved.
type Notifier func(ctx context.Context, p prefs.Prefs) error

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	lockedStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	unlockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	itemStyle     = lipgloss.NewStyle().PaddingLeft(4)
	selectedStyle = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("170"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type focus int

const (
	focusInput focus = iota
	focusList
)

type op int

const (
	opLoad op = iota
	opAdd
	opRemove
	opClear
)

// prefsMsg carries the result of a store call.
type prefsMsg struct {
	op    op
	prefs prefs.Prefs
	err   error
	// warn is a failed daemon notification after a successful change.
	warn error
}

type patternItem struct {
	index   int
	pattern string
}

func (i patternItem) FilterValue() string { return i.pattern }

type patternDelegate struct{}

func (patternDelegate) Height() int                             { return 1 }
func (patternDelegate) Spacing() int                            { return 0 }
func (patternDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }

func (patternDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, ok := item.(patternItem)
	if !ok {
		return
	}
	line := fmt.Sprintf("%d. %s", it.index+1, it.pattern)
	if index == m.Index() {
		fmt.Fprint(w, selectedStyle.Render("▸ "+line))
		return
	}
	fmt.Fprint(w, itemStyle.Render(line))
}

// Model is the options screen.
type Model struct {
	store  Store
	notify Notifier

	input textinput.Model
	list  list.Model
	focus focus

	prefs    prefs.Prefs
	err      error
	warning  string
	quitting bool
}

// New builds the screen. notify may be nil.
func New(store Store, notify Notifier) *Model {
	input := textinput.New()
	input.Placeholder = "https://mail.example.com/ or example.com"
	input.Prompt = "URL to lock: "
	input.CharLimit = 2048
	input.Focus()

	l := list.New(nil, patternDelegate{}, 60, 10)
	l.SetShowTitle(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.DisableQuitKeybindings()

	return &Model{store: store, notify: notify, input: input, list: l}
}

// Run shows the screen until the user quits or ctx ends.
func Run(ctx context.Context, store Store, notify Notifier) error {
	p := tea.NewProgram(New(store, notify), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.load())
}

func (m *Model) load() tea.Cmd {
	return m.storeCmd(opLoad, func(ctx context.Context) (prefs.Prefs, error) {
		return m.store.Load(ctx)
	})
}

// storeCmd runs fn off the UI loop. Mutations notify the daemon.
func (m *Model) storeCmd(o op, fn func(ctx context.Context) (prefs.Prefs, error)) tea.Cmd {
	notify := m.notify
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		p, err := fn(ctx)
		msg := prefsMsg{op: o, prefs: p, err: err}
		if err == nil && o != opLoad && notify != nil {
			msg.warn = notify(ctx, p)
		}
		return msg
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := msg.Height - 8
		if height < 3 {
			height = 3
		}
		m.list.SetSize(msg.Width, height)
		m.input.Width = msg.Width - len(m.input.Prompt) - 2
		return m, nil

	case prefsMsg:
		m.applyPrefs(msg)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m.forward(msg)
}

func (m *Model) applyPrefs(msg prefsMsg) {
	m.warning = ""
	if msg.err != nil {
		m.err = msg.err
		return
	}
	m.err = nil
	if msg.warn != nil {
		m.warning = msg.warn.Error()
	}
	if msg.op == opAdd {
		m.input.SetValue("")
	}

	m.prefs = msg.prefs
	selected := m.list.Index()
	items := make([]list.Item, len(msg.prefs.Patterns))
	for i, p := range msg.prefs.Patterns {
		items[i] = patternItem{index: i, pattern: p}
	}
	m.list.SetItems(items)
	if selected >= len(items) {
		selected = len(items) - 1
	}
	if selected >= 0 {
		m.list.Select(selected)
	}
	if len(items) == 0 && m.focus == focusList {
		m.setFocus(focusInput)
	}
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}
	if key == "tab" || key == "shift+tab" {
		if m.focus == focusInput && len(m.list.Items()) > 0 {
			m.setFocus(focusList)
		} else {
			m.setFocus(focusInput)
		}
		return m, nil
	}

	if m.focus == focusInput {
		switch key {
		case "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			pattern := strings.TrimSpace(m.input.Value())
			if pattern == "" {
				return m, nil
			}
			return m, m.storeCmd(opAdd, func(ctx context.Context) (prefs.Prefs, error) {
				return m.store.Add(ctx, pattern)
			})
		}
		return m.forward(msg)
	}

	switch key {
	case "q", "esc":
		m.quitting = true
		return m, tea.Quit
	case "a", "/":
		m.setFocus(focusInput)
		return m, nil
	case "d", "x", "delete", "backspace":
		it, ok := m.list.SelectedItem().(patternItem)
		if !ok {
			return m, nil
		}
		return m, m.storeCmd(opRemove, func(ctx context.Context) (prefs.Prefs, error) {
			return m.store.RemoveAt(ctx, it.index)
		})
	case "u":
		return m, m.storeCmd(opClear, func(ctx context.Context) (prefs.Prefs, error) {
			return m.store.Clear(ctx)
		})
	case "r":
		return m, m.load()
	}
	return m.forward(msg)
}

func (m *Model) forward(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	if m.focus == focusInput {
		m.input, cmd = m.input.Update(msg)
	} else {
		m.list, cmd = m.list.Update(msg)
	}
	return m, cmd
}

func (m *Model) setFocus(f focus) {
	m.focus = f
	if f == focusInput {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("tablock"))
	b.WriteString("  ")
	if m.prefs.Active() {
		b.WriteString(lockedStyle.Render(m.prefs.Label()))
	} else {
		b.WriteString(unlockedStyle.Render(m.prefs.Label()))
	}
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	if len(m.prefs.Patterns) == 0 {
		b.WriteString(helpStyle.Render("    No locked URLs"))
	} else {
		b.WriteString(m.list.View())
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()))
	}
	if m.warning != "" {
		b.WriteString("\n" + warnStyle.Render(m.warning))
	}

	help := "enter: lock URL • tab: list • esc: quit"
	if m.focus == focusList {
		help = "d: remove • u: unlock all • a: add • r: reload • q: quit"
	}
	b.WriteString("\n" + helpStyle.Render(help))
	return b.String()
}

// Prefs returns the preferences last shown.
func (m *Model) Prefs() prefs.Prefs {
	return m.prefs
}
