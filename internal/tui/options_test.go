package tui

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/tablock/internal/prefs"
)

type notifications struct {
	mu   sync.Mutex
	seen []prefs.Prefs
	err  error
}

func (n *notifications) notify(_ context.Context, p prefs.Prefs) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, p)
	return n.err
}

func newTestModel(t *testing.T) (*Model, *prefs.Store, *notifications) {
	t.Helper()
	store, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n := &notifications{}
	m := New(store, n.notify)
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	run(t, m, m.load())
	return m, store, n
}

// run executes cmd and feeds its message back, the way the program loop
// would for a store call.
func run(t *testing.T, m *Model, cmd tea.Cmd) {
	t.Helper()
	require.NotNil(t, cmd)
	msg, ok := cmd().(prefsMsg)
	require.True(t, ok, "expected a store result")
	m.Update(msg)
}

func press(m *Model, key tea.KeyMsg) tea.Cmd {
	_, cmd := m.Update(key)
	return cmd
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func addPattern(t *testing.T, m *Model, pattern string) {
	t.Helper()
	m.input.SetValue(pattern)
	run(t, m, press(m, tea.KeyMsg{Type: tea.KeyEnter}))
}

func TestOptions_StartsEmptyAndUnlocked(t *testing.T) {
	m, _, _ := newTestModel(t)

	view := m.View()
	assert.Contains(t, view, "Tabs unlocked")
	assert.Contains(t, view, "No locked URLs")
	assert.Equal(t, focusInput, m.focus)
}

func TestOptions_AddLocksAndNotifies(t *testing.T) {
	m, store, n := newTestModel(t)

	addPattern(t, m, "https://mail.example.com/")
	addPattern(t, m, "example.org")

	assert.Equal(t, []string{"https://mail.example.com/", "example.org"}, m.Prefs().Patterns)
	assert.Empty(t, m.input.Value())
	view := m.View()
	assert.Contains(t, view, "Tabs locked")
	assert.Contains(t, view, "1. https://mail.example.com/")
	assert.Contains(t, view, "2. example.org")

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.Active())

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.seen, 2)
	assert.True(t, n.seen[1].Enabled)
}

func TestOptions_RejectedInputStays(t *testing.T) {
	m, _, n := newTestModel(t)
	addPattern(t, m, "https://mail.example.com/")

	addPattern(t, m, "https://mail.example.com/")
	assert.ErrorIs(t, m.err, prefs.ErrDuplicatePattern)
	assert.Equal(t, "https://mail.example.com/", m.input.Value())
	assert.Contains(t, m.View(), prefs.ErrDuplicatePattern.Error())

	addPattern(t, m, "http://")
	assert.ErrorIs(t, m.err, prefs.ErrInvalidPattern)

	n.mu.Lock()
	assert.Len(t, n.seen, 1)
	n.mu.Unlock()

	addPattern(t, m, "example.org")
	assert.NoError(t, m.err)
}

func TestOptions_EmptyInputIgnored(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.input.SetValue("   ")
	assert.Nil(t, press(m, tea.KeyMsg{Type: tea.KeyEnter}))
}

func TestOptions_RemoveSelected(t *testing.T) {
	m, _, n := newTestModel(t)
	addPattern(t, m, "a.example")
	addPattern(t, m, "b.example")
	addPattern(t, m, "c.example")

	press(m, tea.KeyMsg{Type: tea.KeyTab})
	require.Equal(t, focusList, m.focus)
	press(m, tea.KeyMsg{Type: tea.KeyDown})
	run(t, m, press(m, runes("d")))
	assert.Equal(t, []string{"a.example", "c.example"}, m.Prefs().Patterns)

	// Selection stays in range after removing the last row.
	press(m, tea.KeyMsg{Type: tea.KeyDown})
	run(t, m, press(m, runes("d")))
	assert.Equal(t, []string{"a.example"}, m.Prefs().Patterns)

	run(t, m, press(m, runes("d")))
	assert.Empty(t, m.Prefs().Patterns)
	assert.False(t, m.Prefs().Enabled)
	assert.Equal(t, focusInput, m.focus)

	n.mu.Lock()
	defer n.mu.Unlock()
	last := n.seen[len(n.seen)-1]
	assert.False(t, last.Enabled)
}

func TestOptions_UnlockAll(t *testing.T) {
	m, _, _ := newTestModel(t)
	addPattern(t, m, "a.example")
	addPattern(t, m, "b.example")

	press(m, tea.KeyMsg{Type: tea.KeyTab})
	run(t, m, press(m, runes("u")))

	assert.Empty(t, m.Prefs().Patterns)
	assert.Contains(t, m.View(), "Tabs unlocked")
}

func TestOptions_NotifyFailureIsWarning(t *testing.T) {
	m, _, n := newTestModel(t)
	n.err = errors.New("daemon is not running")

	addPattern(t, m, "a.example")

	assert.NoError(t, m.err)
	assert.Equal(t, []string{"a.example"}, m.Prefs().Patterns)
	assert.Contains(t, m.View(), "daemon is not running")
}

func TestOptions_ReloadPicksUpExternalChanges(t *testing.T) {
	m, store, _ := newTestModel(t)
	addPattern(t, m, "a.example")

	_, err := store.Add(context.Background(), "b.example")
	require.NoError(t, err)

	press(m, tea.KeyMsg{Type: tea.KeyTab})
	run(t, m, press(m, runes("r")))
	assert.Equal(t, []string{"a.example", "b.example"}, m.Prefs().Patterns)
}

func TestOptions_Quit(t *testing.T) {
	m, _, _ := newTestModel(t)

	cmd := press(m, tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Empty(t, m.View())
}

func TestOptions_TabWithEmptyListKeepsInput(t *testing.T) {
	m, _, _ := newTestModel(t)
	press(m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, focusInput, m.focus)

	// Typing goes to the input, not the list keys.
	press(m, runes("q"))
	assert.Equal(t, "q", m.input.Value())
	assert.False(t, m.quitting)
}
