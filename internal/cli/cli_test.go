package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/tablock/internal/prefs"
)

type testCLI struct {
	out    bytes.Buffer
	errOut bytes.Buffer
	data   string
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	// Unix socket paths are short; t.TempDir can be long.
	dir, err := os.MkdirTemp("", "tlc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "run"))
	return &testCLI{data: filepath.Join(dir, "data", "tablock")}
}

func (c *testCLI) run(t *testing.T, args ...string) error {
	t.Helper()
	c.out.Reset()
	c.errOut.Reset()
	app := &App{out: &c.out, errOut: &c.errOut, isTerminal: func() bool { return false }}
	root := app.rootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func (c *testCLI) stored(t *testing.T) prefs.Prefs {
	t.Helper()
	s, err := prefs.Open(filepath.Join(c.data, "prefs.db"))
	require.NoError(t, err)
	defer s.Close()
	p, err := s.Load(context.Background())
	require.NoError(t, err)
	return p
}

func TestCLI_AddWithoutDaemonWarns(t *testing.T) {
	c := newTestCLI(t)

	require.NoError(t, c.run(t, "add", "https://mail.example.com/", "example.org"))
	assert.Contains(t, c.out.String(), "Locked https://mail.example.com/")
	assert.Contains(t, c.out.String(), "Locked example.org")
	assert.Contains(t, c.errOut.String(), "Warning: daemon is not running")

	p := c.stored(t)
	assert.Equal(t, []string{"https://mail.example.com/", "example.org"}, p.Patterns)
	assert.True(t, p.Active())
}

func TestCLI_AddReportsRejectedPatterns(t *testing.T) {
	c := newTestCLI(t)

	err := c.run(t, "add", "example.org", "example.org", "http://")
	require.Error(t, err)
	assert.ErrorIs(t, err, prefs.ErrDuplicatePattern)
	assert.ErrorIs(t, err, prefs.ErrInvalidPattern)
	assert.Equal(t, []string{"example.org"}, c.stored(t).Patterns)
}

func TestCLI_List(t *testing.T) {
	c := newTestCLI(t)

	require.NoError(t, c.run(t, "list"))
	assert.Equal(t, "Tabs unlocked\nNo locked URLs\n", c.out.String())

	require.NoError(t, c.run(t, "add", "a.example", "b.example"))
	require.NoError(t, c.run(t, "list"))
	assert.Equal(t, "Tabs locked\n1. a.example\n2. b.example\n", c.out.String())

	// Without a terminal the bare command lists.
	require.NoError(t, c.run(t))
	assert.Equal(t, "Tabs locked\n1. a.example\n2. b.example\n", c.out.String())
}

func TestCLI_Remove(t *testing.T) {
	c := newTestCLI(t)
	require.NoError(t, c.run(t, "add", "a.example", "b.example", "c.example"))

	require.NoError(t, c.run(t, "remove", "#2"))
	assert.Equal(t, []string{"a.example", "c.example"}, c.stored(t).Patterns)

	require.NoError(t, c.run(t, "remove", "c.example"))
	assert.Equal(t, []string{"a.example"}, c.stored(t).Patterns)

	assert.Error(t, c.run(t, "remove", "#0"))
	assert.Error(t, c.run(t, "remove", "#x"))
	assert.Error(t, c.run(t, "remove", "#5"))
	assert.Equal(t, []string{"a.example"}, c.stored(t).Patterns)
}

func TestCLI_Unlock(t *testing.T) {
	c := newTestCLI(t)
	require.NoError(t, c.run(t, "add", "a.example"))

	require.NoError(t, c.run(t, "unlock"))
	assert.Equal(t, "Tabs unlocked\n", c.out.String())

	p := c.stored(t)
	assert.Empty(t, p.Patterns)
	assert.False(t, p.Enabled)
}

func TestCLI_StatusWithoutDaemon(t *testing.T) {
	c := newTestCLI(t)
	require.NoError(t, c.run(t, "add", "a.example"))

	require.NoError(t, c.run(t, "status"))
	assert.Equal(t, "Daemon: not running\nTabs locked\n1. a.example\n", c.out.String())
}

func TestCLI_ConfigFile(t *testing.T) {
	c := newTestCLI(t)
	dir := t.TempDir()
	storePath := filepath.Join(dir, "elsewhere.db")
	cfgPath := filepath.Join(dir, "tablock.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  path: "+storePath+"\n"), 0o600))

	require.NoError(t, c.run(t, "--config", cfgPath, "add", "a.example"))

	s, err := prefs.Open(storePath)
	require.NoError(t, err)
	defer s.Close()
	p, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example"}, p.Patterns)
	assert.Empty(t, c.stored(t).Patterns)
}

func TestCLI_MissingConfigFile(t *testing.T) {
	c := newTestCLI(t)
	assert.Error(t, c.run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "list"))
}

func TestCLI_DaemonRejectsInvalidBackend(t *testing.T) {
	c := newTestCLI(t)
	err := c.run(t, "daemon", "--backend", "carrier-pigeon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host.backend")
}
