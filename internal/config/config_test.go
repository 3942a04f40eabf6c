package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "run"))
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join(dir, "data", "tablock", "prefs.db"), cfg.Store.Path)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.ReopenDelay)
	assert.Equal(t, 5*time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, 256, cfg.Engine.MailboxSize)
	assert.Equal(t, time.Second, cfg.Guard.RearmInterval)
	assert.Equal(t, BackendCDP, cfg.Host.Backend)
	assert.Equal(t, filepath.Join(dir, "run", "tablock", "control.sock"), cfg.Control.SocketPath)
	assert.Equal(t, filepath.Join(dir, "data", "tablock", "daemon.lock"), cfg.Daemon.LockPath)
	assert.Empty(t, cfg.Status.Addr)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := isolate(t)
	cfgDir := filepath.Join(dir, "config", "tablock")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(`
log:
  level: debug
engine:
  reopen_delay: 250ms
  sweep_interval: 10s
host:
  backend: relay
  relay_addr: 127.0.0.1:9000
status:
  addr: 127.0.0.1:9100
`), 0o644))
	t.Setenv("TABLOCK_ENGINE_SWEEP_INTERVAL", "2s")
	t.Setenv("TABLOCK_HOST_RELAY_TOKEN", "s3cret")

	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.ReopenDelay)
	assert.Equal(t, 2*time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, BackendRelay, cfg.Host.Backend)
	assert.Equal(t, "127.0.0.1:9000", cfg.Host.RelayAddr)
	assert.Equal(t, "s3cret", cfg.Host.RelayToken)
	assert.Equal(t, "127.0.0.1:9100", cfg.Status.Addr)

	opts := cfg.EngineOptions()
	assert.Equal(t, 250*time.Millisecond, opts.ReopenDelay)
	assert.Equal(t, time.Second, cfg.GuardOptions().RearmInterval)
}

func TestNewViper_ExplicitFileMustExist(t *testing.T) {
	dir := isolate(t)

	_, err := NewViper(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("guard:\n  message: go away\n"), 0o644))
	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "go away", cfg.Guard.Message)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: loud
engine:
  reopen_delay: 0s
  mailbox_size: -1
host:
  backend: firefox
`), 0o644))

	v, err := NewViper(path)
	require.NoError(t, err)
	_, err = Load(v)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"log.level", "engine.reopen_delay", "engine.mailbox_size", "host.backend"}, fields)
	assert.Contains(t, err.Error(), "4 validation errors")
}

func TestValidate_BackendEndpoint(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Host.CDPURL = ""
	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "host.cdp_url", errs[0].Field)

	cfg = Default()
	cfg.Host.Backend = BackendRelay
	cfg.Host.RelayAddr = ""
	errs = cfg.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "host.relay_addr", errs[0].Field)
}
