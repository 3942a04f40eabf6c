package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/codefionn/tablock/internal/engine"
	"github.com/codefionn/tablock/internal/guard"
)

const (
	appName = "tablock"

	BackendCDP   = "cdp"
	BackendRelay = "relay"
)

// Config is the daemon and CLI configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Guard   GuardConfig   `mapstructure:"guard"`
	Host    HostConfig    `mapstructure:"host"`
	Control ControlConfig `mapstructure:"control"`
	Status  StatusConfig  `mapstructure:"status"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error, none
	Path  string `mapstructure:"path"`
}

type StoreConfig struct {
	// Path of the SQLite preferences database.
	Path string `mapstructure:"path"`
}

type EngineConfig struct {
	ReopenDelay   time.Duration `mapstructure:"reopen_delay"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MailboxSize   int           `mapstructure:"mailbox_size"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
}

type GuardConfig struct {
	RearmInterval time.Duration `mapstructure:"rearm_interval"`
	Message       string        `mapstructure:"message"`
	Notice        string        `mapstructure:"notice"`
}

type HostConfig struct {
	Backend string `mapstructure:"backend"` // cdp or relay
	// CDPURL is the DevTools endpoint, http://host:port or a ws:// browser URL.
	CDPURL     string `mapstructure:"cdp_url"`
	RelayAddr  string `mapstructure:"relay_addr"`
	RelayToken string `mapstructure:"relay_token"`
}

type ControlConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

type StatusConfig struct {
	// Addr of the HTTP status endpoint. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type DaemonConfig struct {
	LockPath string `mapstructure:"lock_path"`
}

// ConfigDir returns the directory searched for config.yaml.
func ConfigDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if runtime.GOOS == "windows" {
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", appName)
}

// DataDir returns the directory holding the preferences database, the log
// and the daemon lock.
func DataDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if runtime.GOOS == "windows" {
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", appName)
}

// runtimeDir holds the control socket. Unix socket paths are short, so
// prefer XDG_RUNTIME_DIR over the data directory.
func runtimeDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	return DataDir()
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Log: LogConfig{
			Level: "info",
			Path:  filepath.Join(dataDir, appName+".log"),
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "prefs.db"),
		},
		Engine: EngineConfig{
			ReopenDelay:   engine.DefaultReopenDelay,
			SweepInterval: engine.DefaultSweepInterval,
			MailboxSize:   engine.DefaultMailboxSize,
			OpTimeout:     engine.DefaultOpTimeout,
		},
		Guard: GuardConfig{
			RearmInterval: guard.DefaultRearmInterval,
			Message:       guard.DefaultMessage,
			Notice:        guard.DefaultNotice,
		},
		Host: HostConfig{
			Backend:   BackendCDP,
			CDPURL:    "http://127.0.0.1:9222",
			RelayAddr: "127.0.0.1:7465",
		},
		Control: ControlConfig{
			SocketPath: filepath.Join(runtimeDir(), "control.sock"),
		},
		Status: StatusConfig{},
		Daemon: DaemonConfig{
			LockPath: filepath.Join(dataDir, "daemon.lock"),
		},
	}
}

// SetDefaults registers Default on v so every key resolves without a
// config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.path", d.Log.Path)

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("engine.reopen_delay", d.Engine.ReopenDelay)
	v.SetDefault("engine.sweep_interval", d.Engine.SweepInterval)
	v.SetDefault("engine.mailbox_size", d.Engine.MailboxSize)
	v.SetDefault("engine.op_timeout", d.Engine.OpTimeout)

	v.SetDefault("guard.rearm_interval", d.Guard.RearmInterval)
	v.SetDefault("guard.message", d.Guard.Message)
	v.SetDefault("guard.notice", d.Guard.Notice)

	v.SetDefault("host.backend", d.Host.Backend)
	v.SetDefault("host.cdp_url", d.Host.CDPURL)
	v.SetDefault("host.relay_addr", d.Host.RelayAddr)
	v.SetDefault("host.relay_token", d.Host.RelayToken)

	v.SetDefault("control.socket_path", d.Control.SocketPath)
	v.SetDefault("status.addr", d.Status.Addr)
	v.SetDefault("daemon.lock_path", d.Daemon.LockPath)
}

// NewViper returns a viper instance with defaults, the TABLOCK_ environment
// and, if present, the config file. cfgFile overrides the search path and
// must exist.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
	}

	// TABLOCK_ENGINE_REOPEN_DELAY for engine.reopen_delay
	v.SetEnvPrefix("TABLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// EngineOptions maps the engine section onto engine.Options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		ReopenDelay:   c.Engine.ReopenDelay,
		SweepInterval: c.Engine.SweepInterval,
		MailboxSize:   c.Engine.MailboxSize,
		OpTimeout:     c.Engine.OpTimeout,
	}
}

// GuardOptions maps the guard section onto guard.Options.
func (c *Config) GuardOptions() guard.Options {
	return guard.Options{
		Message:       c.Guard.Message,
		Notice:        c.Guard.Notice,
		RearmInterval: c.Guard.RearmInterval,
	}
}
