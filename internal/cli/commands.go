package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/tablock/internal/control"
	"github.com/codefionn/tablock/internal/daemon"
	"github.com/codefionn/tablock/internal/lockfile"
	"github.com/codefionn/tablock/internal/logger"
	"github.com/codefionn/tablock/internal/prefs"
	"github.com/codefionn/tablock/internal/tui"
)

func (a *App) daemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the lock engine against the browser",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().String("backend", "", "host backend: cdp or relay")
	cmd.Flags().String("cdp-url", "", "DevTools endpoint of the browser")
	cmd.Flags().String("relay-addr", "", "listen address for the browser relay")
	cmd.Flags().String("status-addr", "", "listen address for the HTTP status endpoint")
	cmd.Flags().String("log-level", "", "debug, info, warn, error or none")
	cmd.Flags().String("log-path", "", "log file")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := a.config(cmd, map[string]string{
			"backend":     "host.backend",
			"cdp-url":     "host.cdp_url",
			"relay-addr":  "host.relay_addr",
			"status-addr": "status.addr",
			"log-level":   "log.level",
			"log-path":    "log.path",
		})
		if err != nil {
			return err
		}

		if err := logger.Init(logger.ParseLevel(cfg.Log.Level), cfg.Log.Path); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer func() {
			if err := logger.Global().Close(); err != nil {
				fmt.Fprintf(a.errOut, "Warning: failed to close logger: %v\n", err)
			}
		}()
		logger.Info("tablock daemon starting")
		logger.Debug("Configuration: backend=%s store=%s socket=%s", cfg.Host.Backend, cfg.Store.Path, cfg.Control.SocketPath)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := daemon.New(ctx, daemon.Options{Config: cfg})
		if err != nil {
			if errors.Is(err, lockfile.ErrLocked) {
				return fmt.Errorf("%w; see tablock status", err)
			}
			logger.Error("Failed to start daemon: %v", err)
			return err
		}
		return d.Run(ctx)
	}
	return cmd
}

func (a *App) addCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <url>...",
		Short: "Lock tabs showing a URL or hostname",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			var p prefs.Prefs
			var added int
			var errs []error
			for _, pattern := range args {
				next, err := store.Add(ctx, pattern)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				p = next
				added++
				fmt.Fprintf(a.out, "Locked %s\n", strings.TrimSpace(pattern))
			}
			if added > 0 {
				a.notifyOrWarn(ctx, p)
			}
			return errors.Join(errs...)
		},
	}
}

func (a *App) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <url|#n>",
		Short: "Stop locking a URL, by value or by its number in list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			var p prefs.Prefs
			if n, ok := strings.CutPrefix(args[0], "#"); ok {
				index, convErr := strconv.Atoi(n)
				if convErr != nil || index < 1 {
					return fmt.Errorf("invalid list number %q", args[0])
				}
				p, err = store.RemoveAt(ctx, index-1)
			} else {
				p, err = store.Remove(ctx, args[0])
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Unlocked %s\n", args[0])
			a.notifyOrWarn(ctx, p)
			return nil
		},
	}
}

func (a *App) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the locked URLs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runList(cmd.Context())
		},
	}
}

func (a *App) runList(ctx context.Context) error {
	store, err := a.openStore(nil)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.Load(ctx)
	if err != nil {
		return err
	}
	printPrefs(a.out, p)
	return nil
}

func (a *App) unlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Remove every locked URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := store.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, p.Label())
			a.notifyOrWarn(cmd.Context(), p)
			return nil
		},
	}
}

func (a *App) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's lock state and tracked tabs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config(cmd, nil)
			if err != nil {
				return err
			}

			st, err := control.NewClient(cfg.Control.SocketPath).Status(cmd.Context())
			if errors.Is(err, control.ErrDaemonNotRunning) {
				fmt.Fprintln(a.out, "Daemon: not running")
				return a.runList(cmd.Context())
			}
			if err != nil {
				return err
			}

			if pid, alive := lockfile.Owner(cfg.Daemon.LockPath); alive {
				fmt.Fprintf(a.out, "Daemon: running (pid %d)\n", pid)
			} else {
				fmt.Fprintln(a.out, "Daemon: running")
			}
			printPrefs(a.out, prefs.Prefs{Patterns: st.Patterns, Enabled: st.Enabled})

			fmt.Fprintf(a.out, "Tracked tabs: %d\n", len(st.Tracked))
			for _, t := range st.Tracked {
				fmt.Fprintf(a.out, "  tab %d  window %d  index %d  %s\n", t.TabID, t.WindowID, t.Index, t.URL)
			}
			if st.PendingReopens > 0 {
				fmt.Fprintf(a.out, "Pending reopens: %d\n", st.PendingReopens)
			}
			if !st.LastSweep.IsZero() {
				fmt.Fprintf(a.out, "Last sweep: %s\n", st.LastSweep.Format("15:04:05"))
			}
			return nil
		},
	}
}

func (a *App) uiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Edit locked URLs interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUI(cmd.Context())
		},
	}
}

func (a *App) runUI(ctx context.Context) error {
	store, err := a.openStore(nil)
	if err != nil {
		return err
	}
	defer store.Close()
	return tui.Run(ctx, store, a.notify)
}
