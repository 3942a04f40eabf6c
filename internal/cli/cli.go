// Package cli implements the tablock command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/codefionn/tablock/internal/config"
	"github.com/codefionn/tablock/internal/control"
	"github.com/codefionn/tablock/internal/prefs"
)

// App holds what the commands share: configuration, output streams and
// how the daemon is reached.
type App struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config

	out    io.Writer
	errOut io.Writer

	// isTerminal reports whether stdout is interactive.
	isTerminal func() bool
}

// NewRootCommand builds the command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	app := &App{
		out:    out,
		errOut: errOut,
		isTerminal: func() bool {
			return term.IsTerminal(int(os.Stdout.Fd()))
		},
	}
	return app.rootCommand()
}

func (a *App) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tablock",
		Short: "Keep browser tabs from being closed",
		Long: `tablock keeps browser tabs open. Tabs whose address matches a locked URL
get a guard that intercepts the close shortcut and asks before unloading,
and are reopened at the same position if they are closed anyway.

Run "tablock daemon" next to a browser started with --remote-debugging-port,
then lock URLs with "tablock add" or the interactive screen.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(a.cfgFile)
			if err != nil {
				return err
			}
			a.v = v
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.isTerminal() {
				return a.runUI(cmd.Context())
			}
			return a.runList(cmd.Context())
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/tablock/config.yaml)")

	root.AddCommand(
		a.daemonCommand(),
		a.addCommand(),
		a.removeCommand(),
		a.listCommand(),
		a.unlockCommand(),
		a.statusCommand(),
		a.uiCommand(),
	)
	return root
}

// config binds flags to their keys and decodes the configuration.
func (a *App) config(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	for flag, key := range bindings {
		if err := a.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *App) openStore(cmd *cobra.Command) (*prefs.Store, error) {
	cfg, err := a.config(cmd, nil)
	if err != nil {
		return nil, err
	}
	return prefs.Open(cfg.Store.Path)
}

// notify tells a running daemon to lock or unlock, as the options screen
// does after every change.
func (a *App) notify(ctx context.Context, p prefs.Prefs) error {
	client := control.NewClient(a.cfg.Control.SocketPath)
	var err error
	if p.Active() {
		err = client.Lock(ctx)
	} else {
		err = client.Unlock(ctx)
	}
	if errors.Is(err, control.ErrDaemonNotRunning) {
		return errors.New("daemon is not running; changes apply when it starts")
	}
	return err
}

// notifyOrWarn notifies the daemon and prints a failure as a warning. The
// preferences are already saved at this point.
func (a *App) notifyOrWarn(ctx context.Context, p prefs.Prefs) {
	if err := a.notify(ctx, p); err != nil {
		fmt.Fprintf(a.errOut, "Warning: %v\n", err)
	}
}

func printPrefs(w io.Writer, p prefs.Prefs) {
	fmt.Fprintln(w, p.Label())
	if len(p.Patterns) == 0 {
		fmt.Fprintln(w, "No locked URLs")
		return
	}
	for i, pattern := range p.Patterns {
		fmt.Fprintf(w, "%d. %s\n", i+1, pattern)
	}
}
