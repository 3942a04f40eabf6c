// Package daemon assembles and runs the long-lived tablock process.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/tablock/internal/config"
	"github.com/codefionn/tablock/internal/control"
	"github.com/codefionn/tablock/internal/engine"
	"github.com/codefionn/tablock/internal/guard"
	"github.com/codefionn/tablock/internal/host"
	"github.com/codefionn/tablock/internal/host/cdp"
	"github.com/codefionn/tablock/internal/host/relay"
	"github.com/codefionn/tablock/internal/lockfile"
	"github.com/codefionn/tablock/internal/logger"
	"github.com/codefionn/tablock/internal/metrics"
	"github.com/codefionn/tablock/internal/prefs"
	"github.com/codefionn/tablock/internal/status"
)

// Options configures New.
type Options struct {
	Config *config.Config
	// Browser replaces the configured backend when set. The daemon closes
	// it on shutdown.
	Browser host.Browser
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg      *config.Config
	log      *logger.Logger
	lock     *lockfile.Lockfile
	store    *prefs.Store
	registry *prometheus.Registry
	browser  host.Browser
	engine   *engine.Engine
	control  *control.Server
	status   *status.Server
	watcher  *prefs.Watcher

	ready chan struct{}
}

// New acquires the single-instance lock and builds the components. Nothing
// runs until Run. On error everything acquired so far is released.
func New(ctx context.Context, opts Options) (_ *Daemon, err error) {
	cfg := opts.Config
	d := &Daemon{
		cfg:   cfg,
		log:   logger.Named("daemon"),
		lock:  lockfile.New(cfg.Daemon.LockPath),
		ready: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if err := d.lock.TryAcquire(); err != nil {
		return nil, err
	}

	d.store, err = prefs.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(d.registry)

	d.browser = opts.Browser
	if d.browser == nil {
		d.browser, err = d.openBrowser(ctx)
		if err != nil {
			return nil, err
		}
	}

	injector, err := guard.New(d.browser, cfg.GuardOptions())
	if err != nil {
		return nil, fmt.Errorf("build guard: %w", err)
	}

	engineOpts := cfg.EngineOptions()
	engineOpts.Metrics = m
	d.engine = engine.New(d.browser, injector, d.store, engineOpts)

	d.control = control.NewServer(cfg.Control.SocketPath, d.engine)
	if cfg.Status.Addr != "" {
		d.status = status.NewServer(cfg.Status.Addr, d.engine, d.registry)
	}

	d.watcher, err = prefs.NewWatcher(cfg.Store.Path, prefs.DefaultDebounce)
	if err != nil {
		return nil, fmt.Errorf("watch preferences: %w", err)
	}
	return d, nil
}

func (d *Daemon) openBrowser(ctx context.Context) (host.Browser, error) {
	switch d.cfg.Host.Backend {
	case config.BackendCDP:
		d.log.Info("Attaching to browser at %s", d.cfg.Host.CDPURL)
		b, err := cdp.Dial(ctx, d.cfg.Host.CDPURL)
		if err != nil {
			return nil, fmt.Errorf("attach to browser: %w", err)
		}
		return b, nil

	case config.BackendRelay:
		r := relay.New(relay.Options{
			Token: d.cfg.Host.RelayToken,
			// A (re)connected peer may have tabs the engine has never
			// seen. Before Run, the initial sync covers it.
			OnConnect: func(string) {
				select {
				case <-d.ready:
					d.syncFromStore(context.Background())
				default:
				}
			},
		})
		if err := r.Start(d.cfg.Host.RelayAddr); err != nil {
			return nil, err
		}
		return r, nil

	default:
		return nil, fmt.Errorf("unknown host backend %q", d.cfg.Host.Backend)
	}
}

// Ready is closed once the engine runs and the servers listen.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// ControlPath returns the control socket path.
func (d *Daemon) ControlPath() string {
	return d.control.Path()
}

// StatusAddr returns the bound status address, or "" when disabled.
func (d *Daemon) StatusAddr() string {
	if d.status == nil {
		return ""
	}
	return d.status.Addr()
}

// Run serves until ctx is done or a component fails, then shuts everything
// down and releases the lock.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()

	g, gctx := errgroup.WithContext(ctx)

	if err := d.engine.Start(gctx); err != nil {
		d.watcher.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	if err := d.control.Start(gctx); err != nil {
		d.watcher.Close()
		d.stopEngine()
		return err
	}
	if d.status != nil {
		if err := d.status.Start(); err != nil {
			d.watcher.Close()
			d.control.Stop()
			d.stopEngine()
			return err
		}
	}

	g.Go(func() error {
		return d.engine.Consume(gctx, d.browser.Events())
	})
	g.Go(func() error {
		err := d.watcher.Run(gctx, func() {
			d.log.Debug("Preferences changed on disk")
			d.syncFromStore(gctx)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		var errs []error
		if d.status != nil {
			errs = append(errs, d.status.Stop())
		}
		errs = append(errs, d.control.Stop())
		return errors.Join(errs...)
	})

	d.syncFromStore(gctx)
	close(d.ready)
	d.log.Info("Daemon running (backend %s, control %s)", d.cfg.Host.Backend, d.control.Path())

	err := g.Wait()
	d.stopEngine()
	if err != nil {
		d.log.Error("Daemon stopped: %v", err)
		return err
	}
	d.log.Info("Daemon stopped")
	return nil
}

// syncFromStore issues lock or unlock according to the stored preferences,
// the same decision the options screen makes after an edit.
func (d *Daemon) syncFromStore(ctx context.Context) {
	p, err := d.store.Load(ctx)
	if err != nil {
		d.log.Warn("Failed to read preferences: %v", err)
		return
	}
	cmd := engine.CommandUnlock
	if p.Active() {
		cmd = engine.CommandLock
	}
	if err := d.engine.Command(ctx, cmd); err != nil && ctx.Err() == nil {
		d.log.Warn("Failed to queue %s: %v", cmd, err)
	}
}

func (d *Daemon) stopEngine() {
	ctx, cancel := context.WithTimeout(context.Background(), engine.DefaultOpTimeout)
	defer cancel()
	if err := d.engine.Stop(ctx); err != nil {
		d.log.Warn("Engine did not stop cleanly: %v", err)
	}
}

// close releases resources in reverse order of acquisition. It tolerates a
// partially built daemon.
func (d *Daemon) close() {
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			d.log.Warn("Failed to close browser backend: %v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("Failed to close preferences: %v", err)
		}
	}
	if err := d.lock.Release(); err != nil {
		d.log.Warn("Failed to release daemon lock: %v", err)
	}
}
