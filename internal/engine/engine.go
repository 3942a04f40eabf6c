// Package engine is the tab lock reconciliation engine.
//
// All state lives on one actor goroutine. Tab events, lock commands, sweep
// ticks and reopen timers arrive as messages. Calls into the browser or the
// preference store run on helper goroutines and post their continuation
// back as a message, so other messages may be handled in between; every
// continuation re-checks the state it depends on before acting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codefionn/tablock/internal/actor"
	"github.com/codefionn/tablock/internal/host"
	"github.com/codefionn/tablock/internal/logger"
	"github.com/codefionn/tablock/internal/matcher"
	"github.com/codefionn/tablock/internal/metrics"
	"github.com/codefionn/tablock/internal/prefs"
	"github.com/codefionn/tablock/internal/registry"
)

const (
	DefaultReopenDelay   = 100 * time.Millisecond
	DefaultSweepInterval = 5 * time.Second
	DefaultMailboxSize   = 256
	DefaultOpTimeout     = 10 * time.Second
)

// Loader reads the current preferences.
type Loader interface {
	Load(ctx context.Context) (prefs.Prefs, error)
}

// Installer installs the close guard into a tab.
type Installer interface {
	Install(ctx context.Context, id host.TabID) error
}

// Options tunes the engine. Zero values take the defaults above.
type Options struct {
	ReopenDelay   time.Duration
	SweepInterval time.Duration
	MailboxSize   int
	// OpTimeout bounds each browser or store call.
	OpTimeout time.Duration
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.ReopenDelay <= 0 {
		o.ReopenDelay = DefaultReopenDelay
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = DefaultMailboxSize
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.Named("engine")
	}
	return o
}

// Status is a point-in-time view of the engine and the stored preferences.
type Status struct {
	Enabled        bool               `json:"enabled"`
	Label          string             `json:"label"`
	Patterns       []string           `json:"patterns"`
	Tracked        []registry.Tracked `json:"tracked"`
	PendingReopens int                `json:"pendingReopens"`
	LastSweep      time.Time          `json:"lastSweep"`
}

// Engine is the handle to a running reconciler.
type Engine struct {
	ref   *actor.Ref
	store Loader
	opts  Options

	stopTicker context.CancelFunc
	tickerDone chan struct{}
}

// New creates an engine. It does nothing until Start.
func New(tabs host.Tabs, guard Installer, store Loader, opts Options) *Engine {
	opts = opts.withDefaults()
	rec := &reconciler{
		tabs:   tabs,
		guard:  guard,
		store:  store,
		opts:   opts,
		log:    opts.Logger,
		reg:    registry.New(),
		timers: make(map[uint64]*time.Timer),
	}
	ref := actor.NewRef(rec, opts.MailboxSize)
	rec.self = ref
	return &Engine{ref: ref, store: store, opts: opts}
}

// Start runs the actor and the sweep ticker.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ref.Start(ctx); err != nil {
		return err
	}

	tickCtx, cancel := context.WithCancel(ctx)
	e.stopTicker = cancel
	e.tickerDone = make(chan struct{})
	go e.tick(tickCtx)
	return nil
}

// Stop halts the ticker and the actor. Pending reopens are dropped.
func (e *Engine) Stop(ctx context.Context) error {
	if e.stopTicker != nil {
		e.stopTicker()
		<-e.tickerDone
	}
	return e.ref.Stop(ctx)
}

func (e *Engine) tick(ctx context.Context) {
	defer close(e.tickerDone)
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A full mailbox means the engine is busy; the next tick will do.
			if err := e.ref.Send(sweepMsg{}); err != nil {
				e.opts.Logger.Debug("Skipping sweep: %v", err)
			}
		}
	}
}

// HandleEvent queues a tab lifecycle event.
func (e *Engine) HandleEvent(ctx context.Context, ev host.Event) error {
	return e.ref.SendContext(ctx, eventMsg{Event: ev})
}

// Consume feeds events into the engine until the channel closes or ctx is
// done.
func (e *Engine) Consume(ctx context.Context, events <-chan host.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.HandleEvent(ctx, ev); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("deliver %s event: %w", ev.Kind(), err)
			}
		}
	}
}

// Lock queues a full resynchronization against the stored patterns.
func (e *Engine) Lock(ctx context.Context) error {
	return e.Command(ctx, CommandLock)
}

// Unlock queues clearing every tracked tab.
func (e *Engine) Unlock(ctx context.Context) error {
	return e.Command(ctx, CommandUnlock)
}

// Command queues cmd.
func (e *Engine) Command(ctx context.Context, cmd Command) error {
	switch cmd {
	case CommandLock, CommandUnlock:
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return e.ref.SendContext(ctx, commandMsg{Command: cmd})
}

// Sweep queues an immediate sweep.
func (e *Engine) Sweep(ctx context.Context) error {
	return e.ref.SendContext(ctx, sweepMsg{})
}

// Status returns the engine's view merged with the stored preferences.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	req := statusRequest{ResponseCh: make(chan Status, 1)}
	if err := e.ref.SendContext(ctx, req); err != nil {
		return Status{}, err
	}

	var st Status
	select {
	case st = <-req.ResponseCh:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	p, err := e.store.Load(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load preferences: %w", err)
	}
	st.Enabled = p.Active()
	st.Label = p.Label()
	st.Patterns = p.Patterns
	return st, nil
}

// reconciler is the actor. Its fields are only touched from Receive and
// from continuations, which also run inside Receive.
type reconciler struct {
	tabs  host.Tabs
	guard Installer
	store Loader
	opts  Options
	log   *logger.Logger
	self  *actor.Ref
	ctx   context.Context

	reg *registry.Registry

	// gen changes on every lock or unlock command. Results of a scan or
	// match started under an older generation are discarded.
	gen uint64
	// unlocks changes on every unlock command. A reopen scheduled before
	// an unlock must not track its new tab.
	unlocks uint64
	// scanTouched records tabs tracked (true) or untracked (false) while a
	// lock scan is in flight. The scan's tab list predates those changes,
	// so applying it must not undo them.
	scanTouched map[host.TabID]bool

	timers     map[uint64]*time.Timer
	nextReopen uint64
	lastSweep  time.Time
}

func (r *reconciler) ID() string { return "engine" }

func (r *reconciler) Start(ctx context.Context) error {
	r.ctx = ctx
	return nil
}

func (r *reconciler) Stop(ctx context.Context) error {
	for _, t := range r.timers {
		t.Stop()
	}
	clear(r.timers)
	return nil
}

func (r *reconciler) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case eventMsg:
		r.handleEvent(m.Event)
	case commandMsg:
		r.handleCommand(m.Command)
	case sweepMsg:
		r.sweep()
	case reopenMsg:
		r.reopen(m)
	case resumeMsg:
		m.Fn()
	case statusRequest:
		m.ResponseCh <- Status{
			Tracked:        r.reg.Snapshot(),
			PendingReopens: len(r.timers),
			LastSweep:      r.lastSweep,
		}
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type())
	}
	return nil
}

// post queues a message from a helper goroutine. Messages posted after the
// engine stopped are dropped.
func (r *reconciler) post(msg actor.Message) {
	if err := r.self.SendContext(r.ctx, msg); err != nil {
		r.log.Debug("Dropping %s: %v", msg.Type(), err)
	}
}

// await runs op off the actor goroutine and hands its result to then back
// on it.
func await[T any](r *reconciler, name string, op func(ctx context.Context) (T, error), then func(T, error)) {
	ctx := r.ctx
	timeout := r.opts.OpTimeout
	go func() {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		v, err := op(opCtx)
		cancel()
		r.post(resumeMsg{Op: name, Fn: func() { then(v, err) }})
	}()
}

func (r *reconciler) handleEvent(ev host.Event) {
	switch e := ev.(type) {
	case host.Created:
		if e.Info.URL != "" {
			r.checkAndLock(e.Info)
		}
	case host.Updated:
		if e.Status != host.StatusComplete {
			return
		}
		info := e.Info
		info.ID = e.TabID
		if info.URL != "" {
			r.checkAndLock(info)
			return
		}
		gen := r.gen
		await(r, "get", func(ctx context.Context) (host.Tab, error) {
			return r.tabs.Get(ctx, e.TabID)
		}, func(tab host.Tab, err error) {
			if err != nil {
				r.log.Debug("Tab %d vanished before it could be checked: %v", e.TabID, err)
				return
			}
			if r.gen == gen && tab.URL != "" {
				r.checkAndLock(tab)
			}
		})
	case host.Removed:
		r.handleRemoved(e.TabID)
	}
}

// checkAndLock tracks tab and installs the guard if its URL matches a
// stored pattern. A tracked tab that navigated away from every pattern is
// released.
func (r *reconciler) checkAndLock(tab host.Tab) {
	gen := r.gen
	await(r, "check", r.store.Load, func(p prefs.Prefs, err error) {
		if err != nil {
			r.log.Warn("Failed to load preferences for tab %d: %v", tab.ID, err)
			return
		}
		if r.gen != gen {
			// A command ran meanwhile and rescanned every tab.
			return
		}
		if !p.Active() {
			return
		}
		if !matcher.MatchesAny(tab.URL, p.Patterns) {
			if r.reg.IsLocked(tab.ID) {
				r.log.Info("Tab %d left its locked URL for %s", tab.ID, tab.URL)
				r.untrack(tab.ID)
			}
			return
		}

		if !r.reg.IsLocked(tab.ID) {
			r.log.Info("Locking %s", tab)
		}
		r.track(tab.ID, registry.Entry{URL: tab.URL, WindowID: tab.WindowID, Index: tab.Index})
		r.install(tab.ID)
	})
}

func (r *reconciler) track(id host.TabID, e registry.Entry) {
	r.reg.Track(id, e.URL, e.WindowID, e.Index)
	if r.scanTouched != nil {
		r.scanTouched[id] = true
	}
	r.opts.Metrics.SetTracked(r.reg.Len())
}

func (r *reconciler) untrack(id host.TabID) {
	r.reg.Untrack(id)
	if r.scanTouched != nil {
		r.scanTouched[id] = false
	}
	r.opts.Metrics.SetTracked(r.reg.Len())
}

func (r *reconciler) handleCommand(cmd Command) {
	r.opts.Metrics.Command(string(cmd))
	r.gen++

	switch cmd {
	case CommandUnlock:
		r.unlocks++
		r.log.Info("Unlocking %d tab(s)", r.reg.Len())
		r.reg.ClearAll()
		r.scanTouched = nil
		r.opts.Metrics.SetTracked(0)
	case CommandLock:
		r.resync()
	}
}

type scan struct {
	prefs prefs.Prefs
	tabs  []host.Tab
}

// resync rebuilds the registry from the current patterns and open tabs.
// The registry is cleared when the scan result is applied rather than when
// the command arrives, so a tracked tab closed while the scan is in flight
// still gets reopened.
func (r *reconciler) resync() {
	gen := r.gen
	r.scanTouched = make(map[host.TabID]bool)
	await(r, "resync", func(ctx context.Context) (scan, error) {
		p, err := r.store.Load(ctx)
		if err != nil {
			return scan{}, fmt.Errorf("load preferences: %w", err)
		}
		if !p.Active() {
			return scan{prefs: p}, nil
		}
		tabs, err := r.tabs.Query(ctx)
		if err != nil {
			return scan{}, fmt.Errorf("query tabs: %w", err)
		}
		return scan{prefs: p, tabs: tabs}, nil
	}, func(s scan, err error) {
		if r.gen != gen {
			return
		}
		touched := r.scanTouched
		r.scanTouched = nil
		if err != nil {
			r.log.Warn("Resync failed: %v", err)
			return
		}

		// Tabs locked during the scan carry newer state than the scan.
		kept := make(map[host.TabID]registry.Entry, len(touched))
		if s.prefs.Active() {
			for id, tracked := range touched {
				if !tracked {
					continue
				}
				if e, ok := r.reg.Get(id); ok && matcher.MatchesAny(e.URL, s.prefs.Patterns) {
					kept[id] = e
				}
			}
		}

		r.reg.ClearAll()
		if s.prefs.Active() {
			for _, tab := range s.tabs {
				if _, changed := touched[tab.ID]; changed {
					continue
				}
				if matcher.MatchesAny(tab.URL, s.prefs.Patterns) {
					r.reg.Track(tab.ID, tab.URL, tab.WindowID, tab.Index)
				}
			}
		}
		for id, e := range kept {
			r.reg.Track(id, e.URL, e.WindowID, e.Index)
		}
		r.opts.Metrics.SetTracked(r.reg.Len())
		r.log.Info("Resynced: %d of %d tab(s) locked", r.reg.Len(), len(s.tabs))

		for _, t := range r.reg.Snapshot() {
			r.install(t.TabID)
		}
	})
}

// install injects the guard. A tab that no longer exists is untracked;
// other failures are left for the next sweep.
func (r *reconciler) install(id host.TabID) {
	await(r, "install", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.guard.Install(ctx, id)
	}, func(_ struct{}, err error) {
		switch {
		case err == nil:
			r.opts.Metrics.Injection(metrics.ResultOK)
		case errors.Is(err, host.ErrTabNotFound):
			r.opts.Metrics.Injection(metrics.ResultGone)
			if r.reg.IsLocked(id) {
				r.log.Debug("Pruning tab %d: %v", id, err)
				r.untrack(id)
				r.opts.Metrics.Pruned()
			}
		case errors.Is(err, host.ErrInjectionForbidden):
			r.opts.Metrics.Injection(metrics.ResultForbidden)
			r.log.Debug("Guard not allowed in tab %d: %v", id, err)
		default:
			r.opts.Metrics.Injection(metrics.ResultError)
			r.log.Warn("Guard injection failed: %v", err)
		}
	})
}

func (r *reconciler) sweep() {
	r.lastSweep = time.Now()
	r.opts.Metrics.Sweep()
	for _, t := range r.reg.Snapshot() {
		r.install(t.TabID)
	}
}

// handleRemoved untracks a closed tab and schedules its replacement.
// Whether the replacement is actually created is decided when the timer
// fires.
func (r *reconciler) handleRemoved(id host.TabID) {
	entry, ok := r.reg.Get(id)
	if !ok {
		return
	}
	r.untrack(id)
	r.log.Info("Locked tab %d closed, reopening %s", id, entry.URL)

	r.nextReopen++
	msg := reopenMsg{ID: r.nextReopen, Entry: entry, Unlocks: r.unlocks}
	r.timers[msg.ID] = time.AfterFunc(r.opts.ReopenDelay, func() { r.post(msg) })
}

func (r *reconciler) reopen(m reopenMsg) {
	delete(r.timers, m.ID)
	if r.unlocks != m.Unlocks {
		r.opts.Metrics.Reopen(metrics.ResultSkipped)
		return
	}

	entry := m.Entry
	await(r, "reopen.check", r.store.Load, func(p prefs.Prefs, err error) {
		if err != nil {
			r.log.Warn("Not reopening %s: %v", entry.URL, err)
			r.opts.Metrics.Reopen(metrics.ResultError)
			return
		}
		if r.unlocks != m.Unlocks || !p.Active() || !matcher.MatchesAny(entry.URL, p.Patterns) {
			r.log.Debug("Not reopening %s: no longer locked", entry.URL)
			r.opts.Metrics.Reopen(metrics.ResultSkipped)
			return
		}

		await(r, "reopen.create", func(ctx context.Context) (host.Tab, error) {
			return r.createAt(ctx, entry)
		}, func(tab host.Tab, err error) {
			if err != nil {
				r.log.Warn("Failed to reopen %s: %v", entry.URL, err)
				r.opts.Metrics.Reopen(metrics.ResultError)
				return
			}
			r.opts.Metrics.Reopen(metrics.ResultOK)
			if r.unlocks != m.Unlocks {
				// Unlocked while the tab was being created: leave it open
				// but unguarded.
				return
			}
			r.track(tab.ID, registry.Entry{URL: entry.URL, WindowID: tab.WindowID, Index: tab.Index})
			r.log.Info("Reopened %s", tab)
			r.install(tab.ID)
		})
	})
}

// createAt opens entry's URL at its recorded position. If the window is
// gone the tab is opened wherever the browser puts it.
func (r *reconciler) createAt(ctx context.Context, entry registry.Entry) (host.Tab, error) {
	tab, err := r.tabs.Create(ctx, host.At(entry.URL, entry.WindowID, entry.Index))
	if err == nil {
		return tab, nil
	}
	if ctx.Err() != nil {
		return host.Tab{}, err
	}
	r.log.Debug("Reopen at window %d index %d failed, retrying unplaced: %v", entry.WindowID, entry.Index, err)
	return r.tabs.Create(ctx, host.CreateOptions{URL: entry.URL})
}
