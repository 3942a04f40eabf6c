// Package hosttest provides an in-memory host.Browser for tests.
package hosttest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/codefionn/tablock/internal/host"
)

// Browser is a fake browser. Tabs are opened and closed by the test through
// Open and CloseTab; tab control calls made by the code under test are
// recorded. Create does not emit events.
type Browser struct {
	mu        sync.Mutex
	tabs      map[host.TabID]host.Tab
	nextID    host.TabID
	injected  map[host.TabID]int
	scripts   []string
	created   []host.CreateOptions
	forbidden map[host.TabID]bool
	createErr error
	windows   map[host.WindowID]bool
	events    chan host.Event
	closed    bool
	// held, when set, makes Query wait after taking its snapshot.
	held *hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// New returns an empty fake browser with a single window (1).
func New() *Browser {
	return &Browser{
		tabs:      make(map[host.TabID]host.Tab),
		nextID:    100,
		injected:  make(map[host.TabID]int),
		forbidden: make(map[host.TabID]bool),
		windows:   map[host.WindowID]bool{1: true},
		events:    make(chan host.Event, 64),
	}
}

// Open adds a tab without emitting an event and returns it.
func (b *Browser) Open(url string, window host.WindowID, index int) host.Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	tab := host.Tab{ID: b.nextID, URL: url, WindowID: window, Index: index}
	b.tabs[tab.ID] = tab
	b.windows[window] = true
	return tab
}

// Navigate changes a tab's URL without emitting an event.
func (b *Browser) Navigate(id host.TabID, url string) host.Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	tab := b.tabs[id]
	tab.URL = url
	b.tabs[id] = tab
	return tab
}

// CloseTab removes a tab without emitting an event.
func (b *Browser) CloseTab(id host.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tabs, id)
}

// CloseWindow removes a window and all of its tabs.
func (b *Browser) CloseWindow(window host.WindowID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windows, window)
	for id, tab := range b.tabs {
		if tab.WindowID == window {
			delete(b.tabs, id)
		}
	}
}

// Forbid makes injection into id fail with host.ErrInjectionForbidden.
func (b *Browser) Forbid(id host.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forbidden[id] = true
}

// FailCreate makes every Create call fail with err. Pass nil to restore.
func (b *Browser) FailCreate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// Emit pushes an event onto the Events channel.
func (b *Browser) Emit(ev host.Event) {
	b.events <- ev
}

// InjectCount returns how many scripts were injected into id.
func (b *Browser) InjectCount(id host.TabID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.injected[id]
}

// LastScript returns the most recently injected script.
func (b *Browser) LastScript() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.scripts) == 0 {
		return ""
	}
	return b.scripts[len(b.scripts)-1]
}

// CreateCalls returns the options of every successful Create call.
func (b *Browser) CreateCalls() []host.CreateOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]host.CreateOptions(nil), b.created...)
}

// HoldQueries makes the next Query take its snapshot, close entered and
// wait until release is called, so tests can change tabs while a scan is
// in flight.
func (b *Browser) HoldQueries() (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	b.mu.Lock()
	b.held = h
	b.mu.Unlock()
	return h.entered, func() { close(h.release) }
}

// Query returns open tabs ordered by ID.
func (b *Browser) Query(ctx context.Context) ([]host.Tab, error) {
	b.mu.Lock()
	tabs := make([]host.Tab, 0, len(b.tabs))
	for _, tab := range b.tabs {
		tabs = append(tabs, tab)
	}
	h := b.held
	b.held = nil
	b.mu.Unlock()
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID < tabs[j].ID })

	if h != nil {
		h.once.Do(func() { close(h.entered) })
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return tabs, nil
}

func (b *Browser) Get(ctx context.Context, id host.TabID) (host.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tab, ok := b.tabs[id]
	if !ok {
		return host.Tab{}, fmt.Errorf("get %d: %w", id, host.ErrTabNotFound)
	}
	return tab, nil
}

func (b *Browser) Create(ctx context.Context, opts host.CreateOptions) (host.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return host.Tab{}, b.createErr
	}
	window := host.WindowID(1)
	if opts.WindowID != nil {
		if !b.windows[*opts.WindowID] {
			return host.Tab{}, fmt.Errorf("no window with id %d", *opts.WindowID)
		}
		window = *opts.WindowID
	}
	index := len(b.tabs)
	if opts.Index != nil {
		index = *opts.Index
	}
	b.nextID++
	tab := host.Tab{ID: b.nextID, URL: opts.URL, WindowID: window, Index: index}
	b.tabs[tab.ID] = tab
	b.created = append(b.created, opts)
	return tab, nil
}

func (b *Browser) Inject(ctx context.Context, id host.TabID, script string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tabs[id]; !ok {
		return fmt.Errorf("inject %d: %w", id, host.ErrTabNotFound)
	}
	if b.forbidden[id] {
		return fmt.Errorf("inject %d: %w", id, host.ErrInjectionForbidden)
	}
	b.injected[id]++
	b.scripts = append(b.scripts, script)
	return nil
}

func (b *Browser) Events() <-chan host.Event {
	return b.events
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	return nil
}

var _ host.Browser = (*Browser)(nil)
