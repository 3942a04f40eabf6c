// Package cdp is a host.Browser that attaches to a running Chromium over the
// DevTools protocol.
//
// The protocol has no notion of a tab strip, so positions are approximate:
// the window comes from Browser.getWindowForTarget, and the index is the
// tab's place among the window's pages in the order the backend first saw
// them. Create cannot choose a window or index either; new tabs open where
// the browser puts them.
package cdp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/codefionn/tablock/internal/host"
	"github.com/codefionn/tablock/internal/logger"
)

const (
	pageType = "page"

	rawBuffer   = 256
	eventBuffer = 256
	lookupWait  = 5 * time.Second
)

// Schemes the browser refuses to run page scripts in for extensions. The
// protocol itself could, but a guard there would only fight the browser UI.
var forbiddenPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-search://",
	"chrome-untrusted://",
	"devtools://",
	"edge://",
	"view-source:",
	"https://chrome.google.com/webstore",
	"https://chromewebstore.google.com/",
}

func injectionForbidden(url string) bool {
	for _, p := range forbiddenPrefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

type tabState struct {
	id     host.TabID
	target target.ID
	url    string
	window host.WindowID
}

// Browser implements host.Browser over CDP.
type Browser struct {
	proto  protocol
	log    *logger.Logger
	raw    chan any
	events chan host.Event

	mu      sync.Mutex
	tabs    map[target.ID]*tabState
	ids     map[host.TabID]target.ID
	nextID  host.TabID
	closed  bool
	done    chan struct{}
	workers sync.WaitGroup
}

// Dial attaches to the browser whose DevTools endpoint is url, either the
// http://host:port debugging address or a ws:// browser URL.
func Dial(ctx context.Context, url string) (*Browser, error) {
	b := newBrowser(logger.Named("cdp"))
	proto, err := dial(ctx, url, b.log, b.onRaw)
	if err != nil {
		return nil, err
	}
	b.proto = proto

	if err := b.start(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func newBrowser(log *logger.Logger) *Browser {
	return &Browser{
		log:    log,
		raw:    make(chan any, rawBuffer),
		events: make(chan host.Event, eventBuffer),
		tabs:   make(map[target.ID]*tabState),
		ids:    make(map[host.TabID]target.ID),
		done:   make(chan struct{}),
	}
}

// start registers the pages that already exist and begins translating
// events.
func (b *Browser) start(ctx context.Context) error {
	if _, err := b.refresh(ctx); err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	b.workers.Add(1)
	go b.run()
	return nil
}

// onRaw runs on chromedp's event loop and must not block or call back into
// the protocol.
func (b *Browser) onRaw(ev any) {
	switch ev.(type) {
	case *target.EventTargetCreated, *target.EventTargetInfoChanged, *target.EventTargetDestroyed:
	default:
		return
	}
	select {
	case b.raw <- ev:
	case <-b.done:
	default:
		b.log.Warn("Dropping browser event, backlog full")
	}
}

func (b *Browser) run() {
	defer b.workers.Done()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.raw:
			if out := b.translate(ev); out != nil {
				b.emit(out)
			}
		}
	}
}

func (b *Browser) emit(ev host.Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// translate turns a target event into a host event, updating the tab
// table. It returns nil for events that concern no page.
func (b *Browser) translate(ev any) host.Event {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo == nil || e.TargetInfo.Type != pageType {
			return nil
		}
		return host.Created{Info: b.upsert(e.TargetInfo)}

	case *target.EventTargetInfoChanged:
		if e.TargetInfo == nil || e.TargetInfo.Type != pageType {
			return nil
		}
		// Title and attachment changes also arrive here. Only a new URL,
		// or a target not seen before, is a navigation.
		b.mu.Lock()
		st, known := b.tabs[e.TargetInfo.TargetID]
		same := known && st.url == e.TargetInfo.URL
		b.mu.Unlock()
		if same {
			return nil
		}
		tab := b.upsert(e.TargetInfo)
		return host.Updated{TabID: tab.ID, Status: host.StatusComplete, Info: tab}

	case *target.EventTargetDestroyed:
		b.mu.Lock()
		st, ok := b.tabs[e.TargetID]
		if ok {
			delete(b.tabs, e.TargetID)
			delete(b.ids, st.id)
		}
		b.mu.Unlock()
		if !ok {
			return nil
		}
		if b.proto != nil {
			b.proto.detach(e.TargetID)
		}
		return host.Removed{TabID: st.id}
	}
	return nil
}

// upsert records info and returns the tab as the engine sees it. The
// window is looked up the first time a target is seen.
func (b *Browser) upsert(info *target.Info) host.Tab {
	b.mu.Lock()
	st, ok := b.tabs[info.TargetID]
	if ok {
		st.url = info.URL
		tab := b.tabLocked(st)
		b.mu.Unlock()
		return tab
	}
	b.mu.Unlock()

	window := host.WindowID(0)
	if b.proto != nil {
		ctx, cancel := context.WithTimeout(context.Background(), lookupWait)
		w, err := b.proto.window(ctx, info.TargetID)
		cancel()
		if err != nil {
			b.log.Debug("No window for target %s: %v", info.TargetID, err)
		} else {
			window = w
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.tabs[info.TargetID]; ok {
		st.url = info.URL
		return b.tabLocked(st)
	}
	b.nextID++
	st = &tabState{id: b.nextID, target: info.TargetID, url: info.URL, window: window}
	b.tabs[info.TargetID] = st
	b.ids[st.id] = info.TargetID
	return b.tabLocked(st)
}

// tabLocked builds the host view of st. Callers hold b.mu.
func (b *Browser) tabLocked(st *tabState) host.Tab {
	index := 0
	for _, other := range b.tabs {
		if other.window == st.window && other.id < st.id {
			index++
		}
	}
	return host.Tab{ID: st.id, URL: st.url, WindowID: st.window, Index: index}
}

// refresh reconciles the tab table with the browser's page targets.
func (b *Browser) refresh(ctx context.Context) ([]host.Tab, error) {
	infos, err := b.proto.targets(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type != pageType {
			continue
		}
		seen[info.TargetID] = true
		b.upsert(info)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for tid, st := range b.tabs {
		if !seen[tid] {
			delete(b.tabs, tid)
			delete(b.ids, st.id)
		}
	}
	tabs := make([]host.Tab, 0, len(b.tabs))
	for _, st := range b.tabs {
		tabs = append(tabs, b.tabLocked(st))
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID < tabs[j].ID })
	return tabs, nil
}

func (b *Browser) lookup(id host.TabID) (target.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", host.ErrClosed
	}
	tid, ok := b.ids[id]
	if !ok {
		return "", fmt.Errorf("tab %d: %w", id, host.ErrTabNotFound)
	}
	return tid, nil
}

func (b *Browser) Query(ctx context.Context) ([]host.Tab, error) {
	if b.isClosed() {
		return nil, host.ErrClosed
	}
	return b.refresh(ctx)
}

func (b *Browser) Get(ctx context.Context, id host.TabID) (host.Tab, error) {
	tid, err := b.lookup(id)
	if err != nil {
		return host.Tab{}, err
	}
	info, err := b.proto.targetInfo(ctx, tid)
	if err != nil {
		return host.Tab{}, fmt.Errorf("tab %d: %w (%v)", id, host.ErrTabNotFound, err)
	}
	return b.upsert(info), nil
}

// Create opens a new tab with opts.URL. WindowID and Index are not
// honoured.
func (b *Browser) Create(ctx context.Context, opts host.CreateOptions) (host.Tab, error) {
	if b.isClosed() {
		return host.Tab{}, host.ErrClosed
	}
	tid, err := b.proto.create(ctx, opts.URL)
	if err != nil {
		return host.Tab{}, fmt.Errorf("create tab: %w", err)
	}
	info, err := b.proto.targetInfo(ctx, tid)
	if err != nil {
		info = &target.Info{TargetID: tid, Type: pageType, URL: opts.URL}
	}
	if info.URL == "" || info.URL == "about:blank" {
		// Not navigated yet; report what was asked for.
		info.URL = opts.URL
	}
	return b.upsert(info), nil
}

func (b *Browser) Inject(ctx context.Context, id host.TabID, script string) error {
	tid, err := b.lookup(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	url := b.tabs[tid].url
	b.mu.Unlock()
	if injectionForbidden(url) {
		return fmt.Errorf("tab %d (%s): %w", id, url, host.ErrInjectionForbidden)
	}

	if err := b.proto.evaluate(ctx, tid, script); err != nil {
		// Distinguish a vanished tab from a failing page.
		if _, infoErr := b.proto.targetInfo(ctx, tid); infoErr != nil && ctx.Err() == nil {
			return fmt.Errorf("tab %d: %w (%v)", id, host.ErrTabNotFound, err)
		}
		return fmt.Errorf("evaluate in tab %d: %w", id, err)
	}
	return nil
}

func (b *Browser) Events() <-chan host.Event {
	return b.events
}

func (b *Browser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close disconnects from the browser without closing any tab.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	if b.proto != nil {
		b.proto.close()
	}
	b.workers.Wait()
	close(b.events)
	return nil
}

var _ host.Browser = (*Browser)(nil)
