package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/browser"
	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/codefionn/tablock/internal/host"
	"github.com/codefionn/tablock/internal/logger"
)

// protocol is the slice of the DevTools protocol the backend uses.
type protocol interface {
	targets(ctx context.Context) ([]*target.Info, error)
	targetInfo(ctx context.Context, id target.ID) (*target.Info, error)
	window(ctx context.Context, id target.ID) (host.WindowID, error)
	create(ctx context.Context, url string) (target.ID, error)
	evaluate(ctx context.Context, id target.ID, script string) error
	detach(id target.ID)
	close()
}

// chrome speaks the protocol through chromedp. Browser-level commands run
// on the browser connection; page evaluation runs in a chromedp context
// attached to the page target.
type chrome struct {
	bctx        context.Context
	exec        context.Context
	cancelAlloc context.CancelFunc
	cancelCtx   context.CancelFunc

	mu    sync.Mutex
	pages map[target.ID]page
}

type page struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// dial connects to the browser at url and subscribes to target events,
// which are handed to onEvent from chromedp's event loop.
func dial(ctx context.Context, url string, log *logger.Logger, onEvent func(ev any)) (*chrome, error) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, url)
	bctx, cancelCtx := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(log.Debug),
		chromedp.WithErrorf(log.Warn),
	)
	chromedp.ListenBrowser(bctx, onEvent)

	// Targets allocates the browser connection without opening a tab.
	if _, err := chromedp.Targets(bctx); err != nil {
		cancelCtx()
		cancelAlloc()
		return nil, fmt.Errorf("connect to %s: %w", url, err)
	}

	c := &chrome{
		bctx:        bctx,
		exec:        cdproto.WithExecutor(bctx, chromedp.FromContext(bctx).Browser),
		cancelAlloc: cancelAlloc,
		cancelCtx:   cancelCtx,
		pages:       make(map[target.ID]page),
	}
	if err := target.SetDiscoverTargets(true).Do(c.exec); err != nil {
		c.close()
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}
	return c, nil
}

// browserCtx binds ctx's deadline to the browser executor.
func (c *chrome) browserCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	bctx, cancel := context.WithCancel(c.exec)
	stop := context.AfterFunc(ctx, cancel)
	return bctx, func() {
		stop()
		cancel()
	}
}

func (c *chrome) targets(ctx context.Context) ([]*target.Info, error) {
	bctx, cancel := c.browserCtx(ctx)
	defer cancel()
	return target.GetTargets().Do(bctx)
}

func (c *chrome) targetInfo(ctx context.Context, id target.ID) (*target.Info, error) {
	bctx, cancel := c.browserCtx(ctx)
	defer cancel()
	return target.GetTargetInfo().WithTargetID(id).Do(bctx)
}

func (c *chrome) window(ctx context.Context, id target.ID) (host.WindowID, error) {
	bctx, cancel := c.browserCtx(ctx)
	defer cancel()
	windowID, _, err := browser.GetWindowForTarget().WithTargetID(id).Do(bctx)
	if err != nil {
		return 0, err
	}
	return host.WindowID(windowID), nil
}

func (c *chrome) create(ctx context.Context, url string) (target.ID, error) {
	bctx, cancel := c.browserCtx(ctx)
	defer cancel()
	return target.CreateTarget(url).Do(bctx)
}

// evaluate runs script in the page. The page context is created on first
// use and kept until the target goes away: cancelling a chromedp page
// context closes the tab. It is derived without cancellation from the
// browser context for the same reason.
func (c *chrome) evaluate(ctx context.Context, id target.ID, script string) error {
	c.mu.Lock()
	p, ok := c.pages[id]
	if !ok {
		pctx, cancel := chromedp.NewContext(context.WithoutCancel(c.bctx), chromedp.WithTargetID(id))
		p = page{ctx: pctx, cancel: cancel}
		c.pages[id] = p
	}
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var installed bool
	return chromedp.Run(runCtx, chromedp.Evaluate(script, &installed))
}

// detach drops the page context of a destroyed target.
func (c *chrome) detach(id target.ID) {
	c.mu.Lock()
	p, ok := c.pages[id]
	delete(c.pages, id)
	c.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// close drops the browser connection. Page contexts are abandoned rather
// than cancelled so the tabs stay open.
func (c *chrome) close() {
	c.cancelCtx()
	c.cancelAlloc()
}
