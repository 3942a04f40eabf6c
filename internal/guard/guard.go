// Package guard builds and installs the in-page close guard.
//
// The guard is a small script evaluated in the locked tab. It asks for
// confirmation on unload, swallows the close-tab shortcut with an alert, and
// re-arms its key listener on a short interval in case the page removes it.
// None of this is a security boundary: a privileged user or extension can
// always close the tab, which is why the engine also reopens closed tabs.
package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/tablock/internal/host"
)

const (
	DefaultMessage       = "This tab is locked and cannot be closed. Remove it from tablock to unlock it."
	DefaultNotice        = "This tab is locked and cannot be closed."
	DefaultRearmInterval = time.Second

	flagPrefix = "__tablockGuard_"
)

// Options configures the guard script.
type Options struct {
	// Message is offered to the unload confirmation. Browsers show their
	// own generic text instead but still prompt.
	Message string
	// Notice is shown in the alert when the close shortcut is pressed.
	Notice string
	// RearmInterval is how often the page re-registers the key listener.
	RearmInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Message == "" {
		o.Message = DefaultMessage
	}
	if o.Notice == "" {
		o.Notice = DefaultNotice
	}
	if o.RearmInterval <= 0 {
		o.RearmInterval = DefaultRearmInterval
	}
	return o
}

// Injector installs the guard into tabs through a host.Scripter.
type Injector struct {
	scripter host.Scripter
	script   string
	flag     string
}

// New renders the guard script for opts.
func New(scripter host.Scripter, opts Options) (*Injector, error) {
	script, flag, err := Render(opts)
	if err != nil {
		return nil, err
	}
	return &Injector{scripter: scripter, script: script, flag: flag}, nil
}

// Install evaluates the guard in tab id. Repeated installs in the same
// document are no-ops inside the page. Errors from the host are returned
// wrapped; host.ErrTabNotFound means the tab is gone.
func (i *Injector) Install(ctx context.Context, id host.TabID) error {
	if err := i.scripter.Inject(ctx, id, i.script); err != nil {
		return fmt.Errorf("install guard in tab %d: %w", id, err)
	}
	return nil
}

// Script returns the rendered guard script.
func (i *Injector) Script() string {
	return i.script
}

// Flag returns the page-global sentinel name the script sets.
func (i *Injector) Flag() string {
	return i.flag
}

// Render produces the guard script and its sentinel flag. The flag is
// derived from the script inputs, so a changed message or interval yields a
// fresh guard instead of being skipped by an older one still in the page.
func Render(opts Options) (script, flag string, err error) {
	opts = opts.withDefaults()
	millis := opts.RearmInterval.Milliseconds()
	if millis < 1 {
		millis = 1
	}

	h := xxhash.New()
	_, _ = h.WriteString(guardScriptTemplate)
	_, _ = h.WriteString(opts.Message)
	_, _ = h.WriteString(opts.Notice)
	_, _ = h.WriteString(strconv.FormatInt(millis, 10))
	flag = flagPrefix + strconv.FormatUint(h.Sum64(), 16)

	var b strings.Builder
	err = guardScript.Execute(&b, scriptData{
		Flag:        flag,
		Message:     opts.Message,
		Notice:      opts.Notice,
		RearmMillis: millis,
	})
	if err != nil {
		return "", "", fmt.Errorf("render guard script: %w", err)
	}
	return b.String(), flag, nil
}
