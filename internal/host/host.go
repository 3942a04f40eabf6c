// Package host defines the browser surface the lock engine drives: tab
// lifecycle events flowing in, and tab control operations flowing out.
//
// Backends live in subpackages: cdp attaches to a Chromium instance over the
// DevTools protocol, relay accepts a websocket peer running inside the
// browser. hosttest provides an in-memory fake for tests.
package host

import (
	"context"
	"errors"
	"fmt"
)

// TabID identifies a tab for as long as it is open. Backends never reuse an
// ID while the tab it was assigned to is alive.
type TabID int

// WindowID identifies a browser window.
type WindowID int

var (
	// ErrTabNotFound means the tab no longer exists.
	ErrTabNotFound = errors.New("tab not found")
	// ErrInjectionForbidden means the page refuses script injection
	// (privileged or internal pages).
	ErrInjectionForbidden = errors.New("script injection forbidden")
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("browser connection closed")
)

// Tab is a snapshot of an open tab. URL is empty when the browser does not
// know it yet (a tab created blank and still loading).
type Tab struct {
	ID       TabID    `json:"id"`
	URL      string   `json:"url,omitempty"`
	WindowID WindowID `json:"windowId"`
	Index    int      `json:"index"`
}

func (t Tab) String() string {
	return fmt.Sprintf("tab %d (%s) window=%d index=%d", t.ID, t.URL, t.WindowID, t.Index)
}

// Status is the loading state reported with an update event.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusComplete Status = "complete"
)

// CreateOptions describes a tab to open. WindowID and Index are optional;
// nil lets the browser pick.
type CreateOptions struct {
	URL      string
	WindowID *WindowID
	Index    *int
}

// At returns options that place url at the given window and index.
func At(url string, window WindowID, index int) CreateOptions {
	return CreateOptions{URL: url, WindowID: &window, Index: &index}
}

// Event is a tab lifecycle notification. The concrete types are Created,
// Updated and Removed.
type Event interface {
	Kind() string
	Tab() TabID
}

// Created reports a newly opened tab.
type Created struct {
	Info Tab
}

func (e Created) Kind() string { return "created" }
func (e Created) Tab() TabID   { return e.Info.ID }

// Updated reports a navigation state change. Info carries the tab's
// current URL and position when the backend knows them.
type Updated struct {
	TabID  TabID
	Status Status
	Info   Tab
}

func (e Updated) Kind() string { return "updated" }
func (e Updated) Tab() TabID   { return e.TabID }

// Removed reports a closed tab.
type Removed struct {
	TabID TabID
}

func (e Removed) Kind() string { return "removed" }
func (e Removed) Tab() TabID   { return e.TabID }

// Tabs is the tab control surface.
type Tabs interface {
	Query(ctx context.Context) ([]Tab, error)
	Get(ctx context.Context, id TabID) (Tab, error)
	Create(ctx context.Context, opts CreateOptions) (Tab, error)
}

// Scripter evaluates a script inside a tab's page context.
type Scripter interface {
	Inject(ctx context.Context, id TabID, script string) error
}

// Browser is a full backend: tab control, script injection and the event
// stream. Events is closed when the backend shuts down.
type Browser interface {
	Tabs
	Scripter
	Events() <-chan Event
	Close() error
}
