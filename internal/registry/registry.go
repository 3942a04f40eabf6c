// Package registry tracks which tabs are currently locked.
package registry

import (
	"sort"

	"github.com/codefionn/tablock/internal/host"
)

// Entry is what the engine remembers about a locked tab: the URL that
// matched and where the tab sat when the lock was last confirmed.
type Entry struct {
	URL      string        `json:"url"`
	WindowID host.WindowID `json:"windowId"`
	Index    int           `json:"index"`
}

// Tracked pairs a tab ID with its entry.
type Tracked struct {
	TabID host.TabID `json:"tabId"`
	Entry
}

// Registry is the in-memory set of locked tabs. It is not safe for
// concurrent use; the engine's actor goroutine is its only user.
type Registry struct {
	tabs map[host.TabID]Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tabs: make(map[host.TabID]Entry)}
}

// Track inserts or overwrites the entry for id.
func (r *Registry) Track(id host.TabID, url string, window host.WindowID, index int) {
	r.tabs[id] = Entry{URL: url, WindowID: window, Index: index}
}

// Untrack removes id. Removing an unknown ID is a no-op.
func (r *Registry) Untrack(id host.TabID) {
	delete(r.tabs, id)
}

func (r *Registry) IsLocked(id host.TabID) bool {
	_, ok := r.tabs[id]
	return ok
}

func (r *Registry) Get(id host.TabID) (Entry, bool) {
	e, ok := r.tabs[id]
	return e, ok
}

// ClearAll forgets every tab.
func (r *Registry) ClearAll() {
	clear(r.tabs)
}

func (r *Registry) Len() int {
	return len(r.tabs)
}

// Snapshot returns a copy of all entries ordered by tab ID. Later mutations
// of the registry do not affect the returned slice.
func (r *Registry) Snapshot() []Tracked {
	out := make([]Tracked, 0, len(r.tabs))
	for id, e := range r.tabs {
		out = append(out, Tracked{TabID: id, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}
