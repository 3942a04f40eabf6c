package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/tablock/internal/guard"
	"github.com/codefionn/tablock/internal/host"
	"github.com/codefionn/tablock/internal/host/hosttest"
	"github.com/codefionn/tablock/internal/metrics"
	"github.com/codefionn/tablock/internal/prefs"
	"github.com/codefionn/tablock/internal/registry"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	quiet   = 150 * time.Millisecond
)

type fakeStore struct {
	mu  sync.Mutex
	p   prefs.Prefs
	err error
}

func newStore(patterns ...string) *fakeStore {
	s := &fakeStore{}
	s.set(patterns...)
	return s
}

func (s *fakeStore) set(patterns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = prefs.Prefs{Patterns: append([]string{}, patterns...), Enabled: len(patterns) > 0}
}

func (s *fakeStore) setPrefs(p prefs.Prefs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
}

func (s *fakeStore) Load(ctx context.Context) (prefs.Prefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return prefs.Prefs{}, s.err
	}
	return prefs.Prefs{Patterns: append([]string{}, s.p.Patterns...), Enabled: s.p.Enabled}, nil
}

type harness struct {
	t       *testing.T
	browser *hosttest.Browser
	store   *fakeStore
	engine  *Engine
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, store *fakeStore, reopenDelay time.Duration) *harness {
	t.Helper()
	return newHarnessWith(t, store, Options{ReopenDelay: reopenDelay, SweepInterval: time.Hour})
}

func newHarnessWith(t *testing.T, store *fakeStore, opts Options) *harness {
	t.Helper()
	browser := hosttest.New()
	inj, err := guard.New(browser, guard.Options{})
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	opts.MailboxSize = 64
	opts.Metrics = m
	e := New(browser, inj, store, opts)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, e.Stop(ctx))
	})
	return &harness{t: t, browser: browser, store: store, engine: e, metrics: m}
}

func (h *harness) emit(ev host.Event) {
	h.t.Helper()
	require.NoError(h.t, h.engine.HandleEvent(context.Background(), ev))
}

func (h *harness) complete(tab host.Tab) {
	h.t.Helper()
	h.emit(host.Updated{TabID: tab.ID, Status: host.StatusComplete, Info: tab})
}

func (h *harness) tracked() []registry.Tracked {
	h.t.Helper()
	st, err := h.engine.Status(context.Background())
	require.NoError(h.t, err)
	return st.Tracked
}

func (h *harness) isTracked(id host.TabID) bool {
	for _, tr := range h.tracked() {
		if tr.TabID == id {
			return true
		}
	}
	return false
}

func (h *harness) waitTracked(id host.TabID) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.isTracked(id) }, waitFor, tick, "tab %d never tracked", id)
}

func (h *harness) waitUntracked(id host.TabID) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return !h.isTracked(id) }, waitFor, tick, "tab %d still tracked", id)
}

func (h *harness) lockTab(tab host.Tab) {
	h.t.Helper()
	h.complete(tab)
	h.waitTracked(tab.ID)
	require.Eventually(h.t, func() bool { return h.browser.InjectCount(tab.ID) > 0 }, waitFor, tick)
}

func TestEngine_LockAndReopenScenario(t *testing.T) {
	h := newHarness(t, newStore("https://mail.example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://mail.example.com/", 1, 2)
	h.lockTab(tab)

	h.browser.CloseTab(tab.ID)
	h.emit(host.Removed{TabID: tab.ID})

	require.Eventually(t, func() bool { return len(h.browser.CreateCalls()) == 1 }, waitFor, tick)
	call := h.browser.CreateCalls()[0]
	assert.Equal(t, "https://mail.example.com/", call.URL)
	require.NotNil(t, call.WindowID)
	require.NotNil(t, call.Index)
	assert.Equal(t, host.WindowID(1), *call.WindowID)
	assert.Equal(t, 2, *call.Index)

	// The replacement is locked too, so the cycle repeats.
	require.Eventually(t, func() bool {
		tr := h.tracked()
		return len(tr) == 1 && tr[0].TabID != tab.ID
	}, waitFor, tick)
	replacement := h.tracked()[0]
	assert.Equal(t, registry.Entry{URL: "https://mail.example.com/", WindowID: 1, Index: 2}, replacement.Entry)
	require.Eventually(t, func() bool { return h.browser.InjectCount(replacement.TabID) > 0 }, waitFor, tick)
}

func TestEngine_NonMatchingTabIgnored(t *testing.T) {
	h := newHarness(t, newStore("https://mail.example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://mail.example.com/inbox", 1, 0)
	h.complete(tab)

	assert.Never(t, func() bool { return h.isTracked(tab.ID) }, quiet, tick)
	assert.Zero(t, h.browser.InjectCount(tab.ID))
}

func TestEngine_BareHostnamePattern(t *testing.T) {
	h := newHarness(t, newStore("example.com"), 20*time.Millisecond)

	tab := h.browser.Open("http://example.com/", 1, 0)
	h.lockTab(tab)
}

func TestEngine_LoadingUpdateIgnored(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.emit(host.Updated{TabID: tab.ID, Status: host.StatusLoading, Info: tab})

	assert.Never(t, func() bool { return h.isTracked(tab.ID) }, quiet, tick)
}

func TestEngine_UpdatedWithoutURLFetchesTab(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 3)
	h.emit(host.Updated{TabID: tab.ID, Status: host.StatusComplete})

	h.waitTracked(tab.ID)
	assert.Equal(t, 3, h.tracked()[0].Index)
}

func TestEngine_CreatedWithURLLocks(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.emit(host.Created{Info: tab})
	h.waitTracked(tab.ID)

	blank := h.browser.Open("", 1, 1)
	h.emit(host.Created{Info: blank})
	assert.Never(t, func() bool { return h.isTracked(blank.ID) }, quiet, tick)
}

func TestEngine_DisabledFlagPreventsLocking(t *testing.T) {
	store := &fakeStore{}
	store.setPrefs(prefs.Prefs{Patterns: []string{"https://example.com/"}, Enabled: false})
	h := newHarness(t, store, 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.complete(tab)
	assert.Never(t, func() bool { return h.isTracked(tab.ID) }, quiet, tick)
}

func TestEngine_NavigationRefreshesPosition(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.lockTab(tab)

	moved := tab
	moved.Index = 4
	h.complete(moved)
	require.Eventually(t, func() bool {
		tr := h.tracked()
		return len(tr) == 1 && tr[0].Index == 4
	}, waitFor, tick)
	require.Eventually(t, func() bool { return h.browser.InjectCount(tab.ID) >= 2 }, waitFor, tick)
}

func TestEngine_NavigationAwayReleasesTab(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.lockTab(tab)

	h.complete(h.browser.Navigate(tab.ID, "https://example.com/elsewhere"))
	h.waitUntracked(tab.ID)

	h.browser.CloseTab(tab.ID)
	h.emit(host.Removed{TabID: tab.ID})
	assert.Never(t, func() bool { return len(h.browser.CreateCalls()) > 0 }, quiet, tick)
}

func TestEngine_UnlockSuppressesReopen(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.lockTab(tab)

	require.NoError(t, h.engine.Unlock(context.Background()))
	h.waitUntracked(tab.ID)

	h.browser.CloseTab(tab.ID)
	h.emit(host.Removed{TabID: tab.ID})
	assert.Never(t, func() bool { return len(h.browser.CreateCalls()) > 0 }, quiet, tick)
}

func TestEngine_UnlockCancelsScheduledReopen(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 100*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.lockTab(tab)

	h.browser.CloseTab(tab.ID)
	h.emit(host.Removed{TabID: tab.ID})
	require.NoError(t, h.engine.Unlock(context.Background()))

	assert.Never(t, func() bool { return len(h.browser.CreateCalls()) > 0 }, 300*time.Millisecond, tick)
}

func TestEngine_ReopenRechecksPreferences(t *testing.T) {
	store := newStore("https://example.com/")
	h := newHarness(t, store, 100*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.lockTab(tab)

	h.browser.CloseTab(tab.ID)
	h.emit(host.Removed{TabID: tab.ID})
	// The user clears the list before the reopen fires.
	store.set()

	assert.Never(t, func() bool { return len(h.browser.CreateCalls()) > 0 }, 300*time.Millisecond, tick)
}

func TestEngine_ResyncDropsRemovedPatterns(t *testing.T) {
	store := newStore("https://a.example/", "https://b.example/")
	h := newHarness(t, store, 20*time.Millisecond)

	a := h.browser.Open("https://a.example/", 1, 0)
	b := h.browser.Open("https://b.example/", 1, 1)
	other := h.browser.Open("https://c.example/", 1, 2)

	require.NoError(t, h.engine.Lock(context.Background()))
	require.Eventually(t, func() bool { return len(h.tracked()) == 2 }, waitFor, tick)
	assert.True(t, h.isTracked(a.ID))
	assert.True(t, h.isTracked(b.ID))
	assert.False(t, h.isTracked(other.ID))

	store.set("https://a.example/")
	require.NoError(t, h.engine.Lock(context.Background()))
	h.waitUntracked(b.ID)
	assert.True(t, h.isTracked(a.ID))
	assert.Len(t, h.tracked(), 1)
}

func TestEngine_LockWithEmptyListClears(t *testing.T) {
	store := newStore("https://a.example/")
	h := newHarness(t, store, 20*time.Millisecond)

	a := h.browser.Open("https://a.example/", 1, 0)
	h.lockTab(a)

	store.set()
	require.NoError(t, h.engine.Lock(context.Background()))
	h.waitUntracked(a.ID)
}

func TestEngine_MultiplePatternsTrackOnce(t *testing.T) {
	h := newHarness(t, newStore("http://a.example/", "a.example"), 20*time.Millisecond)

	tab := h.browser.Open("http://a.example/", 1, 0)
	require.NoError(t, h.engine.Lock(context.Background()))
	h.waitTracked(tab.ID)
	assert.Len(t, h.tracked(), 1)
}

func TestEngine_SweepRearmsAndPrunes(t *testing.T) {
	h := newHarness(t, newStore("https://a.example/", "https://b.example/"), 20*time.Millisecond)

	a := h.browser.Open("https://a.example/", 1, 0)
	b := h.browser.Open("https://b.example/", 1, 1)
	h.lockTab(a)
	h.lockTab(b)

	// b disappears without a removal event.
	h.browser.CloseTab(b.ID)
	before := h.browser.InjectCount(a.ID)

	require.NoError(t, h.engine.Sweep(context.Background()))
	h.waitUntracked(b.ID)
	require.Eventually(t, func() bool { return h.browser.InjectCount(a.ID) > before }, waitFor, tick)
	assert.True(t, h.isTracked(a.ID))
	assert.Empty(t, h.browser.CreateCalls(), "pruned tabs are not reopened")

	st, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.LastSweep.IsZero())
}

func TestEngine_ForbiddenInjectionKeepsTab(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.browser.Forbid(tab.ID)
	h.complete(tab)

	h.waitTracked(tab.ID)
	assert.Never(t, func() bool { return !h.isTracked(tab.ID) }, quiet, tick)
	assert.Zero(t, h.browser.InjectCount(tab.ID))
}

func TestEngine_ReopenFallsBackWhenWindowGone(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 2, 5)
	h.lockTab(tab)

	h.browser.CloseWindow(2)
	h.emit(host.Removed{TabID: tab.ID})

	require.Eventually(t, func() bool { return len(h.browser.CreateCalls()) == 1 }, waitFor, tick)
	call := h.browser.CreateCalls()[0]
	assert.Equal(t, "https://example.com/", call.URL)
	assert.Nil(t, call.WindowID)
	assert.Nil(t, call.Index)

	require.Eventually(t, func() bool {
		tr := h.tracked()
		return len(tr) == 1 && tr[0].WindowID == 1
	}, waitFor, tick)
}

func TestEngine_ReopenFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.lockTab(tab)

	h.browser.FailCreate(errors.New("browser is shutting down"))
	h.browser.CloseTab(tab.ID)
	h.emit(host.Removed{TabID: tab.ID})

	assert.Never(t, func() bool { return len(h.tracked()) > 0 }, quiet, tick)

	// The engine keeps working afterwards.
	next := h.browser.Open("https://example.com/", 1, 0)
	h.lockTab(next)
}

func TestEngine_StoreErrorIsNotFatal(t *testing.T) {
	store := newStore("https://example.com/")
	store.err = errors.New("database is locked")
	h := newHarness(t, store, 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.complete(tab)
	assert.Never(t, func() bool { return len(h.tracked()) > 0 }, quiet, tick)

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	h.lockTab(tab)
}

func TestEngine_ConsumeFeedsEvents(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Consume(ctx, h.browser.Events()) }()

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.browser.Emit(host.Updated{TabID: tab.ID, Status: host.StatusComplete, Info: tab})
	h.waitTracked(tab.ID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestEngine_StatusReportsPreferences(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	st, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, "Tabs locked", st.Label)
	assert.Equal(t, []string{"https://example.com/"}, st.Patterns)
	assert.Empty(t, st.Tracked)

	h.store.set()
	st, err = h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Equal(t, "Tabs unlocked", st.Label)
}

func TestEngine_UnknownCommand(t *testing.T) {
	h := newHarness(t, newStore(), 20*time.Millisecond)
	assert.Error(t, h.engine.Command(context.Background(), Command("reboot")))
}

func TestEngine_SweepTimerRearmsAndPrunes(t *testing.T) {
	h := newHarnessWith(t, newStore("https://a.example/", "https://b.example/"), Options{
		ReopenDelay:   20 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})

	a := h.browser.Open("https://a.example/", 1, 0)
	b := h.browser.Open("https://b.example/", 1, 1)
	h.lockTab(a)
	h.lockTab(b)

	before := h.browser.InjectCount(a.ID)
	require.Eventually(t, func() bool { return h.browser.InjectCount(a.ID) >= before+2 }, waitFor, tick,
		"the ticker re-installs the guard without being asked")

	// b disappears without a removal event; only the ticker notices.
	h.browser.CloseTab(b.ID)
	h.waitUntracked(b.ID)
	assert.True(t, h.isTracked(a.ID))
	assert.Empty(t, h.browser.CreateCalls())
}

func TestEngine_TabLockedDuringResyncSurvives(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)
	entered, release := h.browser.HoldQueries()

	require.NoError(t, h.engine.Lock(context.Background()))
	<-entered

	// Opened after the scan took its snapshot.
	tab := h.browser.Open("https://example.com/", 1, 0)
	h.emit(host.Created{Info: tab})
	h.waitTracked(tab.ID)

	release()
	assert.Never(t, func() bool { return !h.isTracked(tab.ID) }, quiet, tick)
}

func TestEngine_ReopenDuringResyncSurvives(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 10*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 4)
	h.lockTab(tab)

	entered, release := h.browser.HoldQueries()
	require.NoError(t, h.engine.Lock(context.Background()))
	<-entered

	h.browser.CloseTab(tab.ID)
	h.emit(host.Removed{TabID: tab.ID})
	require.Eventually(t, func() bool {
		tr := h.tracked()
		return len(tr) == 1 && tr[0].TabID != tab.ID
	}, waitFor, tick)
	replacement := h.tracked()[0].TabID

	release()
	// The scan still lists the closed tab; it must not come back.
	assert.Never(t, func() bool { return h.isTracked(tab.ID) || !h.isTracked(replacement) }, quiet, tick)
}

func TestEngine_NavigationAwayDuringResyncStaysReleased(t *testing.T) {
	h := newHarness(t, newStore("https://example.com/"), 20*time.Millisecond)

	tab := h.browser.Open("https://example.com/", 1, 0)
	h.lockTab(tab)

	entered, release := h.browser.HoldQueries()
	require.NoError(t, h.engine.Lock(context.Background()))
	<-entered

	h.complete(h.browser.Navigate(tab.ID, "https://elsewhere.example/"))
	h.waitUntracked(tab.ID)

	// The scan's snapshot still shows the old URL.
	release()
	assert.Never(t, func() bool { return h.isTracked(tab.ID) }, quiet, tick)
}

func TestEngine_TabLockedDuringResyncFollowsNextLock(t *testing.T) {
	store := newStore("https://example.com/", "https://other.example/")
	h := newHarness(t, store, 20*time.Millisecond)
	entered, release := h.browser.HoldQueries()

	require.NoError(t, h.engine.Lock(context.Background()))
	<-entered

	tab := h.browser.Open("https://other.example/", 1, 0)
	h.emit(host.Created{Info: tab})
	h.waitTracked(tab.ID)

	// The scan loaded both patterns before other.example was removed, so
	// the tab stays until the next lock command rescans.
	release()
	assert.Never(t, func() bool { return !h.isTracked(tab.ID) }, quiet, tick)

	store.set("https://example.com/")
	require.NoError(t, h.engine.Lock(context.Background()))
	h.waitUntracked(tab.ID)
}
