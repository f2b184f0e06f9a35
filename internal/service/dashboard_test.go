package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coin_dash/internal/domain"
	"coin_dash/internal/engine"
	"coin_dash/internal/event"
	"coin_dash/internal/poll"
	"coin_dash/internal/reconcile"
)

// ============================================================
// Fakes
// ============================================================

type fakeClient struct {
	mu        sync.Mutex
	coins     map[string]domain.Snapshot
	top       []string
	catalog   []domain.CoinBasic
	topFails  int
	searchErr error

	// Gates hold a call until closed and ignore cancellation.
	searchGate   chan struct{}
	historyGates map[string]chan struct{}

	topCalls    int
	searchCalls int
	history     []string
}

func newFakeClient() *fakeClient {
	c := &fakeClient{coins: make(map[string]domain.Snapshot)}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("c%d", i)
		c.add(id, fmt.Sprintf("Coin %d", i))
		c.top = append(c.top, id)
	}
	c.add("bitcoin", "Bitcoin")
	c.add("wrapped-bitcoin", "Wrapped Bitcoin")
	return c
}

func (c *fakeClient) add(id, name string) {
	c.coins[id] = domain.Snapshot{
		ID:           id,
		Name:         name,
		Symbol:       id,
		Price:        decimal.NewFromInt(100),
		ChangePct24h: decimal.NewFromFloat(0.5),
		Sparkline:    []float64{1, 2},
	}
	c.catalog = append(c.catalog, domain.CoinBasic{ID: id, Name: strings.ToLower(name), Symbol: id})
}

func (c *fakeClient) FetchTop(_ context.Context, limit int) ([]domain.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topCalls++
	if c.topFails > 0 {
		c.topFails--
		return nil, domain.NewNetworkError("fetch top", errors.New("connection refused"))
	}
	out := make([]domain.Snapshot, 0, limit)
	for _, id := range c.top[:min(limit, len(c.top))] {
		out = append(out, c.coins[id])
	}
	return out, nil
}

func (c *fakeClient) FetchByIDs(_ context.Context, ids []string) ([]domain.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Snapshot
	for _, id := range ids {
		if s, ok := c.coins[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *fakeClient) Search(_ context.Context, q string) ([]domain.CoinBasic, error) {
	c.mu.Lock()
	c.searchCalls++
	gate := c.searchGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	q = strings.ToLower(q)
	var out []domain.CoinBasic
	for _, b := range c.catalog {
		if strings.Contains(b.Name, q) || strings.Contains(b.ID, q) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (c *fakeClient) FetchHistory(_ context.Context, id string) (*domain.Series, error) {
	c.mu.Lock()
	c.history = append(c.history, id)
	gate := c.historyGates[id]
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return domain.NewSeries(id, [][2]float64{{1_700_000_000_000, 1}, {1_700_000_060_000, 2}}), nil
}

func (c *fakeClient) counts() (top, search int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topCalls, c.searchCalls
}

func (c *fakeClient) historyCalls(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.history {
		if h == id {
			n++
		}
	}
	return n
}

func (c *fakeClient) setSearchErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchErr = err
}

type fakeRow struct{}

func (fakeRow) Paint(domain.Snapshot, bool) {}
func (fakeRow) FadeOut()                    {}
func (fakeRow) Detach()                     {}

type fakeTable struct {
	banner  domain.Banner
	loading bool
}

func (t *fakeTable) AppendRow(domain.Snapshot) domain.RowView { return fakeRow{} }
func (t *fakeTable) SetLoading(on bool)                       { t.loading = on }
func (t *fakeTable) ShowBanner(b domain.Banner)               { t.banner = b }

// ============================================================
// Harness
// ============================================================

type harness struct {
	t      *testing.T
	loop   *engine.Loop
	bus    *event.Bus
	client *fakeClient
	table  *fakeTable
	list   *reconcile.List
	polls  *poll.Factory
	dash   *Dashboard
}

func newHarness(t *testing.T, client *fakeClient) *harness {
	t.Helper()

	loop := engine.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	bus := event.NewBus(nil)
	table := &fakeTable{}
	list, err := reconcile.NewList(loop, bus, table, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewList failed: %v", err)
	}
	polls := poll.NewFactory(loop, nil)
	dash := NewDashboard(loop, bus, client, list, polls, Options{
		TableInterval:       time.Hour,
		ChartInterval:       time.Hour,
		AutoSelectDelay:     10 * time.Millisecond,
		SearchFallbackDelay: 50 * time.Millisecond,
	})

	t.Cleanup(func() {
		loop.Call(func() {
			dash.Close()
			list.Close()
		})
		polls.StopAll()
		cancel()
		<-loop.Stopped()
	})

	if err := dash.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return &harness{t: t, loop: loop, bus: bus, client: client, table: table, list: list, polls: polls, dash: dash}
}

// on runs fn on the loop and waits for it.
func (h *harness) on(fn func()) {
	h.t.Helper()
	if !h.loop.Call(fn) {
		h.t.Fatal("Event loop stopped")
	}
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		h.on(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("Timeout waiting for %s", what)
}

func (h *harness) chartSubjects() []string {
	var out []string
	for _, s := range h.polls.Subjects() {
		if strings.HasPrefix(s, "chart:") {
			out = append(out, s)
		}
	}
	return out
}

func (h *harness) tableSubject() string {
	for _, s := range h.polls.Subjects() {
		if strings.HasPrefix(s, "table:") {
			return s
		}
	}
	return ""
}

func (h *harness) search(q string) {
	h.on(func() { h.bus.SearchSubmitted.Publish(event.SearchSubmitted{Query: q}) })
}

// ============================================================
// Tests
// ============================================================

func TestDashboard_InitialLoadAndSelection(t *testing.T) {
	h := newHarness(t, newFakeClient())

	h.waitFor("auto-select of c0", func() bool { return h.dash.Selected() == "c0" })

	var rows int
	var state State
	h.on(func() { rows, state = h.list.Len(), h.dash.State() })
	if rows != 10 {
		t.Errorf("Expected 10 rows, got %d", rows)
	}
	if state != StateBrowsing {
		t.Errorf("Expected browsing, got %s", state)
	}
	if got := h.tableSubject(); got != "table:c0,c1,c2,c3,c4,c5,c6,c7,c8,c9" {
		t.Errorf("Unexpected table subject %q", got)
	}

	var live []string
	var mu sync.Mutex
	h.on(func() {
		h.bus.LiveData.Subscribe(func(ev event.LiveData) {
			mu.Lock()
			live = append(live, ev.ID)
			mu.Unlock()
		})
		c5 := h.dash.Current()[5]
		h.bus.Selected.Publish(event.Selected{ID: c5.ID, Snapshot: c5})
	})

	if got := h.chartSubjects(); !slices.Equal(got, []string{"chart:c5"}) {
		t.Errorf("Expected exactly one chart session for c5, got %v", got)
	}

	h.waitFor("live data for c5", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(live, "c5")
	})
	mu.Lock()
	if live[len(live)-1] != "c5" {
		t.Errorf("Live data after switching must be for c5, got %v", live)
	}
	mu.Unlock()
}

func TestDashboard_ReselectingChartedCoinIsNoop(t *testing.T) {
	h := newHarness(t, newFakeClient())
	h.waitFor("auto-select", func() bool { return h.dash.Selected() == "c0" })

	var before *poll.Stream[*domain.Series]
	h.on(func() {
		before = h.dash.chart
		h.bus.Selected.Publish(event.Selected{ID: "c0"})
	})

	var after *poll.Stream[*domain.Series]
	h.on(func() { after = h.dash.chart })
	if before != after || !after.Active() {
		t.Error("Selecting the charted coin must keep its session")
	}
}

func TestDashboard_SearchGuard(t *testing.T) {
	h := newHarness(t, newFakeClient())
	h.waitFor("browsing", func() bool { return h.dash.State() == StateBrowsing })

	// The second submit arrives while the first is in flight.
	h.on(func() {
		h.bus.SearchSubmitted.Publish(event.SearchSubmitted{Query: "bitcoin"})
		h.bus.SearchSubmitted.Publish(event.SearchSubmitted{Query: " bitcoin "})
	})
	h.waitFor("search results", func() bool { return h.dash.ActiveQuery() == "bitcoin" })

	h.search("bitcoin")
	h.search("b")

	if _, searches := h.client.counts(); searches != 1 {
		t.Errorf("Expected exactly 1 search fetch, got %d", searches)
	}

	var order []string
	var state State
	h.on(func() { order, state = h.list.Order(), h.dash.State() })
	if !slices.Equal(order, []string{"bitcoin", "wrapped-bitcoin"}) {
		t.Errorf("Expected search results in the table, got %v", order)
	}
	if state != StateSearching {
		t.Errorf("Expected searching, got %s", state)
	}
	if got := h.tableSubject(); got != "table:bitcoin,wrapped-bitcoin" {
		t.Errorf("Table poll should follow the results, got %q", got)
	}
}

func TestDashboard_EmptySearchAndBack(t *testing.T) {
	h := newHarness(t, newFakeClient())
	h.waitFor("browsing", func() bool { return h.dash.State() == StateBrowsing })

	h.search("zzz")
	h.waitFor("empty banner", func() bool { return h.table.banner.Kind == domain.BannerEmpty })

	var banner domain.Banner
	var active string
	h.on(func() { banner, active = h.table.banner, h.dash.ActiveQuery() })
	if banner.Message != `No results found for "zzz"` {
		t.Errorf("Unexpected empty message %q", banner.Message)
	}
	if active != "" {
		t.Errorf("Empty result must not change the active query, got %q", active)
	}
	if h.tableSubject() != "" {
		t.Error("Table poll should stop while the empty state is shown")
	}

	h.search("zzz")
	if _, searches := h.client.counts(); searches != 1 {
		t.Errorf("Repeated empty query should be ignored, got %d searches", searches)
	}

	h.on(func() { h.bus.ListBack.Publish(event.ListBack{}) })

	var rows int
	h.on(func() { rows, banner = h.list.Len(), h.table.banner })
	if rows != 10 || banner.Kind != domain.BannerNone {
		t.Errorf("Back should restore 10 rows, got %d rows, banner %+v", rows, banner)
	}
	if h.tableSubject() == "" {
		t.Error("Back should restart the table poll")
	}
}

func TestDashboard_SearchFailureFallsBack(t *testing.T) {
	client := newFakeClient()
	client.setSearchErr(errors.New("boom"))
	h := newHarness(t, client)
	h.waitFor("browsing", func() bool { return h.dash.State() == StateBrowsing })

	h.search("bitcoin")
	h.waitFor("error state", func() bool { return h.dash.State() == StateError })

	var banner domain.Banner
	h.on(func() { banner = h.table.banner })
	if banner.Kind != domain.BannerError || banner.Message != SearchErrorMessage {
		t.Errorf("Unexpected banner %+v", banner)
	}

	h.waitFor("fallback to browsing", func() bool { return h.dash.State() == StateBrowsing })

	top, _ := client.counts()
	if top != 2 {
		t.Errorf("Fallback should reload top coins once, got %d top fetches", top)
	}
	var rows int
	h.on(func() { rows = h.list.Len() })
	if rows != 10 {
		t.Errorf("Expected 10 rows after fallback, got %d", rows)
	}
}

func TestDashboard_ReloadCancelsSearchFallback(t *testing.T) {
	client := newFakeClient()
	client.setSearchErr(errors.New("boom"))
	h := newHarness(t, client)
	h.waitFor("browsing", func() bool { return h.dash.State() == StateBrowsing })

	h.search("bitcoin")
	h.waitFor("error state", func() bool { return h.dash.State() == StateError })

	var pending, cleared bool
	h.on(func() {
		pending = h.dash.fallback != nil
		h.bus.ReloadRequested.Publish(event.ReloadRequested{})
		cleared = h.dash.fallback == nil
	})
	if !pending {
		t.Fatal("Search failure should arm the fallback")
	}
	if !cleared {
		t.Error("Reload should drop the fallback timer")
	}

	h.waitFor("browsing after reload", func() bool { return h.dash.State() == StateBrowsing })
	time.Sleep(80 * time.Millisecond)
	if top, _ := client.counts(); top != 2 {
		t.Errorf("Cancelled fallback must not reload again, got %d top fetches", top)
	}
}

func TestDashboard_SearchClear(t *testing.T) {
	h := newHarness(t, newFakeClient())
	h.waitFor("browsing", func() bool { return h.dash.State() == StateBrowsing })

	// Not searching: clear is a no-op.
	h.on(func() { h.bus.SearchCleared.Publish(event.SearchCleared{}) })
	if top, _ := h.client.counts(); top != 1 {
		t.Errorf("Clear outside search must not refetch, got %d", top)
	}

	h.search("bitcoin")
	h.waitFor("searching", func() bool { return h.dash.State() == StateSearching })

	h.on(func() { h.bus.SearchCleared.Publish(event.SearchCleared{}) })
	h.waitFor("browsing again", func() bool {
		return h.dash.State() == StateBrowsing && h.list.Len() == 10
	})
	var active string
	h.on(func() { active = h.dash.ActiveQuery() })
	if active != "" {
		t.Error("Clear should reset the active query")
	}
}

func TestDashboard_RemovingLastSearchResultClears(t *testing.T) {
	h := newHarness(t, newFakeClient())
	h.waitFor("browsing", func() bool { return h.dash.State() == StateBrowsing })

	h.search("wrapped")
	h.waitFor("searching", func() bool { return h.dash.ActiveQuery() == "wrapped" })

	h.on(func() {
		h.bus.RemoveRequested.Publish(event.RemoveRequested{ID: "wrapped-bitcoin", Name: "Wrapped Bitcoin"})
	})

	h.waitFor("return to top list", func() bool {
		return h.dash.State() == StateBrowsing && h.list.Len() == 10
	})
	if top, _ := h.client.counts(); top != 2 {
		t.Errorf("Expected top list reloaded once, got %d fetches", top)
	}
}

func TestDashboard_RemovingChartedCoinReselects(t *testing.T) {
	h := newHarness(t, newFakeClient())
	h.waitFor("auto-select", func() bool { return h.dash.Selected() == "c0" })

	h.on(func() { h.bus.RemoveRequested.Publish(event.RemoveRequested{ID: "c0"}) })
	h.waitFor("next coin charted", func() bool { return h.dash.Selected() == "c1" })

	if got := h.chartSubjects(); !slices.Equal(got, []string{"chart:c1"}) {
		t.Errorf("Expected one chart session for c1, got %v", got)
	}
	if got := h.tableSubject(); strings.Contains(got, "c0") {
		t.Errorf("Table poll should drop c0, got %q", got)
	}
}

func TestDashboard_ClearDropsInFlightSearch(t *testing.T) {
	client := newFakeClient()
	gate := make(chan struct{})
	client.searchGate = gate
	h := newHarness(t, client)
	h.waitFor("browsing", func() bool { return h.dash.State() == StateBrowsing })

	var mu sync.Mutex
	var changed []string
	h.on(func() {
		h.bus.ListUpdated.Subscribe(func(ev event.ListUpdated) {
			mu.Lock()
			changed = append(changed, ev.Changed...)
			mu.Unlock()
		})
	})

	h.search("bitcoin")
	h.waitFor("search in flight", func() bool {
		_, searches := client.counts()
		return searches == 1
	})

	h.on(func() { h.bus.SearchCleared.Publish(event.SearchCleared{}) })
	h.waitFor("top list reloaded", func() bool {
		top, _ := client.counts()
		return top == 2 && h.dash.State() == StateBrowsing && h.list.Len() == 10
	})

	close(gate)
	// Let the released search finish and post its result.
	time.Sleep(50 * time.Millisecond)

	var order []string
	var active string
	var state State
	var current []domain.Snapshot
	h.on(func() {
		order, active, state = h.list.Order(), h.dash.ActiveQuery(), h.dash.State()
		current = h.dash.Current()
	})
	if active != "" {
		t.Errorf("Stale search must not set the active query, got %q", active)
	}
	if state != StateBrowsing {
		t.Errorf("Expected browsing, got %s", state)
	}
	if len(order) != 10 || order[0] != "c0" {
		t.Errorf("Stale search replaced the table: %v", order)
	}
	for _, s := range current {
		if strings.Contains(s.ID, "bitcoin") {
			t.Errorf("Stale search reached the current list: %s", s.ID)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range changed {
		if strings.Contains(id, "bitcoin") {
			t.Errorf("Stale search reached the list: %v", changed)
			break
		}
	}
}

func TestDashboard_NewerSearchWins(t *testing.T) {
	client := newFakeClient()
	gate := make(chan struct{})
	client.searchGate = gate
	h := newHarness(t, client)
	h.waitFor("browsing", func() bool { return h.dash.State() == StateBrowsing })

	h.search("coin 3")
	h.waitFor("first search in flight", func() bool {
		_, searches := client.counts()
		return searches == 1
	})

	// The newer query must not wait for the first one.
	client.mu.Lock()
	client.searchGate = nil
	client.mu.Unlock()
	h.search("wrapped")
	h.waitFor("newer results", func() bool { return h.dash.ActiveQuery() == "wrapped" })

	close(gate)
	time.Sleep(50 * time.Millisecond)

	var order []string
	var active string
	h.on(func() { order, active = h.list.Order(), h.dash.ActiveQuery() })
	if active != "wrapped" || !slices.Equal(order, []string{"wrapped-bitcoin"}) {
		t.Errorf("Older search overwrote newer results: active %q, rows %v", active, order)
	}
	if got := h.tableSubject(); got != "table:wrapped-bitcoin" {
		t.Errorf("Table poll should follow the newer results, got %q", got)
	}
}

func TestDashboard_SwitchDropsInFlightHistory(t *testing.T) {
	client := newFakeClient()
	gate := make(chan struct{})
	client.historyGates = map[string]chan struct{}{"c0": gate}
	h := newHarness(t, client)

	var mu sync.Mutex
	var live []string
	h.on(func() {
		h.bus.LiveData.Subscribe(func(ev event.LiveData) {
			mu.Lock()
			live = append(live, ev.ID)
			mu.Unlock()
		})
	})

	h.waitFor("c0 history in flight", func() bool {
		return h.dash.Selected() == "c0" && client.historyCalls("c0") == 1
	})

	h.on(func() {
		c5 := h.dash.Current()[5]
		h.bus.Selected.Publish(event.Selected{ID: c5.ID, Snapshot: c5})
	})
	h.waitFor("live data for c5", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(live, "c5")
	})

	close(gate)
	time.Sleep(50 * time.Millisecond)
	h.on(func() {})

	mu.Lock()
	defer mu.Unlock()
	if slices.Contains(live, "c0") {
		t.Errorf("Live data published for a deselected coin: %v", live)
	}
}

func TestDashboard_RemovedCoinLeavesCurrentAtOnce(t *testing.T) {
	h := newHarness(t, newFakeClient())
	h.waitFor("auto-select", func() bool { return h.dash.Selected() == "c0" })

	var mu sync.Mutex
	removed := 0
	var inCurrent bool
	h.on(func() {
		h.bus.Removed.Subscribe(func(event.Removed) {
			mu.Lock()
			removed++
			mu.Unlock()
		})
		h.bus.RemoveRequested.Publish(event.RemoveRequested{ID: "c3"})
		for _, s := range h.dash.Current() {
			if s.ID == "c3" {
				inCurrent = true
			}
		}
	})
	if inCurrent {
		t.Error("Removed coin should leave the current list while its row fades")
	}

	h.waitFor("table poll without c3", func() bool {
		return h.tableSubject() == "table:c0,c1,c2,c4,c5,c6,c7,c8,c9"
	})
	h.on(func() { h.bus.RemoveRequested.Publish(event.RemoveRequested{ID: "c3"}) })
	time.Sleep(30 * time.Millisecond)

	var rows int
	h.on(func() { rows = h.list.Len() })
	mu.Lock()
	defer mu.Unlock()
	if removed != 1 {
		t.Errorf("Expected one Removed event, got %d", removed)
	}
	if rows != 9 {
		t.Errorf("Expected 9 rows, got %d", rows)
	}
}

func TestDashboard_BackAfterEmptySearchRestoresState(t *testing.T) {
	h := newHarness(t, newFakeClient())
	h.waitFor("browsing", func() bool { return h.dash.State() == StateBrowsing })

	h.search("zzz")
	h.waitFor("empty banner", func() bool { return h.table.banner.Kind == domain.BannerEmpty })
	h.on(func() { h.bus.ListBack.Publish(event.ListBack{}) })

	var state State
	var searching bool
	h.on(func() { state, searching = h.dash.State(), h.dash.searching })
	if state != StateBrowsing || searching {
		t.Errorf("Back to the top list should browse, got %s (searching=%v)", state, searching)
	}

	h.search("wrapped")
	h.waitFor("search results", func() bool { return h.dash.ActiveQuery() == "wrapped" })
	h.search("zzz2")
	h.waitFor("empty banner", func() bool { return h.table.banner.Kind == domain.BannerEmpty })
	h.on(func() { h.bus.ListBack.Publish(event.ListBack{}) })

	var order []string
	h.on(func() { state, searching, order = h.dash.State(), h.dash.searching, h.list.Order() })
	if state != StateSearching || !searching {
		t.Errorf("Back to search results should stay searching, got %s (searching=%v)", state, searching)
	}
	if !slices.Equal(order, []string{"wrapped-bitcoin"}) {
		t.Errorf("Expected previous results restored, got %v", order)
	}
}

func TestDashboard_LoadFailureAndReload(t *testing.T) {
	client := newFakeClient()
	client.topFails = 1
	h := newHarness(t, client)

	h.waitFor("error state", func() bool { return h.dash.State() == StateError })
	var banner domain.Banner
	h.on(func() { banner = h.table.banner })
	if banner.Message != LoadErrorMessage {
		t.Errorf("Unexpected banner %+v", banner)
	}

	h.on(func() { h.bus.ReloadRequested.Publish(event.ReloadRequested{}) })
	h.waitFor("browsing", func() bool {
		return h.dash.State() == StateBrowsing && h.list.Len() == 10
	})
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:      "idle",
		StateLoading:   "loading",
		StateBrowsing:  "browsing",
		StateSearching: "searching",
		StateError:     "error",
		State(42):      "state(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}
