// Package service holds the dashboard coordinator: the state machine that owns
// selection and search state and the lifecycles of the table and chart polls.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"coin_dash/internal/domain"
	"coin_dash/internal/engine"
	"coin_dash/internal/event"
	"coin_dash/internal/poll"
	"coin_dash/internal/reconcile"
	"coin_dash/internal/retry"
)

// User-facing messages.
const (
	LoadErrorMessage   = "Failed to load cryptocurrency data. Please check your connection and try again."
	SearchErrorMessage = "Search failed. Please try again."
)

// State is the coordinator state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateBrowsing
	StateSearching
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateBrowsing:
		return "browsing"
	case StateSearching:
		return "searching"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures the coordinator. Zero fields fall back to DefaultOptions.
type Options struct {
	TopLimit            int
	MinQueryLength      int
	TableInterval       time.Duration
	ChartInterval       time.Duration
	AutoSelectDelay     time.Duration
	SearchFallbackDelay time.Duration
	LoadRetry           retry.Policy
	SearchRetry         retry.Policy
}

// DefaultOptions returns the stock settings.
func DefaultOptions() Options {
	return Options{
		TopLimit:            10,
		MinQueryLength:      2,
		TableInterval:       30 * time.Second,
		ChartInterval:       30 * time.Second,
		AutoSelectDelay:     100 * time.Millisecond,
		SearchFallbackDelay: 10 * time.Second,
		LoadRetry:           retry.Policy{MaxRetries: 3, InitialDelay: time.Second, Multiplier: 2},
		SearchRetry:         retry.Policy{MaxRetries: 2, InitialDelay: 500 * time.Millisecond, Multiplier: 2},
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TopLimit <= 0 {
		o.TopLimit = def.TopLimit
	}
	if o.MinQueryLength <= 0 {
		o.MinQueryLength = def.MinQueryLength
	}
	if o.TableInterval <= 0 {
		o.TableInterval = def.TableInterval
	}
	if o.ChartInterval <= 0 {
		o.ChartInterval = def.ChartInterval
	}
	if o.AutoSelectDelay <= 0 {
		o.AutoSelectDelay = def.AutoSelectDelay
	}
	if o.SearchFallbackDelay <= 0 {
		o.SearchFallbackDelay = def.SearchFallbackDelay
	}
	return o
}

// Dashboard is the coordinator. Everything except Start runs on the event
// loop; bus handlers are invoked there because publishers post onto it.
type Dashboard struct {
	loop   *engine.Loop
	bus    *event.Bus
	client domain.MarketDataClient
	list   *reconcile.List
	polls  *poll.Factory
	opts   Options
	logger *slog.Logger
	ctx    context.Context

	state        State
	current      []domain.Snapshot
	searching    bool
	activeQuery  string
	pendingQuery string
	emptyQuery   string
	selected     string

	// gen is bumped whenever the table's data source changes; async
	// continuations carrying an older value are dropped.
	gen uint64

	table      *poll.Stream[[]domain.Snapshot]
	chart      *poll.Stream[*domain.Series]
	autoSelect *engine.Timer
	fallback   *engine.Timer
	subs       []event.Unsubscribe
}

// NewDashboard creates the coordinator. Nothing happens until Start.
func NewDashboard(loop *engine.Loop, bus *event.Bus, client domain.MarketDataClient, list *reconcile.List, polls *poll.Factory, opts Options) *Dashboard {
	return &Dashboard{
		loop:   loop,
		bus:    bus,
		client: client,
		list:   list,
		polls:  polls,
		opts:   opts.withDefaults(),
		logger: slog.Default().With("module", "dashboard"),
		ctx:    context.Background(),
	}
}

// Start subscribes to the bus and queues the initial load. ctx bounds every
// fetch the dashboard starts.
func (d *Dashboard) Start(ctx context.Context) error {
	d.ctx = ctx
	d.subs = append(d.subs,
		d.bus.Selected.Subscribe(d.onSelected),
		d.bus.SearchSubmitted.Subscribe(d.onSearchSubmitted),
		d.bus.SearchCleared.Subscribe(func(event.SearchCleared) { d.clearSearch(false) }),
		d.bus.RemoveRequested.Subscribe(d.onRemoveRequested),
		d.bus.Removed.Subscribe(d.onRemoved),
		d.bus.ListRendered.Subscribe(d.onListRendered),
		d.bus.ListBack.Subscribe(func(event.ListBack) { d.onListBack() }),
		d.bus.ReloadRequested.Subscribe(func(event.ReloadRequested) { d.load() }),
	)
	if !d.loop.Post(d.load) {
		return fmt.Errorf("dashboard start: event loop stopped")
	}
	return nil
}

// Close releases subscriptions, timers and poll sessions. Call it on the loop
// or after the loop has stopped.
func (d *Dashboard) Close() {
	for _, unsub := range d.subs {
		unsub()
	}
	d.subs = nil
	d.autoSelect.Stop()
	d.autoSelect = nil
	d.fallback.Stop()
	d.fallback = nil
	d.stopTable()
	d.stopChart()
}

// State returns the current coordinator state.
func (d *Dashboard) State() State {
	return d.state
}

// Selected returns the charted coin id.
func (d *Dashboard) Selected() string {
	return d.selected
}

// Current returns the list the table is showing or polling.
func (d *Dashboard) Current() []domain.Snapshot {
	return append([]domain.Snapshot(nil), d.current...)
}

// ActiveQuery returns the query of the search being shown, or "".
func (d *Dashboard) ActiveQuery() string {
	return d.activeQuery
}

func (d *Dashboard) setState(s State) {
	if d.state == s {
		return
	}
	d.logger.Info("State changed", slog.String("from", d.state.String()), slog.String("to", s.String()))
	d.state = s
}

// ============================================================
// Initial load and search
// ============================================================

func (d *Dashboard) load() {
	d.gen++
	gen := d.gen
	d.fallback.Stop()
	d.fallback = nil
	d.stopTable()
	d.setState(StateLoading)
	d.list.ShowLoading()

	engine.Await(d.loop, d.ctx, func(ctx context.Context) ([]domain.Snapshot, error) {
		return retry.Do(ctx, d.policy(d.opts.LoadRetry, "load_top"), func(ctx context.Context) ([]domain.Snapshot, error) {
			return d.client.FetchTop(ctx, d.opts.TopLimit)
		})
	}, func(list []domain.Snapshot, err error) {
		if gen != d.gen {
			return
		}
		d.list.HideLoading()
		if err != nil {
			d.logger.Error("Failed to load top coins", slog.Any("error", err))
			d.setState(StateError)
			d.list.ShowError(LoadErrorMessage)
			return
		}
		d.resetSearch()
		d.setState(StateBrowsing)
		d.showFresh(list)
	})
}

// showFresh renders list from scratch. The resulting ListRendered event
// restarts the table poll and schedules the auto-select.
func (d *Dashboard) showFresh(list []domain.Snapshot) {
	d.current = list
	d.list.Render(list)
	if len(list) == 0 {
		d.list.ShowEmpty("")
	}
}

func (d *Dashboard) onSearchSubmitted(ev event.SearchSubmitted) {
	q := strings.TrimSpace(ev.Query)
	switch {
	case utf8.RuneCountInString(q) < d.opts.MinQueryLength,
		q == d.activeQuery,
		q == d.pendingQuery,
		q == d.emptyQuery:
		d.logger.Debug("Search ignored", slog.String("query", q))
		return
	}

	d.gen++
	gen := d.gen
	d.fallback.Stop()
	d.fallback = nil
	d.searching = true
	d.pendingQuery = q
	d.list.ShowLoading()
	d.logger.Info("Search submitted", slog.String("query", q))

	engine.Await(d.loop, d.ctx, func(ctx context.Context) ([]domain.Snapshot, error) {
		return retry.Do(ctx, d.policy(d.opts.SearchRetry, "search"), func(ctx context.Context) ([]domain.Snapshot, error) {
			return d.searchMarkets(ctx, q)
		})
	}, func(list []domain.Snapshot, err error) {
		if gen != d.gen {
			return
		}
		d.pendingQuery = ""
		d.list.HideLoading()

		if err != nil {
			d.logger.Error("Search failed", slog.String("query", q), slog.Any("error", err))
			d.stopTable()
			d.setState(StateError)
			d.list.ShowError(SearchErrorMessage)
			d.fallback = d.loop.AfterFunc(d.opts.SearchFallbackDelay, func() {
				d.fallback = nil
				d.logger.Info("Search fallback: returning to top coins")
				d.clearSearch(true)
			})
			return
		}

		d.setState(StateSearching)
		if len(list) == 0 {
			d.emptyQuery = q
			d.stopTable()
			d.list.ShowEmpty(fmt.Sprintf("No results found for %q", q))
			return
		}

		d.emptyQuery = ""
		d.activeQuery = q
		d.current = list
		d.list.Update(list, true)
		d.restartTable()
	})
}

// searchMarkets resolves a query against the catalog, then loads market data
// for the matches.
func (d *Dashboard) searchMarkets(ctx context.Context, q string) ([]domain.Snapshot, error) {
	matches, err := d.client.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	list, err := d.client.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("markets for %q: %w", q, err)
	}
	return list, nil
}

// clearSearch returns to the top-N list. Unless forced it only acts while
// searching.
func (d *Dashboard) clearSearch(force bool) {
	if !d.searching && !force {
		return
	}
	d.resetSearch()

	d.gen++
	gen := d.gen
	d.list.ShowLoading()

	engine.Await(d.loop, d.ctx, func(ctx context.Context) ([]domain.Snapshot, error) {
		return retry.Do(ctx, d.policy(d.opts.LoadRetry, "reload_top"), func(ctx context.Context) ([]domain.Snapshot, error) {
			return d.client.FetchTop(ctx, d.opts.TopLimit)
		})
	}, func(list []domain.Snapshot, err error) {
		if gen != d.gen {
			return
		}
		d.list.HideLoading()
		if err != nil {
			d.logger.Error("Failed to reload top coins", slog.Any("error", err))
			d.stopTable()
			d.setState(StateError)
			d.list.ShowError(LoadErrorMessage)
			return
		}
		d.setState(StateBrowsing)
		d.showFresh(list)
	})
}

func (d *Dashboard) resetSearch() {
	d.fallback.Stop()
	d.fallback = nil
	d.searching = false
	d.activeQuery = ""
	d.pendingQuery = ""
	d.emptyQuery = ""
}

func (d *Dashboard) policy(p retry.Policy, op string) retry.Policy {
	next := p.OnRetry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		d.logger.Warn("Retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if next != nil {
			next(attempt, delay, err)
		}
	}
	return p
}

// ============================================================
// List lifecycle
// ============================================================

func (d *Dashboard) onListRendered(ev event.ListRendered) {
	if ev.Count > 0 && len(d.current) > 0 {
		d.scheduleAutoSelect()
	}
	d.restartTable()
}

func (d *Dashboard) scheduleAutoSelect() {
	d.autoSelect.Stop()
	d.autoSelect = d.loop.AfterFunc(d.opts.AutoSelectDelay, func() {
		d.autoSelect = nil
		if len(d.current) == 0 {
			return
		}
		first := d.current[0]
		d.bus.Selected.Publish(event.Selected{ID: first.ID, Snapshot: first})
	})
}

// onRemoveRequested forgets id at once so nothing picks it up while its row
// fades out.
func (d *Dashboard) onRemoveRequested(ev event.RemoveRequested) {
	d.current = without(d.current, ev.ID)
}

func (d *Dashboard) onRemoved(ev event.Removed) {
	d.current = without(d.current, ev.ID)

	if ev.ID == d.selected {
		d.stopChart()
		d.selected = ""
		if len(d.current) > 0 {
			d.scheduleAutoSelect()
		}
	}

	if len(d.current) == 0 {
		if d.searching {
			d.clearSearch(false)
			return
		}
		d.stopTable()
		d.list.ShowEmpty("")
		return
	}
	d.restartTable()
}

// onListBack leaves the empty state for the list shown before it: the last
// search results if a search is active, the top list otherwise.
func (d *Dashboard) onListBack() {
	if d.list.Banner() != domain.BannerEmpty {
		return
	}
	if len(d.current) == 0 {
		d.load()
		return
	}
	if d.activeQuery == "" {
		d.searching = false
		d.setState(StateBrowsing)
	} else {
		d.setState(StateSearching)
	}
	d.list.Render(d.current)
}

// ============================================================
// Poll sessions
// ============================================================

func (d *Dashboard) restartTable() {
	d.stopTable()
	if len(d.current) == 0 {
		return
	}

	ids := domain.IDs(d.current)
	subject := "table:" + strings.Join(ids, ",")
	s := poll.Start(d.polls, d.ctx, subject, d.opts.TableInterval, func(ctx context.Context) ([]domain.Snapshot, error) {
		return d.client.FetchByIDs(ctx, ids)
	})
	s.OnData(func(list []domain.Snapshot) {
		if d.table != s {
			return
		}
		d.current = d.list.Visible(list)
		d.list.Update(d.current, true)
	})
	d.table = s
}

func (d *Dashboard) stopTable() {
	d.table.Stop()
	d.table = nil
}

func (d *Dashboard) onSelected(ev event.Selected) {
	if ev.ID == "" || ev.ID == d.selected {
		return
	}
	d.stopChart()
	d.selected = ev.ID

	id := ev.ID
	fallback := ev.Snapshot
	s := poll.Start(d.polls, d.ctx, "chart:"+id, d.opts.ChartInterval, func(ctx context.Context) (*domain.Series, error) {
		return d.client.FetchHistory(ctx, id)
	})
	s.OnData(func(series *domain.Series) {
		if d.chart != s || d.selected != id {
			return
		}
		d.bus.LiveData.Publish(event.LiveData{
			ID:       id,
			Snapshot: d.snapshotFor(id, fallback),
			Series:   series,
		})
	})
	d.chart = s
	d.logger.Info("Chart subject changed", slog.String("id", id))
}

func (d *Dashboard) stopChart() {
	d.chart.Stop()
	d.chart = nil
}

// snapshotFor prefers the freshest table data for id.
func (d *Dashboard) snapshotFor(id string, fallback domain.Snapshot) domain.Snapshot {
	for _, s := range d.current {
		if s.ID == id {
			return s
		}
	}
	return fallback
}

func without(list []domain.Snapshot, id string) []domain.Snapshot {
	kept := list[:0:0]
	for _, s := range list {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	return kept
}
