package reconcile

import (
	"log/slog"
	"time"

	"coin_dash/internal/domain"
	"coin_dash/internal/engine"
	"coin_dash/internal/event"
)

// DefaultRemoveDelay matches the fade-out animation of a removed row.
const DefaultRemoveDelay = 300 * time.Millisecond

// DefaultEmptyMessage is shown by ShowEmpty when no message is given.
const DefaultEmptyMessage = "No cryptocurrencies found"

// List is the coin table component. It owns the row registry and must only be
// used from the event loop.
type List struct {
	loop        *engine.Loop
	bus         *event.Bus
	surface     domain.TableSurface
	reg         *Registry
	removeDelay time.Duration
	logger      *slog.Logger

	loading  bool
	banner   domain.BannerKind
	removing map[string]*removal
	subs     []event.Unsubscribe
}

// removal is a row fading out before it is detached.
type removal struct {
	timer *engine.Timer
	view  domain.RowView
}

// NewList mounts the table component on surface. A missing surface is a
// construction failure.
func NewList(loop *engine.Loop, bus *event.Bus, surface domain.TableSurface, removeDelay time.Duration) (*List, error) {
	if surface == nil {
		return nil, domain.ErrSurfaceMissing
	}
	if removeDelay <= 0 {
		removeDelay = DefaultRemoveDelay
	}
	l := &List{
		loop:        loop,
		bus:         bus,
		surface:     surface,
		reg:         NewRegistry(surface),
		removeDelay: removeDelay,
		logger:      slog.Default().With("module", "list"),
		removing:    make(map[string]*removal),
	}
	l.subs = append(l.subs, bus.RemoveRequested.Subscribe(func(ev event.RemoveRequested) {
		l.Remove(ev.ID)
	}))
	return l, nil
}

// Render replaces every row with list and publishes ListRendered.
func (l *List) Render(list []domain.Snapshot) {
	l.clearBanner()
	res := l.reg.Render(list)
	l.logger.Debug("List rendered", slog.Int("count", len(list)), slog.Int("destroyed", len(res.Destroyed)))

	l.bus.ListRendered.Publish(event.ListRendered{
		Count:     len(list),
		Snapshots: append([]domain.Snapshot(nil), list...),
	})
}

// Update reconciles the rows with list in place and publishes ListUpdated.
// Rows still fading out after Remove are left out.
func (l *List) Update(list []domain.Snapshot, animate bool) Result {
	list = l.Visible(list)
	l.clearBanner()
	res := l.reg.Apply(list, animate)
	if len(res.Changed) > 0 || len(res.Created) > 0 || len(res.Destroyed) > 0 {
		l.logger.Debug("List updated",
			slog.Int("changed", len(res.Changed)),
			slog.Int("created", len(res.Created)),
			slog.Int("destroyed", len(res.Destroyed)))
	}

	l.bus.ListUpdated.Publish(event.ListUpdated{
		Count:   len(list),
		Changed: append(append([]string(nil), res.Changed...), res.Created...),
	})
	return res
}

// Visible returns list without the ids whose rows are fading out.
func (l *List) Visible(list []domain.Snapshot) []domain.Snapshot {
	if len(l.removing) == 0 {
		return list
	}
	out := make([]domain.Snapshot, 0, len(list))
	for _, s := range list {
		if _, gone := l.removing[s.ID]; !gone {
			out = append(out, s)
		}
	}
	return out
}

// Remove drops id at once, fades its row out and, once the fade is over,
// detaches the row and publishes Removed. Unknown ids are ignored.
func (l *List) Remove(id string) bool {
	view, ok := l.reg.Take(id)
	if !ok {
		return false
	}
	// A rendered list may bring the id back while its old row still fades.
	// Only one Removed is published per pending id.
	if prev, ok := l.removing[id]; ok {
		prev.timer.Stop()
		prev.view.Detach()
	}
	view.FadeOut()
	r := &removal{view: view}
	r.timer = l.loop.AfterFunc(l.removeDelay, func() {
		if l.removing[id] != r {
			return
		}
		delete(l.removing, id)
		view.Detach()
		l.bus.Removed.Publish(event.Removed{ID: id})
	})
	l.removing[id] = r
	return true
}

// ShowLoading turns the table spinner on. Repeated calls are no-ops.
func (l *List) ShowLoading() {
	if l.loading {
		return
	}
	l.loading = true
	l.surface.SetLoading(true)
}

// HideLoading turns the table spinner off.
func (l *List) HideLoading() {
	if !l.loading {
		return
	}
	l.loading = false
	l.surface.SetLoading(false)
}

// ShowError drops every row and shows msg with a retry action.
func (l *List) ShowError(msg string) {
	l.showBanner(domain.BannerError, msg)
}

// ShowEmpty drops every row and shows msg with a back action.
func (l *List) ShowEmpty(msg string) {
	if msg == "" {
		msg = DefaultEmptyMessage
	}
	l.showBanner(domain.BannerEmpty, msg)
}

func (l *List) showBanner(kind domain.BannerKind, msg string) {
	l.reg.Reset()
	l.banner = kind
	l.surface.ShowBanner(domain.Banner{Kind: kind, Message: msg})
}

func (l *List) clearBanner() {
	if l.banner == domain.BannerNone {
		return
	}
	l.banner = domain.BannerNone
	l.surface.ShowBanner(domain.Banner{})
}

// Banner returns the kind of banner currently replacing the rows.
func (l *List) Banner() domain.BannerKind {
	return l.banner
}

// Order returns the ids on screen in display order.
func (l *List) Order() []string {
	return l.reg.Order()
}

// Snapshots returns the data on screen in display order.
func (l *List) Snapshots() []domain.Snapshot {
	return l.reg.Snapshots()
}

// Len returns the number of rows on screen.
func (l *List) Len() int {
	return l.reg.Len()
}

// Close unsubscribes from the bus, cancels pending removals and drops every
// row.
func (l *List) Close() {
	for _, unsub := range l.subs {
		unsub()
	}
	l.subs = nil
	for id, r := range l.removing {
		r.timer.Stop()
		delete(l.removing, id)
	}
	l.reg.Reset()
}
