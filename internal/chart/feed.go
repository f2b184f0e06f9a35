// Package chart drives the live chart from selection and live-data events.
package chart

import (
	"log/slog"
	"time"

	"coin_dash/internal/domain"
	"coin_dash/internal/event"
)

// MinRedrawGap is the smallest move of the last timestamp that triggers a
// redraw for the coin already on the chart.
const MinRedrawGap = time.Second

// Feed plots LiveData for the selected coin. Must be used from the event loop.
type Feed struct {
	surface domain.ChartSurface
	logger  *slog.Logger

	current    string
	lastPoint  time.Time
	loadingFor string
	plotted    int
	skipped    int
	subs       []event.Unsubscribe
}

// NewFeed subscribes a feed to bus. A missing surface is a construction failure.
func NewFeed(bus *event.Bus, surface domain.ChartSurface) (*Feed, error) {
	if surface == nil {
		return nil, domain.ErrSurfaceMissing
	}
	f := &Feed{
		surface: surface,
		logger:  slog.Default().With("module", "chart"),
	}
	f.subs = append(f.subs,
		bus.Selected.Subscribe(f.onSelected),
		bus.LiveData.Subscribe(f.onLiveData),
	)
	return f, nil
}

func (f *Feed) onSelected(ev event.Selected) {
	if ev.ID == "" || ev.ID == f.current {
		return
	}
	name := ev.Snapshot.Name
	if name == "" {
		name = ev.ID
	}
	f.loadingFor = ev.ID
	f.surface.ShowLoading(name)
}

func (f *Feed) onLiveData(ev event.LiveData) {
	if f.loadingFor == ev.ID {
		f.loadingFor = ""
		f.surface.HideLoading()
	}

	last, ok := ev.Series.Last()
	if !ok {
		return
	}

	if f.current == ev.ID && absDuration(last.Time.Sub(f.lastPoint)) < MinRedrawGap {
		f.skipped++
		return
	}

	f.current = ev.ID
	f.lastPoint = last.Time
	f.plotted++
	f.surface.Plot(ev.Snapshot, ev.Series)
	f.logger.Debug("Chart updated", slog.String("id", ev.ID), slog.Int("points", ev.Series.Len()))
}

// Current returns the id on the chart, or "" before the first plot.
func (f *Feed) Current() string {
	return f.current
}

// Plotted returns the number of redraws.
func (f *Feed) Plotted() int {
	return f.plotted
}

// Skipped returns the number of deliveries dropped as unchanged.
func (f *Feed) Skipped() int {
	return f.skipped
}

// Close unsubscribes from the bus.
func (f *Feed) Close() {
	for _, unsub := range f.subs {
		unsub()
	}
	f.subs = nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
