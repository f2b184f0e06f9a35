// Package event implements the typed, synchronous publish/subscribe bus that
// connects the dashboard components.
package event

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Unsubscribe removes one registration. Calling it again is a no-op.
type Unsubscribe func()

type registration[T any] struct {
	handler func(T)
	active  atomic.Bool
}

// Topic is a single event channel with a fixed payload type.
// Handlers run synchronously on the publisher's goroutine, in subscription order.
type Topic[T any] struct {
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	regs []*registration[T]
}

func (t *Topic[T]) init(name string, logger *slog.Logger) {
	t.name = name
	t.logger = logger
}

// Name returns the topic name used in logs.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers handler and returns its Unsubscribe.
func (t *Topic[T]) Subscribe(handler func(T)) Unsubscribe {
	reg := &registration[T]{handler: handler}
	reg.active.Store(true)

	t.mu.Lock()
	t.regs = append(t.regs, reg)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(reg) })
	}
}

func (t *Topic[T]) remove(reg *registration[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reg.active.Store(false)
	if i := slices.Index(t.regs, reg); i >= 0 {
		t.regs = slices.Delete(t.regs, i, i+1)
	}
}

// Publish invokes every current handler with payload. A panicking handler is
// logged and skipped; the remaining handlers still run.
func (t *Topic[T]) Publish(payload T) {
	t.mu.Lock()
	regs := slices.Clone(t.regs)
	t.mu.Unlock()

	for _, reg := range regs {
		// Unsubscribed by an earlier handler of this same publish.
		if !reg.active.Load() {
			continue
		}
		t.invoke(reg, payload)
	}
}

func (t *Topic[T]) invoke(reg *registration[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			t.log().Error("Error in event handler",
				slog.String("topic", t.name),
				slog.Any("panic", r),
			)
		}
	}()
	reg.handler(payload)
}

// Len returns the number of registered handlers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.regs)
}

func (t *Topic[T]) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, reg := range t.regs {
		reg.active.Store(false)
	}
	t.regs = nil
}

func (t *Topic[T]) log() *slog.Logger {
	if t.logger != nil {
		return t.logger
	}
	return slog.Default()
}

// Bus holds one topic per event kind. Topics are fields, so publishing to an
// unknown topic does not compile.
type Bus struct {
	Selected        Topic[Selected]
	SearchSubmitted Topic[SearchSubmitted]
	SearchCleared   Topic[SearchCleared]
	RemoveRequested Topic[RemoveRequested]
	Removed         Topic[Removed]
	ListRendered    Topic[ListRendered]
	ListUpdated     Topic[ListUpdated]
	LiveData        Topic[LiveData]
	ListBack        Topic[ListBack]
	ReloadRequested Topic[ReloadRequested]
}

// NewBus creates a bus whose handler faults are reported to logger.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "event_bus")

	b := &Bus{}
	b.Selected.init("crypto:select", logger)
	b.SearchSubmitted.init("search:submit", logger)
	b.SearchCleared.init("search:clear", logger)
	b.RemoveRequested.init("crypto:remove", logger)
	b.Removed.init("cryptoList:cryptoRemoved", logger)
	b.ListRendered.init("cryptoList:rendered", logger)
	b.ListUpdated.init("cryptoList:re-rendered", logger)
	b.LiveData.init("crypto:live-data", logger)
	b.ListBack.init("cryptoList:back", logger)
	b.ReloadRequested.init("app:reload", logger)
	return b
}

// Clear drops every registration on every topic. Used at full teardown.
func (b *Bus) Clear() {
	b.Selected.clear()
	b.SearchSubmitted.clear()
	b.SearchCleared.clear()
	b.RemoveRequested.clear()
	b.Removed.clear()
	b.ListRendered.clear()
	b.ListUpdated.clear()
	b.LiveData.clear()
	b.ListBack.clear()
	b.ReloadRequested.clear()
}
