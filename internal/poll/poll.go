// Package poll produces cancellable live streams that fetch a subject on a
// fixed interval and deliver results on the dashboard event loop.
package poll

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when a stream is started with a non-positive interval.
const DefaultInterval = 30 * time.Second

// Dispatcher runs a function on the owning event loop.
type Dispatcher interface {
	Post(fn func()) bool
}

// Observer receives lifecycle and tick notifications, typically for metrics.
type Observer interface {
	SessionStarted(subject string)
	SessionStopped(subject string)
	PollTick(subject string)
	PollFailed(subject string, err error)
	PollDelivered(subject string)
	PollDiscarded(subject string)
}

// FetchFunc loads one value for a subject.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type session interface {
	Stop()
}

// Factory starts streams and keeps at most one live stream per subject.
type Factory struct {
	dispatch Dispatcher
	observer Observer
	logger   *slog.Logger

	mu   sync.Mutex
	live map[string]session
}

// NewFactory creates a factory delivering through d. obs may be nil.
func NewFactory(d Dispatcher, obs Observer) *Factory {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Factory{
		dispatch: d,
		observer: obs,
		logger:   slog.Default().With("module", "poll"),
		live:     make(map[string]session),
	}
}

// Active reports whether subject has a live stream.
func (f *Factory) Active(subject string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[subject]
	return ok
}

// Subjects returns the subjects with a live stream, sorted.
func (f *Factory) Subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.live))
	for s := range f.live {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// StopAll stops every live stream.
func (f *Factory) StopAll() {
	f.mu.Lock()
	sessions := make([]session, 0, len(f.live))
	for _, s := range f.live {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

func (f *Factory) register(subject string, s session) session {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.live[subject]
	f.live[subject] = s
	return old
}

func (f *Factory) release(subject string, s session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live[subject] == s {
		delete(f.live, subject)
	}
}

// Stream is one poll session: a ticker plus the fetches it started.
type Stream[T any] struct {
	factory  *Factory
	subject  string
	interval time.Duration
	fetch    FetchFunc[T]
	cancel   context.CancelFunc
	stopped  atomic.Bool
	ticks    atomic.Uint64

	mu            sync.Mutex
	subs          []*subscriber[T]
	hadSubscriber bool
}

type subscriber[T any] struct {
	cb func(T)
}

// Start begins polling subject: one fetch right away, then one per interval.
// A live stream already registered for subject is stopped first.
func Start[T any](f *Factory, ctx context.Context, subject string, interval time.Duration, fetch FetchFunc[T]) *Stream[T] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		factory:  f,
		subject:  subject,
		interval: interval,
		fetch:    fetch,
		cancel:   cancel,
	}

	if old := f.register(subject, s); old != nil {
		old.Stop()
	}
	f.observer.SessionStarted(subject)
	f.logger.Info("Started polling", slog.String("subject", subject), slog.Duration("interval", interval))

	go s.run(ctx)
	return s
}

func (s *Stream[T]) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.factory.logger.Error("Polling panic recovered", slog.String("subject", s.subject), slog.Any("panic", r))
		}
	}()

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires one fetch without waiting for earlier ones.
func (s *Stream[T]) tick(ctx context.Context) {
	s.ticks.Add(1)
	s.factory.observer.PollTick(s.subject)

	go func() {
		v, err := s.fetch(ctx)
		if ctx.Err() != nil {
			s.factory.observer.PollDiscarded(s.subject)
			return
		}
		if err != nil {
			s.factory.observer.PollFailed(s.subject, err)
			s.factory.logger.Warn("Poll fetch failed", slog.String("subject", s.subject), slog.Any("error", err))
			return
		}
		if !s.factory.dispatch.Post(func() { s.deliver(v) }) {
			s.factory.observer.PollDiscarded(s.subject)
		}
	}()
}

// deliver runs on the loop. Results of a stopped stream are dropped here, so
// a fetch that was in flight at Stop time never reaches a subscriber.
func (s *Stream[T]) deliver(v T) {
	if s.stopped.Load() {
		s.factory.observer.PollDiscarded(s.subject)
		return
	}

	s.mu.Lock()
	subs := make([]*subscriber[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	s.factory.observer.PollDelivered(s.subject)
	for _, sub := range subs {
		if s.stopped.Load() {
			return
		}
		sub.cb(v)
	}
}

// OnData registers cb for every delivered value. The returned func detaches
// it; when the last subscriber detaches the stream stops.
func (s *Stream[T]) OnData(cb func(T)) (unsubscribe func()) {
	sub := &subscriber[T]{cb: cb}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.hadSubscriber = true
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			for i, x := range s.subs {
				if x == sub {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					break
				}
			}
			empty := len(s.subs) == 0 && s.hadSubscriber
			s.mu.Unlock()

			if empty {
				s.Stop()
			}
		})
	}
}

// Stop clears the ticker and makes in-flight results inert. Safe to call
// more than once and on a nil stream.
func (s *Stream[T]) Stop() {
	if s == nil || !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.factory.release(s.subject, s)
	s.factory.observer.SessionStopped(s.subject)
	s.factory.logger.Info("Stopped polling", slog.String("subject", s.subject))
}

// Subject returns the subject the stream was started for.
func (s *Stream[T]) Subject() string {
	return s.subject
}

// Active reports whether the stream has not been stopped.
func (s *Stream[T]) Active() bool {
	return s != nil && !s.stopped.Load()
}

// Ticks returns the number of fetches fired so far.
func (s *Stream[T]) Ticks() uint64 {
	return s.ticks.Load()
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string)    {}
func (nopObserver) SessionStopped(string)    {}
func (nopObserver) PollTick(string)          {}
func (nopObserver) PollFailed(string, error) {}
func (nopObserver) PollDelivered(string)     {}
func (nopObserver) PollDiscarded(string)     {}
