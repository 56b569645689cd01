// Package dispatch runs the single event loop that owns every entity store
// mutation. Remote callbacks and write completions only enqueue events here.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/4xmen/chatsync/internal/metrics"
	"github.com/4xmen/chatsync/internal/reducer"
	"github.com/4xmen/chatsync/internal/store"
)

var ErrStopped = errors.New("event loop stopped")

// Update tells observers that a new snapshot version exists.
type Update struct {
	Version uint64 `json:"version"`
	Event   string `json:"event"`
}

// Observer receives updates. Slow observers miss updates rather than stall the loop;
// they should re-read the store snapshot when they catch up.
type Observer chan Update

type Loop struct {
	store     *store.Store
	events    chan reducer.Event
	done      chan struct{}
	stopOnce  sync.Once
	mu        sync.RWMutex
	observers map[Observer]struct{}
	logger    zerolog.Logger
}

// barrier is enqueued by Sync; it is not a store event.
type barrier struct {
	reached chan struct{}
}

func (barrier) Name() string { return "barrier" }

func New(st *store.Store, logger zerolog.Logger) *Loop {
	return &Loop{
		store:     st,
		events:    make(chan reducer.Event, 1024),
		done:      make(chan struct{}),
		observers: make(map[Observer]struct{}),
		logger:    logger.With().Str("component", "dispatch").Logger(),
	}
}

func (l *Loop) Store() *store.Store {
	return l.store
}

// Dispatch enqueues an event. It blocks only while the queue is full and returns
// immediately once the loop has stopped.
func (l *Loop) Dispatch(ev reducer.Event) {
	if ev == nil {
		return
	}
	select {
	case l.events <- ev:
	case <-l.done:
		l.logger.Debug().Str("event", ev.Name()).Msg("dropping event after stop")
	}
}

// Run applies queued events one at a time until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.events:
			l.apply(ev)
		}
	}
}

func (l *Loop) apply(ev reducer.Event) {
	if b, ok := ev.(barrier); ok {
		close(b.reached)
		return
	}

	before := l.store.Snapshot().Version()
	snap := l.store.Apply(func(cur *store.Snapshot) *store.Snapshot {
		return reducer.Reduce(cur, ev)
	})
	metrics.EventsApplied.WithLabelValues(ev.Name()).Inc()
	if snap.Version() == before {
		return
	}
	metrics.StoreVersion.Set(float64(snap.Version()))
	l.publish(Update{Version: snap.Version(), Event: ev.Name()})
}

// Sync waits until every event dispatched before the call has been applied.
func (l *Loop) Sync(ctx context.Context) error {
	b := barrier{reached: make(chan struct{})}
	select {
	case l.events <- b:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-b.reached:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers an observer with a small buffer.
func (l *Loop) Subscribe() Observer {
	ch := make(Observer, 16)
	l.mu.Lock()
	l.observers[ch] = struct{}{}
	l.mu.Unlock()
	return ch
}

func (l *Loop) Unsubscribe(ch Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.observers[ch]; !ok {
		return
	}
	delete(l.observers, ch)
	close(ch)
}

func (l *Loop) publish(u Update) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for ch := range l.observers {
		select {
		case ch <- u:
		default: // observer is behind; it will read the latest snapshot later
		}
	}
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		for ch := range l.observers {
			delete(l.observers, ch)
			close(ch)
		}
		l.mu.Unlock()
	})
}
