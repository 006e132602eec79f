package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ListFunc loads the full ordered class collection.
type ListFunc func(ctx context.Context) ([]ClassRecord, error)

// Feed turns a list function into live subscriptions. Each subscriber receives
// an initial snapshot, one per Notify call and one per resync tick. Bursts of
// notifications coalesce into a single reload.
type Feed struct {
	list   ListFunc
	resync time.Duration
	now    func() time.Time

	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// NewFeed constructs a feed. A non-positive resync disables periodic reloads.
func NewFeed(list ListFunc, resync time.Duration) *Feed {
	return &Feed{list: list, resync: resync, now: time.Now, subs: make(map[chan struct{}]struct{})}
}

// Notify wakes every subscriber so it reloads the collection.
func (f *Feed) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for wake := range f.subs {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Subscribe starts a subscription that lives until ctx is cancelled. The
// returned channel is closed afterwards.
func (f *Feed) Subscribe(ctx context.Context) (<-chan Snapshot, error) {
	if f == nil || f.list == nil {
		return nil, fmt.Errorf("%w: feed not configured", ErrUnavailable)
	}
	wake := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs[wake] = struct{}{}
	f.mu.Unlock()

	out := make(chan Snapshot, 1)
	go f.run(ctx, wake, out)
	return out, nil
}

func (f *Feed) run(ctx context.Context, wake chan struct{}, out chan<- Snapshot) {
	defer func() {
		f.mu.Lock()
		delete(f.subs, wake)
		f.mu.Unlock()
		close(out)
	}()

	var tick <-chan time.Time
	if f.resync > 0 {
		ticker := time.NewTicker(f.resync)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		snap := f.load(ctx)
		select {
		case out <- snap:
		case <-ctx.Done():
			return
		}

		select {
		case <-wake:
		case <-tick:
		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) load(ctx context.Context) Snapshot {
	classes, err := f.list(ctx)
	if err != nil {
		return Snapshot{Err: fmt.Errorf("%w: %v", ErrUnavailable, err), At: f.now()}
	}
	return Snapshot{Classes: classes, At: f.now()}
}
