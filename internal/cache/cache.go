// Package cache keeps an eventually consistent, in-memory mirror of the class
// collection fed by a live store subscription. It only serves advisory reads.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/schedule"
)

// ErrStopped is reported by Err after the subscription channel closed while
// the cache was still running.
var ErrStopped = errors.New("cache: subscription closed")

// Subscriber is the part of the store the cache consumes.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan persistence.Snapshot, error)
}

// RefreshHook runs after every successful snapshot swap with its own copy of
// the new, ordered class list.
type RefreshHook func(ctx context.Context, classes []persistence.ClassRecord)

// Options configures a Cache.
type Options struct {
	Logger *slog.Logger
	Hooks  []RefreshHook
}

type state struct {
	classes []persistence.ClassRecord
	byID    map[string]int
	at      time.Time
}

// Cache is an owned, restartable mirror of the class collection.
type Cache struct {
	logger *slog.Logger

	current atomic.Pointer[state]
	err     atomic.Pointer[error]

	mu     sync.Mutex
	hooks  []RefreshHook
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an idle cache.
func New(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{logger: logger.With("component", "ClassCache"), hooks: append([]RefreshHook(nil), opts.Hooks...)}
}

// AddHook registers a hook invoked after subsequent snapshot swaps.
func (c *Cache) AddHook(hook RefreshHook) {
	if hook == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Start subscribes to the store and applies snapshots until Stop is called or
// ctx ends. Starting a running cache is an error.
func (c *Cache) Start(ctx context.Context, sub Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return errors.New("cache: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	snaps, err := sub.Subscribe(runCtx)
	if err != nil {
		cancel()
		c.setErr(err)
		return err
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, snaps, c.done)
	return nil
}

// Stop cancels the subscription and waits for the apply loop to exit. The
// last snapshot stays readable.
func (c *Cache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Cache) run(ctx context.Context, snaps <-chan persistence.Snapshot, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				if ctx.Err() == nil {
					c.setErr(ErrStopped)
					c.logger.WarnContext(ctx, "class subscription closed unexpectedly")
				}
				return
			}
			c.Apply(ctx, snap)
		}
	}
}

// Apply installs a snapshot. Error snapshots keep the previous classes and
// raise the error flag; successful ones clear it and run the refresh hooks.
func (c *Cache) Apply(ctx context.Context, snap persistence.Snapshot) {
	if snap.Err != nil {
		c.setErr(snap.Err)
		c.logger.ErrorContext(ctx, "class subscription failed, serving last known snapshot", "error", snap.Err)
		return
	}

	classes := make([]persistence.ClassRecord, len(snap.Classes))
	for i, class := range snap.Classes {
		classes[i] = class.Clone()
	}
	persistence.SortClasses(classes)

	next := &state{classes: classes, byID: make(map[string]int, len(classes)), at: snap.At}
	for i, class := range classes {
		next.byID[class.ID] = i
	}
	c.current.Store(next)
	c.err.Store(nil)

	c.mu.Lock()
	hooks := append([]RefreshHook(nil), c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, c.Classes())
	}
}

func (c *Cache) setErr(err error) {
	c.err.Store(&err)
}

// Err returns the last subscription error, or nil when the most recent
// snapshot was applied successfully.
func (c *Cache) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Ready reports whether at least one snapshot has been applied.
func (c *Cache) Ready() bool {
	return c.current.Load() != nil
}

// RefreshedAt returns the timestamp of the current snapshot.
func (c *Cache) RefreshedAt() time.Time {
	if s := c.current.Load(); s != nil {
		return s.at
	}
	return time.Time{}
}

// Classes returns a copy of the current ordered snapshot.
func (c *Cache) Classes() []persistence.ClassRecord {
	s := c.current.Load()
	if s == nil {
		return nil
	}
	out := make([]persistence.ClassRecord, len(s.classes))
	for i, class := range s.classes {
		out[i] = class.Clone()
	}
	return out
}

// Class returns a copy of one cached class.
func (c *Cache) Class(id string) (persistence.ClassRecord, bool) {
	s := c.current.Load()
	if s == nil {
		return persistence.ClassRecord{}, false
	}
	i, ok := s.byID[id]
	if !ok {
		return persistence.ClassRecord{}, false
	}
	return s.classes[i].Clone(), true
}

// WeeklyEnrollmentCount counts cached classes in weekKey, other than
// excludeClassID, in which the user holds a seat.
func (c *Cache) WeeklyEnrollmentCount(userID string, weekKey schedule.WeekKey, excludeClassID string) int {
	s := c.current.Load()
	if s == nil || weekKey == "" {
		return 0
	}
	count := 0
	for _, class := range s.classes {
		if class.ID == excludeClassID || !class.IsEnrolled(userID) {
			continue
		}
		if key, ok := schedule.WeekKeyOf(class.Date); ok && key == weekKey {
			count++
		}
	}
	return count
}

// Morning returns the cached classes starting before noon.
func (c *Cache) Morning() []persistence.ClassRecord {
	return c.filter(func(class persistence.ClassRecord) bool { return schedule.IsMorning(class.StartTime) })
}

// Afternoon returns the cached classes starting at or after noon.
func (c *Cache) Afternoon() []persistence.ClassRecord {
	return c.filter(func(class persistence.ClassRecord) bool { return !schedule.IsMorning(class.StartTime) })
}

func (c *Cache) filter(keep func(persistence.ClassRecord) bool) []persistence.ClassRecord {
	out := make([]persistence.ClassRecord, 0)
	for _, class := range c.Classes() {
		if keep(class) {
			out = append(out, class)
		}
	}
	return out
}
