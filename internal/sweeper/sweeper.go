// Package sweeper deactivates classes whose start time has passed.
package sweeper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/schedule"
)

const defaultConcurrency = 8

var deactivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gym_sweeper_deactivations_total",
	Help: "Status updates issued by the auto-deactivation sweep by result.",
}, []string{"result"})

// StatusWriter is the non-transactional status update the sweep issues.
type StatusWriter interface {
	SetClassStatus(ctx context.Context, id string, status persistence.ClassStatus, at time.Time) error
}

// Result summarises one sweep.
type Result struct {
	Attempted   int
	Deactivated int
	Failed      int
}

// Options configures a Sweeper.
type Options struct {
	Calendar    schedule.Calendar
	Now         func() time.Time
	Logger      *slog.Logger
	Concurrency int
}

// Sweeper flags started classes inactive.
type Sweeper struct {
	store       StatusWriter
	calendar    schedule.Calendar
	now         func() time.Time
	logger      *slog.Logger
	concurrency int
}

// New constructs a sweeper writing through store.
func New(store StatusWriter, opts Options) *Sweeper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Sweeper{
		store:       store,
		calendar:    opts.Calendar,
		now:         opts.Now,
		logger:      opts.Logger.With("component", "Sweeper"),
		concurrency: opts.Concurrency,
	}
}

// Due returns the active classes that have already started at now. Classes
// with a missing or malformed date or start time are never due.
func (s *Sweeper) Due(classes []persistence.ClassRecord, now time.Time) []persistence.ClassRecord {
	due := make([]persistence.ClassRecord, 0)
	for _, class := range classes {
		if class.Status != persistence.StatusActive {
			continue
		}
		if s.calendar.HasStarted(class.Date, class.StartTime, now) {
			due = append(due, class)
		}
	}
	return due
}

// Sweep deactivates every due class with an independent update. A failed
// update is logged and counted without stopping the others.
func (s *Sweeper) Sweep(ctx context.Context, classes []persistence.ClassRecord) Result {
	now := s.now()
	due := s.Due(classes, now)
	if len(due) == 0 {
		return Result{}
	}

	var deactivated, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, class := range due {
		g.Go(func() error {
			logger := s.logger.With("class_id", class.ID, "date", class.Date, "start_time", class.StartTime)
			if err := s.store.SetClassStatus(gctx, class.ID, persistence.StatusInactive, now); err != nil {
				failed.Add(1)
				deactivationsTotal.WithLabelValues("failed").Inc()
				logger.ErrorContext(gctx, "failed to deactivate started class", "error", err)
				return nil
			}
			deactivated.Add(1)
			deactivationsTotal.WithLabelValues("deactivated").Inc()
			logger.InfoContext(gctx, "class deactivated after start")
			return nil
		})
	}
	_ = g.Wait()

	return Result{Attempted: len(due), Deactivated: int(deactivated.Load()), Failed: int(failed.Load())}
}

// OnRefresh adapts Sweep to the cache refresh hook signature.
func (s *Sweeper) OnRefresh(ctx context.Context, classes []persistence.ClassRecord) {
	result := s.Sweep(ctx, classes)
	if result.Attempted > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			"attempted", result.Attempted,
			"deactivated", result.Deactivated,
			"failed", result.Failed,
		)
	}
}
