// Package enrollment implements capacity and quota checked enroll and
// unenroll operations on top of single-document store transactions.
package enrollment

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/gym-scheduler/internal/membership"
	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/schedule"
)

const defaultNotifyTimeout = 5 * time.Second

// Transactor runs single-document transactions against the authoritative store.
type Transactor interface {
	RunClassTransaction(ctx context.Context, id string, fn persistence.ClassTxFunc) (persistence.ClassRecord, error)
}

// ClassReader is the advisory view backed by the read cache.
type ClassReader interface {
	Class(id string) (persistence.ClassRecord, bool)
	WeeklyEnrollmentCount(userID string, weekKey schedule.WeekKey, excludeClassID string) int
}

// Dispatcher receives slot freed events. Failures never affect the
// enrollment that triggered them.
type Dispatcher interface {
	NotifySlotAvailable(ctx context.Context, classID, classTitle string) error
}

// Occupancy is the seat state of a class.
type Occupancy string

const (
	// OccupancyOpen means at least one seat is free.
	OccupancyOpen Occupancy = "open"
	// OccupancyFull means every seat is taken.
	OccupancyFull Occupancy = "full"
)

// OccupancyOf derives the occupancy of a class from its seats.
func OccupancyOf(class persistence.ClassRecord) Occupancy {
	return occupancyFor(len(class.EnrolledUserIDs), class.Capacity)
}

func occupancyFor(seats, capacity int) Occupancy {
	if seats >= capacity {
		return OccupancyFull
	}
	return OccupancyOpen
}

// EnrollmentDecision is the transient outcome of one operation.
type EnrollmentDecision struct {
	Commit          bool
	Before          Occupancy
	After           Occupancy
	NotifySlotFreed bool
}

func decideRelease(class persistence.ClassRecord, remaining int) EnrollmentDecision {
	before := OccupancyOf(class)
	after := occupancyFor(remaining, class.Capacity)
	return EnrollmentDecision{
		Commit:          true,
		Before:          before,
		After:           after,
		NotifySlotFreed: before == OccupancyFull && after == OccupancyOpen,
	}
}

// Options tunes optional engine collaborators.
type Options struct {
	Now           func() time.Time
	Logger        *slog.Logger
	NotifyTimeout time.Duration
	Tracer        trace.Tracer
}

// Engine enforces capacity and weekly quotas on enrollments.
type Engine struct {
	store         Transactor
	cache         ClassReader
	policy        membership.Policy
	dispatcher    Dispatcher
	now           func() time.Time
	logger        *slog.Logger
	notifyTimeout time.Duration
	tracer        trace.Tracer
}

// NewEngine constructs an engine with the provided dependencies.
func NewEngine(store Transactor, cache ClassReader, policy membership.Policy, dispatcher Dispatcher, now func() time.Time) *Engine {
	return NewEngineWithOptions(store, cache, policy, dispatcher, Options{Now: now})
}

// NewEngineWithOptions constructs an engine with a specified logger, tracer
// and notification timeout.
func NewEngineWithOptions(store Transactor, cache ClassReader, policy membership.Policy, dispatcher Dispatcher, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/example/gym-scheduler/internal/enrollment")
	}
	return &Engine{
		store:         store,
		cache:         cache,
		policy:        policy,
		dispatcher:    dispatcher,
		now:           opts.Now,
		logger:        defaultLogger(opts.Logger),
		notifyTimeout: opts.NotifyTimeout,
		tracer:        opts.Tracer,
	}
}

func (e *Engine) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, e.logger, "EnrollmentService", operation, attrs...)
}

func (e *Engine) startSpan(ctx context.Context, name, classID, userID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "enrollment."+name, trace.WithAttributes(
		attribute.String("class.id", classID),
		attribute.String("user.id", userID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
	}
	span.End()
}

// Enroll books a seat for the user. A cheap check against the read cache
// rejects obviously doomed requests; every invariant is then re-verified on
// the freshly read document inside the transaction.
func (e *Engine) Enroll(ctx context.Context, classID, userID string, tier membership.Tier) (class persistence.ClassRecord, err error) {
	if e == nil {
		err = fmt.Errorf("Engine is nil")
		return
	}

	ctx, span := e.startSpan(ctx, "Enroll", classID, userID)
	logger := e.loggerWith(ctx, "Enroll",
		"class_id", classID,
		"user_id", userID,
		"membership", string(tier),
	)
	defer func() {
		observeOperation("enroll", err)
		endSpan(span, err)
		if err != nil {
			logger.WarnContext(ctx, "enrollment rejected", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("enrolled_count", class.EnrolledCount).InfoContext(ctx, "user enrolled")
	}()

	classID, userID = strings.TrimSpace(classID), strings.TrimSpace(userID)
	if classID == "" || userID == "" {
		err = ErrInvalidInput
		return
	}

	quota := e.policy.QuotaFor(tier)

	if e.cache != nil {
		if cached, ok := e.cache.Class(classID); ok {
			if week, ok := schedule.WeekKeyOf(cached.Date); ok && e.cache.WeeklyEnrollmentCount(userID, week, classID) >= quota {
				advisoryRejectionsTotal.Inc()
				err = ErrQuotaExceeded
				return
			}
		}
	}

	class, err = e.store.RunClassTransaction(ctx, classID, func(ctx context.Context, current persistence.ClassRecord, week persistence.WeekReader) (persistence.ClassRecord, error) {
		if current.Status != persistence.StatusActive {
			return persistence.ClassRecord{}, ErrClassUnavailable
		}
		if current.IsEnrolled(userID) {
			return persistence.ClassRecord{}, ErrAlreadyEnrolled
		}
		if OccupancyOf(current) == OccupancyFull {
			return persistence.ClassRecord{}, ErrCapacityReached
		}
		if key, ok := schedule.WeekKeyOf(current.Date); ok {
			booked, err := week.CountWeeklyEnrollments(ctx, userID, key.String(), current.ID)
			if err != nil {
				return persistence.ClassRecord{}, err
			}
			if booked >= quota {
				return persistence.ClassRecord{}, ErrQuotaExceeded
			}
		}

		current.EnrolledUserIDs = append(current.EnrolledUserIDs, userID)
		current.EnrolledCount = len(current.EnrolledUserIDs)
		current.UpdatedAt = e.now()
		return current, nil
	})
	err = mapStoreError(err)
	return
}

// Unenroll releases the user's seat. When the release turns a full class
// into an open one the dispatcher is notified after the commit; dispatcher
// failures are logged and never returned.
func (e *Engine) Unenroll(ctx context.Context, classID, userID string) (class persistence.ClassRecord, err error) {
	if e == nil {
		err = fmt.Errorf("Engine is nil")
		return
	}

	ctx, span := e.startSpan(ctx, "Unenroll", classID, userID)
	logger := e.loggerWith(ctx, "Unenroll",
		"class_id", classID,
		"user_id", userID,
	)

	var (
		decision EnrollmentDecision
		title    string
	)
	defer func() {
		observeOperation("unenroll", err)
		endSpan(span, err)
		if err != nil {
			logger.WarnContext(ctx, "unenrollment rejected", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("enrolled_count", class.EnrolledCount, "slot_freed", decision.NotifySlotFreed).InfoContext(ctx, "user unenrolled")
	}()

	classID, userID = strings.TrimSpace(classID), strings.TrimSpace(userID)
	if classID == "" || userID == "" {
		err = ErrInvalidInput
		return
	}

	class, err = e.store.RunClassTransaction(ctx, classID, func(ctx context.Context, current persistence.ClassRecord, _ persistence.WeekReader) (persistence.ClassRecord, error) {
		decision, title = EnrollmentDecision{}, ""
		if !current.IsEnrolled(userID) {
			return persistence.ClassRecord{}, ErrNotEnrolled
		}

		remaining := slices.DeleteFunc(slices.Clone(current.EnrolledUserIDs), func(id string) bool { return id == userID })
		decision = decideRelease(current, len(remaining))
		title = current.Title

		current.EnrolledUserIDs = remaining
		current.EnrolledCount = len(remaining)
		current.UpdatedAt = e.now()
		return current, nil
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}

	if decision.NotifySlotFreed {
		e.notifySlotFreed(ctx, logger, class.ID, title)
	}
	return
}

func (e *Engine) notifySlotFreed(ctx context.Context, logger *slog.Logger, classID, title string) {
	if e.dispatcher == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
	defer cancel()

	if err := e.dispatcher.NotifySlotAvailable(notifyCtx, classID, title); err != nil {
		slotFreedNotificationsTotal.WithLabelValues("failed").Inc()
		logger.ErrorContext(ctx, "failed to dispatch slot freed notification", "error", err)
		return
	}
	slotFreedNotificationsTotal.WithLabelValues("sent").Inc()
	logger.InfoContext(ctx, "slot freed notification dispatched", "class_title", title)
}

// WeeklyEnrollmentCount is the advisory count of the user's seats in other
// classes of the week.
func (e *Engine) WeeklyEnrollmentCount(userID string, weekKey schedule.WeekKey, excludeClassID string) int {
	if e == nil || e.cache == nil {
		return 0
	}
	return e.cache.WeeklyEnrollmentCount(userID, weekKey, excludeClassID)
}

// IsQuotaReached reports, from the read cache, whether booking the class
// would exceed the user's weekly quota. Undated classes never count.
func (e *Engine) IsQuotaReached(userID string, tier membership.Tier, class persistence.ClassRecord) bool {
	week, ok := schedule.WeekKeyOf(class.Date)
	if !ok {
		return false
	}
	return e.WeeklyEnrollmentCount(userID, week, class.ID) >= e.policy.QuotaFor(tier)
}

// QuotaFor returns the weekly booking quota configured for the tier.
func (e *Engine) QuotaFor(tier membership.Tier) int {
	return e.policy.QuotaFor(tier)
}
