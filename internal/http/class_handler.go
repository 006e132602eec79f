package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/gym-scheduler/internal/enrollment"
	"github.com/example/gym-scheduler/internal/membership"
	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/schedule"
)

type enrollmentService interface {
	Enroll(ctx context.Context, classID, userID string, tier membership.Tier) (persistence.ClassRecord, error)
	Unenroll(ctx context.Context, classID, userID string) (persistence.ClassRecord, error)
	WeeklyEnrollmentCount(userID string, weekKey schedule.WeekKey, excludeClassID string) int
	IsQuotaReached(userID string, tier membership.Tier, class persistence.ClassRecord) bool
	QuotaFor(tier membership.Tier) int
}

type classSource interface {
	Classes() []persistence.ClassRecord
}

// ClassHandler serves the class listing and the enrollment endpoints.
type ClassHandler struct {
	service   enrollmentService
	classes   classSource
	location  *time.Location
	now       func() time.Time
	responder responder
	logger    *slog.Logger
}

// NewClassHandler wires the handler. loc resolves the current week when the
// caller does not name one.
func NewClassHandler(service enrollmentService, classes classSource, loc *time.Location, now func() time.Time, logger *slog.Logger) *ClassHandler {
	base := defaultLogger(logger)
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &ClassHandler{
		service:   service,
		classes:   classes,
		location:  loc,
		now:       now,
		responder: newResponder(base),
		logger:    base,
	}
}

func (h *ClassHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "ClassHandler", operation, attrs...)
}

// List returns the advisory snapshot annotated for the caller.
func (h *ClassHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil || h.classes == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	classes := h.classes.Classes()

	items := make([]classDTO, 0, len(classes))
	for _, class := range classes {
		dto := toClassDTO(class)
		dto.Enrolled = class.IsEnrolled(principal.UserID)
		dto.QuotaReached = !dto.Enrolled && h.service.IsQuotaReached(principal.UserID, principal.Membership, class)
		items = append(items, dto)
	}

	h.log(r.Context(), "List", "principal_id", principal.UserID, "count", len(items)).DebugContext(r.Context(), "classes listed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, classListResponse{Classes: items})
}

// Enroll books a seat for the caller.
func (h *ClassHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "Enroll", func(ctx context.Context, classID string, principal Principal) (persistence.ClassRecord, error) {
		return h.service.Enroll(ctx, classID, principal.UserID, principal.Membership)
	})
}

// Unenroll releases the caller's seat.
func (h *ClassHandler) Unenroll(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "Unenroll", func(ctx context.Context, classID string, principal Principal) (persistence.ClassRecord, error) {
		return h.service.Unenroll(ctx, classID, principal.UserID)
	})
}

func (h *ClassHandler) mutate(w http.ResponseWriter, r *http.Request, operation string, run func(context.Context, string, Principal) (persistence.ClassRecord, error)) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	classID, ok := ClassIDFromContext(r.Context())
	if !ok || strings.TrimSpace(classID) == "" {
		h.log(r.Context(), operation, "error_kind", "bad_request").ErrorContext(r.Context(), "missing class id")
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidClassID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), operation, "principal_id", principal.UserID, "class_id", classID)

	class, err := run(r.Context(), classID, principal)
	if err != nil {
		logger.InfoContext(r.Context(), "enrollment request rejected", "error", err, "error_kind", enrollment.ErrorKind(err))
		h.responder.handleEngineError(r.Context(), w, err)
		return
	}

	dto := toClassDTO(class)
	dto.Enrolled = class.IsEnrolled(principal.UserID)
	logger.InfoContext(r.Context(), "enrollment request completed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, classResponse{Class: dto})
}

// WeeklyEnrollments reports the caller's advisory booking count for a week.
// The week query parameter accepts any date of the week.
func (h *ClassHandler) WeeklyEnrollments(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	date := strings.TrimSpace(r.URL.Query().Get("week"))
	if date == "" {
		date = h.now().In(h.location).Format("2006-01-02")
	}
	week, ok := schedule.WeekKeyOf(date)
	if !ok {
		h.log(r.Context(), "WeeklyEnrollments", "principal_id", principal.UserID, "error_kind", "bad_request").InfoContext(r.Context(), "invalid week parameter", "week", date)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidWeek)
		return
	}

	count := h.service.WeeklyEnrollmentCount(principal.UserID, week, "")
	quota := h.service.QuotaFor(principal.Membership)
	remaining := quota - count
	if remaining < 0 {
		remaining = 0
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, weeklyEnrollmentsResponse{
		WeekKey:    string(week),
		Membership: string(principal.Membership),
		Count:      count,
		Quota:      quota,
		Remaining:  remaining,
	})
}

type classDTO struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Coach          string `json:"coach,omitempty"`
	DayOfWeek      string `json:"day_of_week"`
	Date           string `json:"date,omitempty"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time,omitempty"`
	Capacity       int    `json:"capacity"`
	Status         string `json:"status"`
	EnrolledCount  int    `json:"enrolled_count"`
	AvailableSlots int    `json:"available_slots"`
	Full           bool   `json:"is_full"`
	Enrolled       bool   `json:"enrolled"`
	QuotaReached   bool   `json:"quota_reached"`
}

func toClassDTO(class persistence.ClassRecord) classDTO {
	seats := len(class.EnrolledUserIDs)
	available := class.Capacity - seats
	if available < 0 {
		available = 0
	}
	return classDTO{
		ID:             class.ID,
		Title:          class.Title,
		Description:    class.Description,
		Coach:          class.Coach,
		DayOfWeek:      class.DayOfWeek,
		Date:           class.Date,
		StartTime:      class.StartTime,
		EndTime:        class.EndTime,
		Capacity:       class.Capacity,
		Status:         string(class.Status),
		EnrolledCount:  seats,
		AvailableSlots: available,
		Full:           enrollment.OccupancyOf(class) == enrollment.OccupancyFull,
	}
}

type classListResponse struct {
	Classes []classDTO `json:"classes"`
}

type classResponse struct {
	Class classDTO `json:"class"`
}

type weeklyEnrollmentsResponse struct {
	WeekKey    string `json:"week_key"`
	Membership string `json:"membership"`
	Count      int    `json:"count"`
	Quota      int    `json:"quota"`
	Remaining  int    `json:"remaining"`
}
