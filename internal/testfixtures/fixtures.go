package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/gym-scheduler/internal/membership"
	"github.com/example/gym-scheduler/internal/persistence"
)

var classCounter uint64

var location = time.FixedZone("ART", -3*60*60)

// referenceTime is Monday 2024-06-03 07:00 in the gym location.
var referenceTime = time.Date(2024, time.June, 3, 7, 0, 0, 0, location)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// Location returns the gym time zone fixtures are expressed in.
func Location() *time.Location {
	return location
}

// ReferenceWeek is the week key of ReferenceTime.
const ReferenceWeek = "2024-06-03"

// ClassOption configures the generated class fixture.
type ClassOption func(*persistence.ClassRecord)

// NewClass returns a deterministic active class dated in the reference week.
func NewClass(opts ...ClassOption) persistence.ClassRecord {
	idx := atomic.AddUint64(&classCounter, 1)
	class := persistence.ClassRecord{
		ID:              fmt.Sprintf("class-%03d", idx),
		Title:           fmt.Sprintf("Clase %03d", idx),
		Coach:           "Coach",
		DayOfWeek:       "1-lunes",
		Date:            "2024-06-03",
		StartTime:       "18:00",
		EndTime:         "19:00",
		Capacity:        10,
		Status:          persistence.StatusActive,
		EnrolledUserIDs: []string{},
	}
	for _, opt := range opts {
		opt(&class)
	}
	class.EnrolledCount = len(class.EnrolledUserIDs)
	return class
}

// WithClassID overrides the generated id.
func WithClassID(id string) ClassOption {
	return func(c *persistence.ClassRecord) {
		c.ID = id
	}
}

// WithTitle overrides the generated title.
func WithTitle(title string) ClassOption {
	return func(c *persistence.ClassRecord) {
		c.Title = title
	}
}

// WithCapacity sets the seat limit.
func WithCapacity(capacity int) ClassOption {
	return func(c *persistence.ClassRecord) {
		c.Capacity = capacity
	}
}

// WithSlot places the class on date at start. The day label is derived from
// the date so listings order the way the schedule grid does.
func WithSlot(date, start string) ClassOption {
	return func(c *persistence.ClassRecord) {
		c.Date = date
		c.StartTime = start
		if t, err := time.Parse("2006-01-02", date); err == nil {
			c.DayOfWeek = dayLabel(t.Weekday())
		}
	}
}

// Undated clears the date so the class is exempt from weekly quotas.
func Undated() ClassOption {
	return func(c *persistence.ClassRecord) {
		c.Date = ""
	}
}

// WithEnrolled seats the given users.
func WithEnrolled(userIDs ...string) ClassOption {
	return func(c *persistence.ClassRecord) {
		c.EnrolledUserIDs = append([]string{}, userIDs...)
	}
}

// Inactive marks the class as no longer accepting enrollments.
func Inactive() ClassOption {
	return func(c *persistence.ClassRecord) {
		c.Status = persistence.StatusInactive
	}
}

func dayLabel(day time.Weekday) string {
	labels := [...]string{"7-domingo", "1-lunes", "2-martes", "3-miercoles", "4-jueves", "5-viernes", "6-sabado"}
	return labels[day]
}

// NewProfile returns a member profile on the given tier.
func NewProfile(uid string, tier membership.Tier, pushTokens ...string) persistence.UserProfile {
	return persistence.UserProfile{
		UID:        uid,
		Email:      uid + "@example.com",
		FirstName:  uid,
		Role:       "member",
		Membership: string(tier),
		PushTokens: append([]string{}, pushTokens...),
		CreatedAt:  referenceTime,
		UpdatedAt:  referenceTime,
	}
}
