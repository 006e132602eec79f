package persistence

import (
	"slices"
	"sort"
	"time"
)

// ClassStatus is the availability state of a scheduled class.
type ClassStatus string

const (
	// StatusActive marks a class that accepts enrollments.
	StatusActive ClassStatus = "active"
	// StatusInactive marks a class that already started or was withdrawn.
	StatusInactive ClassStatus = "inactive"
)

// Valid reports whether the status is a declared constant.
func (s ClassStatus) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// ClassRecord represents a scheduled gym session.
type ClassRecord struct {
	ID              string
	Title           string `validate:"required"`
	Description     string
	Coach           string
	DayOfWeek       string
	Date            string `validate:"omitempty,datetime=2006-01-02"`
	StartTime       string `validate:"omitempty,datetime=15:04"`
	EndTime         string `validate:"omitempty,datetime=15:04"`
	Capacity        int    `validate:"gte=1"`
	Status          ClassStatus
	EnrolledUserIDs []string
	EnrolledCount   int
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers never share the enrolled slice.
func (c ClassRecord) Clone() ClassRecord {
	c.EnrolledUserIDs = slices.Clone(c.EnrolledUserIDs)
	if c.EnrolledUserIDs == nil {
		c.EnrolledUserIDs = []string{}
	}
	return c
}

// IsEnrolled reports whether the user holds a seat in the class.
func (c ClassRecord) IsEnrolled(userID string) bool {
	return slices.Contains(c.EnrolledUserIDs, userID)
}

// DefaultMembership is stored for profiles written without a tier.
const DefaultMembership = "bronze"

// UserProfile carries the identity and membership data owned by the auth subsystem.
type UserProfile struct {
	UID        string `validate:"required"`
	Email      string `validate:"omitempty,email"`
	FirstName  string
	LastName   string
	Nickname   string
	Role       string
	Membership string
	PushTokens []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone returns a deep copy of the profile.
func (p UserProfile) Clone() UserProfile {
	p.PushTokens = slices.Clone(p.PushTokens)
	return p
}

// SortClasses orders classes by day-of-week label and then start time, falling
// back to the id so the order is total.
func SortClasses(classes []ClassRecord) {
	sort.SliceStable(classes, func(i, j int) bool {
		if classes[i].DayOfWeek != classes[j].DayOfWeek {
			return classes[i].DayOfWeek < classes[j].DayOfWeek
		}
		if classes[i].StartTime != classes[j].StartTime {
			return classes[i].StartTime < classes[j].StartTime
		}
		return classes[i].ID < classes[j].ID
	})
}
