package persistence

import (
	"context"
	"time"
)

// WeekReader counts, against the authoritative store, the classes of a week
// in which a user holds a seat.
type WeekReader interface {
	CountWeeklyEnrollments(ctx context.Context, userID, weekKey, excludeClassID string) (int, error)
}

// ClassTxFunc receives the freshly read class and returns the record to commit.
// Returning an error aborts the transaction without writing. The function may
// run more than once when the store retries after a conflict.
type ClassTxFunc func(ctx context.Context, current ClassRecord, week WeekReader) (ClassRecord, error)

// Snapshot is one delivery of a live class subscription.
type Snapshot struct {
	Classes []ClassRecord
	Err     error
	At      time.Time
}

// ClassStore exposes CRUD, status updates, single-document transactions and a
// live subscription over class records.
type ClassStore interface {
	CreateClass(ctx context.Context, class ClassRecord) (ClassRecord, error)
	GetClass(ctx context.Context, id string) (ClassRecord, error)
	UpdateClass(ctx context.Context, class ClassRecord) (ClassRecord, error)
	DeleteClass(ctx context.Context, id string) error
	ListClasses(ctx context.Context) ([]ClassRecord, error)
	SetClassStatus(ctx context.Context, id string, status ClassStatus, at time.Time) error
	RunClassTransaction(ctx context.Context, id string, fn ClassTxFunc) (ClassRecord, error)
	Subscribe(ctx context.Context) (<-chan Snapshot, error)
}

// ProfileStore exposes the user profiles read by the enrollment surface.
type ProfileStore interface {
	GetProfile(ctx context.Context, uid string) (UserProfile, error)
	UpsertProfile(ctx context.Context, profile UserProfile) (UserProfile, error)
	// AddPushToken registers a device token once per profile. A missing
	// profile is created on the bronze tier.
	AddPushToken(ctx context.Context, uid, token string) (UserProfile, error)
	ListPushTokens(ctx context.Context) ([]string, error)
}
