// Package memory provides an in-process implementation of the class and
// profile stores with per-document versions and optimistic commits.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/schedule"
)

// DefaultMaxAttempts bounds how often a conflicting transaction is replayed.
const DefaultMaxAttempts = 5

// Options configures a Store.
type Options struct {
	MaxAttempts int
	Resync      time.Duration
	Now         func() time.Time
	IDGenerator func() string
}

// Store keeps class and profile documents in memory.
type Store struct {
	mu       sync.RWMutex
	classes  map[string]persistence.ClassRecord
	profiles map[string]persistence.UserProfile

	feed        *persistence.Feed
	maxAttempts int
	now         func() time.Time
	newID       func() string

	// beforeCommit runs between the callback and the version check. Tests use
	// it to interleave competing writers.
	beforeCommit func(id string, attempt int)
}

var (
	_ persistence.ClassStore   = (*Store)(nil)
	_ persistence.ProfileStore = (*Store)(nil)
)

// New returns an empty Store.
func New(opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = uuid.NewString
	}
	s := &Store{
		classes:     make(map[string]persistence.ClassRecord),
		profiles:    make(map[string]persistence.UserProfile),
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		newID:       opts.IDGenerator,
	}
	s.feed = persistence.NewFeed(s.ListClasses, opts.Resync)
	return s
}

// Close releases resources held by the store. No-op for the in-memory implementation.
func (s *Store) Close() error {
	return nil
}

// --- ClassStore implementation ---

// CreateClass stores a new class with empty defaults filled in.
func (s *Store) CreateClass(ctx context.Context, class persistence.ClassRecord) (persistence.ClassRecord, error) {
	class = persistence.ApplyClassDefaults(class)
	if class.ID == "" {
		class.ID = s.newID()
	}
	if err := persistence.ValidateClass(class); err != nil {
		return persistence.ClassRecord{}, err
	}

	s.mu.Lock()
	if _, ok := s.classes[class.ID]; ok {
		s.mu.Unlock()
		return persistence.ClassRecord{}, fmt.Errorf("%w: class %s", persistence.ErrDuplicate, class.ID)
	}
	now := s.now()
	if class.CreatedAt.IsZero() {
		class.CreatedAt = now
	}
	class.UpdatedAt = now
	class.Version = 1
	s.classes[class.ID] = class.Clone()
	s.mu.Unlock()

	s.feed.Notify()
	return class, nil
}

// GetClass retrieves a class by ID.
func (s *Store) GetClass(ctx context.Context, id string) (persistence.ClassRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	class, ok := s.classes[id]
	if !ok {
		return persistence.ClassRecord{}, persistence.ErrNotFound
	}
	return class.Clone(), nil
}

// UpdateClass replaces the template fields of a class. Seats are owned by
// transactions and are carried over from the stored document.
func (s *Store) UpdateClass(ctx context.Context, class persistence.ClassRecord) (persistence.ClassRecord, error) {
	s.mu.Lock()
	existing, ok := s.classes[class.ID]
	if !ok {
		s.mu.Unlock()
		return persistence.ClassRecord{}, persistence.ErrNotFound
	}

	class.EnrolledUserIDs = existing.EnrolledUserIDs
	class = persistence.ApplyClassDefaults(class)
	class.CreatedAt = existing.CreatedAt
	class.UpdatedAt = s.now()
	class.Version = existing.Version + 1
	if err := persistence.ValidateClass(class); err != nil {
		s.mu.Unlock()
		return persistence.ClassRecord{}, err
	}
	s.classes[class.ID] = class.Clone()
	s.mu.Unlock()

	s.feed.Notify()
	return class, nil
}

// DeleteClass removes a class by ID.
func (s *Store) DeleteClass(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.classes[id]; !ok {
		s.mu.Unlock()
		return persistence.ErrNotFound
	}
	delete(s.classes, id)
	s.mu.Unlock()

	s.feed.Notify()
	return nil
}

// ListClasses returns all classes ordered by day of week and start time.
func (s *Store) ListClasses(ctx context.Context) ([]persistence.ClassRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	classes := make([]persistence.ClassRecord, 0, len(s.classes))
	for _, class := range s.classes {
		classes = append(classes, class.Clone())
	}
	persistence.SortClasses(classes)
	return classes, nil
}

// SetClassStatus flips the status of one class without a transaction.
func (s *Store) SetClassStatus(ctx context.Context, id string, status persistence.ClassStatus, at time.Time) error {
	s.mu.Lock()
	class, ok := s.classes[id]
	if !ok {
		s.mu.Unlock()
		return persistence.ErrNotFound
	}
	if err := persistence.CheckTransition(class.Status, status); err != nil {
		s.mu.Unlock()
		return err
	}
	if class.Status == status {
		s.mu.Unlock()
		return nil
	}
	class.Status = status
	class.UpdatedAt = at
	class.Version++
	s.classes[id] = class
	s.mu.Unlock()

	s.feed.Notify()
	return nil
}

// RunClassTransaction reads the class, runs fn and commits the result only if
// no other writer committed in between. Conflicts replay fn up to the
// configured number of attempts before reporting ErrConflict.
func (s *Store) RunClassTransaction(ctx context.Context, id string, fn persistence.ClassTxFunc) (persistence.ClassRecord, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return persistence.ClassRecord{}, err
		}

		current, err := s.GetClass(ctx, id)
		if err != nil {
			return persistence.ClassRecord{}, err
		}

		next, err := fn(ctx, current.Clone(), weekReader{store: s})
		if err != nil {
			return persistence.ClassRecord{}, err
		}

		if s.beforeCommit != nil {
			s.beforeCommit(id, attempt)
		}

		committed, ok, err := s.commit(current, next)
		if err != nil {
			return persistence.ClassRecord{}, err
		}
		if ok {
			s.feed.Notify()
			return committed, nil
		}
	}
	return persistence.ClassRecord{}, fmt.Errorf("%w: class %s after %d attempts", persistence.ErrConflict, id, s.maxAttempts)
}

func (s *Store) commit(read, next persistence.ClassRecord) (persistence.ClassRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.classes[read.ID]
	if !ok {
		return persistence.ClassRecord{}, false, persistence.ErrNotFound
	}
	if stored.Version != read.Version {
		return persistence.ClassRecord{}, false, nil
	}

	stored.EnrolledUserIDs = next.EnrolledUserIDs
	stored.EnrolledCount = next.EnrolledCount
	stored.UpdatedAt = next.UpdatedAt
	stored.Version++
	if err := persistence.ValidateEnrollment(stored); err != nil {
		return persistence.ClassRecord{}, false, err
	}
	s.classes[stored.ID] = stored.Clone()
	return stored.Clone(), true, nil
}

// Subscribe streams ordered class snapshots until ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context) (<-chan persistence.Snapshot, error) {
	return s.feed.Subscribe(ctx)
}

type weekReader struct {
	store *Store
}

func (w weekReader) CountWeeklyEnrollments(ctx context.Context, userID, weekKey, excludeClassID string) (int, error) {
	return w.store.countWeekly(userID, weekKey, excludeClassID), nil
}

func (s *Store) countWeekly(userID, weekKey, excludeClassID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for id, class := range s.classes {
		if id == excludeClassID || !class.IsEnrolled(userID) {
			continue
		}
		if key, ok := schedule.WeekKeyOf(class.Date); ok && key.String() == weekKey {
			count++
		}
	}
	return count
}

// --- ProfileStore implementation ---

// GetProfile retrieves a profile by uid.
func (s *Store) GetProfile(ctx context.Context, uid string) (persistence.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[uid]
	if !ok {
		return persistence.UserProfile{}, persistence.ErrNotFound
	}
	return profile.Clone(), nil
}

// UpsertProfile creates or replaces a profile.
func (s *Store) UpsertProfile(ctx context.Context, profile persistence.UserProfile) (persistence.UserProfile, error) {
	if err := persistence.ValidateProfile(profile); err != nil {
		return persistence.UserProfile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if profile.Membership == "" {
		profile.Membership = persistence.DefaultMembership
	}
	now := s.now()
	if existing, ok := s.profiles[profile.UID]; ok {
		profile.CreatedAt = existing.CreatedAt
	} else if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	s.profiles[profile.UID] = profile.Clone()
	return profile.Clone(), nil
}

// AddPushToken appends token to the profile of uid unless it is already
// registered, creating a bronze profile when none exists.
func (s *Store) AddPushToken(ctx context.Context, uid, token string) (persistence.UserProfile, error) {
	token, err := persistence.NormalizePushToken(token)
	if err != nil {
		return persistence.UserProfile{}, err
	}
	if err := persistence.ValidateProfile(persistence.UserProfile{UID: uid}); err != nil {
		return persistence.UserProfile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	profile, ok := s.profiles[uid]
	if !ok {
		profile = persistence.UserProfile{UID: uid, Membership: persistence.DefaultMembership, CreatedAt: now}
	}
	if slices.Contains(profile.PushTokens, token) {
		return profile.Clone(), nil
	}
	profile = profile.Clone()
	profile.PushTokens = append(profile.PushTokens, token)
	profile.UpdatedAt = now
	s.profiles[uid] = profile
	return profile.Clone(), nil
}

// ListPushTokens returns every registered device token, deduplicated and
// ordered by owner.
func (s *Store) ListPushTokens(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uids := make([]string, 0, len(s.profiles))
	for uid := range s.profiles {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	seen := make(map[string]struct{})
	tokens := make([]string, 0)
	for _, uid := range uids {
		for _, token := range s.profiles[uid].PushTokens {
			if token == "" {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}
