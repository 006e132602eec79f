// Package sqlite implements the class and profile stores on SQLite using the
// pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/schedule"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const timeLayout = time.RFC3339Nano

// Options configures a Store.
type Options struct {
	Retry       RetryConfig
	Resync      time.Duration
	Now         func() time.Time
	IDGenerator func() string
}

// Store persists classes and profiles in a SQLite database.
type Store struct {
	db    *sqlx.DB
	feed  *persistence.Feed
	retry RetryConfig
	now   func() time.Time
	newID func() string
}

var (
	_ persistence.ClassStore   = (*Store)(nil)
	_ persistence.ProfileStore = (*Store)(nil)
)

// Open connects to the database at dsn. Call Migrate before use. Concurrent
// writers surface as busy errors or version mismatches and are retried, so a
// busy_timeout pragma in the DSN is recommended.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	return newStore(db, opts), nil
}

func newStore(db *sqlx.DB, opts Options) *Store {
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = uuid.NewString
	}
	s := &Store{db: db, retry: opts.Retry, now: opts.Now, newID: opts.IDGenerator}
	s.feed = persistence.NewFeed(s.ListClasses, opts.Resync)
	return s
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping tests the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", persistence.ErrUnavailable, err)
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db.DB, fsys)
	if err != nil {
		return fmt.Errorf("sqlite: prepare migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("sqlite: apply migrations: %w", err)
	}
	return nil
}

const classColumns = `id, title, description, coach, day_of_week, class_date, start_time, end_time,
	capacity, status, enrolled_user_ids, enrolled_count, week_key, version, created_at, updated_at`

type classRow struct {
	ID              string         `db:"id"`
	Title           string         `db:"title"`
	Description     string         `db:"description"`
	Coach           string         `db:"coach"`
	DayOfWeek       string         `db:"day_of_week"`
	Date            string         `db:"class_date"`
	StartTime       string         `db:"start_time"`
	EndTime         string         `db:"end_time"`
	Capacity        int            `db:"capacity"`
	Status          string         `db:"status"`
	EnrolledUserIDs string         `db:"enrolled_user_ids"`
	EnrolledCount   int            `db:"enrolled_count"`
	WeekKey         sql.NullString `db:"week_key"`
	Version         int64          `db:"version"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
}

func (r classRow) record() (persistence.ClassRecord, error) {
	var enrolled []string
	if err := json.Unmarshal([]byte(r.EnrolledUserIDs), &enrolled); err != nil {
		return persistence.ClassRecord{}, fmt.Errorf("sqlite: decode enrolled ids of %s: %w", r.ID, err)
	}
	createdAt, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return persistence.ClassRecord{}, fmt.Errorf("sqlite: parse created_at of %s: %w", r.ID, err)
	}
	updatedAt, err := time.Parse(timeLayout, r.UpdatedAt)
	if err != nil {
		return persistence.ClassRecord{}, fmt.Errorf("sqlite: parse updated_at of %s: %w", r.ID, err)
	}
	class := persistence.ClassRecord{
		ID:              r.ID,
		Title:           r.Title,
		Description:     r.Description,
		Coach:           r.Coach,
		DayOfWeek:       r.DayOfWeek,
		Date:            r.Date,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		Capacity:        r.Capacity,
		Status:          persistence.ClassStatus(r.Status),
		EnrolledUserIDs: enrolled,
		EnrolledCount:   r.EnrolledCount,
		Version:         r.Version,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	return class.Clone(), nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode enrolled ids: %w", err)
	}
	return string(raw), nil
}

func weekKeyColumn(date string) sql.NullString {
	key, ok := schedule.WeekKeyOf(date)
	if !ok {
		return sql.NullString{}
	}
	return sql.NullString{String: key.String(), Valid: true}
}

// --- ClassStore implementation ---

// CreateClass inserts a new class with empty defaults filled in.
func (s *Store) CreateClass(ctx context.Context, class persistence.ClassRecord) (persistence.ClassRecord, error) {
	class = persistence.ApplyClassDefaults(class)
	if class.ID == "" {
		class.ID = s.newID()
	}
	if err := persistence.ValidateClass(class); err != nil {
		return persistence.ClassRecord{}, err
	}
	now := s.now().UTC()
	if class.CreatedAt.IsZero() {
		class.CreatedAt = now
	}
	class.UpdatedAt = now
	class.Version = 1

	enrolled, err := encodeIDs(class.EnrolledUserIDs)
	if err != nil {
		return persistence.ClassRecord{}, err
	}

	query := `
		INSERT INTO classes (` + classColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		class.ID, class.Title, class.Description, class.Coach, class.DayOfWeek, class.Date,
		class.StartTime, class.EndTime, class.Capacity, string(class.Status), enrolled,
		class.EnrolledCount, weekKeyColumn(class.Date), class.Version,
		class.CreatedAt.UTC().Format(timeLayout), class.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return persistence.ClassRecord{}, mapError(err)
	}

	s.feed.Notify()
	return class, nil
}

// GetClass retrieves a class by ID.
func (s *Store) GetClass(ctx context.Context, id string) (persistence.ClassRecord, error) {
	return getClass(ctx, s.db, id)
}

func getClass(ctx context.Context, q sqlx.QueryerContext, id string) (persistence.ClassRecord, error) {
	var row classRow
	query := `SELECT ` + classColumns + ` FROM classes WHERE id = ?`
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		return persistence.ClassRecord{}, mapError(err)
	}
	return row.record()
}

// UpdateClass replaces the template fields of a class. Seats are owned by
// transactions and are left untouched.
func (s *Store) UpdateClass(ctx context.Context, class persistence.ClassRecord) (persistence.ClassRecord, error) {
	var updated persistence.ClassRecord
	err := withTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		existing, err := getClass(ctx, tx, class.ID)
		if err != nil {
			return err
		}

		class.EnrolledUserIDs = existing.EnrolledUserIDs
		class = persistence.ApplyClassDefaults(class)
		class.CreatedAt = existing.CreatedAt
		class.UpdatedAt = s.now().UTC()
		class.Version = existing.Version + 1
		if err := persistence.ValidateClass(class); err != nil {
			return err
		}

		query := `
			UPDATE classes
			SET title = ?, description = ?, coach = ?, day_of_week = ?, class_date = ?,
				start_time = ?, end_time = ?, capacity = ?, status = ?, week_key = ?,
				version = ?, updated_at = ?
			WHERE id = ? AND version = ?
		`
		result, err := tx.ExecContext(ctx, query,
			class.Title, class.Description, class.Coach, class.DayOfWeek, class.Date,
			class.StartTime, class.EndTime, class.Capacity, string(class.Status), weekKeyColumn(class.Date),
			class.Version, class.UpdatedAt.Format(timeLayout),
			class.ID, existing.Version,
		)
		if err != nil {
			return mapError(err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return persistence.ErrConflict
		}
		updated = class
		return nil
	})
	if err != nil {
		return persistence.ClassRecord{}, err
	}

	s.feed.Notify()
	return updated, nil
}

// DeleteClass removes a class by ID.
func (s *Store) DeleteClass(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM classes WHERE id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return persistence.ErrNotFound
	}

	s.feed.Notify()
	return nil
}

// ListClasses returns all classes ordered by day of week and start time.
func (s *Store) ListClasses(ctx context.Context) ([]persistence.ClassRecord, error) {
	var rows []classRow
	query := `SELECT ` + classColumns + ` FROM classes ORDER BY day_of_week, start_time, id`
	if err := sqlx.SelectContext(ctx, s.db, &rows, query); err != nil {
		return nil, mapError(err)
	}

	classes := make([]persistence.ClassRecord, 0, len(rows))
	for _, row := range rows {
		class, err := row.record()
		if err != nil {
			return nil, err
		}
		classes = append(classes, class)
	}
	return classes, nil
}

// SetClassStatus flips the status of one class without touching its seats.
func (s *Store) SetClassStatus(ctx context.Context, id string, status persistence.ClassStatus, at time.Time) error {
	var changed bool
	err := withTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		var current string
		if err := sqlx.GetContext(ctx, tx, &current, `SELECT status FROM classes WHERE id = ?`, id); err != nil {
			return mapError(err)
		}
		if err := persistence.CheckTransition(persistence.ClassStatus(current), status); err != nil {
			return err
		}
		if persistence.ClassStatus(current) == status {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE classes SET status = ?, updated_at = ?, version = version + 1 WHERE id = ?`,
			string(status), at.UTC().Format(timeLayout), id,
		)
		if err != nil {
			return mapError(err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.feed.Notify()
	}
	return nil
}

// RunClassTransaction reads the class, runs fn and writes the seats back only
// when the stored version is unchanged. Version mismatches and busy errors
// are retried with exponential backoff.
func (s *Store) RunClassTransaction(ctx context.Context, id string, fn persistence.ClassTxFunc) (persistence.ClassRecord, error) {
	var committed persistence.ClassRecord
	err := withRetry(ctx, s.retry, func() error {
		return withTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
			current, err := getClass(ctx, tx, id)
			if err != nil {
				return err
			}

			next, err := fn(ctx, current.Clone(), txWeekReader{tx: tx})
			if err != nil {
				return callbackError{err: err}
			}

			stored := current.Clone()
			stored.EnrolledUserIDs = next.EnrolledUserIDs
			stored.EnrolledCount = next.EnrolledCount
			stored.UpdatedAt = next.UpdatedAt
			if err := persistence.ValidateEnrollment(stored); err != nil {
				return callbackError{err: err}
			}

			enrolled, err := encodeIDs(stored.EnrolledUserIDs)
			if err != nil {
				return callbackError{err: err}
			}

			query := `
				UPDATE classes
				SET enrolled_user_ids = ?, enrolled_count = ?, updated_at = ?, version = version + 1
				WHERE id = ? AND version = ?
			`
			result, err := tx.ExecContext(ctx, query,
				enrolled, stored.EnrolledCount, stored.UpdatedAt.UTC().Format(timeLayout),
				id, current.Version,
			)
			if err != nil {
				return err
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return errVersionMismatch
			}

			stored.Version = current.Version + 1
			committed = stored
			return nil
		})
	})
	if err != nil {
		return persistence.ClassRecord{}, err
	}

	s.feed.Notify()
	return committed, nil
}

// Subscribe streams ordered class snapshots until ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context) (<-chan persistence.Snapshot, error) {
	return s.feed.Subscribe(ctx)
}

type txWeekReader struct {
	tx *sqlx.Tx
}

func (r txWeekReader) CountWeeklyEnrollments(ctx context.Context, userID, weekKey, excludeClassID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM classes
		WHERE week_key = ? AND id <> ?
		AND EXISTS (SELECT 1 FROM json_each(classes.enrolled_user_ids) WHERE json_each.value = ?)
	`
	var count int
	if err := sqlx.GetContext(ctx, r.tx, &count, query, weekKey, excludeClassID, userID); err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

// --- ProfileStore implementation ---

type profileRow struct {
	UID        string `db:"uid"`
	Email      string `db:"email"`
	FirstName  string `db:"first_name"`
	LastName   string `db:"last_name"`
	Nickname   string `db:"nickname"`
	Role       string `db:"role"`
	Membership string `db:"membership"`
	PushTokens string `db:"push_tokens"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

func (r profileRow) profile() (persistence.UserProfile, error) {
	var tokens []string
	if err := json.Unmarshal([]byte(r.PushTokens), &tokens); err != nil {
		return persistence.UserProfile{}, fmt.Errorf("sqlite: decode push tokens of %s: %w", r.UID, err)
	}
	createdAt, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return persistence.UserProfile{}, fmt.Errorf("sqlite: parse created_at of %s: %w", r.UID, err)
	}
	updatedAt, err := time.Parse(timeLayout, r.UpdatedAt)
	if err != nil {
		return persistence.UserProfile{}, fmt.Errorf("sqlite: parse updated_at of %s: %w", r.UID, err)
	}
	return persistence.UserProfile{
		UID:        r.UID,
		Email:      r.Email,
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		Nickname:   r.Nickname,
		Role:       r.Role,
		Membership: r.Membership,
		PushTokens: tokens,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}

const profileColumns = `uid, email, first_name, last_name, nickname, role, membership, push_tokens, created_at, updated_at`

// GetProfile retrieves a profile by uid.
func (s *Store) GetProfile(ctx context.Context, uid string) (persistence.UserProfile, error) {
	var row profileRow
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE uid = ?`
	if err := sqlx.GetContext(ctx, s.db, &row, query, uid); err != nil {
		return persistence.UserProfile{}, mapError(err)
	}
	return row.profile()
}

// UpsertProfile creates or replaces a profile, keeping the original creation time.
func (s *Store) UpsertProfile(ctx context.Context, profile persistence.UserProfile) (persistence.UserProfile, error) {
	if err := persistence.ValidateProfile(profile); err != nil {
		return persistence.UserProfile{}, err
	}
	if profile.Membership == "" {
		profile.Membership = persistence.DefaultMembership
	}
	tokens, err := encodeIDs(profile.PushTokens)
	if err != nil {
		return persistence.UserProfile{}, err
	}

	now := s.now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	query := `
		INSERT INTO profiles (` + profileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uid) DO UPDATE SET
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			nickname = excluded.nickname,
			role = excluded.role,
			membership = excluded.membership,
			push_tokens = excluded.push_tokens,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		profile.UID, profile.Email, profile.FirstName, profile.LastName, profile.Nickname,
		profile.Role, profile.Membership, tokens,
		profile.CreatedAt.UTC().Format(timeLayout), profile.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return persistence.UserProfile{}, mapError(err)
	}

	stored, err := s.GetProfile(ctx, profile.UID)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.UserProfile{}, fmt.Errorf("sqlite: profile %s vanished after upsert: %w", profile.UID, err)
	}
	return stored, err
}

// AddPushToken appends token to the profile of uid unless it is already
// registered, creating a bronze profile when none exists. The insert, read
// and write share one transaction.
func (s *Store) AddPushToken(ctx context.Context, uid, token string) (persistence.UserProfile, error) {
	token, err := persistence.NormalizePushToken(token)
	if err != nil {
		return persistence.UserProfile{}, err
	}
	if err := persistence.ValidateProfile(persistence.UserProfile{UID: uid}); err != nil {
		return persistence.UserProfile{}, err
	}

	err = withRetry(ctx, s.retry, func() error {
		return withTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
			now := s.now().UTC().Format(timeLayout)

			_, err := tx.ExecContext(ctx, `
				INSERT INTO profiles (uid, membership, created_at, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (uid) DO NOTHING
			`, uid, persistence.DefaultMembership, now, now)
			if err != nil {
				return err
			}

			var raw string
			if err := sqlx.GetContext(ctx, tx, &raw, `SELECT push_tokens FROM profiles WHERE uid = ?`, uid); err != nil {
				return err
			}

			var owned []string
			if err := json.Unmarshal([]byte(raw), &owned); err != nil {
				return callbackError{err: fmt.Errorf("sqlite: decode push tokens of %s: %w", uid, err)}
			}
			if slices.Contains(owned, token) {
				return nil
			}
			tokens, err := encodeIDs(append(owned, token))
			if err != nil {
				return callbackError{err: err}
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE profiles SET push_tokens = ?, updated_at = ? WHERE uid = ?`,
				tokens, now, uid,
			)
			return err
		})
	})
	if err != nil {
		return persistence.UserProfile{}, err
	}
	return s.GetProfile(ctx, uid)
}

// ListPushTokens returns every registered device token, deduplicated and
// ordered by owner.
func (s *Store) ListPushTokens(ctx context.Context) ([]string, error) {
	var raw []string
	if err := sqlx.SelectContext(ctx, s.db, &raw, `SELECT push_tokens FROM profiles ORDER BY uid`); err != nil {
		return nil, mapError(err)
	}

	seen := make(map[string]struct{})
	tokens := make([]string, 0)
	for _, entry := range raw {
		var owned []string
		if err := json.Unmarshal([]byte(entry), &owned); err != nil {
			return nil, fmt.Errorf("sqlite: decode push tokens: %w", err)
		}
		for _, token := range owned {
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
