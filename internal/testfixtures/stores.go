package testfixtures

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/persistence/memory"
	"github.com/example/gym-scheduler/internal/persistence/sqlite"
)

// Store is the union of the store contracts both implementations satisfy.
type Store interface {
	persistence.ClassStore
	persistence.ProfileStore
}

// StoreFactory builds seeded stores using a deterministic clock and id
// sequence.
type StoreFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
}

// NewStoreFactory constructs a factory with defaults.
func NewStoreFactory() *StoreFactory {
	return &StoreFactory{
		Clock:       NewClock(ReferenceTime()),
		IDGenerator: NewIDGenerator("class"),
	}
}

// Memory returns an in-process store seeded with classes.
func (f *StoreFactory) Memory(tb testing.TB, classes ...persistence.ClassRecord) *memory.Store {
	tb.Helper()
	store := memory.New(memory.Options{
		MaxAttempts: 10,
		Now:         f.Clock.NowFunc(),
		IDGenerator: f.IDGenerator.NextFunc(),
	})
	tb.Cleanup(func() { _ = store.Close() })
	seed(tb, store, classes)
	return store
}

// SQLite returns a migrated store on a temporary database file seeded with
// classes.
func (f *StoreFactory) SQLite(tb testing.TB, classes ...persistence.ClassRecord) *sqlite.Store {
	tb.Helper()

	dsn := filepath.Join(tb.TempDir(), "gym.db") + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	store, err := sqlite.Open(dsn, sqlite.Options{
		Now:         f.Clock.NowFunc(),
		IDGenerator: f.IDGenerator.NextFunc(),
	})
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(context.Background()); err != nil {
		tb.Fatalf("failed to migrate storage: %v", err)
	}
	seed(tb, store, classes)
	return store
}

func seed(tb testing.TB, store persistence.ClassStore, classes []persistence.ClassRecord) {
	tb.Helper()
	for _, class := range classes {
		if _, err := store.CreateClass(context.Background(), class); err != nil {
			tb.Fatalf("failed to seed class %s: %v", class.ID, err)
		}
	}
}
