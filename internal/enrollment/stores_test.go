package enrollment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/example/gym-scheduler/internal/cache"
	"github.com/example/gym-scheduler/internal/enrollment"
	"github.com/example/gym-scheduler/internal/membership"
	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/testfixtures"
)

type countingDispatcher struct {
	calls atomic.Int32
}

func (d *countingDispatcher) NotifySlotAvailable(context.Context, string, string) error {
	d.calls.Add(1)
	return nil
}

type storeCase struct {
	name string
	open func(t *testing.T, f *testfixtures.StoreFactory, classes ...persistence.ClassRecord) testfixtures.Store
}

var storeCases = []storeCase{
	{name: "memory", open: func(t *testing.T, f *testfixtures.StoreFactory, classes ...persistence.ClassRecord) testfixtures.Store {
		return f.Memory(t, classes...)
	}},
	{name: "sqlite", open: func(t *testing.T, f *testfixtures.StoreFactory, classes ...persistence.ClassRecord) testfixtures.Store {
		return f.SQLite(t, classes...)
	}},
}

func newStoreEngine(t *testing.T, store testfixtures.Store, factory *testfixtures.StoreFactory, dispatcher enrollment.Dispatcher) (*enrollment.Engine, *cache.Cache) {
	t.Helper()
	c := cache.New(cache.Options{})
	classes, err := store.ListClasses(context.Background())
	if err != nil {
		t.Fatalf("ListClasses failed: %v", err)
	}
	c.Apply(context.Background(), persistence.Snapshot{Classes: classes, At: factory.Clock.Now()})
	return enrollment.NewEngine(store, c, membership.DefaultPolicy(), dispatcher, factory.Clock.NowFunc()), c
}

func TestEngine_AgainstStores(t *testing.T) {
	t.Parallel()

	for _, sc := range storeCases {
		sc := sc
		t.Run(sc.name, func(t *testing.T) {
			t.Parallel()

			t.Run("capacity holds under concurrent enrollments", func(t *testing.T) {
				t.Parallel()
				factory := testfixtures.NewStoreFactory()
				class := testfixtures.NewClass(testfixtures.WithCapacity(3))
				store := sc.open(t, factory, class)
				engine, _ := newStoreEngine(t, store, factory, &countingDispatcher{})

				const racers = 8
				var wg sync.WaitGroup
				var committed atomic.Int32
				errs := make(chan error, racers)
				for i := 0; i < racers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := engine.Enroll(context.Background(), class.ID, fmt.Sprintf("member-%d", i), membership.TierGold)
						if err == nil {
							committed.Add(1)
							return
						}
						errs <- err
					}(i)
				}
				wg.Wait()
				close(errs)

				for err := range errs {
					if !errors.Is(err, enrollment.ErrCapacityReached) && !errors.Is(err, enrollment.ErrConflict) {
						t.Fatalf("unexpected enrollment error: %v", err)
					}
				}

				got, err := store.GetClass(context.Background(), class.ID)
				if err != nil {
					t.Fatalf("GetClass failed: %v", err)
				}
				if len(got.EnrolledUserIDs) > got.Capacity {
					t.Fatalf("occupancy %d exceeds capacity %d", len(got.EnrolledUserIDs), got.Capacity)
				}
				if int(committed.Load()) != len(got.EnrolledUserIDs) || got.EnrolledCount != len(got.EnrolledUserIDs) {
					t.Fatalf("committed %d but class holds %d seats (count %d)", committed.Load(), len(got.EnrolledUserIDs), got.EnrolledCount)
				}
			})

			t.Run("quota is enforced against the store", func(t *testing.T) {
				t.Parallel()
				factory := testfixtures.NewStoreFactory()
				mon := testfixtures.NewClass(testfixtures.WithSlot("2024-06-03", "08:00"))
				wed := testfixtures.NewClass(testfixtures.WithSlot("2024-06-05", "08:00"))
				fri := testfixtures.NewClass(testfixtures.WithSlot("2024-06-07", "08:00"))
				next := testfixtures.NewClass(testfixtures.WithSlot("2024-06-10", "08:00"))
				store := sc.open(t, factory, mon, wed, fri, next)
				// The cache is never refreshed, so only the transactional count can reject.
				engine, _ := newStoreEngine(t, store, factory, &countingDispatcher{})

				for _, id := range []string{mon.ID, wed.ID} {
					if _, err := engine.Enroll(context.Background(), id, "ana", membership.TierBronze); err != nil {
						t.Fatalf("Enroll(%s) failed: %v", id, err)
					}
				}
				if _, err := engine.Enroll(context.Background(), fri.ID, "ana", membership.TierBronze); !errors.Is(err, enrollment.ErrQuotaExceeded) {
					t.Fatalf("expected ErrQuotaExceeded, got %v", err)
				}
				if _, err := engine.Enroll(context.Background(), next.ID, "ana", membership.TierBronze); err != nil {
					t.Fatalf("expected next week booking to succeed, got %v", err)
				}
			})

			t.Run("freeing a full class notifies once", func(t *testing.T) {
				t.Parallel()
				factory := testfixtures.NewStoreFactory()
				class := testfixtures.NewClass(testfixtures.WithCapacity(2), testfixtures.WithEnrolled("ana", "bruno"))
				store := sc.open(t, factory, class)
				dispatcher := &countingDispatcher{}
				engine, _ := newStoreEngine(t, store, factory, dispatcher)

				if _, err := engine.Unenroll(context.Background(), class.ID, "ana"); err != nil {
					t.Fatalf("Unenroll failed: %v", err)
				}
				if _, err := engine.Unenroll(context.Background(), class.ID, "bruno"); err != nil {
					t.Fatalf("Unenroll failed: %v", err)
				}
				if got := dispatcher.calls.Load(); got != 1 {
					t.Fatalf("expected exactly one slot freed notification, got %d", got)
				}
			})

			t.Run("inactive classes reject enrollment", func(t *testing.T) {
				t.Parallel()
				factory := testfixtures.NewStoreFactory()
				class := testfixtures.NewClass(testfixtures.Inactive())
				store := sc.open(t, factory, class)
				engine, _ := newStoreEngine(t, store, factory, &countingDispatcher{})

				if _, err := engine.Enroll(context.Background(), class.ID, "ana", membership.TierGold); !errors.Is(err, enrollment.ErrClassUnavailable) {
					t.Fatalf("expected ErrClassUnavailable, got %v", err)
				}
			})
		})
	}
}
