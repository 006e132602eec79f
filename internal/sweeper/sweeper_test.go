package sweeper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/schedule"
)

type recordingWriter struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (w *recordingWriter) SetClassStatus(ctx context.Context, id string, status persistence.ClassStatus, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if status != persistence.StatusInactive {
		return errors.New("unexpected status")
	}
	w.calls = append(w.calls, id)
	return w.fail[id]
}

func (w *recordingWriter) ids() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := append([]string(nil), w.calls...)
	sort.Strings(out)
	return out
}

var loc = time.FixedZone("ART", -3*60*60)

func newSweeper(w StatusWriter, now time.Time) *Sweeper {
	return New(w, Options{
		Calendar:    schedule.NewCalendar(loc),
		Now:         func() time.Time { return now },
		Concurrency: 2,
	})
}

func TestSweeper_Sweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.June, 3, 18, 30, 0, 0, loc)
	classes := []persistence.ClassRecord{
		{ID: "past", Status: persistence.StatusActive, Date: "2024-06-03", StartTime: "07:00"},
		{ID: "now", Status: persistence.StatusActive, Date: "2024-06-03", StartTime: "18:30"},
		{ID: "future", Status: persistence.StatusActive, Date: "2024-06-03", StartTime: "19:00"},
		{ID: "inactive", Status: persistence.StatusInactive, Date: "2024-06-01", StartTime: "07:00"},
		{ID: "no-date", Status: persistence.StatusActive, StartTime: "07:00"},
		{ID: "no-time", Status: persistence.StatusActive, Date: "2024-06-01"},
		{ID: "garbage", Status: persistence.StatusActive, Date: "ayer", StartTime: "temprano"},
	}

	w := &recordingWriter{}
	result := newSweeper(w, now).Sweep(context.Background(), classes)

	if result != (Result{Attempted: 2, Deactivated: 2}) {
		t.Fatalf("unexpected result: %#v", result)
	}
	got := w.ids()
	if len(got) != 2 || got[0] != "now" || got[1] != "past" {
		t.Fatalf("expected past and now to be deactivated, got %v", got)
	}
}

func TestSweeper_FailuresAreIsolated(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.June, 10, 0, 0, 0, 0, loc)
	classes := []persistence.ClassRecord{
		{ID: "a", Status: persistence.StatusActive, Date: "2024-06-03", StartTime: "07:00"},
		{ID: "b", Status: persistence.StatusActive, Date: "2024-06-04", StartTime: "07:00"},
		{ID: "c", Status: persistence.StatusActive, Date: "2024-06-05", StartTime: "07:00"},
	}
	w := &recordingWriter{fail: map[string]error{"b": errors.New("write timed out")}}

	result := newSweeper(w, now).Sweep(context.Background(), classes)
	if result != (Result{Attempted: 3, Deactivated: 2, Failed: 1}) {
		t.Fatalf("unexpected result: %#v", result)
	}
	if len(w.ids()) != 3 {
		t.Fatalf("expected every due class to be attempted, got %v", w.ids())
	}
}

func TestSweeper_MissingScheduleNeverDue(t *testing.T) {
	t.Parallel()

	s := newSweeper(&recordingWriter{}, time.Now())
	farFuture := time.Date(2100, time.January, 1, 0, 0, 0, 0, loc)
	due := s.Due([]persistence.ClassRecord{
		{ID: "no-date", Status: persistence.StatusActive, StartTime: "07:00"},
		{ID: "no-time", Status: persistence.StatusActive, Date: "2024-06-01"},
	}, farFuture)
	if len(due) != 0 {
		t.Fatalf("expected incomplete classes never to be due, got %v", due)
	}
}

func TestSweeper_OnRefreshWithNothingDue(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	newSweeper(w, time.Date(2024, time.June, 1, 0, 0, 0, 0, loc)).OnRefresh(context.Background(), []persistence.ClassRecord{
		{ID: "future", Status: persistence.StatusActive, Date: "2024-06-03", StartTime: "07:00"},
	})
	if len(w.ids()) != 0 {
		t.Fatalf("expected no writes, got %v", w.ids())
	}
}
