package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/gym-scheduler/internal/auth"
	"github.com/example/gym-scheduler/internal/cache"
	"github.com/example/gym-scheduler/internal/enrollment"
	"github.com/example/gym-scheduler/internal/membership"
	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/persistence/memory"
)

var referenceTime = time.Date(2024, time.June, 4, 9, 0, 0, 0, time.UTC)

type nopDispatcher struct{}

func (nopDispatcher) NotifySlotAvailable(context.Context, string, string) error { return nil }

type apiFixture struct {
	store    *memory.Store
	cache    *cache.Cache
	verifier *auth.Verifier
	handler  http.Handler
}

func newAPIFixture(t *testing.T, classes ...persistence.ClassRecord) *apiFixture {
	t.Helper()

	clock := func() time.Time { return referenceTime }
	store := memory.New(memory.Options{Now: clock})
	for _, class := range classes {
		if _, err := store.CreateClass(context.Background(), class); err != nil {
			t.Fatalf("CreateClass failed: %v", err)
		}
	}

	f := &apiFixture{
		store:    store,
		cache:    cache.New(cache.Options{}),
		verifier: auth.NewVerifier("test-secret", clock),
	}
	f.refresh(t)

	engine := enrollment.NewEngine(store, f.cache, membership.DefaultPolicy(), nopDispatcher{}, clock)
	handler := NewClassHandler(engine, f.cache, time.UTC, clock, nil)
	// Refresh after every request so reads reflect the committed state.
	refresh := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			f.refresh(t)
		})
	}
	f.handler = NewRouter(RouterConfig{
		Classes:    handler,
		Profiles:   NewProfileHandler(store, nil),
		Health:     NewHealthHandler(f.cache),
		Auth:       RequireUser(f.verifier, store, nil),
		Middleware: []func(http.Handler) http.Handler{RequestLogger(nil), refresh},
	})
	return f
}

func (f *apiFixture) refresh(t *testing.T) {
	t.Helper()
	classes, err := f.store.ListClasses(context.Background())
	if err != nil {
		t.Fatalf("ListClasses failed: %v", err)
	}
	f.cache.Apply(context.Background(), persistence.Snapshot{Classes: classes, At: referenceTime})
}

func (f *apiFixture) do(t *testing.T, method, path, uid string) *httptest.ResponseRecorder {
	t.Helper()
	return f.doBody(t, method, path, uid, "")
}

func (f *apiFixture) doBody(t *testing.T, method, path, uid, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if uid != "" {
		token, err := f.verifier.Issue(uid, time.Hour)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func weekClasses() []persistence.ClassRecord {
	return []persistence.ClassRecord{
		{ID: "mon", Title: "Funcional", DayOfWeek: "1-lunes", Date: "2024-06-03", StartTime: "08:00", Capacity: 1},
		{ID: "wed", Title: "Crossfit", DayOfWeek: "3-miercoles", Date: "2024-06-05", StartTime: "18:00", Capacity: 5},
		{ID: "fri", Title: "Yoga", DayOfWeek: "5-viernes", Date: "2024-06-07", StartTime: "19:00", Capacity: 5},
	}
}

func TestClassHandlers(t *testing.T) {
	t.Parallel()

	t.Run("requires a bearer token", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t, weekClasses()...)
		rec := f.do(t, http.MethodGet, "/classes", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("rejects invalid tokens", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t, weekClasses()...)
		req := httptest.NewRequest(http.MethodGet, "/classes", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		body := decode[errorResponse](t, rec)
		if body.ErrorCode != "unauthenticated" {
			t.Fatalf("unexpected error code %q", body.ErrorCode)
		}
	})

	t.Run("enroll then list reflects caller state", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t, weekClasses()...)

		rec := f.do(t, http.MethodPost, "/classes/mon/enrollment", "ana")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		enrolled := decode[classResponse](t, rec)
		if !enrolled.Class.Enrolled || !enrolled.Class.Full || enrolled.Class.AvailableSlots != 0 {
			t.Fatalf("unexpected enrolled class payload: %+v", enrolled.Class)
		}

		list := decode[classListResponse](t, f.do(t, http.MethodGet, "/classes", "ana"))
		if len(list.Classes) != 3 || list.Classes[0].ID != "mon" {
			t.Fatalf("unexpected class list: %+v", list.Classes)
		}
		if !list.Classes[0].Enrolled {
			t.Fatalf("expected caller to be marked enrolled")
		}
	})

	t.Run("maps engine errors to status and code", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t, weekClasses()...)

		if rec := f.do(t, http.MethodPost, "/classes/mon/enrollment", "ana"); rec.Code != http.StatusOK {
			t.Fatalf("expected first enroll to succeed, got %d", rec.Code)
		}

		cases := []struct {
			name   string
			method string
			path   string
			uid    string
			status int
			code   string
		}{
			{name: "already enrolled", method: http.MethodPost, path: "/classes/mon/enrollment", uid: "ana", status: http.StatusConflict, code: "already_enrolled"},
			{name: "capacity reached", method: http.MethodPost, path: "/classes/mon/enrollment", uid: "bruno", status: http.StatusConflict, code: "capacity_reached"},
			{name: "missing class", method: http.MethodPost, path: "/classes/nope/enrollment", uid: "ana", status: http.StatusNotFound, code: "class_not_found"},
			{name: "not enrolled", method: http.MethodDelete, path: "/classes/wed/enrollment", uid: "ana", status: http.StatusConflict, code: "not_enrolled"},
		}
		for _, tc := range cases {
			rec := f.do(t, tc.method, tc.path, tc.uid)
			if rec.Code != tc.status {
				t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, rec.Code)
			}
			body := decode[errorResponse](t, rec)
			if body.ErrorCode != tc.code {
				t.Fatalf("%s: expected code %q, got %q", tc.name, tc.code, body.ErrorCode)
			}
			if body.Message == "" {
				t.Fatalf("%s: expected a localized message", tc.name)
			}
		}
	})

	t.Run("quota uses the profile membership", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t, weekClasses()...)

		for _, id := range []string{"wed", "fri"} {
			if rec := f.do(t, http.MethodPost, "/classes/"+id+"/enrollment", "carla"); rec.Code != http.StatusOK {
				t.Fatalf("enroll %s: expected 200, got %d", id, rec.Code)
			}
		}

		list := decode[classListResponse](t, f.do(t, http.MethodGet, "/classes", "carla"))
		for _, class := range list.Classes {
			if class.ID == "mon" && !class.QuotaReached {
				t.Fatalf("expected bronze member to have reached the quota for mon")
			}
			if class.ID == "wed" && class.QuotaReached {
				t.Fatalf("expected enrolled classes not to be flagged")
			}
		}

		rec := f.do(t, http.MethodPost, "/classes/mon/enrollment", "carla")
		if rec.Code != http.StatusConflict || decode[errorResponse](t, rec).ErrorCode != "quota_exceeded" {
			t.Fatalf("expected quota_exceeded conflict, got %d", rec.Code)
		}

		if _, err := f.store.UpsertProfile(context.Background(), persistence.UserProfile{UID: "carla", Membership: "silver"}); err != nil {
			t.Fatalf("UpsertProfile failed: %v", err)
		}
		if rec := f.do(t, http.MethodPost, "/classes/mon/enrollment", "carla"); rec.Code != http.StatusOK {
			t.Fatalf("expected silver member to book a third class, got %d", rec.Code)
		}
	})

	t.Run("unenroll releases the seat", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t, weekClasses()...)

		f.do(t, http.MethodPost, "/classes/mon/enrollment", "ana")
		rec := f.do(t, http.MethodDelete, "/classes/mon/enrollment", "ana")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decode[classResponse](t, rec)
		if body.Class.Enrolled || body.Class.EnrolledCount != 0 {
			t.Fatalf("unexpected class after unenroll: %+v", body.Class)
		}
	})

	t.Run("weekly enrollments report quota usage", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t, weekClasses()...)

		f.do(t, http.MethodPost, "/classes/wed/enrollment", "dani")

		rec := f.do(t, http.MethodGet, "/me/weekly-enrollments?week=2024-06-06", "dani")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decode[weeklyEnrollmentsResponse](t, rec)
		if body.WeekKey != "2024-06-03" || body.Count != 1 || body.Quota != 2 || body.Remaining != 1 {
			t.Fatalf("unexpected weekly payload: %+v", body)
		}

		defaulted := decode[weeklyEnrollmentsResponse](t, f.do(t, http.MethodGet, "/me/weekly-enrollments", "dani"))
		if defaulted.WeekKey != "2024-06-03" {
			t.Fatalf("expected current week by default, got %q", defaulted.WeekKey)
		}

		if rec := f.do(t, http.MethodGet, "/me/weekly-enrollments?week=someday", "dani"); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for malformed week, got %d", rec.Code)
		}
	})

	t.Run("routes reject unknown paths and methods", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t, weekClasses()...)

		if rec := f.do(t, http.MethodGet, "/classes/mon/enrollment", "ana"); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
		if rec := f.do(t, http.MethodPost, "/classes/mon", "ana"); rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if rec := f.do(t, http.MethodPost, "/classes", "ana"); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}

func TestProfileHandler_RegisterPushToken(t *testing.T) {
	t.Parallel()

	t.Run("registers tokens once and creates the profile", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t, weekClasses()...)

		for _, body := range []string{`{"token":"device-a"}`, `{"token":"device-b"}`, `{"token":"device-a"}`} {
			rec := f.doBody(t, http.MethodPut, "/me/push-tokens", "ana", body)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
		}

		profile, err := f.store.GetProfile(context.Background(), "ana")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if profile.Membership != persistence.DefaultMembership || len(profile.PushTokens) != 2 {
			t.Fatalf("unexpected profile %#v", profile)
		}

		tokens, err := f.store.ListPushTokens(context.Background())
		if err != nil {
			t.Fatalf("ListPushTokens failed: %v", err)
		}
		if len(tokens) != 2 || tokens[0] != "device-a" || tokens[1] != "device-b" {
			t.Fatalf("expected registered tokens to reach the fan-out source, got %v", tokens)
		}
	})

	t.Run("reports the token count", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)

		rec := f.doBody(t, http.MethodPut, "/me/push-tokens", "bruno", `{"token":"device-a"}`)
		if body := decode[pushTokensResponse](t, rec); body.TokenCount != 1 {
			t.Fatalf("expected one token, got %+v", body)
		}
	})

	t.Run("rejects empty or malformed bodies", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)

		for _, body := range []string{`{"token":"  "}`, `not-json`, ""} {
			rec := f.doBody(t, http.MethodPut, "/me/push-tokens", "ana", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
			}
		}
	})

	t.Run("requires authentication and PUT", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)

		if rec := f.doBody(t, http.MethodPut, "/me/push-tokens", "", `{"token":"device-a"}`); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if rec := f.do(t, http.MethodGet, "/me/push-tokens", "ana"); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}

type failingProfiles struct{}

func (failingProfiles) GetProfile(context.Context, string) (persistence.UserProfile, error) {
	return persistence.UserProfile{}, persistence.ErrUnavailable
}

func TestRequireUser(t *testing.T) {
	t.Parallel()

	verifier := auth.NewVerifier("test-secret", func() time.Time { return referenceTime })
	token, err := verifier.Issue("ana", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	t.Run("missing profiles default to bronze", func(t *testing.T) {
		t.Parallel()
		store := memory.New(memory.Options{})
		var got Principal
		handler := RequireUser(verifier, store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = PrincipalFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/classes", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if got.UserID != "ana" || got.Membership != membership.TierBronze {
			t.Fatalf("unexpected principal %+v", got)
		}
	})

	t.Run("accepts the token as query parameter", func(t *testing.T) {
		t.Parallel()
		store := memory.New(memory.Options{})
		if _, err := store.UpsertProfile(context.Background(), persistence.UserProfile{UID: "ana", Membership: "gold"}); err != nil {
			t.Fatalf("UpsertProfile failed: %v", err)
		}
		var got Principal
		handler := RequireUser(verifier, store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = PrincipalFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/classes/live?access_token="+token, nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if got.Membership != membership.TierGold {
			t.Fatalf("expected gold principal, got %+v", got)
		}
	})

	t.Run("profile store failures are reported as unavailable", func(t *testing.T) {
		t.Parallel()
		handler := RequireUser(verifier, failingProfiles{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatalf("next handler must not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/classes", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
	})
}

func TestEngineErrorStatus(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		enrollment.ErrInvalidInput:     http.StatusBadRequest,
		enrollment.ErrClassNotFound:    http.StatusNotFound,
		enrollment.ErrClassUnavailable: http.StatusConflict,
		enrollment.ErrQuotaExceeded:    http.StatusConflict,
		enrollment.ErrConflict:         http.StatusConflict,
		enrollment.ErrStoreUnavailable: http.StatusServiceUnavailable,
		errors.New("boom"):             http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got, _ := engineErrorStatus(err); got != want {
			t.Fatalf("engineErrorStatus(%v) = %d, want %d", err, got, want)
		}
	}

	_, msg := engineErrorStatus(enrollment.ErrQuotaExceeded)
	if msg != "Alcanzaste el máximo de reservas para esta semana según tu membresía." {
		t.Fatalf("unexpected quota message %q", msg)
	}
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	c := cache.New(cache.Options{})
	h := NewHealthHandler(c)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first snapshot, got %d", rec.Code)
	}

	c.Apply(context.Background(), persistence.Snapshot{At: referenceTime})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rec.Code)
	}

	c.Apply(context.Background(), persistence.Snapshot{Err: persistence.ErrUnavailable})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with error flag, got %d", rec.Code)
	}
	if body := decode[healthResponse](t, rec); body.Status != "degraded" {
		t.Fatalf("expected degraded status, got %q", body.Status)
	}
}
