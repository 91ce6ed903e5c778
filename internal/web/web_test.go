package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"activo2sync/internal/activo2"
	"activo2sync/internal/activo2/activo2test"
	"activo2sync/internal/config"
	"activo2sync/internal/coordinator"
)

var fixedNow = time.Date(2025, time.March, 10, 8, 30, 0, 0, time.UTC)

type fixture struct {
	fake   *activo2test.Server
	coord  *coordinator.Coordinator
	server *Server
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	fake := activo2test.NewServer(t)
	fake.Update(func(b *activo2test.Behavior) {
		b.Schedule = activo2test.OneShiftSchedule("2025-03-10", "09:00", "17:00", "09:00", "10:00", "P1")
		b.Profile.Photo = fake.PhotoURL()
		b.Photo = []byte("jpeg-bytes")
	})

	client := activo2.NewClient(fake.Endpoints(), nil)
	coord, err := coordinator.New(client, coordinator.Options{
		Name:     "work",
		Username: "user",
		Password: "secret",
		Now:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := NewServer(cfg, []Account{coord}, client)
	s.now = func() time.Time { return fixedNow }

	return &fixture{fake: fake, coord: coord, server: s}
}

func (f *fixture) refresh(t *testing.T) {
	t.Helper()
	if err := f.coord.RefreshNow(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestUnavailableBeforeFirstRefresh(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{
		"/api/accounts/work/snapshot",
		"/api/accounts/work/userinfo",
		"/api/accounts/work/calendars/workshifts.ics",
		"/api/accounts/work/calendars/tasks/current",
	} {
		if rec := f.do(http.MethodGet, path); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("GET %s: expected 503, got %d", path, rec.Code)
		}
	}

	rec := f.do(http.MethodGet, "/api/accounts/work/calendars/workshifts/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", rec.Code)
	}
	var resp eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if resp.Available || len(resp.Events) != 0 {
		t.Fatalf("expected empty unavailable calendar, got %+v", resp)
	}
}

func TestSnapshotAndUserInfo(t *testing.T) {
	f := newFixture(t, nil)
	f.refresh(t)

	rec := f.do(http.MethodGet, "/api/accounts/work/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: expected 200, got %d", rec.Code)
	}
	var snap struct {
		WorkShifts []map[string]any `json:"workshifts"`
		Tasks      []map[string]any `json:"tasks"`
		UTCOffset  string           `json:"utc_offset"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.WorkShifts) != 1 || len(snap.Tasks) != 1 || snap.UTCOffset != "+01:00" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	rec = f.do(http.MethodGet, "/api/accounts/work/userinfo")
	var info userInfoDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode userinfo: %v", err)
	}
	if info.FullName != "Ana García" || info.EmployeeNumber != "123456" || info.CompanyCode != "08" {
		t.Fatalf("unexpected userinfo: %+v", info)
	}
}

func TestEventsWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.refresh(t)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "default_window", query: "", want: 1},
		{name: "covering", query: "?start=2025-03-10T00:00:00Z&end=2025-03-11T00:00:00Z", want: 1},
		{name: "before", query: "?start=2025-03-01T00:00:00Z&end=2025-03-02T00:00:00Z", want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/api/accounts/work/calendars/workshifts/events"+tc.query)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var resp eventsResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Events) != tc.want {
				t.Fatalf("expected %d events, got %d", tc.want, len(resp.Events))
			}
			if tc.want > 0 && resp.Events[0].Start != "2025-03-10T09:00:00+01:00" {
				t.Fatalf("start lost its offset: %s", resp.Events[0].Start)
			}
		})
	}

	if rec := f.do(http.MethodGet, "/api/accounts/work/calendars/workshifts/events?start=yesterday"); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid start: expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/accounts/work/calendars/holidays/events"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown calendar: expected 404, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/accounts/home/calendars/tasks/events"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown account: expected 404, got %d", rec.Code)
	}
}

func TestCurrentEvent(t *testing.T) {
	f := newFixture(t, nil)
	f.refresh(t)

	// 08:30Z is 09:30 in Madrid: inside the 09:00-10:00 task.
	rec := f.do(http.MethodGet, "/api/accounts/work/calendars/tasks/current")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ev eventDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.UID != "task_2025-03-10_P1" || ev.Color != "#00A651" {
		t.Fatalf("unexpected current task: %+v", ev)
	}

	f.server.now = func() time.Time { return fixedNow.Add(12 * time.Hour) }
	if rec := f.do(http.MethodGet, "/api/accounts/work/calendars/tasks/current"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 outside any task, got %d", rec.Code)
	}
}

func TestICSFeed(t *testing.T) {
	f := newFixture(t, nil)
	f.refresh(t)

	rec := f.do(http.MethodGet, "/api/accounts/work/calendars/tasks.ics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("unexpected content type %q", ct)
	}

	cal, err := ical.ParseCalendar(strings.NewReader(rec.Body.String()))
	if err != nil {
		t.Fatalf("parse feed: %v", err)
	}
	events := cal.Events()
	if len(events) != 1 || events[0].Id() != "task_2025-03-10_P1" {
		t.Fatalf("unexpected feed events: %d", len(events))
	}

	if rec := f.do(http.MethodGet, "/api/accounts/work/calendars/tasks"); rec.Code != http.StatusNotFound {
		t.Fatalf("calendar without .ics: expected 404, got %d", rec.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(http.MethodPost, "/api/accounts/work/refresh"); rec.Code != http.StatusNoContent {
		t.Fatalf("refresh: expected 204, got %d", rec.Code)
	}
	if !f.coord.Available() {
		t.Fatalf("expected coordinator to be available after refresh")
	}

	f.fake.Update(func(b *activo2test.Behavior) { b.UserInfoStatus = http.StatusInternalServerError })
	rec := f.do(http.MethodPost, "/api/accounts/work/refresh")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("upstream failure: expected 502, got %d", rec.Code)
	}
	if kind := refreshErrorKind(t, rec); kind != "upstream" {
		t.Fatalf("expected error_kind upstream, got %q", kind)
	}
	if f.coord.Snapshot() == nil {
		t.Fatalf("failed refresh must keep the previous snapshot")
	}

	// The retained snapshot must not be served as current.
	for _, path := range []string{
		"/api/accounts/work/snapshot",
		"/api/accounts/work/userinfo",
		"/api/accounts/work/photo",
		"/api/accounts/work/calendars/workshifts.ics",
		"/api/accounts/work/calendars/tasks/current",
	} {
		if rec := f.do(http.MethodGet, path); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("GET %s while stale: expected 503, got %d", path, rec.Code)
		}
	}
	rec = f.do(http.MethodGet, "/api/accounts/work/calendars/workshifts/events?start=2025-03-10T00:00:00Z&end=2025-03-11T00:00:00Z")
	var events eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if events.Available || len(events.Events) != 0 {
		t.Fatalf("expected empty calendar while stale, got %+v", events)
	}

	f.fake.Update(func(b *activo2test.Behavior) {
		b.UserInfoStatus = 0
		b.Password = "rotated"
	})
	rec = f.do(http.MethodPost, "/api/accounts/work/refresh")
	if rec.Code != http.StatusConflict {
		t.Fatalf("rejected credentials: expected 409, got %d", rec.Code)
	}
	if kind := refreshErrorKind(t, rec); kind != "authentication" {
		t.Fatalf("expected error_kind authentication, got %q", kind)
	}

	rec = f.do(http.MethodGet, "/api/accounts")
	var accounts []accountDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &accounts); err != nil {
		t.Fatalf("decode accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Available || accounts[0].ErrorKind != "authentication" || accounts[0].State != "stale" {
		t.Fatalf("unexpected account status: %+v", accounts)
	}
	if accounts[0].LastSuccess == nil {
		t.Fatalf("last success should survive failures")
	}
}

func TestPhoto(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(http.MethodGet, "/api/accounts/work/photo"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("photo before refresh: expected 503, got %d", rec.Code)
	}

	f.refresh(t)
	rec := f.do(http.MethodGet, "/api/accounts/work/photo")
	if rec.Code != http.StatusOK || rec.Body.String() != "jpeg-bytes" {
		t.Fatalf("unexpected photo response: %d %q", rec.Code, rec.Body.String())
	}

	f.fake.Update(func(b *activo2test.Behavior) { b.Profile.Photo = "" })
	f.refresh(t)
	if rec := f.do(http.MethodGet, "/api/accounts/work/photo"); rec.Code != http.StatusNotFound {
		t.Fatalf("profile without photo: expected 404, got %d", rec.Code)
	}
}

func refreshErrorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body refreshErrorDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode refresh error: %v", err)
	}
	return body.ErrorKind
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	f := newFixture(t, cfg)

	if rec := f.do(http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/accounts"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.SetBasicAuth("admin", "pw")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", rec.Code)
	}
}
