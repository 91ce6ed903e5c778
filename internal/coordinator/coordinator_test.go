package coordinator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"activo2sync/internal/activo2"
	"activo2sync/internal/activo2/activo2test"
)

var fixedNow = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T, fake *activo2test.Server, password string) *Coordinator {
	t.Helper()

	c, err := New(activo2.NewClient(fake.Endpoints(), nil), Options{
		Name:     "test",
		Username: "user",
		Password: password,
		Now:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestRefresh_SingleShiftAndTask(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	fake.Update(func(b *activo2test.Behavior) {
		b.Schedule = activo2test.OneShiftSchedule("2025-03-10", "09:00", "17:00", "09:00", "10:00", "P1")
	})
	c := newTestCoordinator(t, fake, "secret")

	if err := c.RefreshNow(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := c.Snapshot()
	if snap == nil {
		t.Fatalf("expected snapshot")
	}
	if !c.Available() || c.State() != StateIdle {
		t.Fatalf("expected available idle coordinator, got state %s", c.State())
	}
	if len(snap.WorkShifts) != 1 || len(snap.Tasks) != 1 {
		t.Fatalf("expected 1 workshift and 1 task, got %d and %d", len(snap.WorkShifts), len(snap.Tasks))
	}

	// Company 08 in March before the DST switch: Madrid is at +01:00.
	ws := snap.WorkShifts[0]
	if ws.UID != "workshift_2025-03-10" || ws.Start != "2025-03-10T09:00:00+01:00" || ws.End != "2025-03-10T17:00:00+01:00" {
		t.Fatalf("unexpected workshift: %+v", ws)
	}
	task := snap.Tasks[0]
	if task.UID != "task_2025-03-10_P1" || task.Start != "2025-03-10T09:00:00+01:00" || task.End != "2025-03-10T10:00:00+01:00" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if snap.UserInfo.UserID != "u-1" || snap.UTCOffset != "+01:00" || !snap.FetchedAt.Equal(fixedNow) {
		t.Fatalf("unexpected snapshot metadata: %+v", snap)
	}
	if !c.LastSuccess().Equal(fixedNow) {
		t.Fatalf("last success not recorded: %v", c.LastSuccess())
	}
}

func TestRefresh_AuthenticationFailure(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	c := newTestCoordinator(t, fake, "wrong")

	err := c.RefreshNow(context.Background())
	if !errors.Is(err, activo2.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if c.State() != StateStale || c.Available() || c.Snapshot() != nil {
		t.Fatalf("expected stale coordinator without snapshot, state=%s", c.State())
	}
	if !errors.Is(c.LastError(), activo2.ErrAuthentication) {
		t.Fatalf("last error not recorded: %v", c.LastError())
	}
	if fake.UserInfoCalls() != 0 || fake.ScheduleCalls() != 0 {
		t.Fatalf("no data calls expected after failed login")
	}
}

func TestRefresh_FailureKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	c := newTestCoordinator(t, fake, "secret")

	if err := c.RefreshNow(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	first := c.Snapshot()

	fake.Update(func(b *activo2test.Behavior) { b.Password = "rotated" })
	if err := c.RefreshNow(context.Background()); !errors.Is(err, activo2.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if c.Snapshot() != first {
		t.Fatalf("snapshot must be retained after a failed refresh")
	}
	if c.Available() {
		t.Fatalf("coordinator must be unavailable while stale")
	}

	fake.Update(func(b *activo2test.Behavior) { b.UserInfoStatus = http.StatusServiceUnavailable; b.Password = "secret" })
	if err := c.RefreshNow(context.Background()); !errors.Is(err, activo2.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if c.Snapshot() != first || c.State() != StateStale {
		t.Fatalf("snapshot must be retained after an upstream failure")
	}
}

func TestRefresh_ScheduleErrorYieldsEmptyEvents(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	fake.Update(func(b *activo2test.Behavior) { b.ScheduleStatus = http.StatusInternalServerError })
	c := newTestCoordinator(t, fake, "secret")

	if err := c.RefreshNow(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := c.Snapshot()
	if snap.UserInfo.FullName() != "Ana García" {
		t.Fatalf("userinfo missing: %+v", snap.UserInfo)
	}
	if snap.WorkShifts == nil || snap.Tasks == nil || len(snap.WorkShifts) != 0 || len(snap.Tasks) != 0 {
		t.Fatalf("expected empty event lists, got %v and %v", snap.WorkShifts, snap.Tasks)
	}
	if !c.Available() {
		t.Fatalf("schedule failure must not make the coordinator unavailable")
	}
}

func TestRefresh_DayWithoutTasksContributesNothing(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	fake.Update(func(b *activo2test.Behavior) {
		tree := activo2test.OneShiftSchedule("2025-03-10", "09:00", "17:00", "09:00", "10:00", "P1")
		tree.Months[0].Weeks[0].Days[0].HasTasks = false
		b.Schedule = tree
	})
	c := newTestCoordinator(t, fake, "secret")

	if err := c.RefreshNow(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := c.Snapshot()
	if len(snap.WorkShifts) != 0 || len(snap.Tasks) != 0 {
		t.Fatalf("expected no events, got %d and %d", len(snap.WorkShifts), len(snap.Tasks))
	}
}

func TestRefresh_TransportFailure(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	c := newTestCoordinator(t, fake, "secret")
	fake.Close()

	err := c.RefreshNow(context.Background())
	if !errors.Is(err, activo2.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if c.State() != StateStale || c.Available() {
		t.Fatalf("expected stale coordinator")
	}

	// Transport failures are transient; scheduled ticks keep running.
	c.mu.RLock()
	authFailed := c.authFailed
	c.mu.RUnlock()
	if authFailed {
		t.Fatalf("transport failure must not pause the schedule")
	}
}

func TestRefreshNow_SingleFlight(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	gate := make(chan struct{})
	fake.Update(func(b *activo2test.Behavior) { b.LoginGate = gate })
	c := newTestCoordinator(t, fake, "secret")

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = c.RefreshNow(context.Background())
	}()

	select {
	case <-fake.LoginStarted:
	case <-time.After(5 * time.Second):
		close(gate)
		t.Fatalf("login never started")
	}
	if c.State() != StateRefreshing {
		t.Fatalf("expected refreshing state, got %s", c.State())
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = c.RefreshNow(context.Background())
	}()

	// Give the second caller time to join the in-flight refresh.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := fake.LoginCalls(); got != 1 {
		t.Fatalf("expected exactly 1 login, got %d", got)
	}
}

func TestRefreshNow_CallerContextCanceled(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	gate := make(chan struct{})
	fake.Update(func(b *activo2test.Behavior) { b.LoginGate = gate })
	c := newTestCoordinator(t, fake, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RefreshNow(ctx) }()

	<-fake.LoginStarted
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The shared refresh keeps going and still lands.
	close(gate)
	if err := c.RefreshNow(context.Background()); err != nil {
		t.Fatalf("follow-up refresh: %v", err)
	}
	if !c.Available() {
		t.Fatalf("expected snapshot after follow-up refresh")
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	c := newTestCoordinator(t, fake, "secret")

	var mu sync.Mutex
	var updates []Update
	unsubscribe := c.Subscribe(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	if err := c.RefreshNow(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	fake.Update(func(b *activo2test.Behavior) { b.Password = "rotated" })
	_ = c.RefreshNow(context.Background())

	unsubscribe()
	_ = c.RefreshNow(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].Err != nil || updates[0].State != StateIdle || updates[0].Snapshot == nil {
		t.Fatalf("unexpected success update: %+v", updates[0])
	}
	if !errors.Is(updates[1].Err, activo2.ErrAuthentication) || updates[1].State != StateStale {
		t.Fatalf("unexpected failure update: %+v", updates[1])
	}
	if updates[1].Snapshot != updates[0].Snapshot {
		t.Fatalf("failure update must carry the retained snapshot")
	}
}

func TestTick_PausedAfterAuthenticationFailure(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	c := newTestCoordinator(t, fake, "secret")
	fake.Update(func(b *activo2test.Behavior) { b.Password = "rotated" })

	c.tick(context.Background())
	if fake.LoginCalls() != 1 {
		t.Fatalf("expected first tick to log in, got %d logins", fake.LoginCalls())
	}

	c.tick(context.Background())
	if fake.LoginCalls() != 1 {
		t.Fatalf("tick must be skipped after rejected credentials, got %d logins", fake.LoginCalls())
	}

	fake.Update(func(b *activo2test.Behavior) { b.Password = "secret" })
	if err := c.RefreshNow(context.Background()); err != nil {
		t.Fatalf("manual refresh: %v", err)
	}
	c.tick(context.Background())
	if fake.LoginCalls() != 3 {
		t.Fatalf("ticks must resume after a successful refresh, got %d logins", fake.LoginCalls())
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	client := activo2.NewClient(fake.Endpoints(), nil)

	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing_name", opts: Options{Username: "u", Password: "p"}},
		{name: "missing_password", opts: Options{Name: "n", Username: "u"}},
		{name: "bad_schedule", opts: Options{Name: "n", Username: "u", Password: "p", Schedule: "every hour"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(client, tc.opts); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := New(nil, Options{Name: "n", Username: "u", Password: "p"}); err == nil {
		t.Fatalf("expected error for nil vendor")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	fake := activo2test.NewServer(t)
	c := newTestCoordinator(t, fake, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Fatalf("second start must fail")
	}
	c.Stop()
	c.Stop()
}
