// Package coordinator owns the refresh lifecycle of one Activo2 account:
// scheduled and on-demand refreshes, single-flight, staleness tracking and
// subscriber notification.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"activo2sync/internal/activo2"
	appLog "activo2sync/internal/log"
	"activo2sync/internal/model"
	"activo2sync/internal/schedule"
)

// DefaultSchedule matches the vendor-friendly hourly poll.
const DefaultSchedule = "@every 60m"

// State is the externally observable refresh state.
type State int

const (
	// StateIdle: the last refresh succeeded (or none has run yet).
	StateIdle State = iota
	// StateStale: the last refresh failed; any snapshot held is outdated.
	StateStale
	// StateRefreshing: a refresh is in flight.
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStale:
		return "stale"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Vendor is the subset of the Activo2 client the coordinator drives.
type Vendor interface {
	Login(ctx context.Context, username, password string) (string, bool, error)
	UserInfo(ctx context.Context, token string) (model.UserProfile, error)
	Schedule(ctx context.Context, token string) (activo2.ScheduleResponse, error)
}

// Update is delivered to subscribers after every snapshot replacement or
// failed refresh.
type Update struct {
	Name     string
	State    State
	Snapshot *model.Snapshot // latest good snapshot, possibly nil
	Err      error           // nil on success
}

// Options configures a Coordinator.
type Options struct {
	// Name identifies the account in logs and URLs.
	Name     string
	Username string
	Password string

	// Schedule is a cron spec for periodic refreshes. Empty means
	// DefaultSchedule.
	Schedule string

	// Now overrides the clock used for offsets and timestamps.
	Now func() time.Time
}

type listener struct {
	id uint64
	fn func(Update)
}

// Coordinator refreshes one account's snapshot. Create one per credential
// pair; instances share nothing.
type Coordinator struct {
	name     string
	username string
	password string
	spec     string
	vendor   Vendor
	now      func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	base        context.Context
	state       State
	snapshot    *model.Snapshot
	lastOK      bool
	lastErr     error
	lastSuccess time.Time
	authFailed  bool
	listeners   []listener
	nextID      uint64
	cron        *cron.Cron
}

// New validates opts and returns an idle Coordinator with no snapshot.
func New(vendor Vendor, opts Options) (*Coordinator, error) {
	if vendor == nil {
		return nil, errors.New("coordinator: vendor is nil")
	}
	if opts.Name == "" {
		return nil, errors.New("coordinator: name is empty")
	}
	if opts.Username == "" || opts.Password == "" {
		return nil, fmt.Errorf("coordinator %s: username and password are required", opts.Name)
	}

	spec := opts.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("coordinator %s: invalid schedule %q: %w", opts.Name, spec, err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		name:     opts.Name,
		username: opts.Username,
		password: opts.Password,
		spec:     spec,
		vendor:   vendor,
		now:      now,
		base:     context.Background(),
		state:    StateIdle,
	}, nil
}

// Name returns the account name.
func (c *Coordinator) Name() string { return c.name }

// Snapshot returns the latest good snapshot, or nil if none exists. Check
// Available before presenting it as current.
func (c *Coordinator) Snapshot() *model.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Available reports whether the last refresh succeeded and a snapshot
// exists.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastOK && c.snapshot != nil
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError is the error of the last refresh, nil after a success.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Coordinator) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// Subscribe registers fn for updates. Listeners run synchronously on the
// refreshing goroutine and must not block. The returned func unsubscribes.
func (c *Coordinator) Subscribe(fn func(Update)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// RefreshNow runs a refresh, or joins the one already in flight, and
// returns its result. If ctx ends first RefreshNow returns ctx.Err() while
// the refresh itself carries on.
func (c *Coordinator) RefreshNow(ctx context.Context) error {
	c.mu.RLock()
	base := c.base
	c.mu.RUnlock()

	ch := c.group.DoChan("refresh", func() (any, error) {
		return nil, c.run(base)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start schedules periodic refreshes until ctx is canceled or Stop is
// called. Refreshes run under ctx.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cron != nil {
		return fmt.Errorf("coordinator %s: already started", c.name)
	}

	logger := cronLogger{name: c.name}
	cr := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	if _, err := cr.AddFunc(c.spec, func() { c.tick(ctx) }); err != nil {
		return fmt.Errorf("coordinator %s: schedule: %w", c.name, err)
	}

	c.base = ctx
	c.cron = cr
	cr.Start()

	appLog.Info("coordinator scheduled", "account", c.name, "schedule", c.spec)
	return nil
}

// Stop halts the schedule and waits for a running scheduled refresh to
// finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()

	if cr == nil {
		return
	}
	<-cr.Stop().Done()
	appLog.Info("coordinator stopped", "account", c.name)
}

// tick is the scheduled refresh. Rejected credentials need the user, so
// ticks are skipped until an on-demand refresh succeeds.
func (c *Coordinator) tick(ctx context.Context) {
	c.mu.RLock()
	authFailed := c.authFailed
	c.mu.RUnlock()

	if authFailed {
		appLog.Warn("skipping scheduled refresh; credentials were rejected", "account", c.name)
		return
	}

	// Failures are already logged and recorded by run.
	_ = c.RefreshNow(ctx)
}

// run performs one refresh cycle and records its outcome. It is only ever
// called through the singleflight group.
func (c *Coordinator) run(ctx context.Context) error {
	cycle := uuid.NewString()
	started := c.now()

	c.mu.Lock()
	c.state = StateRefreshing
	c.mu.Unlock()

	appLog.Debug("refresh start", "account", c.name, "cycle", cycle)

	snap, err := c.fetch(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = StateStale
		c.lastOK = false
		c.lastErr = err
		c.authFailed = errors.Is(err, activo2.ErrAuthentication)
	} else {
		c.snapshot = snap
		c.state = StateIdle
		c.lastOK = true
		c.lastErr = nil
		c.lastSuccess = snap.FetchedAt
		c.authFailed = false
	}
	update := Update{Name: c.name, State: c.state, Snapshot: c.snapshot, Err: err}
	listeners := make([]listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	if err != nil {
		appLog.Error("refresh failed", err,
			"account", c.name,
			"cycle", cycle,
			"error_kind", activo2.ErrorKind(err),
			"elapsed", c.now().Sub(started),
		)
	} else {
		appLog.Info("refresh success",
			"account", c.name,
			"cycle", cycle,
			"workshifts", len(snap.WorkShifts),
			"tasks", len(snap.Tasks),
			"utc_offset", snap.UTCOffset,
			"elapsed", c.now().Sub(started),
		)
	}

	for _, l := range listeners {
		l.fn(update)
	}
	return err
}

// fetch runs login, user info, schedule and flatten in order.
func (c *Coordinator) fetch(ctx context.Context) (*model.Snapshot, error) {
	token, ok, err := c.vendor.Login(ctx, c.username, c.password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w for username %s", activo2.ErrAuthentication, c.username)
	}

	profile, err := c.vendor.UserInfo(ctx, token)
	if err != nil {
		return nil, err
	}

	tree, err := c.vendor.Schedule(ctx, token)
	if err != nil {
		return nil, err
	}

	now := c.now()
	offset := schedule.OffsetForCompany(profile.CompanyCode(), now)
	workshifts, tasks := schedule.Flatten(tree, offset)

	return &model.Snapshot{
		UserInfo:   profile,
		WorkShifts: workshifts,
		Tasks:      tasks,
		UTCOffset:  offset,
		FetchedAt:  now,
	}, nil
}

// cronLogger routes cron's own logging through the app logger.
type cronLogger struct {
	name string
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, append([]any{"account", l.name}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, append([]any{"account", l.name}, keysAndValues...)...)
}
