package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"activo2sync/internal/activo2"
	"activo2sync/internal/config"
	"activo2sync/internal/coordinator"
	"activo2sync/internal/ics"
	appLog "activo2sync/internal/log"
	"activo2sync/internal/model"
)

// Calendar names used in URLs.
const (
	CalendarWorkShifts = "workshifts"
	CalendarTasks      = "tasks"
)

// Default window for the events endpoint when start/end are omitted.
const (
	defaultLookback  = 24 * time.Hour
	defaultLookahead = 30 * 24 * time.Hour
)

// Account is the view of a refresh coordinator the server needs.
type Account interface {
	Name() string
	Snapshot() *model.Snapshot
	Available() bool
	State() coordinator.State
	LastError() error
	LastSuccess() time.Time
	RefreshNow(ctx context.Context) error
}

// PhotoFetcher downloads a profile photo.
type PhotoFetcher interface {
	Photo(ctx context.Context, photoURL string) ([]byte, string, error)
}

// Server exposes each account's snapshot as JSON, iCalendar feeds and a
// refresh trigger.
type Server struct {
	cfg      *config.Config
	mux      *http.ServeMux
	accounts map[string]Account
	order    []string
	photos   PhotoFetcher
	now      func() time.Time
}

// NewServer constructs a new Server. photos may be nil, in which case the
// photo endpoint always answers 404.
func NewServer(cfg *config.Config, accounts []Account, photos PhotoFetcher) *Server {
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		accounts: make(map[string]Account, len(accounts)),
		photos:   photos,
		now:      time.Now,
	}
	for _, a := range accounts {
		s.accounts[a.Name()] = a
		s.order = append(s.order, a.Name())
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Half-filled credentials disable auth instead of locking everyone out.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="activo2sync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves s on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
func (s *Server) StartServer(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(appLog.Logger().Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "accounts", len(s.order))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	s.mux.HandleFunc("GET /api/accounts/{name}/snapshot", s.withAccount(s.handleSnapshot))
	s.mux.HandleFunc("GET /api/accounts/{name}/userinfo", s.withAccount(s.handleUserInfo))
	s.mux.HandleFunc("GET /api/accounts/{name}/photo", s.withAccount(s.handlePhoto))
	s.mux.HandleFunc("GET /api/accounts/{name}/calendars/{calendar}", s.withAccount(s.handleICS))
	s.mux.HandleFunc("GET /api/accounts/{name}/calendars/{calendar}/events", s.withAccount(s.handleEvents))
	s.mux.HandleFunc("GET /api/accounts/{name}/calendars/{calendar}/current", s.withAccount(s.handleCurrent))
	s.mux.HandleFunc("POST /api/accounts/{name}/refresh", s.withAccount(s.handleRefresh))
}

func (s *Server) withAccount(h func(http.ResponseWriter, *http.Request, Account)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, ok := s.accounts[r.PathValue("name")]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown account")
			return
		}
		h(w, r, acc)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// accountDTO is the JSON shape of one entry in /api/accounts.
type accountDTO struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Available   bool       `json:"available"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	out := make([]accountDTO, 0, len(s.order))
	for _, name := range s.order {
		acc := s.accounts[name]
		dto := accountDTO{
			Name:      name,
			State:     acc.State().String(),
			Available: acc.Available(),
		}
		if ts := acc.LastSuccess(); !ts.IsZero() {
			dto.LastSuccess = &ts
		}
		if err := acc.LastError(); err != nil {
			dto.LastError = err.Error()
			dto.ErrorKind = activo2.ErrorKind(err)
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request, acc Account) {
	snap, ok := available(w, acc)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// userInfoDTO is the JSON shape of /userinfo: the profile plus the values
// derived from it.
type userInfoDTO struct {
	UserID         string            `json:"userid"`
	FullName       string            `json:"fullname"`
	PhotoURL       string            `json:"photourl"`
	EmployeeNumber string            `json:"employee_number"`
	CompanyCode    string            `json:"company_code"`
	UTCOffset      string            `json:"utc_offset"`
	Profile        model.UserProfile `json:"profile"`
}

func (s *Server) handleUserInfo(w http.ResponseWriter, _ *http.Request, acc Account) {
	snap, ok := available(w, acc)
	if !ok {
		return
	}
	u := snap.UserInfo
	writeJSON(w, http.StatusOK, userInfoDTO{
		UserID:         u.UserID,
		FullName:       u.FullName(),
		PhotoURL:       u.Photo,
		EmployeeNumber: u.EmployeeNumber(),
		CompanyCode:    u.CompanyCode(),
		UTCOffset:      snap.UTCOffset,
		Profile:        u,
	})
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request, acc Account) {
	snap, ok := available(w, acc)
	if !ok {
		return
	}
	if s.photos == nil || strings.TrimSpace(snap.UserInfo.Photo) == "" {
		writeError(w, http.StatusNotFound, "no photo")
		return
	}

	body, contentType, err := s.photos.Photo(r.Context(), snap.UserInfo.Photo)
	if err != nil {
		appLog.Error("api photo: fetch failed", err, "account", acc.Name())
		writeError(w, http.StatusBadGateway, "photo unavailable")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// eventDTO is the JSON shape of one calendar event.
type eventDTO struct {
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Color       string `json:"color,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// eventsResponse is the JSON response shape for the events endpoint.
type eventsResponse struct {
	Calendar   string     `json:"calendar"`
	Available  bool       `json:"available"`
	RangeStart time.Time  `json:"range_start"`
	RangeEnd   time.Time  `json:"range_end"`
	Events     []eventDTO `json:"events"`
}

// handleEvents returns events overlapping a requested time window.
//
// GET /api/accounts/{name}/calendars/{calendar}/events?start=&end=
//   - start, end: RFC 3339 instants (default now-1d and now+30d)
//
// While the account is unavailable the list is empty.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, acc Account) {
	calendar := r.PathValue("calendar")
	if !validCalendar(calendar) {
		writeError(w, http.StatusNotFound, "unknown calendar")
		return
	}

	now := s.now()
	q := r.URL.Query()
	start, err := parseTimeDefault(q.Get("start"), now.Add(-defaultLookback))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start")
		return
	}
	end, err := parseTimeDefault(q.Get("end"), now.Add(defaultLookahead))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end")
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end before start")
		return
	}

	resp := eventsResponse{
		Calendar:   calendar,
		Available:  acc.Available(),
		RangeStart: start,
		RangeEnd:   end,
		Events:     []eventDTO{},
	}
	if resp.Available {
		entries := calendarEntries(acc.Snapshot(), calendar)
		for _, e := range entries {
			if !ics.Overlaps(e.Event, start, end) {
				continue
			}
			resp.Events = append(resp.Events, toDTO(e))
		}
	}

	appLog.Debug("api events request",
		"account", acc.Name(),
		"calendar", calendar,
		"range_start", start.Format(time.RFC3339),
		"range_end", end.Format(time.RFC3339),
		"count", len(resp.Events),
	)
	writeJSON(w, http.StatusOK, resp)
}

// handleCurrent returns the event in progress, or 204 when there is none.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request, acc Account) {
	calendar := r.PathValue("calendar")
	if !validCalendar(calendar) {
		writeError(w, http.StatusNotFound, "unknown calendar")
		return
	}
	snap, ok := available(w, acc)
	if !ok {
		return
	}

	entries := calendarEntries(snap, calendar)
	events := make([]model.Event, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}
	ev, found := ics.Current(events, s.now())
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for _, e := range entries {
		if e.UID == ev.UID && e.Start.Equal(ev.Start) {
			writeJSON(w, http.StatusOK, toDTO(e))
			return
		}
	}
	writeJSON(w, http.StatusOK, toDTO(ics.Entry{Event: ev}))
}

// handleICS serves /calendars/{calendar}.ics.
func (s *Server) handleICS(w http.ResponseWriter, r *http.Request, acc Account) {
	calendar, isICS := strings.CutSuffix(r.PathValue("calendar"), ".ics")
	if !isICS || !validCalendar(calendar) {
		writeError(w, http.StatusNotFound, "unknown calendar")
		return
	}
	snap, ok := available(w, acc)
	if !ok {
		return
	}

	body := ics.Serialize(calendarTitle(acc.Name(), calendar), calendarEntries(snap, calendar), snap.FetchedAt)
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s-%s.ics"`, acc.Name(), calendar))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// handleRefresh triggers an on-demand refresh and waits for its outcome.
// Rejected vendor credentials answer 409 so they cannot be mistaken for a
// failed basic auth challenge.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, acc Account) {
	err := acc.RefreshNow(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, activo2.ErrAuthentication):
		writeRefreshError(w, http.StatusConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeRefreshError(w, http.StatusServiceUnavailable, err)
	default:
		writeRefreshError(w, http.StatusBadGateway, err)
	}
}

// refreshErrorDTO is the body of a failed refresh.
type refreshErrorDTO struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

func writeRefreshError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, refreshErrorDTO{Error: err.Error(), ErrorKind: activo2.ErrorKind(err)})
}

// available writes a 503 and returns false when acc has no current
// snapshot.
func available(w http.ResponseWriter, acc Account) (*model.Snapshot, bool) {
	snap := acc.Snapshot()
	if !acc.Available() || snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, struct {
			Error string `json:"error"`
			State string `json:"state"`
		}{Error: "unavailable", State: acc.State().String()})
		return nil, false
	}
	return snap, true
}

func validCalendar(name string) bool {
	return name == CalendarWorkShifts || name == CalendarTasks
}

func calendarEntries(snap *model.Snapshot, calendar string) []ics.Entry {
	if snap == nil {
		return nil
	}
	if calendar == CalendarTasks {
		return ics.TaskEntries(snap.Tasks)
	}
	return ics.WorkShiftEntries(snap.WorkShifts)
}

func calendarTitle(account, calendar string) string {
	if calendar == CalendarTasks {
		return "Activo2 tasks (" + account + ")"
	}
	return "Activo2 work shifts (" + account + ")"
}

func toDTO(e ics.Entry) eventDTO {
	return eventDTO{
		UID:         e.UID,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start.Format(model.TimestampLayout),
		End:         e.End.Format(model.TimestampLayout),
		Color:       e.Color,
		Priority:    e.Priority,
	}
}

func parseTimeDefault(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
