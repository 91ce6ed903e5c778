// Package activo2test provides an in-process fake of the Activo2 endpoints
// for tests.
package activo2test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"activo2sync/internal/activo2"
	"activo2sync/internal/model"
)

const (
	ClientID = "test-client-id"
	Prefix   = `test.realm\`
	Token    = "test-id-token"
)

// Behavior controls how the fake answers. Zero statuses mean 200.
type Behavior struct {
	Username string
	Password string

	LoginStatus    int
	UserInfoStatus int
	ScheduleStatus int

	// Raw bodies override the encoded Profile/Schedule when set.
	UserInfoBody string
	ScheduleBody string

	Profile  model.UserProfile
	Schedule activo2.ScheduleResponse

	Photo []byte

	// LoginGate, when non-nil, holds every login until it is closed.
	LoginGate chan struct{}
}

// Server is a fake Activo2 deployment.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	behavior Behavior

	lastForm    url.Values
	lastHeaders http.Header

	loginCalls    atomic.Int32
	userInfoCalls atomic.Int32
	scheduleCalls atomic.Int32

	// LoginStarted receives one value per login request, if a reader is
	// waiting.
	LoginStarted chan struct{}
}

// NewServer starts a fake accepting user/secret with a default profile and
// an empty schedule. It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		behavior: Behavior{
			Username: "user",
			Password: "secret",
			Profile: model.UserProfile{
				UserID:         "u-1",
				Name:           "Ana",
				LastName:       "García",
				Email:          "ana@example.com",
				CompanyCodeRaw: "08",
				Companies: []model.Company{
					{Code: "08", Name: "Mercadona", EmployeeNumber: "123456", Active: true},
				},
			},
		},
		LoginStarted: make(chan struct{}, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /adfs/oauth2/token/", s.handleToken)
	mux.HandleFunc("POST /user/info", s.handleUserInfo)
	mux.HandleFunc("GET /mot/v2/schedule", s.handleSchedule)
	mux.HandleFunc("GET /photo.jpg", s.handlePhoto)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Endpoints points an activo2.Client at this fake.
func (s *Server) Endpoints() activo2.Endpoints {
	return activo2.Endpoints{
		TokenURL:       s.URL + "/adfs/oauth2/token/",
		UserInfoURL:    s.URL + "/user/info",
		ScheduleURL:    s.URL + "/mot/v2/schedule?lang=es",
		ClientID:       ClientID,
		UsernamePrefix: Prefix,
	}
}

// PhotoURL is where the fake serves Behavior.Photo.
func (s *Server) PhotoURL() string {
	return s.URL + "/photo.jpg"
}

// Update changes the fake's behavior under its lock.
func (s *Server) Update(fn func(b *Behavior)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.behavior)
}

func (s *Server) snapshot() Behavior {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.behavior
}

// LastForm is the form of the most recent login request.
func (s *Server) LastForm() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastForm
}

// LastHeaders are the headers of the most recent request.
func (s *Server) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders
}

func (s *Server) LoginCalls() int    { return int(s.loginCalls.Load()) }
func (s *Server) UserInfoCalls() int { return int(s.userInfoCalls.Load()) }
func (s *Server) ScheduleCalls() int { return int(s.scheduleCalls.Load()) }

func (s *Server) record(r *http.Request) {
	s.mu.Lock()
	s.lastHeaders = r.Header.Clone()
	s.mu.Unlock()
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)
	s.record(r)
	select {
	case s.LoginStarted <- struct{}{}:
	default:
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.lastForm = r.PostForm
	s.mu.Unlock()

	b := s.snapshot()
	if b.LoginGate != nil {
		<-b.LoginGate
	}

	if b.LoginStatus != 0 && b.LoginStatus != http.StatusOK {
		http.Error(w, `{"error":"invalid_grant"}`, b.LoginStatus)
		return
	}

	user := strings.TrimPrefix(r.PostForm.Get("username"), Prefix)
	if user != b.Username || r.PostForm.Get("password") != b.Password {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"MSIS9659: Invalid 'username' or 'password'."}`))
		return
	}

	writeJSON(w, map[string]string{"id_token": Token, "token_type": "bearer"})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	s.userInfoCalls.Add(1)
	s.record(r)
	if !s.authorized(w, r) {
		return
	}

	b := s.snapshot()
	if b.UserInfoStatus != 0 && b.UserInfoStatus != http.StatusOK {
		http.Error(w, "userinfo unavailable", b.UserInfoStatus)
		return
	}
	if b.UserInfoBody != "" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(b.UserInfoBody))
		return
	}
	writeJSON(w, b.Profile)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduleCalls.Add(1)
	s.record(r)
	if !s.authorized(w, r) {
		return
	}
	if r.URL.Query().Get("lang") != "es" {
		http.Error(w, "missing lang", http.StatusBadRequest)
		return
	}

	b := s.snapshot()
	if b.ScheduleStatus != 0 && b.ScheduleStatus != http.StatusOK {
		http.Error(w, "schedule unavailable", b.ScheduleStatus)
		return
	}
	if b.ScheduleBody != "" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(b.ScheduleBody))
		return
	}
	writeJSON(w, b.Schedule)
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	b := s.snapshot()
	if len(b.Photo) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(b.Photo)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// OneShiftSchedule builds a one-day schedule with a single detail and task.
func OneShiftSchedule(date, start, end, taskStart, taskEnd, processID string) activo2.ScheduleResponse {
	return activo2.ScheduleResponse{
		StartMonday: true,
		Months: []activo2.Month{{
			YearLabel:   date[:4],
			MonthNumber: date[5:7],
			Weeks: []activo2.Week{{
				WeekNumber: "1",
				Days: []activo2.Day{{
					Date:     date,
					HasTasks: true,
					Detail: []activo2.Detail{{
						Store:    activo2.Store{CodeLabel: "4321", Name: "Valencia Centro"},
						Schedule: activo2.Schedule{Start: start, End: end, Total: "8:00"},
						TaskList: []activo2.Task{{
							ProcessID:   processID,
							Name:        "Reposición",
							Description: "Reposición de lineal",
							Colour:      "#00A651",
							Priority:    "1",
							StartHour:   taskStart,
							EndHour:     taskEnd,
						}},
					}},
				}},
			}},
		}},
	}
}
