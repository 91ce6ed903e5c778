package model

import (
	"strings"
	"time"
)

// TimestampLayout is the text form of every event timestamp. The offset is
// always numeric so +00:00 (Lisbon in winter) never collapses to "Z".
const TimestampLayout = "2006-01-02T15:04:05-07:00"

// UnknownEmployeeNumber is reported when no company affiliation is active.
const UnknownEmployeeNumber = "unknown"

// Company is one company affiliation of an Activo2 user.
type Company struct {
	Code           string `json:"code"`
	Name           string `json:"name"`
	EmployeeNumber string `json:"employee_number"`
	Active         bool   `json:"active"`
}

// UserProfile mirrors the vendor's user-info payload.
type UserProfile struct {
	UserID        string `json:"userid"`
	Name          string `json:"name"`
	LastName      string `json:"lastname"`
	Email         string `json:"email"`
	Alias         string `json:"alias"`
	Photo         string `json:"photo"`
	IsNewEmployee bool   `json:"is_new_employee"`

	Company          string `json:"company"`
	CompanyCodeRaw   string `json:"cod_company"`
	Department       string `json:"department"`
	DepartmentCode   string `json:"cod_department"`
	DivisionZone     string `json:"division_zone"`
	DivisionZoneCode string `json:"cod_division_zone"`
	Store            string `json:"store"`
	StoreCode        string `json:"cod_store"`
	Region           string `json:"region"`
	RegionCode       string `json:"cod_region"`
	City             string `json:"city"`
	CityCode         string `json:"cod_city"`
	Province         string `json:"province"`
	ProvinceCode     string `json:"cod_province"`

	Companies []Company `json:"companies"`

	LanguageCode    string `json:"language_code"`
	LanguageName    string `json:"language_name"`
	LanguageCountry string `json:"language_country"`

	External       bool   `json:"external"`
	Banned         bool   `json:"banned"`
	InternalUserID string `json:"internal_user_id"`
}

// FullName joins name and last name the way the vendor UI shows it.
func (u UserProfile) FullName() string {
	return strings.TrimSpace(u.Name + " " + u.LastName)
}

// ActiveCompany returns the first affiliation flagged active.
func (u UserProfile) ActiveCompany() (Company, bool) {
	for _, c := range u.Companies {
		if c.Active {
			return c, true
		}
	}
	return Company{}, false
}

// EmployeeNumber is the employee number at the active company, or
// UnknownEmployeeNumber.
func (u UserProfile) EmployeeNumber() string {
	c, ok := u.ActiveCompany()
	if !ok || c.EmployeeNumber == "" {
		return UnknownEmployeeNumber
	}
	return c.EmployeeNumber
}

// CompanyCode is the code used to pick the schedule timezone. cod_company
// wins; the active affiliation is the fallback.
func (u UserProfile) CompanyCode() string {
	if code := strings.TrimSpace(u.CompanyCodeRaw); code != "" {
		return code
	}
	if c, ok := u.ActiveCompany(); ok {
		return strings.TrimSpace(c.Code)
	}
	return ""
}

// WorkShiftEvent is one worked shift at a store on a given date.
type WorkShiftEvent struct {
	UID             string `json:"uid"`
	Summary         string `json:"summary"`
	Start           string `json:"start"`
	End             string `json:"end"`
	Location        string `json:"location"`
	Description     string `json:"description"`
	NightShift      bool   `json:"night_shift"`
	NightShiftLabel string `json:"night_shift_label"`
}

// TaskEvent is one task slot inside a work shift.
type TaskEvent struct {
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Priority    string `json:"priority"`
}

// Event is the calendar-neutral view shared by both event kinds. The
// presentation layer filters and exports through it.
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
}

// Event converts a work shift into its calendar-neutral form.
func (w WorkShiftEvent) Event() (Event, error) {
	return newEvent(w.UID, w.Summary, w.Description, w.Location, w.Start, w.End)
}

// Event converts a task into its calendar-neutral form.
func (t TaskEvent) Event() (Event, error) {
	return newEvent(t.UID, t.Summary, t.Description, t.Location, t.Start, t.End)
}

func newEvent(uid, summary, description, location, start, end string) (Event, error) {
	s, err := time.Parse(TimestampLayout, start)
	if err != nil {
		return Event{}, err
	}
	e, err := time.Parse(TimestampLayout, end)
	if err != nil {
		return Event{}, err
	}
	return Event{
		UID:         uid,
		Summary:     summary,
		Description: description,
		Location:    location,
		Start:       s,
		End:         e,
	}, nil
}

// Snapshot is the immutable result of one successful refresh cycle.
// Holders must not modify it; the coordinator replaces it wholesale.
type Snapshot struct {
	UserInfo   UserProfile      `json:"userinfo"`
	WorkShifts []WorkShiftEvent `json:"workshifts"`
	Tasks      []TaskEvent      `json:"tasks"`

	UTCOffset string    `json:"utc_offset"`
	FetchedAt time.Time `json:"fetched_at"`
}
