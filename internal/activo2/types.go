package activo2

// ScheduleResponse is the root of the vendor's schedule tree:
// months, weeks, days, then per-day details.
type ScheduleResponse struct {
	StartMonday bool    `json:"startMonday"`
	Months      []Month `json:"months"`
}

type Month struct {
	YearLabel   string `json:"yearLabel"`
	MonthLabel  string `json:"monthLabel"`
	MonthNumber string `json:"monthNumber"`
	Weeks       []Week `json:"weeks"`
}

type Week struct {
	WeekLabel  string `json:"weekLabel"`
	WeekNumber string `json:"weekNumber"`
	TotalHours string `json:"totalHours"`
	Days       []Day  `json:"days"`
}

// Day is one calendar day. Only days with HasTasks set carry usable details.
type Day struct {
	DayLabel string   `json:"dayLabel"`
	Date     string   `json:"date"`
	DayName  string   `json:"dayName"`
	DayType  DayType  `json:"dayType"`
	HasTasks bool     `json:"hasTasks"`
	Detail   []Detail `json:"detail"`
}

type DayType struct {
	IDs             []string `json:"ids"`
	Name            string   `json:"name"`
	PrimaryColour   string   `json:"primaryColour"`
	SecondaryColour string   `json:"secondaryColour"`
	IsWorkingDay    bool     `json:"isWorkingDay"`
}

// Detail pairs a store, the shift worked there and the tasks inside it.
type Detail struct {
	Store    Store    `json:"store"`
	Schedule Schedule `json:"schedule"`
	TaskList []Task   `json:"taskList"`
}

type Store struct {
	CodeLabel string `json:"codeLabel"`
	Name      string `json:"name"`
}

// Schedule holds "HH:MM" shift bounds and the worked total.
type Schedule struct {
	Start           string `json:"start"`
	End             string `json:"end"`
	Total           string `json:"total"`
	NightShift      bool   `json:"nightShift"`
	NightShiftLabel string `json:"nightShiftLabel"`
}

type Task struct {
	ProcessID        string `json:"processId"`
	Colour           string `json:"colour"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	ShortDescription string `json:"shortDescription"`
	Abbreviation     string `json:"abbreviation"`
	Priority         string `json:"priority"`
	StartHour        string `json:"startHour"`
	EndHour          string `json:"endHour"`
}

type tokenResponse struct {
	IDToken string `json:"id_token"`
}
