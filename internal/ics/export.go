package ics

import (
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "activo2sync/internal/log"
	"activo2sync/internal/model"
)

const productID = "-//activo2sync//Activo2 schedule//ES"

// Entry is one VEVENT to export. Color and Priority are optional.
type Entry struct {
	model.Event

	Color    string
	Priority string
}

// WorkShiftEntries converts work shifts, dropping any with unreadable
// timestamps.
func WorkShiftEntries(workshifts []model.WorkShiftEvent) []Entry {
	out := make([]Entry, 0, len(workshifts))
	for _, ws := range workshifts {
		ev, err := ws.Event()
		if err != nil {
			appLog.Error("ics export: bad workshift timestamps", err, "uid", ws.UID)
			continue
		}
		out = append(out, Entry{Event: ev})
	}
	return out
}

// TaskEntries converts tasks, keeping their colour and priority.
func TaskEntries(tasks []model.TaskEvent) []Entry {
	out := make([]Entry, 0, len(tasks))
	for _, te := range tasks {
		ev, err := te.Event()
		if err != nil {
			appLog.Error("ics export: bad task timestamps", err, "uid", te.UID)
			continue
		}
		out = append(out, Entry{Event: ev, Color: te.Color, Priority: te.Priority})
	}
	return out
}

// Serialize renders entries as a VCALENDAR named name. stamp is used for
// DTSTAMP so repeated exports of one snapshot are byte-identical.
func Serialize(name string, entries []Entry, stamp time.Time) string {
	cal := ical.NewCalendarFor("activo2sync")
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	cal.SetName(name)
	cal.SetXWRCalName(name)

	for _, e := range entries {
		ev := cal.AddEvent(e.UID)
		ev.SetDtStampTime(stamp.UTC())
		ev.SetStartAt(e.Start)
		ev.SetEndAt(e.End)
		ev.SetSummary(e.Summary)
		if e.Description != "" {
			ev.SetDescription(e.Description)
		}
		if e.Location != "" {
			ev.SetLocation(e.Location)
		}
		if e.Color != "" {
			ev.SetColor(e.Color)
		}
		// PRIORITY must be 0-9; vendor values outside that are dropped.
		if p, err := strconv.Atoi(strings.TrimSpace(e.Priority)); err == nil && p >= 0 && p <= 9 {
			ev.SetProperty(ical.ComponentPropertyPriority, strconv.Itoa(p))
		}
	}

	return cal.Serialize()
}
