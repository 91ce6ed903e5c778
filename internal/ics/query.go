package ics

import (
	"time"

	"activo2sync/internal/model"
)

// Current returns the first event with start <= now <= end.
func Current(events []model.Event, now time.Time) (model.Event, bool) {
	for _, ev := range events {
		if !now.Before(ev.Start) && !now.After(ev.End) {
			return ev, true
		}
	}
	return model.Event{}, false
}

// Overlaps reports whether ev intersects [start, end], inclusive on both
// ends.
func Overlaps(ev model.Event, start, end time.Time) bool {
	return timeRangesOverlap(ev.Start, ev.End, start, end)
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
