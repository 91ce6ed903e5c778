package schedule

import (
	"fmt"
	"strconv"
	"time"

	"activo2sync/internal/activo2"
	appLog "activo2sync/internal/log"
	"activo2sync/internal/model"
)

// Flatten walks the schedule tree and returns one work shift per detail and
// one task event per task, for every day flagged with tasks.
//
// Timestamps are "<date>T<HH:MM>:00<offset>". uids are workshift_<date> and
// task_<date>_<processId>; details repeated on the same date are not
// deduplicated. An entry whose times do not parse is logged and skipped.
func Flatten(tree activo2.ScheduleResponse, offset string) ([]model.WorkShiftEvent, []model.TaskEvent) {
	workshifts := make([]model.WorkShiftEvent, 0)
	tasks := make([]model.TaskEvent, 0)

	for _, month := range tree.Months {
		for _, week := range month.Weeks {
			for _, day := range week.Days {
				if !day.HasTasks || len(day.Detail) == 0 {
					continue
				}
				for _, detail := range day.Detail {
					ws, err := workShift(day.Date, detail, offset)
					if err != nil {
						appLog.Warn("skipping unparsable work shift", "date", day.Date, "err", err)
					} else {
						workshifts = append(workshifts, ws)
					}

					for _, task := range detail.TaskList {
						te, err := taskEvent(day.Date, detail.Store, task, offset)
						if err != nil {
							appLog.Warn("skipping unparsable task", "date", day.Date, "process_id", task.ProcessID, "err", err)
							continue
						}
						tasks = append(tasks, te)
					}
				}
			}
		}
	}

	return workshifts, tasks
}

func workShift(date string, detail activo2.Detail, offset string) (model.WorkShiftEvent, error) {
	start, end, err := span(date, detail.Schedule.Start, detail.Schedule.End, offset)
	if err != nil {
		return model.WorkShiftEvent{}, err
	}

	return model.WorkShiftEvent{
		UID:             "workshift_" + date,
		Summary:         "Turno en " + detail.Store.Name,
		Start:           start,
		End:             end,
		Location:        storeLocation(detail.Store),
		Description:     fmt.Sprintf("Turno de trabajo: %s horas", detail.Schedule.Total),
		NightShift:      detail.Schedule.NightShift,
		NightShiftLabel: detail.Schedule.NightShiftLabel,
	}, nil
}

func taskEvent(date string, store activo2.Store, task activo2.Task, offset string) (model.TaskEvent, error) {
	start, end, err := span(date, task.StartHour, task.EndHour, offset)
	if err != nil {
		return model.TaskEvent{}, err
	}

	return model.TaskEvent{
		UID:         "task_" + date + "_" + task.ProcessID,
		Summary:     task.Name,
		Start:       start,
		End:         end,
		Location:    storeLocation(store),
		Description: task.Description,
		Color:       task.Colour,
		Priority:    task.Priority,
	}, nil
}

// span builds the start and end timestamps for one entry on date. An end
// earlier than the start crosses midnight and lands on the next day.
//
// Times are built in a fixed zone for offset so the host's local zone can
// never change the offset of a rolled-over end.
func span(date, startHour, endHour, offset string) (string, string, error) {
	zone, err := fixedZone(offset)
	if err != nil {
		return "", "", err
	}
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return "", "", fmt.Errorf("date: %w", err)
	}
	start, err := clock(day, startHour, zone)
	if err != nil {
		return "", "", fmt.Errorf("start: %w", err)
	}
	end, err := clock(day, endHour, zone)
	if err != nil {
		return "", "", fmt.Errorf("end: %w", err)
	}
	if end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start.Format(model.TimestampLayout), end.Format(model.TimestampLayout), nil
}

// clock places an "HH:MM" wall time on day in zone.
func clock(day time.Time, hhmm string, zone *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, zone), nil
}

// fixedZone turns "±HH:MM" into a zone with that constant offset.
func fixedZone(offset string) (*time.Location, error) {
	if len(offset) != 6 || (offset[0] != '+' && offset[0] != '-') || offset[3] != ':' {
		return nil, fmt.Errorf("offset %q: want ±HH:MM", offset)
	}
	hh, err := strconv.Atoi(offset[1:3])
	if err != nil {
		return nil, fmt.Errorf("offset %q: %w", offset, err)
	}
	mm, err := strconv.Atoi(offset[4:6])
	if err != nil {
		return nil, fmt.Errorf("offset %q: %w", offset, err)
	}
	secs := hh*3600 + mm*60
	if offset[0] == '-' {
		secs = -secs
	}
	return time.FixedZone(offset, secs), nil
}

func storeLocation(store activo2.Store) string {
	return store.CodeLabel + " - " + store.Name
}
