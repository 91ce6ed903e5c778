package schedule

import (
	"fmt"
	"time"
	_ "time/tzdata"

	appLog "activo2sync/internal/log"
)

const defaultZone = "Europe/Madrid"

// companyZones maps vendor company codes to the zone their stores run in.
var companyZones = map[string]string{
	"08": "Europe/Madrid",
	"09": "Europe/Lisbon",
}

// LocationForCompany resolves the timezone for a company code. Unknown codes
// fall back to Madrid with a warning.
func LocationForCompany(code string) *time.Location {
	name, ok := companyZones[code]
	if !ok {
		appLog.Warn("unknown company code; assuming Madrid time", "company_code", code, "zone", defaultZone)
		name = defaultZone
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		// tzdata is embedded, so this only trips on a typo in companyZones.
		appLog.Error("failed to load timezone; using UTC", err, "zone", name)
		return time.UTC
	}
	return loc
}

// UTCOffset formats the offset loc has at now as ±HH:MM.
//
// Every event in a snapshot is labelled with this one offset, the offset at
// fetch time, not the offset at the event's own date.
func UTCOffset(loc *time.Location, now time.Time) string {
	_, secs := now.In(loc).Zone()
	sign := '+'
	if secs < 0 {
		sign = '-'
		secs = -secs
	}
	return fmt.Sprintf("%c%02d:%02d", sign, secs/3600, (secs%3600)/60)
}

// OffsetForCompany combines LocationForCompany and UTCOffset.
func OffsetForCompany(code string, now time.Time) string {
	return UTCOffset(LocationForCompany(code), now)
}
