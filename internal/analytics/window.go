package analytics

import (
	"fmt"
	"strings"
	"time"
)

// Periods accepted by Since.
const (
	PeriodToday    = "today"
	PeriodWeek     = "week"
	PeriodMonth    = "month"
	PeriodSemester = "semester"
	PeriodYear     = "year"
	PeriodAll      = "all"
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Since returns the start of a reporting window ending at now. Calendar
// periods are computed in now's location.
func Since(period string, now time.Time) (time.Time, error) {
	loc := now.Location()
	y, m, d := now.Date()
	switch strings.ToLower(strings.TrimSpace(period)) {
	case PeriodToday:
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	case PeriodWeek:
		return now.Add(-7 * 24 * time.Hour), nil
	case PeriodMonth, "":
		return time.Date(y, m, 1, 0, 0, 0, 0, loc), nil
	case PeriodSemester:
		return time.Date(y, m-3, 1, 0, 0, 0, 0, loc), nil
	case PeriodYear:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc), nil
	case PeriodAll:
		return epoch, nil
	}
	return time.Time{}, fmt.Errorf("unknown period %q", period)
}
