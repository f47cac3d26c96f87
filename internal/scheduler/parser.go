package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// wallClockLayouts are accepted for scheduled times without an offset.
var wallClockLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// LoadZone resolves an IANA zone name. Empty means UTC.
func LoadZone(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}

// ParseFireTime reads raw as RFC 3339, or as a wall-clock time in loc when
// it carries no offset, and returns the instant in UTC.
func ParseFireTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range wallClockLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse scheduled time %q", raw)
}

// ValidRepeat reports whether expr is a cron expression gronx accepts.
func ValidRepeat(expr string) bool {
	return gronx.New().IsValid(expr)
}

// NextFire returns the first tick of the cron expression strictly after
// ref, evaluated on the wall clock of loc.
func NextFire(expr string, ref time.Time, loc *time.Location) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, ref.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick of %q: %w", expr, err)
	}
	return next.UTC(), nil
}
