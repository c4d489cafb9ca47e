package sim

import (
	"fmt"
	"time"
)

// Rollover maps event timestamps onto business dates under the
// configured (timezone, hour) boundary. The mapping is purely a local
// calendar lookup, so DST spring-forward and fall-back hours, month,
// year and leap-day boundaries all resolve without special cases: a
// duplicated fall-back hour lands on the same calendar date exactly
// once.
type Rollover struct {
	loc  *time.Location
	hour int
}

// NewRollover resolves the timezone; hour is the local hour [0,23] at
// which the next business day opens.
func NewRollover(tz string, hour int) (*Rollover, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("rollover timezone %q: %w", tz, err)
	}
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("rollover hour %d out of range", hour)
	}
	return &Rollover{loc: loc, hour: hour}, nil
}

// BusinessDate returns the YYYY-MM-DD business date owning tsMs.
// Local times before the rollover hour belong to the previous date.
func (r *Rollover) BusinessDate(tsMs int64) string {
	local := time.UnixMilli(tsMs).In(r.loc)
	if local.Hour() < r.hour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("2006-01-02")
}

// SameBusinessDay reports whether two timestamps share a business date.
func (r *Rollover) SameBusinessDay(aMs, bMs int64) bool {
	return r.BusinessDate(aMs) == r.BusinessDate(bMs)
}
