// Package localtime implements the deployment's local time rules: the
// Zurich (CET/CEST) UTC offset with EU daylight-saving transitions, and
// the session expiration cutover derived from it.
//
// The offset is computed from the EU rules directly instead of loading a
// tzdata location, so behavior is identical on hosts without a timezone
// database (the terminal hardware has none).
package localtime

import "time"

// CutoverHour is the local hour at which sessions expire: a session runs
// until 03:00 the following day (or the same day when started earlier
// than that), independent of usage.
const CutoverHour = 3

// lastSunday returns the day-of-month of the last Sunday in the given
// month and year.
func lastSunday(year int, month time.Month) int {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	return lastDay.Day() - int(lastDay.Weekday())
}

// IsDST reports whether the given instant falls within CEST.
// EU rules: DST starts the last Sunday of March at 01:00 UTC and ends the
// last Sunday of October at 01:00 UTC.
func IsDST(utc time.Time) bool {
	utc = utc.UTC()
	switch m := utc.Month(); {
	case m < time.March || m > time.October:
		return false
	case m > time.March && m < time.October:
		return true
	case m == time.March:
		ls := lastSunday(utc.Year(), time.March)
		return utc.Day() > ls || (utc.Day() == ls && utc.Hour() >= 1)
	default: // October
		ls := lastSunday(utc.Year(), time.October)
		return utc.Day() < ls || (utc.Day() == ls && utc.Hour() < 1)
	}
}

// Offset returns the Zurich UTC offset at the given instant.
func Offset(utc time.Time) time.Duration {
	if IsDST(utc) {
		return 2 * time.Hour
	}
	return time.Hour
}

// ToLocal shifts a UTC instant to Zurich wall-clock time. The returned
// value still carries the UTC location; only the clock reading matters.
func ToLocal(utc time.Time) time.Time {
	return utc.UTC().Add(Offset(utc))
}

// SessionExpiry returns the instant at which a session started at the
// given time expires: the next local 03:00 cutover. A session started
// before 03:00 local expires the same day at 03:00; any later start
// expires at 03:00 the following day.
func SessionExpiry(start time.Time) time.Time {
	offset := Offset(start)
	local := start.UTC().Add(offset)

	day := time.Date(local.Year(), local.Month(), local.Day(), CutoverHour, 0, 0, 0, time.UTC)
	if !local.Before(day) {
		day = day.AddDate(0, 0, 1)
	}

	expiry := day.Add(-offset)
	// A DST transition between start and cutover shifts the wall clock;
	// correct with the offset in effect at the candidate instant.
	if adjusted := Offset(expiry); adjusted != offset {
		expiry = expiry.Add(offset - adjusted)
	}
	return expiry
}
