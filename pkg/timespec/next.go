package timespec

import "time"

// searchHorizonYears bounds the month walk. Any satisfiable spec without a
// Year set repeats within the Gregorian cycle long before this; specs that
// can never match (monthday 31 in a fixed 30-day month, February 30) hit
// the bound and resolve to "none" instead of searching forever.
const searchHorizonYears = 100

// NextOccurrence returns the earliest instant at or after now that
// satisfies every set field of spec, at minute granularity, or the zero
// Time when no such instant exists. With skipNow the search starts one
// minute later, so an occurrence landing exactly on now's minute is not
// acceptable. The result is truncated to the minute and therefore may lie
// a few seconds before a mid-minute now.
//
// spec must be normalized. The search runs in now's location.
func NextOccurrence(spec Spec, now time.Time, skipNow bool) time.Time {
	if skipNow {
		now = now.Add(time.Minute)
	}

	weekdays := spec.Weekday
	if len(weekdays) == 0 {
		weekdays = FieldSet{1, 2, 3, 4, 5, 6, 7}
	}

	startMonth := nearestElement(int(now.Month()), spec.Month, 1, 12)
	startDay := 1
	if startMonth == int(now.Month()) {
		startDay = now.Day()
	}

	// A spec with explicit years is self-bounding through the year check
	// below and may legitimately point centuries ahead; only the
	// unbounded search needs the horizon.
	horizon := now.Year() + searchHorizonYears
	months := newRingIter(spec.Month, startMonth, 1, 12, now.Year())
	for {
		month, year := months.next()
		if len(spec.Year) == 0 && year > horizon {
			return time.Time{}
		}

		// The first ring candidate can lie behind the reference
		// (e.g. month 3 while now is July); skip into the future.
		if year < now.Year() || (year == now.Year() && month < int(now.Month())) {
			continue
		}

		if len(spec.Year) > 0 && !spec.Year.contains(year) {
			startDay = 1
			if spec.Year[len(spec.Year)-1] <= year {
				// Sorted set: nothing beyond the reached year.
				return time.Time{}
			}
			continue
		}

		for day := startDay; day <= daysIn(year, time.Month(month)); day++ {
			if !weekdays.contains(isoWeekday(year, time.Month(month), day)) {
				continue
			}
			if len(spec.Monthday) > 0 && !spec.Monthday.contains(day) {
				continue
			}

			startHour, startMinute := 0, 0
			sameDay := year == now.Year() && month == int(now.Month()) && day == now.Day()
			if sameDay {
				startHour = now.Hour()
			}

			nextHour := nearestElement(startHour, spec.Hour, 0, 23)
			if nextHour < startHour {
				// Hour ring wrapped: this day has no allowed hour left.
				continue
			}

			hour, minute := 0, 0
			onThisDay := true
			hours := newRingIter(spec.Hour, nextHour, 0, 23, 0)
			for {
				h, wrapped := hours.next()
				if wrapped > 0 {
					onThisDay = false
					break
				}
				hour = h
				if sameDay && hour == now.Hour() {
					startMinute = now.Minute()
				}
				minute = nearestElement(startMinute, spec.Minute, 0, 59)
				if minute < startMinute {
					// Minute ring wrapped: try the next allowed hour.
					startMinute = 0
					continue
				}
				break
			}
			if onThisDay {
				return time.Date(year, time.Month(month), day, hour, minute, 0, 0, now.Location())
			}
		}

		// Month exhausted; later months start at day 1.
		startDay = 1
	}
}

// daysIn returns the day count of the month; day zero of the following
// month normalizes to its last day.
func daysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// isoWeekday maps Go's Sunday=0 convention to ISO Monday=1..Sunday=7.
func isoWeekday(year int, m time.Month, day int) int {
	wd := int(time.Date(year, m, day, 0, 0, 0, 0, time.UTC).Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
