package timespec

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronStarBit mirrors the top bit robfig/cron sets on a SpecSchedule mask
// when the field was written as '*' or '?'. Star fields become wildcards
// here instead of fully enumerated sets.
const cronStarBit = 1 << 63

// cronParser accepts the standard five fields plus descriptors (@daily, ...).
// Seconds are not accepted; occurrences are minute-granular.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// FromCron converts a cron expression into a normalized Spec by reading the
// parsed schedule's field masks. Interval descriptors (@every) have no
// calendar form and are rejected.
//
// Cron's day handling differs in one point: when an expression restricts
// both day-of-month and day-of-week, classic cron fires on either, while a
// Spec requires a day to satisfy both.
func FromCron(expr string) (Spec, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("timespec: parse cron %q: %w", expr, err)
	}
	ss, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return Spec{}, fmt.Errorf("timespec: cron %q has no calendar form (@every is not supported)", expr)
	}

	s := Spec{
		Minute:   maskToField(ss.Minute, 0, 59),
		Hour:     maskToField(ss.Hour, 0, 23),
		Monthday: maskToField(ss.Dom, 1, 31),
		Month:    maskToField(ss.Month, 1, 12),
	}
	// Cron weekdays are Sunday=0..Saturday=6; Spec weekdays are ISO.
	for _, wd := range maskToField(ss.Dow, 0, 6) {
		if wd == 0 {
			wd = 7
		}
		s.Weekday = append(s.Weekday, wd)
	}
	return s.Normalize()
}

func maskToField(mask uint64, lo, hi int) FieldSet {
	if mask&cronStarBit != 0 {
		return nil
	}
	var out FieldSet
	for v := lo; v <= hi; v++ {
		if mask&(1<<uint(v)) != 0 {
			out = append(out, v)
		}
	}
	return out
}
