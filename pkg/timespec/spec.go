package timespec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldSet holds the allowed values of one calendar field. A nil or empty
// set is a wildcard. At the JSON boundary a bare integer decodes to a
// single-element set, so config files may write `minute: 30` or
// `minute: [0, 30]` interchangeably.
type FieldSet []int

// On builds a FieldSet literal: On(9) for a single value, On(8, 20) for two.
func On(vals ...int) FieldSet {
	if len(vals) == 0 {
		return nil
	}
	return append(FieldSet(nil), vals...)
}

func (f FieldSet) contains(v int) bool {
	for _, x := range f {
		if x == v {
			return true
		}
	}
	return false
}

func (f FieldSet) clone() FieldSet {
	if f == nil {
		return nil
	}
	return append(FieldSet(nil), f...)
}

func (f *FieldSet) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = nil
		return nil
	}
	var list []int
	if err := json.Unmarshal(b, &list); err == nil {
		*f = list
		return nil
	}
	var single int
	if err := json.Unmarshal(b, &single); err == nil {
		*f = FieldSet{single}
		return nil
	}
	return fmt.Errorf("timespec: want an int or a list of ints, got %s", s)
}

// Spec is a sparse recurrence specification. Each field is either a
// wildcard (nil/empty) or a set of allowed values; an instant matches when
// every set field contains the instant's value. Weekday is ISO
// (Monday=1 .. Sunday=7) and is ANDed with Monthday when both are set.
type Spec struct {
	Year     FieldSet `json:"year,omitempty"`
	Month    FieldSet `json:"month,omitempty"`
	Monthday FieldSet `json:"monthday,omitempty"`
	Weekday  FieldSet `json:"weekday,omitempty"`
	Hour     FieldSet `json:"hour,omitempty"`
	Minute   FieldSet `json:"minute,omitempty"`
}

// At pins a Spec to the given instant's year, month, day, hour and minute,
// the one-shot form used for "run once at T" timers.
func At(t time.Time) Spec {
	return Spec{
		Year:     On(t.Year()),
		Month:    On(int(t.Month())),
		Monthday: On(t.Day()),
		Hour:     On(t.Hour()),
		Minute:   On(t.Minute()),
	}
}

// AtDate pins only the date fields, leaving hour and minute wildcards.
func AtDate(t time.Time) Spec {
	return Spec{
		Year:     On(t.Year()),
		Month:    On(int(t.Month())),
		Monthday: On(t.Day()),
	}
}

// Normalize validates ranges and returns a canonical copy: each set sorted
// ascending, duplicates removed, empty sets mapped to nil. The ring search
// requires this ordering; passing an unnormalized Spec to NextOccurrence
// gives undefined carries.
func (s Spec) Normalize() (Spec, error) {
	var out Spec
	var err error
	if out.Year, err = normalizeField(s.Year, "year", 1, 9999); err != nil {
		return Spec{}, err
	}
	if out.Month, err = normalizeField(s.Month, "month", 1, 12); err != nil {
		return Spec{}, err
	}
	if out.Monthday, err = normalizeField(s.Monthday, "monthday", 1, 31); err != nil {
		return Spec{}, err
	}
	if out.Weekday, err = normalizeField(s.Weekday, "weekday", 1, 7); err != nil {
		return Spec{}, err
	}
	if out.Hour, err = normalizeField(s.Hour, "hour", 0, 23); err != nil {
		return Spec{}, err
	}
	if out.Minute, err = normalizeField(s.Minute, "minute", 0, 59); err != nil {
		return Spec{}, err
	}
	return out, nil
}

func normalizeField(vals FieldSet, name string, lo, hi int) (FieldSet, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	out := make(FieldSet, 0, len(vals))
	for _, v := range vals {
		if v < lo || v > hi {
			return nil, fmt.Errorf("timespec: %s value %d out of range %d..%d", name, v, lo, hi)
		}
		out = append(out, v)
	}
	sort.Ints(out)
	// drop duplicates in place
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n], nil
}

// Clone deep-copies the Spec so callers can hand it out without aliasing
// the internal sets.
func (s Spec) Clone() Spec {
	return Spec{
		Year:     s.Year.clone(),
		Month:    s.Month.clone(),
		Monthday: s.Monthday.clone(),
		Weekday:  s.Weekday.clone(),
		Hour:     s.Hour.clone(),
		Minute:   s.Minute.clone(),
	}
}

// IsZero reports whether every field is a wildcard (the every-minute spec).
func (s Spec) IsZero() bool {
	return len(s.Year) == 0 && len(s.Month) == 0 && len(s.Monthday) == 0 &&
		len(s.Weekday) == 0 && len(s.Hour) == 0 && len(s.Minute) == 0
}

func (s Spec) String() string {
	var parts []string
	add := func(name string, f FieldSet) {
		if len(f) > 0 {
			parts = append(parts, fmt.Sprintf("%s=%v", name, []int(f)))
		}
	}
	add("year", s.Year)
	add("month", s.Month)
	add("monthday", s.Monthday)
	add("weekday", s.Weekday)
	add("hour", s.Hour)
	add("minute", s.Minute)
	if len(parts) == 0 {
		return "every minute"
	}
	return strings.Join(parts, " ")
}
