// Package timespec computes occurrences of sparse calendar specifications.
//
// A Spec names allowed values per calendar field (year, month, monthday,
// weekday, hour, minute); unset fields match everything. NextOccurrence
// resolves the earliest instant at or after a reference time that satisfies
// every set field, at minute granularity, using a forward-only ring search
// per field with carries into the next larger unit.
//
// # Conventions
//
//   - Weekdays are ISO: Monday=1 .. Sunday=7.
//   - Monthday and weekday are independent AND conditions when both are set.
//   - Times are naive wall-clock values in the reference time's location;
//     there is no timezone conversion and no sub-minute precision.
//
// Specs must be normalized (sorted, deduplicated, range-checked) before use;
// see Spec.Normalize.
package timespec
