package timespec

// ringDistance returns the forward distance from a to b on the ring
// start..end, e.g. distance 2 from January to March and distance 10 from
// March to January on the 1..12 ring. Both values must lie on the ring.
func ringDistance(a, b, start, end int) int {
	if a <= b {
		return b - a
	}
	return end - a + b - (start - 1)
}

// nearestElement returns the member of set with the smallest forward ring
// distance from me. Distance zero counts. A nil set matches every value,
// so me itself is returned.
func nearestElement(me int, set FieldSet, start, end int) int {
	if len(set) == 0 {
		return me
	}
	best := set[0]
	bestDist := ringDistance(me, set[0], start, end)
	for _, v := range set[1:] {
		if d := ringDistance(me, v, start, end); d < bestDist {
			best, bestDist = v, d
		}
	}
	return best
}

// ringIter walks a ring field's allowed values forever, starting at from.
// carry increments each time the walk wraps past the last value, so the
// month iterator yields (month, year) pairs and the hour iterator yields
// (hour, days-ahead) pairs. A nil set walks the full ring. The set must be
// sorted ascending for the carries to line up with calendar order.
type ringIter struct {
	set   FieldSet
	idx   int
	carry int
}

func newRingIter(set FieldSet, from, start, end, carry int) *ringIter {
	if len(set) == 0 {
		set = make(FieldSet, 0, end-start+1)
		for v := start; v <= end; v++ {
			set = append(set, v)
		}
	}
	idx := 0
	for i, v := range set {
		if v == from {
			idx = i
			break
		}
	}
	return &ringIter{set: set, idx: idx, carry: carry}
}

func (it *ringIter) next() (int, int) {
	if it.idx >= len(it.set) {
		it.idx = 0
		it.carry++
	}
	v := it.set[it.idx]
	it.idx++
	return v, it.carry
}
