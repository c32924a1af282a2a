package slots

import (
	"sort"
	"time"
)

// Interval is a half-open [Start, End) span.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the interval has no positive length.
func (iv Interval) Empty() bool { return !iv.Start.Before(iv.End) }

// Duration returns the interval length.
func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

// Overlaps reports whether two intervals intersect.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// merge sorts and coalesces overlapping or touching intervals.
func merge(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := make([]Interval, len(ivs))
	copy(sorted, ivs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Subtract removes busy spans from free spans, returning the remaining free
// intervals in ascending order.
func Subtract(free, busy []Interval) []Interval {
	busy = merge(busy)
	var out []Interval
	for _, f := range free {
		if f.Empty() {
			continue
		}
		cur := f
		for _, b := range busy {
			if !cur.Overlaps(b) {
				continue
			}
			if b.Start.After(cur.Start) {
				out = append(out, Interval{Start: cur.Start, End: b.Start})
			}
			if b.End.After(cur.Start) {
				cur.Start = b.End
			}
			if cur.Empty() {
				break
			}
		}
		if !cur.Empty() {
			out = append(out, cur)
		}
	}
	return out
}
