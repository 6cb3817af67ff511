package trade

import (
	"sort"
	"time"
)

// ROIStep is one rung of the time-decayed take-profit ladder: once the trade
// is older than After, a profit ratio of at least Pct triggers an exit.
type ROIStep struct {
	After time.Duration
	Pct   float64
}

// ROITable is ordered by ascending After. The step in force for a trade is
// the latest one whose After has elapsed.
type ROITable []ROIStep

// NewROITable sorts steps by After.
func NewROITable(steps []ROIStep) ROITable {
	t := make(ROITable, len(steps))
	copy(t, steps)
	sort.Slice(t, func(i, j int) bool { return t[i].After < t[j].After })
	return t
}

// Target returns the profit ratio that triggers an exit for a trade of the
// given age, or false when no step applies (either an empty table or a trade
// younger than the first step).
func (t ROITable) Target(age time.Duration) (float64, bool) {
	var pct float64
	found := false
	for _, step := range t {
		if age < step.After {
			break
		}
		pct = step.Pct
		found = true
	}
	return pct, found
}
