package entrytable

import "sort"

const decayFactor = 0.99

// runEvictionLocked implements spec §4.5's eviction algorithm. The
// caller must already hold t.mu exclusively (it is invoked from
// Install's "table full" branch).
//
//  1. Snapshot all entries into a scratch array.
//  2. Multiply every entry's usage by 0.99.
//  3. Record the median usage as cur_median_usage.
//  4. Sort ascending by usage.
//  5. Evict max(10, ceil(N*5%)) entries with the lowest usage, capped at N.
//  6. Increment the global dealloc counter.
func (t *Table) runEvictionLocked() {
	n := len(t.entries)
	if n == 0 {
		return
	}

	scratch := make([]*Entry, 0, n)
	for _, e := range t.entries {
		e.decayUsage(decayFactor)
		scratch = append(scratch, e)
	}

	sort.Slice(scratch, func(i, j int) bool {
		return scratch[i].readUsage() < scratch[j].readUsage()
	})

	median := medianUsage(scratch)

	victimCount := evictionBatchSize(n)
	if victimCount > n {
		victimCount = n
	}

	for i := 0; i < victimCount; i++ {
		t.evictLocked(scratch[i].Key)
	}

	t.state.recordEvictionPass(median)
}

// evictionBatchSize returns max(10, ceil(n*5%)), per spec §4.5 step 5.
func evictionBatchSize(n int) int {
	fivePercent := (n*5 + 99) / 100 // ceil(n * 0.05)
	if fivePercent < 10 {
		return 10
	}
	return fivePercent
}

func medianUsage(sorted []*Entry) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2].readUsage()
	}
	return (sorted[n/2-1].readUsage() + sorted[n/2].readUsage()) / 2
}
