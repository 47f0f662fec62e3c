package reducer

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// tick advances the clock to now, applying the MAX_CLOCK_INCREMENT
// ceiling (spec.md §4.4.1). maxIncrement is MAX_CLOCK_INCREMENT_MS.
func tick(c Clock, now int64, paused bool, maxIncrement int64) Clock {
	delta := clamp(now-c.LastUpdated, 0, maxIncrement)
	if !c.Paused {
		c.TotalTime += delta
		c.TrueTotalTime += delta
	}
	c.Paused = paused
	c.LastUpdated = now
	return c
}
