// Package decay implements the deterministic, time-based drift of
// level_current toward level_ideal.
//
// Formula: level_current moves toward
// level_ideal by gap * (1 - exp(-hoursElapsed/halfLife(level_current))),
// where halfLife is smallest at the mid-range (0.5) and grows toward the
// extremes (0 and 1), making extreme values stickier than mid-range ones
// without introducing oscillation.
package decay

import "math"

// BaseHalfLifeHours is the half-life, in hours, at level_current == 0.5.
const BaseHalfLifeHours = 48.0

// Epsilon is the minimum change in level_current that counts as a real
// update; changes below this are treated as no-ops so last_updated isn't
// churned.
const Epsilon = 1e-3

// HalfLifeHours returns the decay half-life for a given current level: it
// is smallest (fastest decay) at 0.5 and largest (stickiest) at the 0/1
// extremes.
func HalfLifeHours(levelCurrent float64) float64 {
	centered := 2*levelCurrent - 1 // maps [0,1] -> [-1,1]
	return BaseHalfLifeHours * (1 + 4*math.Pow(centered, 4))
}

// Step computes the new level_current after hoursElapsed hours of drift
// toward levelIdeal, returning the updated value and whether the change
// exceeded Epsilon (i.e. whether last_updated should be bumped).
func Step(levelCurrent, levelIdeal, hoursElapsed float64) (next float64, changed bool) {
	if hoursElapsed <= 0 {
		return levelCurrent, false
	}
	gap := levelIdeal - levelCurrent
	if gap == 0 {
		return levelCurrent, false
	}
	halfLife := HalfLifeHours(levelCurrent)
	progress := 1 - math.Exp(-hoursElapsed/halfLife)
	next = levelCurrent + gap*progress
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	if math.Abs(next-levelCurrent) < Epsilon {
		return levelCurrent, false
	}
	return next, true
}

// DesireGap computes max_i |level_ideal_i - level_current_i| across a set
// of (current, ideal) pairs — the heartbeat's self-initiation trigger
// metric.
func DesireGap(pairs [][2]float64) float64 {
	max := 0.0
	for _, p := range pairs {
		gap := math.Abs(p[1] - p[0])
		if gap > max {
			max = gap
		}
	}
	return max
}
