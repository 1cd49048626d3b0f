// Package hashrate estimates a miner's hashrate from accepted shares.
package hashrate

// DifficultyPerHash converts accumulated share difficulty into hashes.
// P2Pool share difficulty is expressed directly in hashes.
const DifficultyPerHash = 1.0

// Sample is one point of the cumulative difficulty curve inside the
// estimation window.
type Sample struct {
	Timestamp            int64
	CumulativeDifficulty float64
}

// Estimate computes the hashrate in H/s from an ordered sample sequence,
// using the earliest and latest sample of the window:
//
//	rate = (difficulty_delta * DifficultyPerHash) / time_delta_seconds
//
// It returns 0 when fewer than two samples exist, when the time delta is not
// positive, or when the difficulty delta is negative (clock skew or a counter
// reset upstream). A rate is never negative.
func Estimate(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}

	first := samples[0]
	last := samples[len(samples)-1]

	timeDelta := last.Timestamp - first.Timestamp
	if timeDelta <= 0 {
		return 0
	}

	diffDelta := last.CumulativeDifficulty - first.CumulativeDifficulty
	if diffDelta < 0 {
		return 0
	}

	return diffDelta * DifficultyPerHash / float64(timeDelta)
}
