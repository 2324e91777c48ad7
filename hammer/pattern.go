// Package hammer builds and runs the pointer-chasing access pattern
// that activates aggressor rows, and checks victim rows for bit flips.
package hammer

import (
	"math/bits"

	"gitlab.com/stephen-fox/smashkit/invariant"
)

const wordSize = 4

// PatternConfig describes the access pattern of one hammering round.
type PatternConfig struct {
	// Cycles is the number of repetitions of the assembly. Each
	// cycle shifts every address by one word.
	Cycles int

	// CycleLength is the number of slots per cycle.
	CycleLength int

	// Assembly selects, per slot of a cycle, a missing aggressor
	// (bit set) or a hitting one (bit clear).
	Assembly uint64

	// Pairs is the number of missing aggressor pairs.
	Pairs int

	// HitPairs is the number of hitting aggressor pairs.
	HitPairs int

	// CacheLineSize bounds Cycles: all cycles must stay in one line.
	CacheLineSize int
}

// Validate returns a non-nil error if the configuration cannot produce
// a pattern.
func (o PatternConfig) Validate() error {
	if o.Cycles <= 0 || o.CycleLength <= 0 || o.CycleLength > 64 {
		return invariant.Violation("cycles (%d) and cycle length (%d) must be in range",
			o.Cycles, o.CycleLength)
	}

	if o.Cycles >= o.CacheLineSize/wordSize {
		return invariant.Violation("%d cycles do not fit in a %d byte cache line",
			o.Cycles, o.CacheLineSize)
	}

	if o.Pairs <= 0 || o.HitPairs <= 0 {
		return invariant.Violation("pairs (%d) and hit pairs (%d) must be greater than zero",
			o.Pairs, o.HitPairs)
	}

	if o.Assembly>>uint(o.CycleLength) != 0 {
		return invariant.Violation("assembly 0x%x is longer than the cycle length %d",
			o.Assembly, o.CycleLength)
	}

	if o.Assembly == 0 {
		return invariant.Violation("assembly has no missing slots")
	}

	return nil
}

// MissingSlots returns the number of missing aggressor slots per cycle.
func (o PatternConfig) MissingSlots() int {
	return bits.OnesCount64(o.Assembly)
}

// Build returns the byte offsets of the pattern, cycle by cycle.
// selection holds indices into aggressors: the first 2*Pairs are the
// missing aggressors, the next 2*HitPairs the hitting ones.
func Build(selection []int, aggressors []int, cfg PatternConfig) ([]int, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if len(selection) < 2*(cfg.Pairs+cfg.HitPairs) {
		return nil, invariant.Violation("selection of %d cannot supply %d pairs and %d hit pairs",
			len(selection), cfg.Pairs, cfg.HitPairs)
	}

	pattern := make([]int, cfg.Cycles*cfg.CycleLength)

	k := 0
	l := 0
	for i := 0; i < cfg.Cycles; i++ {
		for j := 0; j < cfg.CycleLength; j++ {
			slot := i*cfg.CycleLength + j

			switch {
			case (cfg.Assembly>>uint(j))&1 == 1:
				pattern[slot] = aggressors[selection[k%(2*cfg.Pairs)]]
				k++
			case i == 0:
				pattern[slot] = aggressors[selection[2*cfg.Pairs+l%(2*cfg.HitPairs)]]
				l++
			default:
				// Undo the previous cycle's shift before
				// applying this one. The shift is not
				// cumulative, so cycle i sits i words into
				// the line rather than i*(i+1)/2.
				pattern[slot] = pattern[slot-cfg.CycleLength] - (i-1)*wordSize
			}

			pattern[slot] += i * wordSize
		}
	}

	return pattern, nil
}
