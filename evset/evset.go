// Package evset finds eviction sets and learns the LLC slice of every
// huge page from timing alone.
//
// Bootstrapping does not know any slice. It tries every assignment of
// slice values to a handful of seed huge pages, builds a candidate set
// from the offsets each assignment predicts to share a slice, and stops
// at the first candidate that is much slower than the two before it.
// Because the slice hash only reads offset bits above the huge page's
// cache-set bits, one confirmed set then serves as a probe for every other
// huge page: substituting a page's offsets for one seed page keeps the set
// self evicting only for the right slice value.
package evset

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gitlab.com/stephen-fox/smashkit/addressing"
	"gitlab.com/stephen-fox/smashkit/timing"
	"go.uber.org/zap"
)

// ErrNotFound is returned by FindFirst when the search space is exhausted.
var ErrNotFound = errors.New("no candidate stood out from its predecessors")

// Unclassified marks a huge page whose slice could not be learned.
const Unclassified = -1

// TieBreak chooses which trial a latency jump is attributed to.
type TieBreak int

const (
	// TieBreakDirection attributes a jump up to the current trial
	// and a jump down to the previous one.
	TieBreakDirection TieBreak = iota

	// TieBreakCurrent always attributes a jump to the current trial.
	TieBreakCurrent
)

func (o TieBreak) String() string {
	switch o {
	case TieBreakDirection:
		return "direction"
	case TieBreakCurrent:
		return "current"
	default:
		return fmt.Sprintf("unknown (%d)", int(o))
	}
}

// ParseTieBreak parses the String form of a TieBreak.
func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "direction":
		return TieBreakDirection, nil
	case "current":
		return TieBreakCurrent, nil
	default:
		return 0, fmt.Errorf("unknown tie break policy: %q", s)
	}
}

// Config holds the search parameters.
type Config struct {
	Region addressing.Region

	// Slices is the number of LLC slices.
	Slices int

	// SeedPages is the number of huge pages the bootstrap search
	// assigns slices to. The search space is Slices^SeedPages.
	SeedPages int

	// Factor is how much slower than each of its two predecessors
	// a candidate must be to be accepted.
	Factor float64

	// Epsilon is the smallest latency change Classify treats
	// as a jump.
	Epsilon time.Duration

	TieBreak TieBreak

	OptLogger *zap.Logger
}

func (o Config) validate() error {
	if o.Slices <= 1 {
		return fmt.Errorf("number of slices must be greater than one - got %d", o.Slices)
	}

	if o.SeedPages <= 0 || o.SeedPages > o.Region.HugePages {
		return fmt.Errorf("seed pages must be between 1 and %d - got %d",
			o.Region.HugePages, o.SeedPages)
	}

	if o.Factor <= 1 {
		return fmt.Errorf("factor must be greater than one - got %f", o.Factor)
	}

	if o.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be greater than zero - got %s", o.Epsilon)
	}

	return nil
}

func (o Config) logger() *zap.Logger {
	if o.OptLogger == nil {
		return zap.NewNop()
	}
	return o.OptLogger
}

// EvictionSet is a self-evicting set of buffer offsets covering the
// first SeedPages huge pages.
type EvictionSet struct {
	// Offsets holds the members, page by page.
	Offsets []int

	// Starts[h] is the index in Offsets of seed page h's first member.
	Starts []int

	// Permutation is the search index that produced the set.
	Permutation int

	Latency time.Duration
}

// pageSlot returns the members contributed by seed page h.
func (o EvictionSet) pageSlot(h int) []int {
	end := len(o.Offsets)
	if h+1 < len(o.Starts) {
		end = o.Starts[h+1]
	}
	return o.Offsets[o.Starts[h]:end]
}

// Digit returns the slice that permutation p assigns to seed page h.
func Digit(p int, h int, slices int) int {
	for ; h > 0; h-- {
		p /= slices
	}
	return p % slices
}

// FindFirst searches for the first eviction set.
func FindFirst(cfg Config, m timing.Measurer) (EvictionSet, error) {
	err := cfg.validate()
	if err != nil {
		return EvictionSet{}, err
	}

	logger := cfg.logger()

	total := 1
	for h := 0; h < cfg.SeedPages; h++ {
		total *= cfg.Slices
	}

	// Latencies of the two previous candidates, most recent first.
	previous := [2]float64{math.Inf(1), math.Inf(1)}

	for p := 0; p < total; p++ {
		candidate := EvictionSet{
			Starts:      make([]int, cfg.SeedPages),
			Permutation: p,
		}

		for h := 0; h < cfg.SeedPages; h++ {
			candidate.Starts[h] = len(candidate.Offsets)
			candidate.Offsets = append(candidate.Offsets,
				cfg.Region.SameSlice(h, uint64(Digit(p, h, cfg.Slices)))...)
		}

		median, err := m.ReliableMeasure(candidate.Offsets)
		if err != nil {
			return EvictionSet{}, fmt.Errorf("failed to measure candidate %d - %w", p, err)
		}

		latency := float64(median)

		logger.Debug("eviction set candidate",
			zap.Int("permutation", p),
			zap.Duration("median", median))

		if latency > cfg.Factor*previous[0] && latency > cfg.Factor*previous[1] {
			candidate.Latency = median

			logger.Info("found first eviction set",
				zap.Int("permutation", p),
				zap.Int("size", len(candidate.Offsets)),
				zap.Duration("median", median),
				zap.Float64("previous", previous[0]),
				zap.Float64("before_previous", previous[1]))

			return candidate, nil
		}

		previous[1] = previous[0]
		previous[0] = latency
	}

	return EvictionSet{}, fmt.Errorf("tried %d permutations of %d slices over %d huge pages - %w",
		total, cfg.Slices, cfg.SeedPages, ErrNotFound)
}
