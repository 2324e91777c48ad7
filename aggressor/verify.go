package aggressor

import (
	"fmt"
	"math/rand"
	"time"

	"gitlab.com/stephen-fox/smashkit/timing"
	"go.uber.org/zap"
)

// VerifyConfig controls VerifySelfEviction.
type VerifyConfig struct {
	// Tests is the number of random sets measured.
	Tests int

	// SetSize is the number of aggressors in each set.
	SetSize int

	// Spread bounds how far from a random start (in pairs) the
	// members of a set are picked.
	Spread int

	// MissThreshold is the latency below which a set is
	// considered not to evict itself.
	MissThreshold time.Duration

	OptLogger *zap.Logger
}

// Failure describes one random set that did not evict itself.
type Failure struct {
	Test    int
	Median  time.Duration
	Indices []int
}

// VerifyResult summarizes VerifySelfEviction. Every field is advisory.
type VerifyResult struct {
	Tests    int
	Failures []Failure

	// Skipped is set when the pool is too small to draw SetSize
	// distinct members.
	Skipped bool
}

// SelfEvicting reports whether every measured set evicted itself.
func (o VerifyResult) SelfEvicting() bool {
	return !o.Skipped && len(o.Failures) == 0
}

// VerifySelfEviction measures random subsets of a single-bank aggressor
// set and reports the ones that fall below the miss threshold. A failure
// is a warning: replacement policies are probabilistic and hammering can
// still succeed.
func VerifySelfEviction(rng *rand.Rand, m timing.Measurer, aggressors []int, cfg VerifyConfig) (VerifyResult, error) {
	logger := cfg.OptLogger
	if logger == nil {
		logger = zap.NewNop()
	}

	result := VerifyResult{}

	n := len(aggressors)
	if n == 0 {
		result.Skipped = true
		return result, nil
	}

	for test := 0; test < cfg.Tests; test++ {
		start := rng.Intn(n)

		if reachable(start, n, cfg.Spread) < cfg.SetSize {
			logger.Warn("aggressor pool too small to verify self eviction",
				zap.Int("aggressors", n),
				zap.Int("set_size", cfg.SetSize))
			result.Skipped = true
			return result, nil
		}

		seen := make(map[int]struct{}, cfg.SetSize)
		indices := make([]int, 0, cfg.SetSize)
		set := make([]int, 0, cfg.SetSize)

		for len(set) < cfg.SetSize {
			a := (start + 2*rng.Intn(cfg.Spread)) % n

			_, hasIt := seen[a]
			if hasIt {
				continue
			}

			seen[a] = struct{}{}
			indices = append(indices, a)
			set = append(set, aggressors[a])
		}

		median, err := m.ReliableMeasure(set)
		if err != nil {
			return result, fmt.Errorf("failed to measure random aggressor set %d - %w", test, err)
		}

		result.Tests++

		logger.Debug("self eviction test",
			zap.Int("test", test),
			zap.Duration("median", median),
			zap.Ints("indices", indices))

		if median < cfg.MissThreshold {
			result.Failures = append(result.Failures, Failure{
				Test:    test,
				Median:  median,
				Indices: indices,
			})

			logger.Warn("aggressors are not self-evicting",
				zap.Int("test", test),
				zap.Duration("median", median),
				zap.Duration("threshold", cfg.MissThreshold))
		}
	}

	return result, nil
}

// reachable counts the distinct indices (start + 2k) % n for k < spread.
func reachable(start int, n int, spread int) int {
	seen := make(map[int]struct{})
	for k := 0; k < spread; k++ {
		seen[(start+2*k)%n] = struct{}{}
	}
	return len(seen)
}
