package evset

import (
	"fmt"
	"time"

	"gitlab.com/stephen-fox/smashkit/timing"
	"go.uber.org/zap"
)

// Colors maps huge page index to slice id (the page's "color").
// Pages that could not be classified hold Unclassified.
type Colors []int

// XOR returns a copy of the table with every classified color XORed
// with x. Each x selects a different slice for every page, and so a
// different set of candidate aggressor addresses.
func (o Colors) XOR(x int) Colors {
	out := make(Colors, len(o))

	for h, color := range o {
		if color == Unclassified {
			out[h] = Unclassified
			continue
		}
		out[h] = color ^ x
	}

	return out
}

// Classified returns the number of pages with a known color.
func (o Colors) Classified() int {
	n := 0
	for _, color := range o {
		if color != Unclassified {
			n++
		}
	}
	return n
}

// Classify learns the slice color of every huge page in cfg.Region
// using the eviction set returned by FindFirst.
func Classify(cfg Config, m timing.Measurer, set EvictionSet) (Colors, error) {
	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	if len(set.Starts) != cfg.SeedPages {
		return nil, fmt.Errorf("eviction set covers %d seed pages, expected %d",
			len(set.Starts), cfg.SeedPages)
	}

	logger := cfg.logger()

	colors := make(Colors, cfg.Region.HugePages)
	for h := range colors {
		colors[h] = Unclassified
	}

	for h := 0; h < cfg.SeedPages; h++ {
		colors[h] = int(cfg.Region.Slice(set.pageSlot(h)[0]))
	}

	// The first seed page's slot is swapped out for the page under
	// test; everything after it stays.
	rest := set.Offsets[len(set.pageSlot(0)):]

	for h := cfg.SeedPages; h < cfg.Region.HugePages; h++ {
		var prev time.Duration
		havePrev := false

		for s := 0; s < cfg.Slices; s++ {
			test := append(cfg.Region.SameSlice(h, uint64(s)), rest...)

			median, err := m.ReliableMeasure(test)
			if err != nil {
				return nil, fmt.Errorf("failed to measure huge page %d with slice %d - %w", h, s, err)
			}

			if havePrev && absDuration(median-prev) > cfg.Epsilon {
				colors[h] = pick(cfg.TieBreak, s, median > prev)

				logger.Debug("classified huge page",
					zap.Int("page", h),
					zap.Int("slice", colors[h]),
					zap.Duration("median", median),
					zap.Duration("previous", prev))

				break
			}

			prev = median
			havePrev = true
		}

		if colors[h] == Unclassified {
			logger.Warn("no latency jump for huge page, leaving it unclassified",
				zap.Int("page", h))
		}
	}

	return colors, nil
}

func pick(policy TieBreak, trial int, jumpedUp bool) int {
	if policy == TieBreakCurrent || jumpedUp {
		return trial
	}
	return trial - 1
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
