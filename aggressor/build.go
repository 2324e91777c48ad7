// Package aggressor derives hammering addresses from learned slice colors
// and lays out the victim rows around them.
package aggressor

import (
	"errors"
	"fmt"
	"math/rand"

	"gitlab.com/stephen-fox/smashkit/addressing"
	"gitlab.com/stephen-fox/smashkit/evset"
	"gitlab.com/stephen-fox/smashkit/invariant"
)

// ErrPoolTooSmall is returned when a single-bank aggressor set cannot
// supply the requested number of distinct pairs.
var ErrPoolTooSmall = errors.New("not enough aggressors in the pool")

// Config controls how candidate aggressors are derived from a page's
// same-slice offsets.
type Config struct {
	// Parity is the row parity of the offsets that are kept.
	Parity uint64

	// ExtraBits is XORed into every kept offset. Moving away from
	// cache set zero avoids the sets that use a different
	// replacement policy (set dueling).
	ExtraBits uint64

	// StandardBits is XORed into the result to derive the second
	// address of each offset. It flips a row parity bit together
	// with its bank partner, landing two rows up in the same bank.
	StandardBits uint64
}

// Build returns two candidate aggressors for every same-slice offset of
// every classified huge page.
func Build(region addressing.Region, colors evset.Colors, cfg Config) ([]int, error) {
	var aggressors []int

	for h, color := range colors {
		if color == evset.Unclassified {
			continue
		}

		// Some slice values have no offset of the wanted parity.
		for _, i := range region.SameSliceParity(h, uint64(color), cfg.Parity) {
			po := region.PageOffset(i) ^ cfg.ExtraBits
			aggressors = append(aggressors,
				region.BufferOffset(po, h),
				region.BufferOffset(po^cfg.StandardBits, h))
		}
	}

	if len(aggressors) == 0 {
		return nil, invariant.Violation("no aggressor candidates in %d huge pages (%d classified)",
			len(colors), colors.Classified())
	}

	return aggressors, nil
}

// FilterBank returns the aggressors that map to bank.
func FilterBank(region addressing.Region, aggressors []int, bank uint64) []int {
	var single []int

	for _, a := range aggressors {
		if region.Bank(a) == bank {
			single = append(single, a)
		}
	}

	return single
}

// Select picks aggressor pairs for one hammering round. The first pair
// is always (t, t+1); pairs+hitPairs-1 further distinct pairs starting
// at random even indices follow. The result holds indices into an
// aggressor set of length n.
func Select(rng *rand.Rand, t int, n int, pairs int, hitPairs int) ([]int, error) {
	if t < 0 || t%2 != 0 || t+1 >= n {
		return nil, invariant.Violation("pair index %d is not the start of a pair in %d aggressors", t, n)
	}

	want := pairs + hitPairs
	if n/2 < want {
		return nil, fmt.Errorf("need %d pairs, have %d aggressors - %w", want, n, ErrPoolTooSmall)
	}

	selection := make([]int, 0, 2*want)
	selection = append(selection, t, t+1)

	used := map[int]struct{}{t: {}}

	for len(selection) < 2*want {
		pick := 2 * rng.Intn(n/2)

		_, hasIt := used[pick]
		if hasIt {
			continue
		}

		used[pick] = struct{}{}
		selection = append(selection, pick, pick+1)
	}

	return selection, nil
}
