package hammer

import (
	"fmt"
	"math/bits"

	"gitlab.com/stephen-fox/smashkit/addressing"
	"gitlab.com/stephen-fox/smashkit/aggressor"
)

// Flip is one victim byte that no longer holds the layout's pattern.
type Flip struct {
	// Offset is the buffer offset of the byte.
	Offset int

	// PageOffset is the offset of the byte inside its huge page.
	PageOffset uint64

	// ByteInBus is the position of the byte in its bus word.
	ByteInBus int

	Expected byte
	Observed byte
}

// Bits returns the number of bits that changed.
func (o Flip) Bits() int {
	return bits.OnesCount8(o.Expected ^ o.Observed)
}

// OneToZero reports whether every changed bit went from one to zero.
func (o Flip) OneToZero() bool {
	changed := o.Expected ^ o.Observed
	return changed&o.Expected == changed
}

func (o Flip) String() string {
	return fmt.Sprintf("%d 0x%x %d 0x%02x -> 0x%02x",
		o.Offset, o.PageOffset, o.ByteInBus, o.Expected, o.Observed)
}

// DetectFlips re-reads every victim byte of layout and returns the ones
// that differ from the pattern. The flip count is the length of the
// result.
func DetectFlips(region addressing.Region, mem []byte, layout *aggressor.Layout) []Flip {
	var flips []Flip

	for _, v := range layout.Victims {
		for b := 0; b < layout.BusWidth; b++ {
			got := mem[v+b]
			if got == layout.Pattern {
				continue
			}

			po := region.PageOffset(v + b)
			flips = append(flips, Flip{
				Offset:     v + b,
				PageOffset: po,
				ByteInBus:  int(po % uint64(layout.BusWidth)),
				Expected:   layout.Pattern,
				Observed:   got,
			})
		}
	}

	return flips
}
