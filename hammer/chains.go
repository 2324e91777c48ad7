package hammer

import (
	"errors"
	"fmt"
	"math"
	"time"
	"unsafe"

	"gitlab.com/stephen-fox/smashkit/invariant"
	"gitlab.com/stephen-fox/smashkit/timing"
)

const (
	// PageWords is the number of words in one page of the nested view.
	PageWords = 1024

	pageShift = 10
	pageMask  = PageWords - 1
)

// Chains is a nested view of the arena as pages of 32-bit words. Chain
// links are word indices: the word at index x lives at
// pages[x>>10][x&0x3ff].
type Chains struct {
	// Lanes is the distance between a slot and the slot it links
	// to. With two lanes the even and odd slots of a pattern form
	// two interleaved chains, one per aggressor of the seed pair.
	Lanes int

	pages [][]uint32
}

// NewChains creates the nested view over mem. The length of mem must be
// a multiple of the page size and mem must be word aligned.
func NewChains(mem []byte, lanes int) (*Chains, error) {
	if lanes <= 0 {
		return nil, invariant.Violation("chain lanes must be greater than zero - got %d", lanes)
	}

	pageSize := PageWords * wordSize
	if len(mem) == 0 || len(mem)%pageSize != 0 {
		return nil, fmt.Errorf("memory size %d is not a multiple of %d", len(mem), pageSize)
	}

	if uint64(len(mem)/wordSize) > math.MaxUint32 {
		return nil, fmt.Errorf("memory of %d bytes cannot be indexed by 32-bit words", len(mem))
	}

	if uintptr(unsafe.Pointer(&mem[0]))%wordSize != 0 {
		return nil, errors.New("memory is not word aligned")
	}

	words := unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), len(mem)/wordSize)

	pages := make([][]uint32, len(words)/PageWords)
	for i := range pages {
		pages[i] = words[i*PageWords : (i+1)*PageWords : (i+1)*PageWords]
	}

	return &Chains{
		Lanes: lanes,
		pages: pages,
	}, nil
}

// Words returns the number of words in the view.
func (o *Chains) Words() int {
	return len(o.pages) * PageWords
}

// Load returns the word at word index x.
func (o *Chains) Load(x uint32) uint32 {
	return o.pages[x>>pageShift][x&pageMask]
}

// Install links every slot of pattern to the slot Lanes positions later,
// wrapping at the end of the pattern.
func (o *Chains) Install(pattern []int) error {
	if len(pattern) == 0 {
		return invariant.Violation("cannot install an empty pattern")
	}

	if len(pattern)%o.Lanes != 0 {
		return invariant.Violation("pattern length %d is not a multiple of %d lanes", len(pattern), o.Lanes)
	}

	words := o.Words()
	for i, p := range pattern {
		if p < 0 || p%wordSize != 0 || p/wordSize >= words {
			return invariant.Violation("pattern slot %d holds an invalid offset %d", i, p)
		}
	}

	for i, p := range pattern {
		x := uint32(p / wordSize)
		o.pages[x>>pageShift][x&pageMask] = uint32(pattern[(i+o.Lanes)%len(pattern)] / wordSize)
	}

	return nil
}

// Walk follows the chain starting at byte offset start for steps links
// and returns the byte offsets visited, start included.
func (o *Chains) Walk(start int, steps int) []int {
	visited := make([]int, 0, steps+1)
	visited = append(visited, start)

	x := uint32(start / wordSize)
	for i := 0; i < steps; i++ {
		x = o.Load(x)
		visited = append(visited, int(x)*wordSize)
	}

	return visited
}

var busySink uint32

// Hammer walks the chains rooted at byte offsets low and high for
// activations iterations. Every iteration does busyWork no-op XORs and
// then steps links on each chain. It returns the XOR of the final heads.
//
//go:noinline
func (o *Chains) Hammer(low int, high int, busyWork int, activations int, steps int) uint32 {
	pages := o.pages
	l := uint32(low / wordSize)
	h := uint32(high / wordSize)
	junk := uint32(0)

	for i := 0; i < activations; i++ {
		for k := 0; k < busyWork; k++ {
			junk ^= uint32(k)
		}

		for j := 0; j < steps; j++ {
			l = pages[l>>pageShift][l&pageMask]
			h = pages[h>>pageShift][h&pageMask]
		}
	}

	busySink ^= junk

	return l ^ h
}

// Benchmark times the hammering loop and returns refresh divided by the
// median duration of one iteration. Each of the reps samples runs
// innerReps iterations.
func (o *Chains) Benchmark(low int, high int, busyWork int, steps int, innerReps int, reps int, refresh time.Duration) (float64, error) {
	if innerReps <= 0 || reps <= 0 {
		return 0, invariant.Violation("benchmark repetitions (%d inner, %d outer) must be greater than zero",
			innerReps, reps)
	}

	perIteration := make([]float64, reps)
	heads := uint32(0)

	for i := range perIteration {
		start := time.Now()
		heads ^= o.Hammer(low, high, busyWork, innerReps, steps)
		perIteration[i] = float64(time.Since(start).Nanoseconds()) / float64(innerReps)
	}

	busySink ^= heads

	ns := timing.MedianFloat(perIteration)
	if ns <= 0 {
		return 0, fmt.Errorf("measured a non-positive iteration time of %f ns", ns)
	}

	return float64(refresh.Nanoseconds()) / ns, nil
}
