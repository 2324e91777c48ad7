package timing

import (
	"time"
)

// junkSink keeps the probe's loads observable to the compiler.
var junkSink byte

// ArenaProber is the Prober used against real memory. Each repetition
// walks the first Associativity members of the set, which should evict
// the rest of the set if they share a cache slice, then reads the
// remaining members. Iterations controls how many times that is done
// per repetition.
//
// Every load feeds an accumulator so none of them can be dropped.
type ArenaProber struct {
	Mem           []byte
	Associativity int
	Iterations    int
}

// Probe implements Prober.
func (o *ArenaProber) Probe(set []int) time.Duration {
	n := o.Associativity
	if n > len(set) {
		n = len(set)
	}

	mem := o.Mem
	evict := set[:n]
	tail := set[n:]

	var junk byte

	start := time.Now()

	for it := 0; it < o.Iterations; it++ {
		for _, i := range evict {
			junk ^= mem[i]
		}

		for _, i := range tail {
			junk ^= mem[i]
		}
	}

	elapsed := time.Since(start)

	junkSink ^= junk

	return elapsed
}
