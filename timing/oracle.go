// Package timing decides whether a set of addresses contends for the same
// hardware resource by timing accesses to it.
//
// All decisions are relative: a set of addresses that evicts itself from
// the cache takes measurably longer to walk than one that does not. Raw
// samples are heavy tailed (scheduler preemption, prefetchers, interrupts)
// so an Oracle reduces repetitions to their median, and retries a
// measurement whose median is implausibly large.
package timing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ErrNoisy is returned by ReliableMeasure when every retry stayed at or
// above the sanity ceiling.
var ErrNoisy = errors.New("measurement stayed above the sanity ceiling")

// Prober times one repetition of the probe loop over set.
type Prober interface {
	Probe(set []int) time.Duration
}

// ProberFunc adapts a function to a Prober.
type ProberFunc func(set []int) time.Duration

// Probe calls fn(set).
func (fn ProberFunc) Probe(set []int) time.Duration {
	return fn(set)
}

// Measurer is what the eviction-set search and the aggressor checks need
// from an Oracle.
type Measurer interface {
	ReliableMeasure(set []int) (time.Duration, error)
}

// Oracle reduces repeated probes to a robust latency value.
type Oracle struct {
	Prober Prober

	// Repetitions is the number of probes per measurement.
	Repetitions int

	// Ceiling is the sanity limit. A median at or above it is
	// treated as an interrupted measurement and retried.
	Ceiling time.Duration

	// MaxRetries bounds the retries of ReliableMeasure. Zero
	// means retry until a sample falls below Ceiling.
	MaxRetries int

	// OptOnRetry is called with the rejected median each time
	// ReliableMeasure discards a measurement.
	OptOnRetry func(rejected time.Duration)

	OptLogger *zap.Logger
}

// Validate checks the oracle configuration.
func (o *Oracle) Validate() error {
	if o.Prober == nil {
		return errors.New("prober cannot be nil")
	}

	if o.Repetitions <= 0 {
		return fmt.Errorf("repetitions must be greater than zero - got %d", o.Repetitions)
	}

	if o.Ceiling <= 0 {
		return fmt.Errorf("sanity ceiling must be greater than zero - got %s", o.Ceiling)
	}

	if o.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative - got %d", o.MaxRetries)
	}

	return nil
}

// Measure probes set Repetitions times and returns the median.
func (o *Oracle) Measure(set []int) time.Duration {
	times := make([]time.Duration, o.Repetitions)

	for r := range times {
		times[r] = o.Prober.Probe(set)
	}

	return Median(times)
}

// ReliableMeasure is Measure, repeated while the result is at or above
// the sanity ceiling. It never returns a value at or above Ceiling.
func (o *Oracle) ReliableMeasure(set []int) (time.Duration, error) {
	for retries := 0; ; retries++ {
		median := o.Measure(set)
		if median < o.Ceiling {
			return median, nil
		}

		if o.OptOnRetry != nil {
			o.OptOnRetry(median)
		}

		if o.OptLogger != nil {
			o.OptLogger.Debug("discarding measurement above ceiling",
				zap.Duration("median", median),
				zap.Duration("ceiling", o.Ceiling),
				zap.Int("retry", retries+1))
		}

		if o.MaxRetries > 0 && retries+1 >= o.MaxRetries {
			return 0, fmt.Errorf("gave up after %d retries - %w", retries+1, ErrNoisy)
		}
	}
}

// Median returns the median of times without modifying it. For an even
// number of samples it is the mean of the two middle samples.
func Median(times []time.Duration) time.Duration {
	n := len(times)
	if n == 0 {
		return 0
	}

	sorted := make([]time.Duration, n)
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	if n%2 == 1 {
		return sorted[n/2]
	}

	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MedianFloat is Median for float64 samples.
func MedianFloat(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}

	return (sorted[n/2-1] + sorted[n/2]) / 2
}
