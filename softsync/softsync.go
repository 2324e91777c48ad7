// Package softsync tunes the amount of busy work between hammering
// iterations until the iteration period sits in a fixed phase relation
// with the DRAM refresh interval.
package softsync

import (
	"errors"
	"fmt"
	"math"

	"gitlab.com/stephen-fox/smashkit/invariant"
	"go.uber.org/zap"
)

// BenchFn runs the hammering loop with the given amount of busy work and
// returns the refresh interval divided by the time of one iteration.
type BenchFn func(busyWork int) (float64, error)

// Step is one iteration of the control loop.
type Step struct {
	Iteration int
	BusyWork  int
	Ratio     float64
}

// Result is the outcome of Controller.Run.
type Result struct {
	// BusyWork is the amount of busy work to hammer with.
	BusyWork int

	// Ratio is the last measured ratio.
	Ratio float64

	// Locked is false when the loop ran out of iterations or
	// busy work dropped below zero.
	Locked bool

	Iterations int
	Trace      []Step
}

// Controller is a step-shrinking search for a busy-work amount whose
// ratio lands within Epsilon of an integer or half integer.
type Controller struct {
	// Target separates too fast (more busy work) from too slow
	// (less busy work).
	Target float64

	Epsilon float64

	InitialBusyWork int
	InitialStep     int
	MinStep         int

	// Shrink multiplies the step before every adjustment.
	Shrink float64

	// MaxIterations bounds the loop. Zero means unbounded.
	MaxIterations int

	// OptOnStep is called after every measurement.
	OptOnStep func(Step)

	OptLogger *zap.Logger
}

// Validate returns a non-nil error if the controller cannot run.
func (o Controller) Validate() error {
	if o.Epsilon < 0 || o.Epsilon >= 0.25 {
		return invariant.Violation("epsilon %f must be in [0, 0.25)", o.Epsilon)
	}

	if o.InitialBusyWork < 0 {
		return invariant.Violation("initial busy work %d cannot be negative", o.InitialBusyWork)
	}

	if o.MinStep <= 0 || o.InitialStep < o.MinStep {
		return invariant.Violation("steps (initial %d, min %d) must be positive and ordered",
			o.InitialStep, o.MinStep)
	}

	if o.Shrink <= 0 || o.Shrink > 1 {
		return invariant.Violation("shrink factor %f must be in (0, 1]", o.Shrink)
	}

	if o.MaxIterations < 0 {
		return invariant.Violation("max iterations %d cannot be negative", o.MaxIterations)
	}

	return nil
}

// Run searches for the busy work amount.
func (o Controller) Run(bench BenchFn) (Result, error) {
	err := o.Validate()
	if err != nil {
		return Result{}, err
	}

	if bench == nil {
		return Result{}, errors.New("bench function is nil")
	}

	logger := o.OptLogger
	if logger == nil {
		logger = zap.NewNop()
	}

	result := Result{
		BusyWork: o.InitialBusyWork,
	}

	step := o.InitialStep

	for o.MaxIterations == 0 || result.Iterations < o.MaxIterations {
		ratio, err := bench(result.BusyWork)
		if err != nil {
			return result, fmt.Errorf("failed to benchmark busy work %d - %w", result.BusyWork, err)
		}

		ratio = Round(ratio)

		s := Step{
			Iteration: result.Iterations,
			BusyWork:  result.BusyWork,
			Ratio:     ratio,
		}

		result.Iterations++
		result.Ratio = ratio
		result.Trace = append(result.Trace, s)

		if o.OptOnStep != nil {
			o.OptOnStep(s)
		}

		logger.Debug("soft sync step",
			zap.Int("busy_work", s.BusyWork),
			zap.Float64("ratio", s.Ratio))

		if Locked(ratio, o.Epsilon) {
			result.Locked = true
			return result, nil
		}

		step = int(math.Round(float64(step) * o.Shrink))
		if step < o.MinStep {
			step = o.MinStep
		}

		if ratio > o.Target {
			result.BusyWork += step
		} else {
			result.BusyWork -= step
		}

		if result.BusyWork < 0 {
			result.BusyWork = 0
			logger.Warn("busy work dropped below zero, hammering unsynchronized")
			return result, nil
		}
	}

	logger.Warn("soft sync did not lock",
		zap.Int("iterations", result.Iterations),
		zap.Int("busy_work", result.BusyWork),
		zap.Float64("ratio", result.Ratio))

	return result, nil
}

// Round rounds a ratio to two decimals.
func Round(ratio float64) float64 {
	return math.Round(ratio*100) / 100
}

// Locked reports whether ratio is within epsilon of an integer or of a
// half integer.
func Locked(ratio float64, epsilon float64) bool {
	diff := math.Abs(math.Round(ratio) - ratio)

	// Rounded ratios carry float noise in the third decimal.
	const slack = 1e-9

	return diff <= epsilon+slack || math.Abs(diff-0.5) <= epsilon+slack
}
