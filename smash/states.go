package smash

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/smashkit/aggressor"
	"gitlab.com/stephen-fox/smashkit/evset"
	"gitlab.com/stephen-fox/smashkit/hammer"
	"gitlab.com/stephen-fox/smashkit/report"
	"gitlab.com/stephen-fox/smashkit/softsync"
	"gitlab.com/stephen-fox/smashkit/timing"
	"go.uber.org/zap"
)

type state int

const (
	stateInit state = iota
	stateSearchEviction
	stateClassifyColors
	stateNextColor
	stateNextBank
	stateVerifyAggressors
	stateSoftSync
	stateNextWindow
	stateHammerAndDetect
	stateDone
)

func (o state) String() string {
	switch o {
	case stateInit:
		return "init"
	case stateSearchEviction:
		return "search eviction"
	case stateClassifyColors:
		return "classify colors"
	case stateNextColor:
		return "next color"
	case stateNextBank:
		return "next bank"
	case stateVerifyAggressors:
		return "verify aggressors"
	case stateSoftSync:
		return "soft sync"
	case stateNextWindow:
		return "next window"
	case stateHammerAndDetect:
		return "hammer and detect"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("unknown (%d)", int(o))
	}
}

func (o *Session) step() (state, error) {
	switch o.state {
	case stateInit:
		return stateSearchEviction, nil
	case stateSearchEviction:
		return o.searchEviction()
	case stateClassifyColors:
		return o.classifyColors()
	case stateNextColor:
		return o.nextColor()
	case stateNextBank:
		return o.nextBank()
	case stateVerifyAggressors:
		return o.verifyAggressors()
	case stateSoftSync:
		return o.softSync()
	case stateNextWindow:
		return o.nextWindow()
	case stateHammerAndDetect:
		return o.hammerAndDetect()
	default:
		return stateDone, fmt.Errorf("no transition from state %s", o.state)
	}
}

func (o *Session) searchEviction() (state, error) {
	o.stages.Next("first eviction set")

	cfg, err := o.profile.EvictionConfig(o.region, o.logger)
	if err != nil {
		return stateDone, err
	}

	o.evictionSet, err = evset.FindFirst(cfg, o.measurer)
	if err != nil {
		return stateDone, err
	}

	return stateClassifyColors, nil
}

func (o *Session) classifyColors() (state, error) {
	o.stages.Next("huge page colors")

	cfg, err := o.profile.EvictionConfig(o.region, o.logger)
	if err != nil {
		return stateDone, err
	}

	o.colors, err = evset.Classify(cfg, o.measurer, o.evictionSet)
	if err != nil {
		return stateDone, err
	}

	if n := len(o.colors) - o.colors.Classified(); n > 0 {
		o.sink.Warning("unclassified huge pages",
			zap.Int("unclassified", n),
			zap.Int("huge_pages", len(o.colors)))
	}

	o.color = -1

	return stateNextColor, nil
}

func (o *Session) nextColor() (state, error) {
	o.color++
	if o.color >= o.profile.Cache.Slices {
		o.result.Exhausted = true
		return stateDone, nil
	}

	o.stages.Next(fmt.Sprintf("color %d", o.color))

	var err error
	o.aggressors, err = aggressor.Build(o.region, o.colors.XOR(o.color), o.profile.AggressorConfig())
	if err != nil {
		return stateDone, err
	}

	o.bank = -1

	return stateNextBank, nil
}

func (o *Session) nextBank() (state, error) {
	for {
		o.bank++
		if o.bank >= o.profile.DRAM.Banks {
			return stateNextColor, nil
		}

		o.single = aggressor.FilterBank(o.region, o.aggressors, uint64(o.bank))
		if len(o.single) == 0 {
			continue
		}

		want := o.profile.Pattern.Pairs + o.profile.Pattern.HitPairs
		if len(o.single)/2 < want {
			o.sink.Warning(aggressor.ErrPoolTooSmall.Error(),
				zap.Int("color", o.color),
				zap.Int("bank", o.bank),
				zap.Int("aggressors", len(o.single)),
				zap.Int("pairs", want))
			continue
		}

		o.stages.Next(fmt.Sprintf("color %d bank %d", o.color, o.bank))

		return stateVerifyAggressors, nil
	}
}

func (o *Session) verifyAggressors() (state, error) {
	result, err := aggressor.VerifySelfEviction(o.rng, o.measurer, o.single, o.profile.VerifyConfig(o.logger))
	if err != nil {
		if !errors.Is(err, timing.ErrNoisy) {
			return stateDone, err
		}

		o.sink.Warning("self eviction measurement too noisy",
			zap.Int("bank", o.bank),
			zap.Int("tests", result.Tests),
			zap.Error(err))

		return stateSoftSync, nil
	}

	switch {
	case result.Skipped:
		o.sink.Warning("aggressor pool too small to verify self eviction",
			zap.Int("bank", o.bank),
			zap.Int("aggressors", len(o.single)))
	case len(result.Failures) > 0:
		o.sink.Warning("aggressors are not self-evicting",
			zap.Int("bank", o.bank),
			zap.Int("failures", len(result.Failures)),
			zap.Int("tests", result.Tests))
	}

	return stateSoftSync, nil
}

func (o *Session) softSync() (state, error) {
	controller := o.profile.Controller(o.logger)
	controller.OptOnStep = func(s softsync.Step) {
		o.sink.Progress(report.ProgressEvent{
			Phase:    report.PhaseSoftSync,
			Color:    o.color,
			Bank:     uint64(o.bank),
			BusyWork: s.BusyWork,
			Ratio:    s.Ratio,
		})
	}

	result, err := controller.Run(o.bench)
	if err != nil {
		return stateDone, err
	}

	if !result.Locked {
		o.sink.Warning("soft sync did not lock",
			zap.Int("busy_work", result.BusyWork),
			zap.Float64("ratio", result.Ratio),
			zap.Int("iterations", result.Iterations))
	}

	o.busyWork = result.BusyWork
	o.window = -2

	return stateNextWindow, nil
}

// bench installs a fresh pattern rooted at the first pair and times it.
func (o *Session) bench(busyWork int) (float64, error) {
	selection, err := o.selection(0)
	if err != nil {
		return 0, err
	}

	pattern, err := hammer.Build(selection, o.single, o.profile.PatternConfig())
	if err != nil {
		return 0, err
	}

	err = o.hammerer.Install(pattern)
	if err != nil {
		return 0, err
	}

	return o.hammerer.Benchmark(o.single[0], o.single[1], busyWork, o.profile.Steps(),
		o.profile.SoftSync.BenchInnerReps, o.profile.SoftSync.BenchReps,
		o.profile.DRAM.Refresh.Std())
}

func (o *Session) selection(t int) ([]int, error) {
	return aggressor.Select(o.rng, t, len(o.single), o.profile.Pattern.Pairs, o.profile.Pattern.HitPairs)
}

func (o *Session) nextWindow() (state, error) {
	o.window += 2
	if o.window+1 >= len(o.single) {
		return stateNextBank, nil
	}

	return stateHammerAndDetect, nil
}

func (o *Session) hammerAndDetect() (state, error) {
	t := o.window
	sub := 0

	for _, pattern := range o.profile.Patterns() {
		selection, err := o.selection(t)
		if err != nil {
			return stateDone, err
		}

		layout, err := aggressor.NewLayout(o.rng, o.region, o.mem, selection, o.single, pattern,
			o.profile.LayoutConfig())
		if errors.Is(err, aggressor.ErrOutOfArena) {
			o.sink.Warning("victim layout leaves the arena, skipping window",
				zap.Int("bank", o.bank),
				zap.Int("pair", t),
				zap.Error(err))
			return stateNextWindow, nil
		}
		if err != nil {
			return stateDone, err
		}

		accesses, err := hammer.Build(selection, o.single, o.profile.PatternConfig())
		if err != nil {
			return stateDone, err
		}

		err = o.hammerer.Install(accesses)
		if err != nil {
			return stateDone, err
		}

		heads := o.hammerer.Hammer(o.single[t], o.single[t+1], o.busyWork,
			o.profile.Hammer.Activations, o.profile.Steps())

		flips := hammer.DetectFlips(o.region, o.mem, layout)
		for _, flip := range flips {
			o.sink.Flip(report.FlipEvent{
				Offset:     flip.Offset,
				PageOffset: flip.PageOffset,
				ByteInBus:  flip.ByteInBus,
				Expected:   flip.Expected,
				Observed:   flip.Observed,
				Color:      o.color,
				Bank:       uint64(o.bank),
				Pair:       t,
				BusyWork:   o.busyWork,
			})
		}

		sub += len(flips)
		o.result.Flips = append(o.result.Flips, flips...)
		o.result.Rounds++

		o.sink.Progress(report.ProgressEvent{
			Phase:      report.PhaseHammer,
			Color:      o.color,
			Bank:       uint64(o.bank),
			Pair:       t,
			Pattern:    pattern,
			BusyWork:   o.busyWork,
			Flips:      len(flips),
			TotalFlips: o.result.TotalFlips + sub,
		})

		o.logger.Debug("hammer round",
			zap.Int("pair", t),
			zap.Int("aggressors", len(o.single)),
			zap.Ints("selection", selection),
			zap.Uint32("heads", heads))
	}

	o.result.TotalFlips += sub

	if o.result.TotalFlips >= o.profile.Hammer.FlipQuota {
		o.stages.Next("flip quota reached")
		return stateDone, nil
	}

	return stateNextWindow, nil
}
