// Package smash runs the whole attack: it finds an eviction set, learns
// the slice of every huge page, derives single-bank aggressors, tunes the
// hammering loop to the refresh interval and hammers until enough bits
// flip or every candidate is used up.
package smash

import (
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"time"

	"gitlab.com/stephen-fox/smashkit/addressing"
	"gitlab.com/stephen-fox/smashkit/evset"
	"gitlab.com/stephen-fox/smashkit/hammer"
	"gitlab.com/stephen-fox/smashkit/report"
	"gitlab.com/stephen-fox/smashkit/target"
	"gitlab.com/stephen-fox/smashkit/timing"
	"go.uber.org/zap"
)

// Hammerer runs access patterns over the arena. *hammer.Chains
// implements it.
type Hammerer interface {
	Install(pattern []int) error
	Hammer(low int, high int, busyWork int, activations int, steps int) uint32
	Benchmark(low int, high int, busyWork int, steps int, innerReps int, reps int, refresh time.Duration) (float64, error)
}

// Config holds everything a Session needs.
type Config struct {
	Profile target.Profile
	Region  addressing.Region
	Mem     []byte

	// Seed seeds the aggressor selection.
	Seed int64

	OptSink report.Sink

	// OptMeasurer replaces the timing oracle built from the
	// profile.
	OptMeasurer timing.Measurer

	// OptHammerer replaces the chains built over Mem.
	OptHammerer Hammerer

	// OptKeepGC leaves the garbage collector enabled during Run.
	OptKeepGC bool

	OptLogger *zap.Logger
}

// Result summarizes a session.
type Result struct {
	Flips      []hammer.Flip
	TotalFlips int

	// Exhausted is set when every color, bank and window was
	// tried without reaching the flip quota.
	Exhausted bool

	// Rounds counts hammering rounds (one window, one pattern).
	Rounds int

	Elapsed time.Duration
}

// Session is the state of one run. It is not safe for concurrent use.
type Session struct {
	profile  target.Profile
	region   addressing.Region
	mem      []byte
	measurer timing.Measurer
	hammerer Hammerer
	sink     report.Sink
	stages   *report.Stages
	rng      *rand.Rand
	logger   *zap.Logger
	keepGC   bool

	state state

	evictionSet evset.EvictionSet
	colors      evset.Colors
	color       int
	aggressors  []int
	bank        int
	single      []int
	busyWork    int
	window      int

	result Result
}

// NewSession validates cfg and creates a Session.
func NewSession(cfg Config) (*Session, error) {
	err := cfg.Profile.Validate()
	if err != nil {
		return nil, err
	}

	err = cfg.Region.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid region - %w", err)
	}

	if len(cfg.Mem) != cfg.Region.Size {
		return nil, fmt.Errorf("memory is %d bytes, region expects %d", len(cfg.Mem), cfg.Region.Size)
	}

	s := &Session{
		profile:  cfg.Profile,
		region:   cfg.Region,
		mem:      cfg.Mem,
		measurer: cfg.OptMeasurer,
		hammerer: cfg.OptHammerer,
		sink:     cfg.OptSink,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		logger:   cfg.OptLogger,
		keepGC:   cfg.OptKeepGC,
		state:    stateInit,
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	if s.sink == nil {
		s.sink = report.Nop{}
	}

	s.stages = &report.Stages{
		Sink:      s.sink,
		OptLogger: s.logger,
	}

	if s.measurer == nil {
		oracle := cfg.Profile.Oracle(cfg.Profile.Prober(cfg.Mem), s.logger)
		oracle.OptOnRetry = func(rejected time.Duration) {
			s.sink.Warning("measurement retried", zap.Duration("median", rejected))
		}

		err = oracle.Validate()
		if err != nil {
			return nil, fmt.Errorf("invalid timing oracle - %w", err)
		}

		s.measurer = oracle
	}

	if s.hammerer == nil {
		chains, err := hammer.NewChains(cfg.Mem, cfg.Profile.Pattern.Lanes)
		if err != nil {
			return nil, fmt.Errorf("failed to create chains - %w", err)
		}

		s.hammerer = chains
	}

	return s, nil
}

// Stages returns the phase timer, e.g. to set a pause point.
func (o *Session) Stages() *report.Stages {
	return o.stages
}

// RunOrExit runs a session and calls DefaultExitFn if an error occurs.
func RunOrExit(cfg Config) Result {
	s, err := NewSession(cfg)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create session - %w", err))
		return Result{}
	}

	result, err := s.Run()
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to run session - %w", err))
	}

	return result
}

// Run drives the state machine until the flip quota is met, every
// candidate is used up, or a fatal error occurs. Advisory problems are
// reported to the sink and never returned.
//
// Run pins the calling goroutine to its OS thread and, unless
// OptKeepGC is set, disables the garbage collector until it returns.
func (o *Session) Run() (Result, error) {
	if o.state != stateInit {
		return o.result, errors.New("session has already run")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if !o.keepGC {
		percent := debug.SetGCPercent(-1)
		defer debug.SetGCPercent(percent)
	}

	for o.state != stateDone {
		next, err := o.step()
		if err != nil {
			o.stages.Done()
			o.result.Elapsed = o.stages.Elapsed()
			return o.result, fmt.Errorf("%s failed - %w", o.state, err)
		}

		o.logger.Debug("state transition",
			zap.Stringer("from", o.state),
			zap.Stringer("to", next))

		o.state = next
	}

	o.stages.Done()
	o.result.Elapsed = o.stages.Elapsed()

	return o.result, nil
}
