// Package report receives the events of a smashing session: phase
// timings, progress, bit flips and advisory warnings.
package report

import (
	"time"

	"go.uber.org/zap"
)

// Sink receives session events. Implementations must not block for
// long: events are emitted from the measurement loop.
type Sink interface {
	PhaseStart(name string)
	PhaseEnd(name string, lap time.Duration, total time.Duration)
	Flip(FlipEvent)
	Progress(ProgressEvent)
	Warning(msg string, fields ...zap.Field)
}

// FlipEvent describes one flipped victim byte and where it was found.
type FlipEvent struct {
	Offset     int
	PageOffset uint64
	ByteInBus  int
	Expected   byte
	Observed   byte

	Color    int
	Bank     uint64
	Pair     int
	BusyWork int
}

// Progress phases.
const (
	PhaseSoftSync = "soft_sync"
	PhaseHammer   = "hammer"
)

// ProgressEvent is emitted after every soft sync step and every
// hammering round.
type ProgressEvent struct {
	Phase string

	Color    int
	Bank     uint64
	Pair     int
	Pattern  byte
	BusyWork int

	// Ratio is set by soft sync steps.
	Ratio float64

	// Flips is the number of flips found in this round and
	// TotalFlips the running total.
	Flips      int
	TotalFlips int
}

// Nop discards every event.
type Nop struct{}

func (Nop) PhaseStart(string) {}
func (Nop) PhaseEnd(string, time.Duration, time.Duration) {}
func (Nop) Flip(FlipEvent) {}
func (Nop) Progress(ProgressEvent) {}
func (Nop) Warning(string, ...zap.Field) {}

// Multi fans every event out to each of its sinks, in order.
type Multi []Sink

func (o Multi) PhaseStart(name string) {
	for _, s := range o {
		s.PhaseStart(name)
	}
}

func (o Multi) PhaseEnd(name string, lap time.Duration, total time.Duration) {
	for _, s := range o {
		s.PhaseEnd(name, lap, total)
	}
}

func (o Multi) Flip(event FlipEvent) {
	for _, s := range o {
		s.Flip(event)
	}
}

func (o Multi) Progress(event ProgressEvent) {
	for _, s := range o {
		s.Progress(event)
	}
}

func (o Multi) Warning(msg string, fields ...zap.Field) {
	for _, s := range o {
		s.Warning(msg, fields...)
	}
}
