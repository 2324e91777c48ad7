package report

import (
	"bufio"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// Stages splits a session into numbered, timed phases which are
// reported to a Sink. Each phase ends when the next one starts.
type Stages struct {
	Sink Sink

	// Goto optionally specifies a stage number to pause execution
	// at until a newline is read. For example, setting this field
	// to 2 means that the second stage will block until a newline
	// is provided.
	Goto int

	// OptPauseInput is read when pausing. Defaults to os.Stdin.
	OptPauseInput io.Reader

	// OptLogger prints the pause prompt.
	OptLogger *zap.Logger

	// OptNow overrides time.Now.
	OptNow func() time.Time

	num      int
	prevName string
	start    time.Time
	lapStart time.Time
}

// Num returns the number of the current stage. It is zero before the
// first call to Next.
func (o *Stages) Num() int {
	return o.num
}

// Next ends the current stage, if any, and starts a new one.
func (o *Stages) Next(name string) {
	now := o.now()

	if o.num > 0 {
		o.Sink.PhaseEnd(o.prevName, now.Sub(o.lapStart), now.Sub(o.start))
	} else {
		o.start = now
	}

	o.num++
	o.prevName = name
	o.lapStart = now

	o.Sink.PhaseStart(name)

	if o.Goto == 0 || o.Goto > o.num {
		return
	}

	o.pause()
}

// Done ends the current stage without starting another one.
func (o *Stages) Done() {
	if o.num == 0 || o.prevName == "" {
		return
	}

	now := o.now()
	o.Sink.PhaseEnd(o.prevName, now.Sub(o.lapStart), now.Sub(o.start))
	o.prevName = ""
}

// Elapsed returns the time since the first stage started.
func (o *Stages) Elapsed() time.Duration {
	if o.num == 0 {
		return 0
	}
	return o.now().Sub(o.start)
}

func (o *Stages) pause() {
	logger := o.OptLogger
	if logger == nil {
		logger = zap.NewNop()
	}

	input := o.OptPauseInput
	if input == nil {
		input = os.Stdin
	}

	logger.Info("press enter to continue",
		zap.Int("stage", o.num),
		zap.String("phase", o.prevName))

	bufio.NewReader(input).ReadString('\n')
}

func (o *Stages) now() time.Time {
	if o.OptNow != nil {
		return o.OptNow()
	}
	return time.Now()
}
