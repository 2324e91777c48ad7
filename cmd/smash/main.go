package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gitlab.com/stephen-fox/smashkit/arena"
	"gitlab.com/stephen-fox/smashkit/asmkit"
	"gitlab.com/stephen-fox/smashkit/hammer"
	"gitlab.com/stephen-fox/smashkit/report"
	"gitlab.com/stephen-fox/smashkit/smash"
	"gitlab.com/stephen-fox/smashkit/target"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	helpArg         = "h"
	profileArg      = "p"
	profileFileArg  = "profile-file"
	listArg         = "list"
	dumpProfileArg  = "dump-profile"
	dumpLoopArg     = "dump-loop"
	syntaxArg       = "syntax"
	hugePagesArg    = "huge-pages"
	modeArg         = "mode"
	lockArg         = "lock"
	alignArg        = "align"
	activationsArg  = "activations"
	quotaArg        = "quota"
	dataPatternsArg = "patterns"
	busyWorkArg     = "busy-work"
	tieBreakArg     = "tie-break"
	seedArg         = "seed"
	metricsFileArg  = "metrics-file"
	metricsAddrArg  = "metrics-addr"
	gotoArg         = "goto"
	keepGCArg       = "keep-gc"
	jsonArg         = "json"
	verboseArg      = "v"

	virtualAlign = "virtual"
	faultAlign   = "fault"

	appName = "smash"
	usage   = appName + `
DESCRIPTION
  Finds single-bank aggressor rows from cache timing alone, synchronizes
  the hammering loop with the DRAM refresh interval and hammers until the
  flip quota is met or every candidate has been tried.

USAGE
  ` + appName + ` [options]

EXAMPLES
  Run with the built-in profile for associativity 3:
    $ ` + appName + ` -` + profileArg + ` assoc3

  Print a profile as JSON, edit it, and run with it:
    $ ` + appName + ` -` + dumpProfileArg + ` > lab.json
    $ ` + appName + ` -` + profileFileArg + ` lab.json

  Check that the hammering loop still loads memory:
    $ ` + appName + ` -` + dumpLoopArg + `

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		helpArg,
		false,
		"Display this information")

	profileName := flag.String(
		profileArg,
		"default",
		"The built-in profile to use")

	profileFile := flag.String(
		profileFileArg,
		"",
		"Load the profile from a JSON `file` (fields not in the file keep the default profile's values)")

	list := flag.Bool(
		listArg,
		false,
		"List the built-in profiles and exit")

	dumpProfile := flag.Bool(
		dumpProfileArg,
		false,
		"Print the selected profile as JSON and exit")

	dumpLoop := flag.Bool(
		dumpLoopArg,
		false,
		"Disassemble the compiled hammering loop and exit")

	syntax := flag.String(
		syntaxArg,
		string(asmkit.GoSyntax),
		"The assembly syntax used by -"+dumpLoopArg)

	hugePages := flag.Int(
		hugePagesArg,
		0,
		"Override the number of huge pages")

	mode := flag.String(
		modeArg,
		arena.Transparent.String(),
		"Huge page backing: 'thp', 'hugetlb' or 'none'")

	lock := flag.Bool(
		lockArg,
		false,
		"Lock the arena in memory")

	align := flag.String(
		alignArg,
		virtualAlign,
		"How to find the first huge page: '"+virtualAlign+"', '"+faultAlign+"' or a byte offset")

	activations := flag.Int(
		activationsArg,
		0,
		"Override the activations per hammering round")

	quota := flag.Int(
		quotaArg,
		0,
		"Override the flip quota")

	dataPatterns := flag.String(
		dataPatternsArg,
		"",
		"Override the data patterns (comma separated hex bytes, e.g. 'ff,00')")

	busyWork := flag.Int(
		busyWorkArg,
		-1,
		"Override the initial busy work of soft sync")

	tieBreak := flag.String(
		tieBreakArg,
		"",
		"Override the classification tie break: 'direction' or 'current'")

	seed := flag.Int64(
		seedArg,
		time.Now().UnixNano(),
		"Seed of the aggressor selection")

	metricsFile := flag.String(
		metricsFileArg,
		"",
		"Write prometheus metrics to this `file` on exit")

	metricsAddr := flag.String(
		metricsAddrArg,
		"",
		"Serve prometheus metrics on this `address`")

	gotoStage := flag.Int(
		gotoArg,
		0,
		"Pause before the specified stage number until enter is pressed")

	keepGC := flag.Bool(
		keepGCArg,
		false,
		"Leave the garbage collector enabled while hammering")

	jsonLogs := flag.Bool(
		jsonArg,
		false,
		"Log JSON instead of console output")

	verbose := flag.Bool(
		verboseArg,
		false,
		"Log every measurement and hammering round")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	profiles := target.Builtin()

	if *list {
		for _, name := range profiles.Contexts() {
			p := profiles.LookupOrExit(name)
			fmt.Printf("%s\t%s\n", name, p.Description)
		}
		return nil
	}

	if *profileFile != "" {
		p, err := target.LoadFile(*profileFile)
		if err != nil {
			return err
		}

		profiles.Add(p).SetContext(p.Name)
	} else {
		profiles.SetContext(*profileName)
	}

	profile, err := profiles.Current()
	if err != nil {
		return err
	}

	err = applyOverrides(&profile, overrides{
		hugePages:    *hugePages,
		activations:  *activations,
		quota:        *quota,
		dataPatterns: *dataPatterns,
		busyWork:     *busyWork,
		tieBreak:     *tieBreak,
	})
	if err != nil {
		return err
	}

	if *dumpProfile {
		return target.Encode(os.Stdout, profile)
	}

	if *dumpLoop {
		return printLoop(asmkit.DisassemblySyntax(*syntax))
	}

	logger, err := newLogger(*jsonLogs, *verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	arenaMode, err := arena.ParseMode(*mode)
	if err != nil {
		return err
	}

	a, err := arena.Map(arena.Config{
		Size:      profile.Arena.Size,
		Mode:      arenaMode,
		Lock:      *lock,
		OptLogger: logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	first, err := firstHugePage(a, *align, profile, logger)
	if err != nil {
		return err
	}

	a.Populate()

	region, err := a.Registry(profile.Model, profile.Arena.HugePageSize, first, profile.Arena.HugePages)
	if err != nil {
		return err
	}

	sink := report.Multi{report.ZapSink{Logger: logger}}

	var metrics *report.Metrics
	if *metricsFile != "" || *metricsAddr != "" {
		metrics, err = report.NewMetrics()
		if err != nil {
			return err
		}

		sink = append(sink, metrics)
	}

	if *metricsAddr != "" {
		go func() {
			err := http.ListenAndServe(*metricsAddr, metrics.Handler())
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("starting",
		zap.String("profile", profile.Name),
		zap.Stringer("mode", arenaMode),
		zap.Int("first_huge_page", first),
		zap.Int64("seed", *seed))

	session, err := smash.NewSession(smash.Config{
		Profile:   profile,
		Region:    region,
		Mem:       a.Mem,
		Seed:      *seed,
		OptSink:   sink,
		OptKeepGC: *keepGC,
		OptLogger: logger,
	})
	if err != nil {
		return err
	}

	session.Stages().Goto = *gotoStage

	result, runErr := session.Run()

	logger.Info("finished",
		zap.Int("total_flips", result.TotalFlips),
		zap.Int("rounds", result.Rounds),
		zap.Bool("exhausted", result.Exhausted),
		zap.Duration("elapsed", result.Elapsed))

	if metrics != nil && *metricsFile != "" {
		err = metrics.WriteToTextfile(*metricsFile)
		if err != nil {
			return fmt.Errorf("failed to write metrics file - %w", err)
		}
	}

	return runErr
}

type overrides struct {
	hugePages    int
	activations  int
	quota        int
	dataPatterns string
	busyWork     int
	tieBreak     string
}

func applyOverrides(p *target.Profile, o overrides) error {
	if o.hugePages > 0 {
		p.Arena.HugePages = o.hugePages
		p.Arena.Size = (o.hugePages + 1) * p.Arena.HugePageSize
	}

	if o.activations > 0 {
		p.Hammer.Activations = o.activations
	}

	if o.quota > 0 {
		p.Hammer.FlipQuota = o.quota
	}

	if o.dataPatterns != "" {
		var patterns []target.DataPattern
		for _, str := range strings.Split(o.dataPatterns, ",") {
			v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(str), "0x"), 16, 8)
			if err != nil {
				return fmt.Errorf("failed to parse data pattern %q - %w", str, err)
			}

			patterns = append(patterns, target.DataPattern(v))
		}

		p.Hammer.DataPatterns = patterns
	}

	if o.busyWork >= 0 {
		p.SoftSync.InitialBusyWork = o.busyWork
	}

	if o.tieBreak != "" {
		p.Eviction.TieBreak = o.tieBreak
	}

	return p.Validate()
}

func newLogger(json bool, verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if json {
		cfg = zap.NewProductionConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger - %w", err)
	}

	return logger, nil
}

func firstHugePage(a *arena.Arena, align string, p target.Profile, logger *zap.Logger) (int, error) {
	switch align {
	case virtualAlign:
		return a.VirtualAlignment(p.Arena.HugePageSize), nil
	case faultAlign:
		first, elapsed, err := a.FaultAlignment(p.Arena.FaultProbes, p.Arena.FaultThreshold.Std())
		if err != nil {
			return 0, err
		}

		logger.Info("page fault alignment probe",
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", p.Arena.FaultThreshold.Std()),
			zap.Int("first_huge_page", first))

		return first, nil
	default:
		first, err := strconv.ParseInt(align, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse alignment %q - %w", align, err)
		}

		return int(first), nil
	}
}

func printLoop(syntax asmkit.DisassemblySyntax) error {
	dump, err := asmkit.DumpFunc((*hammer.Chains).Hammer, syntax, 4096)
	if err != nil {
		return err
	}

	fmt.Printf("%s (%d memory operands)\n", dump.Name, dump.Loads)

	for _, inst := range dump.Insts {
		fmt.Printf("  0x%04x  %-24x %s\n", inst.Index, inst.Bin, inst.Dis)
	}

	return nil
}
