// Command redo is the front-end entry point: it parses spec.md §6's
// enumerated configuration plus SPEC_FULL.md §6's domain-stack
// additions, wires up the dependency database, jobserver controller and
// (optionally) a cgroup resource limiter, and drives the Build
// Orchestrator over the targets named on the command line.
//
// Grounded in the teacher repo's internal/jobworker/cli.Run: a package-
// level flag set parsed up front, a numbered exit-code block, and a
// help() function printed on bad usage — adapted from its serve/reexec
// subcommand split (which doesn't apply here; redo has exactly one
// invocation shape) to a flat flag-and-positional-args CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/redo-sh/redo/internal/cgroup"
	"github.com/redo-sh/redo/internal/depstate"
	"github.com/redo-sh/redo/internal/exitcode"
	"github.com/redo-sh/redo/internal/jobtoken"
	"github.com/redo-sh/redo/internal/log"
	"github.com/redo-sh/redo/internal/orchestrator"
	"github.com/redo-sh/redo/internal/recipe"
	"github.com/redo-sh/redo/internal/validator"
	"github.com/redo-sh/redo/internal/watchmode"
)

var logger = log.New(os.Stdout, "redo")

var (
	jobsFlag       = flag.Int("j", 1, "number of parallel recipe subprocesses (jobserver pool size)")
	shuffleFlag    = flag.Bool("shuffle", envBool("SHUFFLE"), "randomise top-level target order")
	keepGoingFlag  = flag.Bool("keep-going", envBool("KEEP_GOING"), "continue sibling targets after a failure")
	unlockedFlag   = flag.Bool("unlocked", envBool("UNLOCKED"), "treat all locks as already owned (single-process mode)")
	debugLocksFlag = flag.Bool("debug-locks", envBool("DEBUG_LOCKS"), "emit a locking trace")
	noUnlockedFlag = flag.Bool("no-unlocked", envBool("NO_UNLOCKED"), "force in-process build even when freshness is ambiguous")
	verboseFlag    = flag.Bool("v", envBool("VERBOSE"), "append v to recipe shell flags")
	traceFlag      = flag.Bool("x", envBool("XTRACE"), "append x to recipe shell flags")

	baseFlag    = flag.String("base", os.Getenv("BASE"), "project root (defaults to the working directory)")
	startDir    = flag.String("startdir", os.Getenv("STARTDIR"), "directory the top-level invocation ran from")
	shellFlag   = flag.String("shell", "sh", "shell used to run recipes")
	unlockedBin = flag.String("redo-unlocked", "redo-unlocked", "path to the redo-unlocked helper")

	watchFlag = flag.Bool("watch", envBool("WATCH"), "rebuild targets whenever a dependency changes, instead of exiting")

	cgroupRoot  = flag.String("cgroup-root", os.Getenv("CGROUP_ROOT"), "cgroup2 mount point (default /sys/fs/cgroup)")
	cpuLimit    = flag.Float64("cpu-limit", envFloat("CPU_LIMIT"), "cpu.max quota in cores for each recipe subprocess")
	memLimit    = flag.Uint64("mem-limit", envUint("MEM_LIMIT"), "memory.high in bytes for each recipe subprocess")
	ioReadLimit = flag.Uint64("io-read-limit", envUint("IO_READ_LIMIT"), "io.max rbps for each recipe subprocess")
	ioWriteLim  = flag.Uint64("io-write-limit", envUint("IO_WRITE_LIMIT"), "io.max wbps for each recipe subprocess")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() { help("") }
	flag.Parse()

	targets := flag.Args()
	if len(targets) == 0 {
		help("No targets given.")
		return exitcode.NoRule
	}

	v := validator.New()
	v.Assert(*jobsFlag > 0, "-j must be at least 1")
	if err := v.Err(); err != nil {
		help(validator.Format(err.Error()))
		return exitcode.NoRule
	}

	base := *baseFlag
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			logger.Errorf("getwd: %s", err)
			return exitcode.StateDirMissing
		}
		base = wd
	}
	startDirVal := *startDir
	if startDirVal == "" {
		startDirVal = base
	}

	depstate.DebugLocks = *debugLocksFlag

	state, err := depstate.Open(base)
	if err != nil {
		logger.Errorf("open state db: %s", err)
		return exitcode.StateDirMissing
	}

	jc := jobtoken.New()
	if err := jc.Setup(*jobsFlag); err != nil {
		logger.Errorf("setup jobserver: %s", err)
		return exitcode.RecipeUncaughtException
	}

	limiter, cleanup := buildLimiter()
	if cleanup != nil {
		defer cleanup()
	}

	cfg := orchestrator.Config{
		Base:             base,
		StartDir:         startDirVal,
		Depth:            os.Getenv("REDO_DEPTH"),
		Shuffle:          *shuffleFlag,
		KeepGoing:        *keepGoingFlag,
		Unlocked:         *unlockedFlag,
		DebugLocks:       *debugLocksFlag,
		NoUnlocked:       *noUnlockedFlag,
		Verbose:          *verboseFlag,
		Trace:            *traceFlag,
		Shell:            *shellFlag,
		RedoUnlockedPath: *unlockedBin,
		Limiter:          limiter,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trapSignals(cancel)

	runOnce := func(ts []string) int {
		return orchestrator.Run(ctx, state, jc, ts, cfg)
	}

	if *watchFlag {
		if err := watchmode.Watch(ctx, state, base, targets, runOnce); err != nil {
			logger.Errorf("watch: %s", err)
			return exitcode.RecipeUncaughtException
		}
		return exitcode.OK
	}

	return runOnce(targets)
}

// buildLimiter constructs the optional cgroup Limiter and wraps it to
// satisfy recipe.Limiter, returning a nil interface if no limit flags
// were set. The returned cleanup tears down the Limiter's own cgroup
// subtree; it is nil whenever the first return value is nil.
func buildLimiter() (recipe.Limiter, func()) {
	v := validator.New()
	v.Assert(*cpuLimit >= 0, "-cpu-limit/CPU_LIMIT must not be negative")
	if err := v.Err(); err != nil {
		logger.Warnf("%s", validator.Format(err.Error()))
		return nil, nil
	}

	limits := cgroup.Limits{
		CPU:         float32(*cpuLimit),
		MemoryBytes: *memLimit,
		IOReadBps:   *ioReadLimit,
		IOWriteBps:  *ioWriteLim,
	}
	if limits == (cgroup.Limits{}) {
		return nil, nil
	}

	l, err := cgroup.NewLimiter(*cgroupRoot)
	if err != nil {
		logger.Warnf("cgroup limiter unavailable: %s", err)
		return nil, nil
	}
	return &limiterAdapter{limiter: l, limits: limits}, func() {
		if err := l.Cleanup(); err != nil {
			logger.Warnf("cgroup cleanup: %s", err)
		}
	}
}

func trapSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
}

func envBool(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v != "0"
	}
	return b
}

func envFloat(name string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(name)), 64)
	if err != nil {
		return 0
	}
	return v
}

func envUint(name string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(os.Getenv(name)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// help prints usage to stdout, matching the teacher CLI's help().
func help(notice string) {
	var b strings.Builder
	if notice != "" {
		fmt.Fprintf(&b, "\nNotice: %s\n", notice)
	}
	b.WriteString(`
redo builds the named targets by running their .do recipes, tracking
dependencies so later runs only rebuild what changed.

Usage:
  redo [flags] target [target...]

Flags:
  -j N                number of parallel recipe subprocesses
  -v                   verbose recipe shell output
  -x                   trace recipe shell execution
  -shuffle             randomise top-level target order
  -keep-going          continue sibling targets after a failure
  -unlocked            treat all locks as already owned
  -debug-locks         emit a locking trace
  -no-unlocked         force in-process build on ambiguous freshness
  -watch               rebuild whenever a dependency changes
  -base DIR            project root (default: working directory)
  -startdir DIR        directory the invocation ran from
  -shell PATH          shell used to run recipes (default: sh)
  -redo-unlocked PATH  path to the redo-unlocked helper
  -cgroup-root DIR     cgroup2 mount point (default: /sys/fs/cgroup)
  -cpu-limit N         cpu.max quota in cores per recipe subprocess
  -mem-limit N         memory.high in bytes per recipe subprocess
  -io-read-limit N     io.max rbps per recipe subprocess
  -io-write-limit N    io.max wbps per recipe subprocess
`)
	fmt.Fprint(os.Stdout, b.String())
}
