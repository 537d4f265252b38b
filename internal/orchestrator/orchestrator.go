// Package orchestrator implements the Build Orchestrator: the two-phase
// algorithm that drives a set of top-level targets through optimistic
// locking and then blocking wait, detects dependency cycles via the
// buildstack ancestor registry, and aggregates exit codes across every
// target attempted.
//
// Grounded in the teacher repo's internal/jobworker/job.Service (a thin
// Service coordinating Job lifecycle) and internal/jobworker/cli/serve.go's
// construct-collaborators-then-run wiring shape for the overall package
// structure; the two-phase algorithm and cycle-detection logic are
// spec.md §4.4 itself — no teacher file implements anything resembling
// them.
package orchestrator

import (
	"context"
	"math/rand"
	"os"

	"github.com/redo-sh/redo/internal/buildstack"
	"github.com/redo-sh/redo/internal/depstate"
	"github.com/redo-sh/redo/internal/exitcode"
	"github.com/redo-sh/redo/internal/jobtoken"
	"github.com/redo-sh/redo/internal/log"
	"github.com/redo-sh/redo/internal/recipe"
)

var logger = log.New(os.Stdout, "orchestrator")

// Config carries the per-run configuration flags spec.md §6 enumerates,
// plus the domain-stack additions SPEC_FULL.md §6 adds.
type Config struct {
	Base     string // BASE
	StartDir string // STARTDIR
	Depth    string // REDO_DEPTH inherited from our own invocation

	Shuffle     bool
	ShuffleSeed int64 // 0 means "pick a fresh seed"; nonzero makes Shuffle reproducible

	KeepGoing  bool
	Unlocked   bool
	DebugLocks bool
	NoUnlocked bool
	Verbose    bool
	Trace      bool

	Shell            string
	RedoUnlockedPath string

	// Limiter optionally places every recipe subprocess into a
	// resource-limited cgroup (SPEC_FULL.md §4.5). Nil means unlimited.
	Limiter recipe.Limiter

	// ShouldBuild overrides the default freshness policy. Nil selects
	// DefaultShouldBuild(state).
	ShouldBuild recipe.ShouldBuildFunc
}

func (c Config) recipeOptions() recipe.Options {
	return recipe.Options{
		Verbose:          c.Verbose,
		Trace:            c.Trace,
		NoUnlocked:       c.NoUnlocked,
		Shell:            c.Shell,
		RedoUnlockedPath: c.RedoUnlockedPath,
		StartDir:         c.StartDir,
		Depth:            c.Depth,
		Limiter:          c.Limiter,
	}
}

// deferredEntry is a top-level target whose lock was contended in phase 1
// and must be retried in phase 2.
type deferredEntry struct {
	fileID int64
	target string
}

// orchestration holds the mutable state a single Run call threads through
// phase1 and phase2. Everything here is touched from a single goroutine:
// the Job Controller's completion callbacks fire synchronously inside
// WaitAll, never concurrently with the rest of this struct's use, so no
// locking is needed (matching spec.md §5's single-threaded-per-process
// scheduling model).
type orchestration struct {
	ctx context.Context

	jc    *jobtoken.Controller
	state depstate.State
	cfg   Config

	shouldBuild recipe.ShouldBuildFunc

	retcode  int
	deferred []deferredEntry
}

// Run drives targets through spec.md §4.4's two phases and returns the
// aggregate exit code: the bitwise OR of every per-target outcome,
// exactly as spec.md §7 defines aggregation.
func Run(ctx context.Context, state depstate.State, jc *jobtoken.Controller, targets []string, cfg Config) int {
	shouldBuild := cfg.ShouldBuild
	if shouldBuild == nil {
		shouldBuild = DefaultShouldBuild(state)
	}

	order := append([]string{}, targets...)
	if cfg.Shuffle {
		seed := cfg.ShuffleSeed
		if seed == 0 {
			seed = defaultShuffleSeed()
		}
		shuffleStrings(order, seed)
	}

	o := &orchestration{
		ctx:         ctx,
		jc:          jc,
		state:       state,
		cfg:         cfg,
		shouldBuild: shouldBuild,
	}

	o.phase1(order)
	o.phase2()

	if err := state.Commit(); err != nil {
		logger.Errorf("final commit: %s", err)
		o.retcode |= exitcode.StateDirMissing
	}

	return o.retcode
}

// phase1 is the optimistic pass: for each unique requested target, try to
// acquire its lock without blocking. Targets that lose the race are
// pushed onto the deferred queue for phase 2 rather than blocking phase 1.
func (o *orchestration) phase1(targets []string) {
	seen := make(map[string]bool, len(targets))

	for _, target := range targets {
		if seen[target] {
			continue
		}
		seen[target] = true

		if err := o.state.Commit(); err != nil {
			logger.Warnf("commit before token wait: %s", err)
		}
		if err := o.jc.GetToken("phase1:" + target); err != nil {
			logger.Errorf("get token for %s: %s", target, err)
			o.retcode |= exitcode.RecipeUncaughtException
			return
		}

		if o.retcode != 0 && !o.cfg.KeepGoing {
			return
		}

		if err := o.state.CheckSane(); err != nil {
			logger.Errorf("state directory missing: %s", err)
			o.retcode |= exitcode.StateDirMissing
			return
		}

		file, err := o.state.File(target)
		if err != nil {
			logger.Errorf("lookup %s: %s", target, err)
			o.retcode |= exitcode.RecipeUncaughtException
			continue
		}

		lock := o.lockFor(file.ID())
		ok, err := lock.TryLock()
		if err != nil {
			logger.Errorf("trylock %s: %s", target, err)
			o.retcode |= exitcode.RecipeUncaughtException
			continue
		}
		if !ok {
			o.deferred = append(o.deferred, deferredEntry{fileID: file.ID(), target: target})
			continue
		}

		o.launch(file, lock, target)
	}
}

// phase2 is the blocking pass: drain running jobs, then work through the
// deferred queue one entry at a time, detecting cycles and performing the
// surrender-wait-reacquire dance when a deferred target is still locked.
func (o *orchestration) phase2() {
	for len(o.deferred) > 0 || o.jc.RunningCount() > 0 {
		if err := o.state.Commit(); err != nil {
			logger.Warnf("commit before wait_all: %s", err)
		}
		if err := o.jc.WaitAll(); err != nil {
			logger.Errorf("wait_all: %s", err)
			o.retcode |= exitcode.RecipeUncaughtException
			return
		}

		if o.retcode != 0 && !o.cfg.KeepGoing {
			return
		}

		if len(o.deferred) == 0 {
			continue
		}

		entry := o.deferred[0]
		o.deferred = o.deferred[1:]

		if buildstack.InChain(entry.target) || buildstack.InProcess(entry.target) {
			logger.Errorf("dependency cycle detected: %s", buildstack.Path(entry.target))
			o.retcode |= exitcode.Cycle
			continue
		}

		lock, owned := o.acquireDeferred(entry)
		if !owned {
			continue
		}

		file, err := o.state.FileByID(entry.fileID)
		if err != nil {
			logger.Errorf("lookup %s by id: %s", entry.target, err)
			_ = lock.Unlock()
			o.retcode |= exitcode.RecipeUncaughtException
			continue
		}

		if file.IsFailed() {
			logger.Errorf("%s already failed in another build", entry.target)
			_ = lock.Unlock()
			o.retcode |= exitcode.FailedElsewhere
			continue
		}

		o.launch(file, lock, entry.target)
	}
}

// acquireDeferred implements spec.md §4.4 phase 2 step 4's
// surrender-wait-reacquire dance: if trylock doesn't succeed outright, put
// our token back (we must never hold a token while blocking on a lock),
// block on waitlock, release the lock again, reacquire a token, and retry
// trylock. Repeats until the lock is owned via trylock.
func (o *orchestration) acquireDeferred(entry deferredEntry) (depstate.Lock, bool) {
	lock := o.lockFor(entry.fileID)

	for {
		ok, err := lock.TryLock()
		if err != nil {
			logger.Errorf("trylock %s: %s", entry.target, err)
			return lock, false
		}
		if ok {
			return lock, true
		}

		if err := o.jc.PutToken(); err != nil {
			logger.Errorf("surrender token before waitlock %s: %s", entry.target, err)
			return lock, false
		}
		if err := lock.WaitLock(); err != nil {
			logger.Errorf("waitlock %s: %s", entry.target, err)
		}
		if err := lock.Unlock(); err != nil {
			logger.Errorf("unlock after waitlock %s: %s", entry.target, err)
		}
		if err := o.jc.GetToken("phase2:" + entry.target); err != nil {
			logger.Errorf("reacquire token for %s: %s", entry.target, err)
			return lock, false
		}
	}
}

// launch constructs and starts a Build Job for target, folding its
// eventual return value into the aggregate retcode.
func (o *orchestration) launch(file depstate.File, lock depstate.Lock, target string) {
	job := recipe.New(o.cfg.Base, target, file, lock, o.state, o.jc, o.shouldBuild, o.cfg.recipeOptions())

	donefunc := func(name string, rv int) {
		if rv != 0 {
			logger.Errorf("%s finished; rv=%d", name, rv)
		}
		o.retcode |= rv
	}

	if err := job.Start(donefunc); err != nil {
		logger.Errorf("start %s: %s", target, err)
		o.retcode |= exitcode.RecipeUncaughtException
		_ = lock.Unlock()
	}
}

// lockFor returns the Lock a phase should use for fileID, substituting the
// always-owned unlockedLock when Config.Unlocked (spec.md §6's UNLOCKED
// flag: "treat all locks as already owned (single-process mode)").
func (o *orchestration) lockFor(fileID int64) depstate.Lock {
	if o.cfg.Unlocked {
		return unlockedLock{}
	}
	return o.state.Lock(fileID)
}

func defaultShuffleSeed() int64 {
	return int64(os.Getpid()) ^ int64(len(os.Args))
}

func shuffleStrings(s []string, seed int64) {
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}
