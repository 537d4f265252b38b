// Package recipe implements the Build Job: the per-target state machine
// that decides whether a target needs rebuilding, resolves and forks its
// recipe, and commits the recipe's output atomically.
//
// Grounded in the teacher repo's internal/jobworker/job.Job (struct
// wrapping a single exec.Cmd plus mutex-guarded status/exit-code
// bookkeeping, a release/cleanup step run exactly once) and
// internal/jobworker/reexec.Exec (child-side env var setup, exitCode
// conversion from syscall.WaitStatus) — adapted from a Go-side
// fork-then-read-a-command-off-a-pipe design to directly configuring an
// os/exec.Cmd, since a Build Job's subprocess is a known shell invocation
// rather than an arbitrary command marshalled over a pipe.
package recipe

import (
	"os"
	"os/exec"

	"github.com/redo-sh/redo/internal/buildstack"
	"github.com/redo-sh/redo/internal/depstate"
	rerrors "github.com/redo-sh/redo/internal/errors"
	"github.com/redo-sh/redo/internal/exitcode"
	"github.com/redo-sh/redo/internal/jobtoken"
	"github.com/redo-sh/redo/internal/log"
)

var logger = log.New(os.Stdout, "recipe")

// ShouldBuildFunc decides whether a target needs rebuilding, mirroring
// the shouldbuildfunc contract from spec.md §4.3.
type ShouldBuildFunc func(target string) depstate.Disposition

// DoneFunc is invoked exactly once per Start call that returns nil, with
// the Build Job's final return value. When Start returns an error it is
// not invoked.
type DoneFunc func(target string, rv int)

// Limiter optionally constrains the recipe subprocess's resource usage
// (SPEC_FULL.md §4.5's cgroup enrichment). Reserve is called once per
// forked subprocess, before Start, so each subprocess gets its own
// Placement rather than sharing one across concurrent Build Jobs.
type Limiter interface {
	Reserve() (Placement, error)
}

// Placement hosts exactly one subprocess's resource limits. Place is
// called once the subprocess has started; Release once it has been
// reaped. Implementations must tolerate a nil receiver so a Limiter that
// degrades to "no limits configured" can return one cheaply.
type Placement interface {
	Place(pid int) error
	Release() error
}

// Options carries the per-run configuration flags spec.md §6 enumerates.
type Options struct {
	Verbose          bool
	Trace            bool
	NoUnlocked       bool
	Shell            string // default "sh"
	RedoUnlockedPath string // default "redo-unlocked"
	StartDir         string // STARTDIR: directory the top-level invocation ran from
	Depth            string // REDO_DEPTH inherited from our own invocation
	Limiter          Limiter
}

func (o Options) shellPath() string {
	if o.Shell == "" {
		return "sh"
	}
	return o.Shell
}

func (o Options) redoUnlockedPath() string {
	if o.RedoUnlockedPath == "" {
		return "redo-unlocked"
	}
	return o.RedoUnlockedPath
}

func (o Options) shellFlags() string {
	flags := "-e"
	if o.Verbose {
		flags += "v"
	}
	if o.Trace {
		flags += "x"
	}
	return flags
}

// Job wraps a single (target, File, Lock) triple. Preconditions: the
// caller owns lock before calling Start (spec.md §4.3).
type Job struct {
	base   string // BASE: project root, also internal/resolver's fs.FS root
	target string

	file  depstate.File
	lock  depstate.Lock
	state depstate.State

	jc          *jobtoken.Controller
	shouldBuild ShouldBuildFunc
	opts        Options
}

// New constructs a Build Job. lock must already be owned by the caller.
func New(base, target string, file depstate.File, lock depstate.Lock, state depstate.State, jc *jobtoken.Controller, shouldBuild ShouldBuildFunc, opts Options) *Job {
	return &Job{
		base:        base,
		target:      target,
		file:        file,
		lock:        lock,
		state:       state,
		jc:          jc,
		shouldBuild: shouldBuild,
		opts:        opts,
	}
}

// Start runs the state machine's init step and everything reachable from
// it synchronously, except the recipe or redo-unlocked subprocess itself,
// which runs asynchronously through the Job Controller. If Start returns
// nil, donefunc fires exactly once, either before Start returns
// (clean/immediate/no-rule) or later when the subprocess completes; if
// Start returns an error, donefunc does not fire and the lock is left
// for the caller to release.
func (j *Job) Start(donefunc DoneFunc) error {
	disp := j.shouldBuild(j.target)

	if rv, ok := disp.ImmediateRV(); ok {
		j.release(donefunc, rv)
		return nil
	}
	if disp.IsClean() {
		j.release(donefunc, exitcode.OK)
		return nil
	}
	if suspects, ok := disp.SuspectList(); ok && !j.opts.NoUnlocked {
		return j.unlockedCheck(donefunc, suspects)
	}
	return j.prepareDo(donefunc)
}

// unlockedCheck forks redo-unlocked <target> <suspects...>, holding our
// lock for its duration. Its exit code becomes the Build Job's rv
// directly; no commit bookkeeping runs on this path (spec.md §4.3).
func (j *Job) unlockedCheck(donefunc DoneFunc, suspects []string) error {
	release := buildstack.Enter(j.target)

	argv := append([]string{j.opts.redoUnlockedPath(), j.target}, suspects...)
	reason := "unlocked:" + j.target

	var placement Placement
	if j.opts.Limiter != nil {
		var err error
		placement, err = j.opts.Limiter.Reserve()
		if err != nil {
			logger.Errorf("reserve limiter for redo-unlocked %s: %s", j.target, err)
		}
	}

	jobfunc := func(compFD *os.File) (*exec.Cmd, error) {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = j.base
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(),
			"MAKEFLAGS="+j.jc.ChildMakeflags(),
			"REDO_STACK="+buildstack.ChildEnv(j.target),
		)
		cmd.ExtraFiles = append(j.jc.ExtraFiles(), compFD)
		if err := cmd.Start(); err != nil {
			return nil, rerrors.Wrapf(err, "start redo-unlocked for %s", j.target)
		}
		if placement != nil {
			if err := placement.Place(cmd.Process.Pid); err != nil {
				logger.Errorf("place redo-unlocked pid in limiter; target=%s err=%s", j.target, err)
			}
		}
		return cmd, nil
	}

	wrapped := func(name string, rv int) {
		if placement != nil {
			if err := placement.Release(); err != nil {
				logger.Errorf("release limiter for redo-unlocked %s: %s", j.target, err)
			}
		}
		release()
		j.release(donefunc, rv)
	}

	if err := j.jc.StartJob(reason, jobfunc, wrapped); err != nil {
		release()
		return err
	}
	return nil
}

// release invokes donefunc and unconditionally unlocks, matching
// spec.md §4.3's release state.
func (j *Job) release(donefunc DoneFunc, rv int) {
	donefunc(j.target, rv)
	if err := j.lock.Unlock(); err != nil {
		logger.Errorf("unlock %s: %s", j.target, err)
	}
}
