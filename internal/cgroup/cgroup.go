// Package cgroup provides optional cgroups v2 resource limiting for a
// single recipe subprocess (SPEC_FULL.md §4.5). It is narrowed from the
// teacher repo's internal/jobworker/cgroup package, which mounts and
// manages a whole tree of arbitrary jobworker cgroups, down to this
// module's single call site: internal/recipe.Job places exactly one
// forked pid per Reservation.
//
// Cgroup limiting is pure enrichment. A Job built without a Limiter
// behaves exactly as spec.md describes; on non-Linux, or whenever cgroup2
// isn't mounted, Limiter degrades to a no-op rather than failing the
// build.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	rerrors "github.com/redo-sh/redo/internal/errors"
	"github.com/redo-sh/redo/internal/log"
)

var logger = log.New(os.Stdout, "cgroup")

const (
	fileMode       = 0644
	cgroupProcs    = "cgroup.procs"
	subtreeControl = "cgroup.subtree_control"
)

// Limits carries the resource caps a single recipe subprocess may be
// constrained by. A zero field means "no limit"; a Limits with every
// field zero produces a no-op Reservation that creates no cgroup at all.
type Limits struct {
	// CPU is the "cpu.max" quota, in cores (1.0 == one full core).
	CPU float32
	// MemoryBytes is the "memory.high" soft limit.
	MemoryBytes uint64
	// IOReadBps and IOWriteBps are the "io.max" rbps/wbps limits applied
	// to every disk (major 8) block device found under /dev.
	IOReadBps  uint64
	IOWriteBps uint64
}

func (l Limits) empty() bool {
	return l.CPU == 0 && l.MemoryBytes == 0 && l.IOReadBps == 0 && l.IOWriteBps == 0
}

// Limiter mounts (or adopts an already-mounted) cgroup2 hierarchy rooted
// at Root and hands out per-recipe Reservations under it.
type Limiter struct {
	root      string // configurable mount point, SPEC_FULL.md §6's CGROUP_ROOT
	base      string // root/redo-build, this module's own subtree
	supported bool
}

// NewLimiter constructs a Limiter rooted at root (default
// "/sys/fs/cgroup" if root is ""). On any platform other than Linux it
// returns a Limiter whose Reserve always yields a no-op Reservation,
// per this package's degrade-gracefully contract.
func NewLimiter(root string) (*Limiter, error) {
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	l := &Limiter{root: root, base: filepath.Join(root, "redo-build")}

	if runtime.GOOS != "linux" {
		logger.Warnf("cgroup limiting unsupported on %s; degrading to no-op", runtime.GOOS)
		return l, nil
	}

	if err := l.mount(); err != nil {
		logger.Warnf("cgroup2 unavailable at %s; degrading to no-op: %s", l.root, err)
		return l, nil
	}
	l.supported = true
	return l, nil
}

func (l *Limiter) mount() error {
	if err := os.MkdirAll(l.root, fileMode); err != nil {
		return rerrors.Wrapf(err, "create cgroup mount point %s", l.root)
	}

	entries, err := os.ReadDir(l.root)
	if err != nil || len(entries) == 0 {
		if err := unix.Mount("none", l.root, "cgroup2", 0, ""); err != nil {
			return rerrors.Wrapf(err, "mount cgroup2 at %s", l.root)
		}
	}

	if err := os.MkdirAll(l.base, fileMode); err != nil {
		return rerrors.Wrapf(err, "create redo-build cgroup %s", l.base)
	}
	if err := enableControllers(l.root); err != nil {
		return err
	}
	if err := enableControllers(l.base); err != nil {
		return err
	}
	return nil
}

// Reserve creates a new cgroup under the Limiter's subtree configured
// with opts, or a no-op Reservation if this Limiter isn't supported on
// this host or opts carries no limits at all.
func (l *Limiter) Reserve(opts Limits) (*Reservation, error) {
	if !l.supported || opts.empty() {
		return &Reservation{}, nil
	}

	id := uuid.New()
	path := filepath.Join(l.base, id.String())
	if err := os.Mkdir(path, fileMode); err != nil {
		return nil, rerrors.Wrapf(err, "create reservation cgroup %s", path)
	}

	r := &Reservation{path: path, active: true}
	if err := r.applyLimits(opts); err != nil {
		_ = unix.Rmdir(path)
		return nil, err
	}
	return r, nil
}

// Cleanup removes this Limiter's own subtree. It does not unmount
// cgroup2, even if NewLimiter mounted it. Safe to call on an unsupported
// Limiter.
func (l *Limiter) Cleanup() error {
	if !l.supported {
		return nil
	}
	if err := unix.Rmdir(l.base); err != nil {
		return rerrors.Wrapf(err, "remove redo-build cgroup %s", l.base)
	}
	return nil
}

// Reservation hosts exactly one recipe subprocess's resource limits. The
// zero value is a no-op Reservation: Place and Release are harmless.
type Reservation struct {
	path   string
	active bool
}

// Place moves pid into this Reservation's cgroup. A no-op Reservation
// (unsupported platform, or Limits carried no limits) always succeeds
// without touching the filesystem.
func (r *Reservation) Place(pid int) error {
	if r == nil || !r.active {
		return nil
	}
	file := filepath.Join(r.path, cgroupProcs)
	if err := os.WriteFile(file, []byte(strconv.Itoa(pid)), fileMode); err != nil {
		return rerrors.Wrapf(err, "place pid %d in %s", pid, r.path)
	}
	return nil
}

// Release removes this Reservation's cgroup directory. It does not move
// pids out first, so it fails while any process is still in the cgroup.
// Called once the recipe subprocess has been reaped.
func (r *Reservation) Release() error {
	if r == nil || !r.active {
		return nil
	}
	if err := unix.Rmdir(r.path); err != nil {
		return rerrors.Wrapf(err, "remove reservation cgroup %s", r.path)
	}
	r.active = false
	return nil
}

func enableControllers(dir string) error {
	file := filepath.Join(dir, subtreeControl)
	fd, err := os.OpenFile(file, os.O_WRONLY, fileMode)
	if err != nil {
		return rerrors.Wrapf(err, "open %s", file)
	}
	defer fd.Close()

	for _, name := range []string{"cpu", "memory", "io"} {
		if _, err := fd.WriteString(fmt.Sprintf("+%s", name)); err != nil {
			return rerrors.Wrapf(err, "enable %s controller in %s", name, dir)
		}
	}
	return nil
}
