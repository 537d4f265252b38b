package cgroup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	rerrors "github.com/redo-sh/redo/internal/errors"
)

const (
	devices            = "/dev"
	diskMajor          = 8
	diskPhysicalMinors = 16
	memoryHigh         = "memory.high"
	cpuMax             = "cpu.max"
	ioMax              = "io.max"
	cpuPeriod          = 100000
)

// applyLimits writes every non-zero field of opts into this
// Reservation's cgroup control files, mirroring the teacher's
// per-controller enable/apply split (internal/jobworker/cgroup's
// cpuController/memoryController/diskReadBpsController/
// diskWriteBpsController) collapsed into one method since a Reservation
// only ever hosts one recipe subprocess and never needs to add or remove
// controls after creation.
func (r *Reservation) applyLimits(opts Limits) error {
	if opts.CPU > 0 {
		limit := opts.CPU * cpuPeriod
		value := fmt.Sprintf("%d %d", int64(limit), cpuPeriod)
		if err := r.write(cpuMax, value); err != nil {
			return err
		}
	}
	if opts.MemoryBytes > 0 {
		if err := r.write(memoryHigh, strconv.FormatUint(opts.MemoryBytes, 10)); err != nil {
			return err
		}
	}
	if opts.IOReadBps > 0 || opts.IOWriteBps > 0 {
		minors, err := diskDeviceMinors()
		if err != nil {
			return err
		}
		for _, minor := range minors {
			var value string
			switch {
			case opts.IOReadBps > 0 && opts.IOWriteBps > 0:
				value = fmt.Sprintf("%d:%d rbps=%d wbps=%d", diskMajor, minor, opts.IOReadBps, opts.IOWriteBps)
			case opts.IOReadBps > 0:
				value = fmt.Sprintf("%d:%d rbps=%d", diskMajor, minor, opts.IOReadBps)
			default:
				value = fmt.Sprintf("%d:%d wbps=%d", diskMajor, minor, opts.IOWriteBps)
			}
			if err := r.write(ioMax, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reservation) write(control, value string) error {
	file := filepath.Join(r.path, control)
	fd, err := os.OpenFile(file, os.O_WRONLY, fileMode)
	if err != nil {
		return rerrors.Wrapf(err, "open %s", file)
	}
	defer fd.Close()

	if _, err := fd.WriteString(value); err != nil {
		return rerrors.Wrapf(err, "write %s=%s", control, value)
	}
	return nil
}

// diskDeviceMinors enumerates the physical (non-partition) minor numbers
// of every major-8 (disk) block device under /dev, the same walk the
// teacher's readDiskDeviceMinors performs.
func diskDeviceMinors() ([]uint32, error) {
	var minors []uint32
	err := filepath.WalkDir(devices, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warnf("walk %s: %s", path, err)
			return nil
		}
		if d.Type() != fs.ModeDevice {
			return nil
		}
		var stat unix.Stat_t
		if err := unix.Stat(path, &stat); err != nil {
			logger.Warnf("stat %s: %s", path, err)
			return nil
		}
		if unix.Major(stat.Rdev) != diskMajor {
			return nil
		}
		minor := unix.Minor(stat.Rdev)
		if minor%diskPhysicalMinors != 0 {
			return nil
		}
		minors = append(minors, minor)
		return nil
	})
	if err != nil {
		return nil, rerrors.Wrapf(err, "walk %s", devices)
	}
	return minors, nil
}
