package jobtoken

import (
	"time"

	"golang.org/x/sys/unix"

	rerrors "github.com/redo-sh/redo/internal/errors"
)

// selectReadable blocks until fd is readable or timeout elapses (a zero
// timeout polls once without blocking), returning whether it became
// readable. It is the select(2)-based stand-in spec.md's Design Notes
// explicitly sanction as a portable replacement for the original's
// SIGALRM-guarded blocking read: "A portable re-implementation may use
// poll/ppoll with a timeout instead."
func selectReadable(fd uintptr, timeout time.Duration) (bool, error) {
	var set unix.FdSet
	fdSet(&set, int(fd))

	tv := unix.NsecToTimeval(timeout.Nanoseconds())

	for {
		n, err := unix.Select(int(fd)+1, &set, nil, nil, &tv)
		if err == unix.EINTR {
			fdSet(&set, int(fd))
			continue
		}
		if err != nil {
			return false, rerrors.Wrapf(err, "select fd %d", fd)
		}
		return n > 0, nil
	}
}

// selectReadableAny blocks (no timeout) until at least one of fds is
// readable, returning the subset that is. Used by wait() to multiplex
// completion-pipe read ends together with the jobserver read end, the
// select-loop shape spec.md §4.1 describes.
func selectReadableAny(fds []uintptr) ([]uintptr, error) {
	if len(fds) == 0 {
		return nil, nil
	}

	var set unix.FdSet
	maxFD := 0
	for _, fd := range fds {
		fdSet(&set, int(fd))
		if int(fd) > maxFD {
			maxFD = int(fd)
		}
	}

	for {
		n, err := unix.Select(maxFD+1, &set, nil, nil, nil)
		if err == unix.EINTR {
			set = unix.FdSet{}
			for _, fd := range fds {
				fdSet(&set, int(fd))
			}
			continue
		}
		if err != nil {
			return nil, rerrors.Wrapf(err, "select")
		}
		if n == 0 {
			continue
		}
		var ready []uintptr
		for _, fd := range fds {
			if fdIsSet(&set, int(fd)) {
				ready = append(ready, fd)
			}
		}
		return ready, nil
	}
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
