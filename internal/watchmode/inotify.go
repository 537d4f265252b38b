package watchmode

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/redo-sh/redo/internal/log"
)

var logger = log.New(os.Stdout, "watchmode")

// ErrInvalidFD indicates the watcher was unable to initialize.
var ErrInvalidFD = errors.New("invalid file descriptor")

// watcher is a trimmed adaptation of the teacher repo's
// internal/fsnotify.Watcher: an inotify wrapper publishing one Event
// channel. Narrowed to what Watch needs — add/remove a set of watched
// paths and learn when any of them is written — rather than fsnotify's
// general-purpose watch-descriptor bookkeeping API.
type watcher struct {
	mutex   sync.Mutex
	watches map[string]int
	paths   map[int]string

	events chan struct{}

	fd   int
	file *os.File

	done   chan struct{}
	closed chan struct{}
}

func newWatcher() (*watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("init inotify fd: %w", err)
	}

	file := os.NewFile(uintptr(fd), "inotify")
	if file == nil {
		unix.Close(fd)
		return nil, ErrInvalidFD
	}

	w := &watcher{
		watches: make(map[string]int),
		paths:   make(map[int]string),
		events:  make(chan struct{}, 1),
		fd:      fd,
		file:    file,
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go w.readEvents()
	return w, nil
}

// add starts watching path for modifications. A path already watched is
// a no-op.
func (w *watcher) add(path string) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if _, ok := w.watches[path]; ok {
		return nil
	}

	wd, err := unix.InotifyAddWatch(w.fd, path, unix.IN_MODIFY|unix.IN_ATTRIB|unix.IN_DELETE_SELF|unix.IN_CLOSE_WRITE)
	if err != nil {
		return fmt.Errorf("add watch %s: %w", path, err)
	}
	w.watches[path] = wd
	w.paths[wd] = path
	return nil
}

// waitReadable blocks until the inotify fd has data ready, or returns an
// error once close() has been called. Closing the fd from another
// goroutine does not wake a pending poll(2) on Linux, so the poll uses a
// short timeout and checks done between attempts.
func (w *watcher) waitReadable() error {
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-w.done:
			return fmt.Errorf("inotify watcher closed")
		default:
		}
		n, err := unix.Poll(fds, 100)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if fds[0].Revents&(unix.POLLNVAL|unix.POLLERR) != 0 {
			return fmt.Errorf("inotify fd closed")
		}
		if n > 0 {
			return nil
		}
	}
}

func (w *watcher) close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	<-w.closed
	return nil
}

func (w *watcher) readEvents() {
	defer close(w.closed)
	defer close(w.events)

	go func() {
		<-w.done
		if err := w.file.Close(); err != nil {
			logger.Warnf("close watcher: %s", err)
		}
	}()

	buf := make([]byte, unix.SizeofInotifyEvent+unix.PathMax+1)
	for {
		select {
		case <-w.done:
			return
		default:
		}

		// The fd is IN_NONBLOCK so a read racing a writer that hasn't
		// produced a full event yet returns EAGAIN immediately; park on
		// poll(2) until it's actually readable instead of spinning the
		// loop on that error (the runtime's netpoller doesn't recognize
		// an inotify fd, so Read itself won't park the goroutine for us).
		if err := w.waitReadable(); err != nil {
			return
		}

		n, err := w.file.Read(buf)
		if errors.Is(err, io.EOF) {
			return
		}
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			logger.Warnf("read inotify events: %s", err)
			continue
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}

		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[0]))
		w.mutex.Lock()
		path, known := w.paths[int(raw.Wd)]
		if known && raw.Mask&unix.IN_DELETE_SELF != 0 {
			delete(w.paths, int(raw.Wd))
			delete(w.watches, path)
		}
		w.mutex.Unlock()

		select {
		case w.events <- struct{}{}:
		default:
			// a pending notification already covers this wakeup
		}
	}
}
