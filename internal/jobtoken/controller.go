// Package jobtoken implements the GNU-make-compatible jobserver protocol:
// a token-rationed parallel executor that forks and supervises recipe
// subprocesses, safely returns tokens when blocked, and never deadlocks
// against internal/depstate's advisory locks.
//
// Grounded in the teacher repo's internal/jobworker/job.Job (pipe-pair
// creation with os.Pipe, exec.Cmd.ExtraFiles for fd handoff, completion
// signalled by the child side closing its pipe write end) and
// internal/jobworker/reexec.Exec (fixed fd-number handoff convention
// across exec, EOF-as-signal pattern).
package jobtoken

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	rerrors "github.com/redo-sh/redo/internal/errors"
	"github.com/redo-sh/redo/internal/log"
	"github.com/redo-sh/redo/internal/validator"
)

// guardTimeout bounds the guarded token read, standing in for the
// original's one-second SIGALRM (see Design Notes in SPEC_FULL.md §9).
const guardTimeout = time.Second

var logger = log.New(os.Stdout, "jobtoken")

// tokenByte is the byte value written into the jobserver pipe for each
// token. Per spec.md §4.1 "Token character is any single byte"; '+' is
// used purely because it reads well in traces, matching the conventional
// GNU make jobserver token.
const tokenByte = '+'

// ErrTokenEOF indicates the jobserver read end returned EOF, an
// unrecoverable invariant violation per spec.md §4.1.
var ErrTokenEOF = fmt.Errorf("jobtoken: jobserver pipe EOF")

// JobFunc builds and starts the subprocess a job runs. It must call
// cmd.Start() (not cmd.Run()) so StartJob can supervise asynchronously.
// StartJob hands jobfunc compFD, which jobfunc must attach to the child
// as an extra, inherited file descriptor (cmd.ExtraFiles); it closes when
// the whole process tree it roots exits, which is how the parent learns
// the job is done without blocking.
type JobFunc func(compFD *os.File) (*exec.Cmd, error)

// DoneFunc is invoked once a job completes, with its computed return
// value: non-negative for a normal exit, negative of the signal number
// for abnormal termination.
type DoneFunc func(name string, rv int)

// Controller implements the four Job Controller operations from
// spec.md §4.1. The zero value is not usable; construct with New.
type Controller struct {
	mu sync.Mutex

	setupDone bool
	external  bool // jobserver fds were adopted from MAKEFLAGS, not created
	poolSize  int  // T; 0 if adopted externally and unknown

	readEnd  *os.File
	writeEnd *os.File
	hasToken bool

	completions map[uintptr]*completion
}

type completion struct {
	name     string
	cmd      *exec.Cmd
	readFile *os.File
	done     DoneFunc
}

// New constructs an unconfigured Controller; call Setup before use.
func New() *Controller {
	return &Controller{completions: make(map[uintptr]*completion)}
}

// Setup is idempotent. If MAKEFLAGS carries --jobserver-fds=R,W it adopts
// that pipe; otherwise, given maxjobs > 0, it creates a new pipe, seeds it
// with maxjobs-1 tokens (this process implicitly holds the last one), and
// records the pipe so ExtraFiles and ChildMakeflags can hand it to recipe
// subprocesses.
func (c *Controller) Setup(maxjobs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.setupDone {
		return nil
	}

	if r, w, ok := parseJobserverFDs(os.Getenv("MAKEFLAGS")); ok {
		v := validator.New()
		v.Assert(r >= 0, "MAKEFLAGS jobserver read fd must not be negative")
		v.Assert(w >= 0, "MAKEFLAGS jobserver write fd must not be negative")
		v.Assert(r != w, "MAKEFLAGS jobserver read and write fds must differ")
		if err := v.Err(); err != nil {
			return rerrors.Wrapf(err, "MAKEFLAGS jobserver-fds=%d,%d malformed", r, w)
		}
		if !fdOpen(r) || !fdOpen(w) {
			return rerrors.Wrapf(os.ErrInvalid, "MAKEFLAGS jobserver fds %d,%d not open", r, w)
		}
		rf := os.NewFile(uintptr(r), "jobserver-r")
		wf := os.NewFile(uintptr(w), "jobserver-w")
		c.readEnd, c.writeEnd = rf, wf
		c.external = true
		c.hasToken = false // a process adopting an ancestor's pool must still GetToken
		c.setupDone = true
		logger.Infof("adopted jobserver pipe from MAKEFLAGS (fds %d,%d)", r, w)
		return nil
	}

	if maxjobs <= 0 {
		c.setupDone = true
		return nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return rerrors.Wrapf(err, "create jobserver pipe")
	}

	tokens := make([]byte, maxjobs-1)
	for i := range tokens {
		tokens[i] = tokenByte
	}
	if len(tokens) > 0 {
		if _, err := w.Write(tokens); err != nil {
			r.Close()
			w.Close()
			return rerrors.Wrapf(err, "seed jobserver tokens")
		}
	}

	c.readEnd, c.writeEnd = r, w
	c.poolSize = maxjobs
	c.hasToken = true // this process holds the implicit last token
	c.setupDone = true

	logger.Infof("jobserver pool created; maxjobs=%d", maxjobs)
	return nil
}

// RunningCount reports how many jobs this Controller is currently
// supervising (started via StartJob but not yet reaped). Used by
// internal/orchestrator's phase 2 loop condition ("while jobs are
// running").
func (c *Controller) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completions)
}

// HasToken reports whether this process currently holds a token.
func (c *Controller) HasToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasToken
}

// PoolSize returns T, or 0 if the pool size is unknown (jobserver fds
// were adopted from an ancestor rather than created by this process).
func (c *Controller) PoolSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poolSize
}

// GetToken blocks until the current process holds a token. reason is
// carried only for DEBUG_LOCKS-style tracing.
func (c *Controller) GetToken(reason string) error {
	c.mu.Lock()
	if c.hasToken {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	logger.Infof("waiting for token; reason=%s", reason)
	for {
		if err := c.wait(true); err != nil {
			return err
		}

		// wait(true) also reaps any completion fds that became readable
		// alongside the jobserver pipe; reaping one deposits its token via
		// putTokens, which absorbs it straight into hasToken when this
		// process doesn't already hold one. That satisfies GetToken without
		// ever touching the pipe, so check for it before racing another
		// process for the byte: tryReadToken would otherwise either steal a
		// second token out from under someone else (a later token-leak
		// fatal in verifyBalance) or block on an empty pipe forever.
		c.mu.Lock()
		got := c.hasToken
		c.mu.Unlock()
		if got {
			return nil
		}

		ok, err := c.tryReadToken()
		if err != nil {
			return err
		}
		if ok {
			c.mu.Lock()
			c.hasToken = true
			c.mu.Unlock()
			return nil
		}
		// Another process won the race for the byte; retry.
	}
}

// PutToken returns our held token to the pool. Precondition: HasToken().
func (c *Controller) PutToken() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasToken {
		return rerrors.Wrapf(os.ErrInvalid, "put_token without held token")
	}
	c.hasToken = false
	if c.writeEnd == nil {
		return nil
	}
	if _, err := c.writeEnd.Write([]byte{tokenByte}); err != nil {
		return rerrors.Wrapf(err, "return token")
	}
	return nil
}

// putTokens deposits n tokens back into the pool, absorbing the first
// one into hasToken if this process is currently without one (mirroring
// spec.md §4.1's _put_tokens primitive).
func (c *Controller) putTokens(n int) error {
	if n <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := n
	if !c.hasToken {
		c.hasToken = true
		remaining--
	}
	if remaining <= 0 {
		return nil
	}
	if c.writeEnd == nil {
		return nil
	}
	buf := make([]byte, remaining)
	for i := range buf {
		buf[i] = tokenByte
	}
	if _, err := c.writeEnd.Write(buf); err != nil {
		return rerrors.Wrapf(err, "return %d tokens", remaining)
	}
	return nil
}

// StartJob acquires a token, clears hasToken (the child "spends" it for
// the duration of the recipe), forks via jobfunc, and arranges for
// donefunc to be invoked once the child's whole process tree exits.
func (c *Controller) StartJob(reason string, jobfunc JobFunc, donefunc DoneFunc) error {
	if err := c.GetToken(reason); err != nil {
		return err
	}

	c.mu.Lock()
	c.hasToken = false
	c.mu.Unlock()

	compR, compW, err := os.Pipe()
	if err != nil {
		_ = c.putTokens(1)
		return rerrors.Wrapf(err, "create completion pipe")
	}

	cmd, err := jobfunc(compW)
	// The parent never writes to compW; close our copy so the read end
	// only stays open as long as the child (or a descendant) holds it.
	compW.Close()
	if err != nil {
		compR.Close()
		_ = c.putTokens(1)
		return rerrors.Wrapf(err, "start job %s", reason)
	}

	c.mu.Lock()
	c.completions[compR.Fd()] = &completion{name: reason, cmd: cmd, readFile: compR, done: donefunc}
	c.mu.Unlock()

	return nil
}

// WaitAll drains all running jobs. It returns our implicit token before
// blocking (so the pool doesn't starve on our account) and reclaims it
// afterward. If this is the toplevel call (no jobserver fds were
// adopted from an ancestor) it also verifies the pool balances back to
// T-1 tokens resident in the pipe.
func (c *Controller) WaitAll() error {
	c.mu.Lock()
	hadToken := c.hasToken
	c.mu.Unlock()

	if hadToken {
		if err := c.PutToken(); err != nil {
			return err
		}
	}

	for {
		c.mu.Lock()
		n := len(c.completions)
		c.mu.Unlock()
		if n == 0 {
			break
		}
		if err := c.wait(false); err != nil {
			return err
		}
	}

	if hadToken {
		if err := c.GetToken("wait_all reclaim"); err != nil {
			return err
		}
	}

	if !c.external && c.poolSize > 0 {
		return c.verifyBalance()
	}
	return nil
}

// verifyBalance drains every token currently in the pipe, checks the
// count equals T-1, and restores them. Imbalance is a fatal error per
// spec.md §4.1.
func (c *Controller) verifyBalance() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var drained []byte
	for {
		ready, err := selectReadable(c.readEnd.Fd(), 0)
		if err != nil {
			return err
		}
		if !ready {
			break
		}
		buf := make([]byte, 1)
		n, err := c.readEnd.Read(buf)
		if err != nil || n == 0 {
			break
		}
		drained = append(drained, buf[0])
	}

	want := c.poolSize - 1
	if len(drained) != want {
		return fmt.Errorf("jobtoken: token leak detected; pool=%d expected %d tokens in pipe, found %d", c.poolSize, want, len(drained))
	}

	if len(drained) > 0 {
		if _, err := c.writeEnd.Write(drained); err != nil {
			return rerrors.Wrapf(err, "restore drained tokens")
		}
	}
	return nil
}

// ForceReturnTokens writes back one token per outstanding completion,
// mitigating token leakage on abort (spec.md §4.1's force_return_tokens).
func (c *Controller) ForceReturnTokens() {
	c.mu.Lock()
	n := len(c.completions)
	c.mu.Unlock()
	if n == 0 {
		return
	}
	if err := c.putTokens(n); err != nil {
		logger.Errorf("force return tokens: %s", err)
	}
}

// wait multiplexes over active completion read ends; if external is
// true, the jobserver read end is included too so a caller blocked
// waiting for work also notices when a token could be read. Any ready
// completion fd is drained, reaped, and its donefunc invoked.
func (c *Controller) wait(external bool) error {
	c.mu.Lock()
	fds := make([]uintptr, 0, len(c.completions)+1)
	for fd := range c.completions {
		fds = append(fds, fd)
	}
	if external && c.readEnd != nil {
		fds = append(fds, c.readEnd.Fd())
	}
	c.mu.Unlock()

	if len(fds) == 0 {
		if external {
			return fmt.Errorf("jobtoken: wait() with no jobserver pipe configured")
		}
		return nil
	}

	ready, err := selectReadableAny(fds)
	if err != nil {
		return err
	}

	var readEndFD uintptr
	if c.readEnd != nil {
		readEndFD = c.readEnd.Fd()
	}

	for _, fd := range ready {
		if external && fd == readEndFD {
			continue // caller will do its own guarded read
		}
		if err := c.reap(fd); err != nil {
			return err
		}
	}
	return nil
}

// reap handles one completion read end becoming readable: it closes the
// fd, waits on the child, converts the wait status to a return value,
// deposits a token, and invokes donefunc.
func (c *Controller) reap(fd uintptr) error {
	c.mu.Lock()
	comp, ok := c.completions[fd]
	if ok {
		delete(c.completions, fd)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	comp.readFile.Close()

	err := comp.cmd.Wait()
	rv := exitCode(comp.cmd, err)

	if err := c.putTokens(1); err != nil {
		return err
	}

	logger.Infof("job complete; name=%s rv=%d", comp.name, rv)
	comp.done(comp.name, rv)
	return nil
}

// tryReadToken performs the non-blocking-read emulation spec.md §4.1
// describes: a readiness peek, then a bounded guarded read so a process
// that loses the race for the byte (another cooperating process reads it
// first) gives up instead of hanging. The one-second bound stands in for
// the original's SIGALRM, per the Design Notes' own sanctioned
// poll/ppoll-with-timeout alternative.
func (c *Controller) tryReadToken() (bool, error) {
	c.mu.Lock()
	readEnd := c.readEnd
	c.mu.Unlock()
	if readEnd == nil {
		return false, fmt.Errorf("jobtoken: no jobserver pipe configured")
	}

	ready, err := selectReadable(readEnd.Fd(), guardTimeout)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}

	buf := make([]byte, 1)
	n, err := readEnd.Read(buf)
	if n == 0 && (err == nil || err == io.EOF) {
		return false, ErrTokenEOF
	}
	if err != nil {
		return false, rerrors.Wrapf(err, "read jobserver token")
	}
	return true, nil
}

// exitCode converts a reaped child's wait status into spec.md's
// convention: a negative signal number for abnormal termination,
// otherwise the exit status, mirroring the teacher's reexec.exitCode.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		return -1
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	if waitErr == nil {
		return cmd.ProcessState.ExitCode()
	}
	return cmd.ProcessState.ExitCode()
}

// ExtraFiles returns the jobserver pipe ends in the fixed order a forked
// recipe subprocess must receive them: [readEnd, writeEnd], which
// os/exec.Cmd.ExtraFiles renumbers to fd 3 and fd 4 in the child
// regardless of their numbers in this process. ChildMakeflags must be
// used together with this so the child's own MAKEFLAGS matches.
func (c *Controller) ExtraFiles() []*os.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readEnd == nil || c.writeEnd == nil {
		return nil
	}
	return []*os.File{c.readEnd, c.writeEnd}
}

// ChildMakeflags renders the MAKEFLAGS value a forked recipe subprocess
// should receive, replacing any inherited --jobserver-fds fragment (whose
// numbers are only meaningful in this process's descriptor table) with
// the fixed 3,4 pair ExtraFiles guarantees.
func (c *Controller) ChildMakeflags() string {
	return formatJobserverFDs(os.Getenv("MAKEFLAGS"), 3, 4)
}

// fdOpen reports whether fd is a currently-open descriptor in this
// process, via a no-op fcntl probe. Used to validate jobserver
// descriptors inherited through MAKEFLAGS before trusting them: a
// stale or forged fd number must not be adopted silently.
func fdOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}
