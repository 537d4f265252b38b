package jobtoken

import (
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"
)

func newTestController(t *testing.T, maxjobs int) *Controller {
	t.Helper()
	os.Unsetenv("MAKEFLAGS")
	c := New()
	if err := c.Setup(maxjobs); err != nil {
		t.Fatalf("setup: %s", err)
	}
	return c
}

func trueJob(compFD *os.File) (*exec.Cmd, error) {
	cmd := exec.Command("true")
	cmd.ExtraFiles = []*os.File{compFD}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func TestSetupSeedsPoolSizeMinusOne(t *testing.T) {
	c := newTestController(t, 4)
	if !c.HasToken() {
		t.Fatalf("expected root process to hold implicit token")
	}
	if c.PoolSize() != 4 {
		t.Fatalf("unexpected pool size: %d", c.PoolSize())
	}
}

func TestStartJobAndWaitAllBalancesTokens(t *testing.T) {
	c := newTestController(t, 3)

	var mu sync.Mutex
	var completed []string

	for i := 0; i < 5; i++ {
		name := "job"
		if err := c.StartJob(name, trueJob, func(n string, rv int) {
			mu.Lock()
			completed = append(completed, n)
			mu.Unlock()
			if rv != 0 {
				t.Errorf("unexpected rv: %d", rv)
			}
		}); err != nil {
			t.Fatalf("start job %d: %s", i, err)
		}
	}

	if err := c.WaitAll(); err != nil {
		t.Fatalf("wait_all: %s", err)
	}

	mu.Lock()
	n := len(completed)
	mu.Unlock()
	if n != 5 {
		t.Fatalf("expected 5 completions, got %d", n)
	}
	if !c.HasToken() {
		t.Fatalf("expected token reclaimed after wait_all")
	}
}

func TestGetTokenReturnsImmediatelyWhenHeld(t *testing.T) {
	c := newTestController(t, 2)
	start := time.Now()
	if err := c.GetToken("already held"); err != nil {
		t.Fatalf("get_token: %s", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("expected immediate return")
	}
}

func TestPutTokenRequiresHeldToken(t *testing.T) {
	c := newTestController(t, 2)
	if err := c.PutToken(); err != nil {
		t.Fatalf("put_token: %s", err)
	}
	if err := c.PutToken(); err == nil {
		t.Fatalf("expected error returning token we don't hold")
	}
}

func TestChildMakeflagsReplacesFDs(t *testing.T) {
	os.Setenv("MAKEFLAGS", "-j4 --jobserver-fds=9,10")
	defer os.Unsetenv("MAKEFLAGS")

	c := newTestControllerNoEnvReset(4)
	got := c.ChildMakeflags()
	if want := "-j4 --jobserver-fds=3,4"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// newTestControllerNoEnvReset builds a Controller with its own pipe
// without touching MAKEFLAGS, for tests that need to control that env
// var themselves.
func newTestControllerNoEnvReset(maxjobs int) *Controller {
	c := &Controller{completions: make(map[uintptr]*completion)}
	r, w, _ := os.Pipe()
	c.readEnd, c.writeEnd = r, w
	c.poolSize = maxjobs
	c.hasToken = true
	c.setupDone = true
	return c
}
