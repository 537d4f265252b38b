package watchmode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redo-sh/redo/internal/depstate"
)

func TestClosureOfFollowsRecordedDeps(t *testing.T) {
	base := t.TempDir()
	state, err := depstate.Open(base)
	if err != nil {
		t.Fatalf("open state: %s", err)
	}

	top, err := state.File("out")
	if err != nil {
		t.Fatalf("file out: %s", err)
	}
	top.AddDep(depstate.DepMatch, "out.do")
	top.AddTargetDep("lib.o")

	lib, err := state.File("lib.o")
	if err != nil {
		t.Fatalf("file lib.o: %s", err)
	}
	lib.AddDep(depstate.DepMatch, "lib.o.do")

	closure, err := closureOf(state, []string{"out"})
	if err != nil {
		t.Fatalf("closureOf: %s", err)
	}

	want := map[string]bool{"out": true, "out.do": true, "lib.o": true, "lib.o.do": true}
	if len(closure) != len(want) {
		t.Fatalf("unexpected closure: %v", closure)
	}
	for _, p := range closure {
		if !want[p] {
			t.Fatalf("unexpected entry %q in closure %v", p, closure)
		}
	}
}

func TestWatchRerunsOnChange(t *testing.T) {
	if os.Getenv("CI_NO_INOTIFY") != "" {
		t.Skip("inotify unavailable in this environment")
	}

	base := t.TempDir()
	state, err := depstate.Open(base)
	if err != nil {
		t.Fatalf("open state: %s", err)
	}

	watched := filepath.Join(base, "input.txt")
	if err := os.WriteFile(watched, []byte("v1"), 0644); err != nil {
		t.Fatalf("write input: %s", err)
	}

	file, err := state.File("out")
	if err != nil {
		t.Fatalf("file out: %s", err)
	}
	file.AddDep(depstate.DepMatch, "input.txt")

	runs := make(chan struct{}, 8)
	run := func(targets []string) int {
		runs <- struct{}{}
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Watch(ctx, state, base, []string{"out"}, run) }()

	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an initial run")
	}

	if err := os.WriteFile(watched, []byte("v2"), 0644); err != nil {
		t.Fatalf("rewrite input: %s", err)
	}

	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a rebuild after the watched file changed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not return after ctx cancellation")
	}
}
