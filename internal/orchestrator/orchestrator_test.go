package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/redo-sh/redo/internal/buildstack"
	"github.com/redo-sh/redo/internal/depstate"
	"github.com/redo-sh/redo/internal/exitcode"
	"github.com/redo-sh/redo/internal/jobtoken"
)

// newTestEnv wires a fresh state db and a serial (-j1) jobserver rooted
// at a throwaway project directory, the same collaborators cmd/redo
// constructs for a real invocation.
func newTestEnv(t *testing.T) (string, *depstate.DB, *jobtoken.Controller) {
	t.Helper()
	os.Unsetenv("MAKEFLAGS")
	os.Unsetenv("REDO_STACK")

	base := t.TempDir()
	state, err := depstate.Open(base)
	if err != nil {
		t.Fatalf("open state: %s", err)
	}
	jc := jobtoken.New()
	if err := jc.Setup(1); err != nil {
		t.Fatalf("setup jobserver: %s", err)
	}
	return base, state, jc
}

func writeFile(t *testing.T, base, rel, contents string) {
	t.Helper()
	path := filepath.Join(base, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %s", rel, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write %s: %s", rel, err)
	}
}

func readFile(t *testing.T, base, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(base, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %s", rel, err)
	}
	return string(b)
}

// TestStdoutRecipe is scenario 1 from SPEC_FULL.md §8: a recipe that
// writes only to stdout becomes the target's contents.
func TestStdoutRecipe(t *testing.T) {
	base, state, jc := newTestEnv(t)
	writeFile(t, base, "hello.txt.do", "echo hi\n")

	rv := Run(context.Background(), state, jc, []string{"hello.txt"}, Config{Base: base})
	if rv != exitcode.OK {
		t.Fatalf("unexpected rv: %d", rv)
	}
	if got := readFile(t, base, "hello.txt"); got != "hi\n" {
		t.Fatalf("unexpected contents: %q", got)
	}
}

// TestDollar3Recipe is scenario 2: a recipe that writes to $3 becomes the
// target's contents.
func TestDollar3Recipe(t *testing.T) {
	base, state, jc := newTestEnv(t)
	writeFile(t, base, "out.do", `echo body > "$3"`+"\n")

	rv := Run(context.Background(), state, jc, []string{"out"}, Config{Base: base})
	if rv != exitcode.OK {
		t.Fatalf("unexpected rv: %d", rv)
	}
	if got := readFile(t, base, "out"); got != "body\n" {
		t.Fatalf("unexpected contents: %q", got)
	}
}

// TestDualWriteViolation is scenario 3: a recipe writing to both stdout
// and $3 is rejected with rv 207 and leaves no installed target.
func TestDualWriteViolation(t *testing.T) {
	base, state, jc := newTestEnv(t)
	writeFile(t, base, "bad.do", `echo a; echo b > "$3"`+"\n")

	rv := Run(context.Background(), state, jc, []string{"bad"}, Config{Base: base})
	if rv&exitcode.DualOutput == 0 {
		t.Fatalf("expected rv to include %d, got %d", exitcode.DualOutput, rv)
	}
	if _, err := os.Stat(filepath.Join(base, "bad")); err == nil {
		t.Fatalf("expected bad to be absent")
	}
}

// TestMissingRule is scenario 4: building a target with no matching .do
// file (and no generic default*.do) fails with rv 1.
func TestMissingRule(t *testing.T) {
	base, state, jc := newTestEnv(t)

	rv := Run(context.Background(), state, jc, []string{"nosuch"}, Config{Base: base})
	if rv != exitcode.NoRule {
		t.Fatalf("unexpected rv: %d", rv)
	}
}

// TestGenericRulePrecedence is scenario 5: a more specific default.o.do at
// the project root and a less specific sub/default.do both apply to
// sub/foo.o; the nearer directory's rule wins.
func TestGenericRulePrecedence(t *testing.T) {
	base, state, jc := newTestEnv(t)
	writeFile(t, base, "default.o.do", `echo root > "$3"`+"\n")
	writeFile(t, base, "sub/default.do", `echo sub > "$3"`+"\n")

	rv := Run(context.Background(), state, jc, []string{"sub/foo.o"}, Config{Base: base})
	if rv != exitcode.OK {
		t.Fatalf("unexpected rv: %d", rv)
	}
	if got := readFile(t, base, "sub/foo.o"); got != "sub\n" {
		t.Fatalf("expected nearer rule to win, got %q", got)
	}
}

// TestCycleDetection is scenario 6, exercised as a white-box test of
// phase2's InChain/InProcess check directly: a target deferred in phase 1
// that is already on this process's active build chain is a cycle, never
// attempted, and contributes rv 209.
func TestCycleDetection(t *testing.T) {
	base, state, _ := newTestEnv(t)

	file, err := state.File("a")
	if err != nil {
		t.Fatalf("file a: %s", err)
	}

	release := buildstack.Enter("a")
	defer release()

	jc := jobtoken.New()
	if err := jc.Setup(1); err != nil {
		t.Fatalf("setup jobserver: %s", err)
	}

	o := &orchestration{
		ctx:         context.Background(),
		jc:          jc,
		state:       state,
		cfg:         Config{Base: base},
		shouldBuild: DefaultShouldBuild(state),
		deferred:    []deferredEntry{{fileID: file.ID(), target: "a"}},
	}
	o.phase2()

	if o.retcode&exitcode.Cycle == 0 {
		t.Fatalf("expected rv to include %d, got %d", exitcode.Cycle, o.retcode)
	}
}

// TestKeepGoingAggregatesFailures verifies that with KeepGoing set, a
// failing target does not stop a sibling target from building, and the
// aggregate rv carries both outcomes (SPEC_FULL.md §7's OR-of-outcomes
// rule).
func TestKeepGoingAggregatesFailures(t *testing.T) {
	base, state, jc := newTestEnv(t)
	writeFile(t, base, "bad.do", `echo a; echo b > "$3"`+"\n")
	writeFile(t, base, "good.do", "echo ok\n")

	rv := Run(context.Background(), state, jc, []string{"bad", "good"}, Config{Base: base, KeepGoing: true})
	if rv&exitcode.DualOutput == 0 {
		t.Fatalf("expected rv to include %d, got %d", exitcode.DualOutput, rv)
	}
	if got := readFile(t, base, "good"); got != "ok\n" {
		t.Fatalf("unexpected contents for good: %q", got)
	}
}
