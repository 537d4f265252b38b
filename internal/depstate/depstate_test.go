package depstate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileCreateAndPersist(t *testing.T) {
	base := t.TempDir()

	db, err := Open(base)
	if err != nil {
		t.Fatalf("open: %s", err)
	}

	f, err := db.File("foo.o")
	if err != nil {
		t.Fatalf("file: %s", err)
	}
	if f.Name() != "foo.o" {
		t.Fatalf("unexpected name: %s", f.Name())
	}

	f.SetGenerated(true)
	f.SetChanged(true)
	f.AddDep(DepMatch, "default.o.do")
	f.AddDep(DepCandidateMiss, "foo.o.do")
	f.AddTargetDep("foo.o.do")

	if err := db.Commit(); err != nil {
		t.Fatalf("commit: %s", err)
	}

	db2, err := Open(base)
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	f2, err := db2.File("foo.o")
	if err != nil {
		t.Fatalf("file2: %s", err)
	}
	if !f2.IsGenerated() || !f2.IsChanged() {
		t.Fatalf("expected flags to survive reopen")
	}
	if f2.ID() != f.ID() {
		t.Fatalf("id mismatch across reopen: %d != %d", f2.ID(), f.ID())
	}
}

func TestFileIdsAreStableAndLazy(t *testing.T) {
	base := t.TempDir()
	db, err := Open(base)
	if err != nil {
		t.Fatalf("open: %s", err)
	}

	a, _ := db.File("a")
	b, _ := db.File("b")
	aAgain, _ := db.File("a")

	if a.ID() == b.ID() {
		t.Fatalf("expected distinct ids")
	}
	if a.ID() != aAgain.ID() {
		t.Fatalf("expected stable id on repeat lookup")
	}
}

func TestZapDeps(t *testing.T) {
	base := t.TempDir()
	db, _ := Open(base)
	f, _ := db.File("t")

	f.AddDep(DepMatch, "x")
	f.AddTargetDep("y")
	f.ZapDeps1()
	f.ZapDeps2()

	fh := f.(*fileHandle)
	if len(fh.rec.Deps1) != 0 || len(fh.rec.Deps2) != 0 {
		t.Fatalf("expected deps cleared")
	}
}

func TestLockTryLockExclusive(t *testing.T) {
	base := t.TempDir()
	db, _ := Open(base)
	f, _ := db.File("exclusive")

	l1 := db.Lock(f.ID())
	l2 := db.Lock(f.ID())

	ok, err := l1.TryLock()
	if err != nil || !ok {
		t.Fatalf("expected l1 to acquire lock: ok=%v err=%v", ok, err)
	}

	// A distinct Lock value for the same id, from the same process, is a
	// distinct advisory-lock holder at the OS level (flock is per open file
	// description); it must not also acquire the lock.
	ok2, err := l2.TryLock()
	if err != nil {
		t.Fatalf("trylock l2: %s", err)
	}
	if ok2 {
		t.Fatalf("expected l2 trylock to fail while l1 holds the lock")
	}

	if err := l1.Unlock(); err != nil {
		t.Fatalf("unlock: %s", err)
	}

	ok3, err := l2.TryLock()
	if err != nil || !ok3 {
		t.Fatalf("expected l2 to acquire lock after l1 released: ok=%v err=%v", ok3, err)
	}
}

func TestCheckSaneDetectsMissingDir(t *testing.T) {
	base := t.TempDir()
	db, err := Open(base)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	if err := db.CheckSane(); err != nil {
		t.Fatalf("expected sane state dir: %s", err)
	}

	if err := os.RemoveAll(filepath.Join(base, ".redo")); err != nil {
		t.Fatalf("remove state dir: %s", err)
	}
	if err := db.CheckSane(); err == nil {
		t.Fatalf("expected CheckSane to fail after state dir removal")
	}
}
