package resolver

import (
	"testing"
	"testing/fstest"
)

func TestResolveExactRuleWins(t *testing.T) {
	fsys := fstest.MapFS{
		"src/foo.c.do":     {},
		"src/default.c.do": {},
		"default.do":       {},
	}

	res, probe, ok, err := Resolve(fsys, "src", "foo.c")
	if err != nil {
		t.Fatalf("resolve: %s", err)
	}
	if !ok {
		t.Fatalf("expected a match")
	}
	if res.RecipePath() != "src/foo.c.do" {
		t.Fatalf("unexpected recipe path: %s", res.RecipePath())
	}
	if res.BaseName != "foo.c" || res.Ext != "" {
		t.Fatalf("unexpected base split: %q %q", res.BaseName, res.Ext)
	}
	if len(probe.Candidates) != 1 || probe.Candidates[0].Kind != CandidateMatch {
		t.Fatalf("expected exactly one matching probe entry, got %+v", probe.Candidates)
	}
}

func TestResolveGenericRuleMostSpecificExtensionWins(t *testing.T) {
	fsys := fstest.MapFS{
		"src/default.c.do":  {},
		"src/default.do":    {},
	}

	res, _, ok, err := Resolve(fsys, "src", "foo.c")
	if err != nil {
		t.Fatalf("resolve: %s", err)
	}
	if !ok {
		t.Fatalf("expected a match")
	}
	if res.RecipePath() != "src/default.c.do" {
		t.Fatalf("unexpected recipe path: %s", res.RecipePath())
	}
	if res.BaseName != "foo" || res.Ext != ".c" {
		t.Fatalf("unexpected base split: %q %q", res.BaseName, res.Ext)
	}
}

func TestResolveOwnDirectoryBeatsAncestorGenericRule(t *testing.T) {
	fsys := fstest.MapFS{
		"default.c.do":          {}, // ancestor, more specific extension
		"src/nested/default.do": {}, // own directory, less specific
	}

	res, _, ok, err := Resolve(fsys, "src/nested", "foo.c")
	if err != nil {
		t.Fatalf("resolve: %s", err)
	}
	if !ok {
		t.Fatalf("expected a match")
	}
	if res.RecipePath() != "src/nested/default.do" {
		t.Fatalf("expected own-directory generic rule to win, got %s", res.RecipePath())
	}
}

func TestResolveWalksToRoot(t *testing.T) {
	fsys := fstest.MapFS{
		"default.do": {},
	}

	res, _, ok, err := Resolve(fsys, "a/b/c", "foo.x")
	if err != nil {
		t.Fatalf("resolve: %s", err)
	}
	if !ok {
		t.Fatalf("expected a match at the filesystem root")
	}
	if res.RecipeDir != "." {
		t.Fatalf("expected recipe dir at root, got %q", res.RecipeDir)
	}
	if res.BaseDir != "a/b/c" {
		t.Fatalf("expected base dir to stay the target's own directory, got %q", res.BaseDir)
	}
}

func TestResolveNoRuleFound(t *testing.T) {
	fsys := fstest.MapFS{
		"unrelated.txt": {},
	}

	_, probe, ok, err := Resolve(fsys, "src", "foo.c")
	if err != nil {
		t.Fatalf("resolve: %s", err)
	}
	if ok {
		t.Fatalf("expected no rule to be found")
	}
	if len(probe.Candidates) == 0 {
		t.Fatalf("expected every probed candidate to be recorded as a miss")
	}
	for _, c := range probe.Candidates {
		if c.Kind != CandidateMiss {
			t.Fatalf("expected all candidates to be misses, got %+v", c)
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	fsys := fstest.MapFS{
		"src/default.c.do": {},
	}

	res1, probe1, ok1, err1 := Resolve(fsys, "src", "foo.c")
	res2, probe2, ok2, err2 := Resolve(fsys, "src", "foo.c")
	if err1 != nil || err2 != nil {
		t.Fatalf("resolve errors: %s %s", err1, err2)
	}
	if ok1 != ok2 || res1 != res2 {
		t.Fatalf("resolve is not deterministic: %+v vs %+v", res1, res2)
	}
	if len(probe1.Candidates) != len(probe2.Candidates) {
		t.Fatalf("probe candidate count differs across identical calls")
	}
}
