// Package resolver implements the Path/Recipe Resolver: given a target's
// directory and filename, it finds the .do file that builds it, following
// the same "exact match first, then generic rules walking toward the
// filesystem root" search redo is named for.
//
// Grounded in the directory-walk, ordered-candidate-search shape of
// marcelocantos-mk's pattern.go (parse a filename into ordered parts,
// test each candidate in turn) — mk's capture-constraint pattern language
// itself is not reused, only that general shape, since redo's own
// default.<ext>.do search is a different, simpler algorithm.
package resolver

import (
	"errors"
	"io/fs"
	"path"
	"strings"
)

// CandidateKind discriminates why a probed path was recorded: it either
// became the winning recipe (Match) or was probed and found absent (Miss).
type CandidateKind int

const (
	CandidateMatch CandidateKind = iota
	CandidateMiss
)

// Candidate is one probed path recorded during a Resolve call.
type Candidate struct {
	Kind CandidateKind
	Path string
}

// Probe accumulates every path probed during a single Resolve call, in
// probe order. The caller (internal/recipe) is responsible for turning
// these into depstate.File.AddDep calls; resolver itself has no
// dependency-database collaborator and is a pure function of its inputs,
// which is what makes it directly testable (spec.md §8.7).
type Probe struct {
	Candidates []Candidate
}

func (p *Probe) match(path string) {
	p.Candidates = append(p.Candidates, Candidate{Kind: CandidateMatch, Path: path})
}

func (p *Probe) miss(path string) {
	p.Candidates = append(p.Candidates, Candidate{Kind: CandidateMiss, Path: path})
}

// Result is the resolved recipe location for a target.
type Result struct {
	// RecipeDir and RecipeFile locate the winning .do file.
	RecipeDir  string
	RecipeFile string
	// BaseDir is the target's own directory (not necessarily RecipeDir,
	// since a generic rule may live in an ancestor directory).
	BaseDir string
	// BaseName and Ext split the target's filename at the point the
	// winning rule matched: BaseName+Ext == the target's filename for an
	// exact match, or BaseName is the prefix a generic rule left
	// unconsumed and Ext is the suffix it matched on.
	BaseName string
	Ext      string
}

// RecipePath joins RecipeDir and RecipeFile.
func (r Result) RecipePath() string {
	return path.Join(r.RecipeDir, r.RecipeFile)
}

// Resolve searches fsys for the recipe that builds the target named by
// dir and name, following spec.md §4.2's search order:
//
//  1. The exact rule in the target's own directory: dir/name.do.
//  2. Generic rules: at each directory level starting at dir and walking
//     up to the filesystem root, every split of name's '.'-separated
//     parts is tried, most specific extension first, as
//     default.<tail>.do (default.do for the empty extension). All
//     generic candidates at one level are exhausted before moving to the
//     parent directory — a nested project's rules take precedence over
//     an ancestor's generic rules even when the ancestor has a more
//     specific extension.
//
// fsys and dir/name use fs.FS's slash-separated, rooted-at-"." path
// convention (not the OS path separator). Every path probed along the
// way, hit or miss, is recorded on the returned Probe.
func Resolve(fsys fs.StatFS, dir, name string) (Result, Probe, bool, error) {
	var probe Probe

	exactDir := normDir(dir)
	exactPath := path.Join(exactDir, name+".do")
	ok, err := exists(fsys, exactPath)
	if err != nil {
		return Result{}, probe, false, err
	}
	if ok {
		probe.match(exactPath)
		return Result{
			RecipeDir:  exactDir,
			RecipeFile: name + ".do",
			BaseDir:    exactDir,
			BaseName:   name,
			Ext:        "",
		}, probe, true, nil
	}
	probe.miss(exactPath)

	parts := strings.Split(name, ".")

	for level := exactDir; ; level = parentOf(level) {
		for i := 1; i <= len(parts); i++ {
			tail := parts[i:]

			var candidateFile, ext string
			if len(tail) == 0 {
				candidateFile, ext = "default.do", ""
			} else {
				suffix := strings.Join(tail, ".")
				candidateFile, ext = "default."+suffix+".do", "."+suffix
			}
			baseName := strings.Join(parts[:i], ".")

			candidatePath := path.Join(level, candidateFile)
			ok, err := exists(fsys, candidatePath)
			if err != nil {
				return Result{}, probe, false, err
			}
			if ok {
				probe.match(candidatePath)
				return Result{
					RecipeDir:  level,
					RecipeFile: candidateFile,
					BaseDir:    exactDir,
					BaseName:   baseName,
					Ext:        ext,
				}, probe, true, nil
			}
			probe.miss(candidatePath)
		}

		if level == "." {
			break
		}
	}

	return Result{}, probe, false, nil
}

// normDir maps an empty directory (a bare filename target) to fs.FS's
// root, ".".
func normDir(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// parentOf returns the fs.FS-style parent of dir, stopping at ".".
func parentOf(dir string) string {
	if dir == "." {
		return "."
	}
	return path.Dir(dir)
}

func exists(fsys fs.StatFS, p string) (bool, error) {
	_, err := fsys.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
