// Package watchmode implements SPEC_FULL.md §4.6's continuous-rebuild
// mode: after a normal build completes, watch every file that build
// actually touched and re-run it whenever one of them changes, the way a
// file-watching dev-loop tool would.
//
// Grounded in the teacher repo's internal/fsnotify.Watcher (inotify
// wrapper, adapted here as the unexported watcher type in inotify.go)
// and internal/jobworker/watch.ModWatcher (the broadcast-on-change
// pattern a running job's log watcher uses) — the same "own the
// watch set, fan a single signal out to whoever's listening" shape,
// retargeted from streaming job output to re-triggering a build.
package watchmode

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/redo-sh/redo/internal/depstate"
)

// debounce coalesces a burst of filesystem events (a recipe writing its
// output touches several watched paths in quick succession) into one
// rebuild, matching the teacher's ModWatcher debounce behavior.
const debounce = 100 * time.Millisecond

// RunFunc performs one build of targets and returns its exit code, the
// same signature internal/orchestrator.Run exposes once curried over its
// fixed arguments.
type RunFunc func(targets []string) int

// Watch runs targets once, then rebuilds them every time a file in their
// recorded dependency closure changes, until ctx is done. base is the
// project root used to resolve each dependency path recorded in state
// (which are stored relative to BASE, per internal/depstate).
//
// The watched set is recomputed after every rebuild, since a changed
// recipe can add or drop dependencies of its own; this mirrors how a
// normal (non-watch) invocation always re-resolves dependencies from
// scratch rather than trusting a stale list.
func Watch(ctx context.Context, state depstate.State, base string, targets []string, run RunFunc) error {
	w, err := newWatcher()
	if err != nil {
		return err
	}
	defer w.close()

	run(targets)
	if err := refreshWatches(w, state, base, targets); err != nil {
		logger.Warnf("refresh watches: %s", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.events:
			if !ok {
				return nil
			}
		}

		drain(w.events, debounce)

		logger.Infof("change detected; rebuilding %v", targets)
		run(targets)
		if err := refreshWatches(w, state, base, targets); err != nil {
			logger.Warnf("refresh watches: %s", err)
		}
	}
}

// drain absorbs further events arriving within window of the first one,
// so a recipe that touches a dozen watched files triggers a single
// rebuild rather than a dozen.
func drain(events <-chan struct{}, window time.Duration) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-events:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(window)
		case <-timer.C:
			return
		}
	}
}

// refreshWatches recomputes the transitive dependency closure of targets
// from state and arms the watcher on every path in it.
func refreshWatches(w *watcher, state depstate.State, base string, targets []string) error {
	closure, err := closureOf(state, targets)
	if err != nil {
		return err
	}
	for _, rel := range closure {
		abs := filepath.Join(base, filepath.FromSlash(rel))
		if _, err := os.Lstat(abs); err != nil {
			continue
		}
		if err := w.add(abs); err != nil {
			logger.Warnf("watch %s: %s", abs, err)
		}
	}
	return nil
}

// closureOf walks state's recorded Deps edges from targets outward,
// returning every path reached (targets included).
func closureOf(state depstate.State, targets []string) ([]string, error) {
	seen := make(map[string]bool)
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		order = append(order, name)

		file, err := state.File(name)
		if err != nil {
			return err
		}
		for _, dep := range file.Deps() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, t := range targets {
		if err := visit(t); err != nil {
			return nil, err
		}
	}
	return order, nil
}
