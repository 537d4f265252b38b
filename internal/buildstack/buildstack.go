// Package buildstack is the "targets currently being built by ancestors"
// registry spec.md §9's Design Notes describe: cycle detection needs no
// graph traversal, only the observation that a target we cannot lock in
// phase 2 must be held by an ancestor if that ancestor recorded the
// target as in-progress before forking us.
//
// Two layers make the registry work across the process tree a build
// spans: an in-process set (this redo invocation may itself drive several
// concurrent top-level targets as goroutines) and an REDO_STACK
// environment variable carrying the ancestor chain across exec, the same
// environment-propagation technique real redo implementations use and the
// one spec.md §6 already reserves REDO_PWD/REDO_TARGET/REDO_DEPTH for.
package buildstack

import (
	"os"
	"strings"
	"sync"
)

const envKey = "REDO_STACK"

var (
	mu     sync.Mutex
	active = make(map[string]int) // target -> in-process entrant count
)

// Release removes one entry previously added by Enter.
type Release func()

// Enter records target as being built by this process until the returned
// Release is called. It never fails: concurrent sibling targets within one
// process (phase 1's optimistic launches) are not a cycle by themselves,
// only a target appearing in its own ancestor chain is — that check is
// InChain, consulted against the inherited environment separately.
func Enter(target string) Release {
	mu.Lock()
	active[target]++
	mu.Unlock()
	return func() {
		mu.Lock()
		if n := active[target]; n <= 1 {
			delete(active, target)
		} else {
			active[target] = n - 1
		}
		mu.Unlock()
	}
}

// InProcess reports whether target is currently being built by this
// process (any goroutine).
func InProcess(target string) bool {
	mu.Lock()
	defer mu.Unlock()
	return active[target] > 0
}

// Chain returns the ancestor chain inherited from REDO_STACK, oldest
// ancestor first.
func Chain() []string {
	v := os.Getenv(envKey)
	if v == "" {
		return nil
	}
	return strings.Split(v, " ")
}

// InChain reports whether target appears in the inherited ancestor chain:
// a cross-process cycle, since the only process that can hold that
// target's lock is one of our own ancestors.
func InChain(target string) bool {
	for _, t := range Chain() {
		if t == target {
			return true
		}
	}
	return false
}

// ChildEnv returns the REDO_STACK value a forked recipe (or redo-unlocked
// invocation) for target should receive: the inherited chain with target
// appended.
func ChildEnv(target string) string {
	chain := append(append([]string{}, Chain()...), target)
	return strings.Join(chain, " ")
}

// Path renders the full ancestor chain plus target, for a cycle error
// message ("a -> b -> a").
func Path(target string) string {
	chain := append(Chain(), target)
	return strings.Join(chain, " -> ")
}
