// Package exitcode is the shared exit-code vocabulary internal/recipe and
// internal/orchestrator both produce and aggregate, matching the table in
// SPEC_FULL.md §6 (itself carried unchanged from spec.md §6).
package exitcode

const (
	// OK indicates a clean or successfully rebuilt target.
	OK = 0
	// NoRule indicates no recipe exists for a non-existent target.
	NoRule = 1
	// FailedElsewhere indicates a sibling build already marked the target
	// failed; this process did not itself run a recipe.
	FailedElsewhere = 2
	// RecipeUncaughtException indicates the recipe subprocess could not be
	// started or exec'd at all.
	RecipeUncaughtException = 201
	// StateDirMissing indicates the dependency-state directory disappeared
	// mid-run.
	StateDirMissing = 205
	// ModifiedDirectly indicates the recipe wrote to the target path
	// in place instead of through stdout or $3.
	ModifiedDirectly = 206
	// DualOutput indicates the recipe wrote to both stdout and $3.
	DualOutput = 207
	// RenameFailure indicates the atomic install step could not complete.
	RenameFailure = 208
	// Cycle indicates a dependency cycle was detected in phase 2 of the
	// Build Orchestrator.
	Cycle = 209
)
