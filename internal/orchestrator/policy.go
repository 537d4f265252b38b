package orchestrator

import "github.com/redo-sh/redo/internal/depstate"

// DefaultShouldBuild implements a default freshness policy built only from
// the depstate collaborator spec.md §6 already names, since recursive
// dependency-freshness evaluation is explicitly out of this core's scope
// (spec.md §1's "target-level incremental hashing policy" non-goal).
//
// An unbuilt target, a previously failed one, or one whose recorded stamp
// no longer matches the disk is Dirty. A target with recorded
// dependencies whose own freshness can't be judged from here is handed to
// redo-unlocked as Suspects, which is exactly what spec.md §4.3's
// unlocked_check state exists to resolve out of band; a leaf with no
// dependencies and a matching stamp is Clean.
func DefaultShouldBuild(state depstate.State) func(target string) depstate.Disposition {
	return func(target string) depstate.Disposition {
		file, err := state.File(target)
		if err != nil {
			return depstate.Dirty()
		}

		if file.IsFailed() {
			return depstate.Dirty()
		}

		built := file.IsGenerated() || file.IsStatic() || file.IsChecked() || file.IsChanged()
		if !built {
			return depstate.Dirty()
		}

		onDisk, err := file.ReadStamp()
		if err != nil {
			return depstate.Dirty()
		}
		if onDisk != file.Stamp() {
			return depstate.Dirty()
		}

		if deps := file.Deps(); len(deps) > 0 {
			return depstate.Suspects(deps)
		}
		return depstate.Clean()
	}
}

// unlockedLock implements depstate.Lock as a permanently-owned no-op, for
// Config.Unlocked (single-process) mode.
type unlockedLock struct{}

func (unlockedLock) TryLock() (bool, error) { return true, nil }
func (unlockedLock) WaitLock() error        { return nil }
func (unlockedLock) Unlock() error          { return nil }
func (unlockedLock) Owned() bool            { return true }

var _ depstate.Lock = unlockedLock{}
