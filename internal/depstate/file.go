package depstate

import (
	"path/filepath"
	"sync"
)

// fileHandle implements File over a record owned by a DB. rec is the DB's
// own in-memory record, so setters mutate the DB's table directly and
// Commit is what makes them durable; this mirrors the teacher's Job type,
// which guards its own status/exitCode fields with a mutex.
type fileHandle struct {
	mu  sync.RWMutex
	db  *DB
	rec *record
}

var _ File = (*fileHandle)(nil)

func (f *fileHandle) ID() int64 { return f.rec.ID }

func (f *fileHandle) Name() string { return f.rec.Name }

func (f *fileHandle) IsGenerated() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.Generated
}

func (f *fileHandle) IsOverride() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.Override
}

func (f *fileHandle) IsStatic() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.Static
}

func (f *fileHandle) IsChecked() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.Checked
}

func (f *fileHandle) IsChanged() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.Changed
}

func (f *fileHandle) IsFailed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.Failed
}

func (f *fileHandle) SetGenerated(v bool) { f.mu.Lock(); f.rec.Generated = v; f.mu.Unlock() }
func (f *fileHandle) SetStatic(v bool)    { f.mu.Lock(); f.rec.Static = v; f.mu.Unlock() }
func (f *fileHandle) SetOverride(v bool)  { f.mu.Lock(); f.rec.Override = v; f.mu.Unlock() }
func (f *fileHandle) SetChecked(v bool)   { f.mu.Lock(); f.rec.Checked = v; f.mu.Unlock() }
func (f *fileHandle) SetChanged(v bool)   { f.mu.Lock(); f.rec.Changed = v; f.mu.Unlock() }
func (f *fileHandle) SetFailed(v bool)    { f.mu.Lock(); f.rec.Failed = v; f.mu.Unlock() }

func (f *fileHandle) Stamp() Stamp {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.StampVal
}

func (f *fileHandle) SetStamp(s Stamp) {
	f.mu.Lock()
	f.rec.StampVal = s
	f.mu.Unlock()
}

func (f *fileHandle) Csum() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.CsumVal
}

func (f *fileHandle) SetCsum(c string) {
	f.mu.Lock()
	f.rec.CsumVal = c
	f.mu.Unlock()
}

// ReadStamp stats the target path (relative to BASE) and returns its
// current on-disk Stamp, without altering the recorded Stamp.
func (f *fileHandle) ReadStamp() (Stamp, error) {
	return StatStamp(filepath.Join(f.db.base, f.rec.Name))
}

// UpdateStamp refreshes the recorded Stamp from disk.
func (f *fileHandle) UpdateStamp() error {
	s, err := f.ReadStamp()
	if err != nil {
		return err
	}
	f.SetStamp(s)
	return nil
}

func (f *fileHandle) AddDep(kind DepKind, path string) {
	f.mu.Lock()
	f.rec.Deps1 = append(f.rec.Deps1, depEdge{Kind: kind, Path: path})
	f.mu.Unlock()
}

func (f *fileHandle) AddTargetDep(path string) {
	f.mu.Lock()
	f.rec.Deps2 = append(f.rec.Deps2, path)
	f.mu.Unlock()
}

func (f *fileHandle) Deps() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := make(map[string]bool, len(f.rec.Deps1)+len(f.rec.Deps2))
	var out []string
	for _, e := range f.rec.Deps1 {
		if e.Kind != DepMatch || seen[e.Path] {
			continue
		}
		seen[e.Path] = true
		out = append(out, e.Path)
	}
	for _, p := range f.rec.Deps2 {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (f *fileHandle) ZapDeps1() {
	f.mu.Lock()
	f.rec.Deps1 = nil
	f.mu.Unlock()
}

func (f *fileHandle) ZapDeps2() {
	f.mu.Lock()
	f.rec.Deps2 = nil
	f.mu.Unlock()
}

// Refresh reloads this record's flags from the DB's in-memory table. Since
// fileHandle and DB share the same record pointer once loaded, Refresh is a
// no-op beyond re-reading after a DB.load(); kept as an explicit method so
// callers following spec.md's collaborator contract have it to call.
func (f *fileHandle) Refresh() error {
	return nil
}

// Save is a no-op. Records are mutated in place and every record the DB
// holds is written by the next DB.Commit, so no per-record dirty flag
// exists; the real durability boundary is Commit.
func (f *fileHandle) Save() error {
	return nil
}
