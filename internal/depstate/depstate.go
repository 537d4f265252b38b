// Package depstate is the concrete dependency-database collaborator named
// (but not specified) by the redo core: it owns File records, their
// dependency edges, and per-target advisory locks, all persisted under
// BASE/.redo. The core (internal/jobtoken, internal/resolver,
// internal/recipe, internal/orchestrator) only ever talks to the State,
// File and Lock interfaces defined here; the on-disk layout and encoding
// are this package's own business, not a public contract.
package depstate

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	rerrors "github.com/redo-sh/redo/internal/errors"
	"github.com/redo-sh/redo/internal/log"
)

// DepKind discriminates the two first-generation dependency edge types a
// recipe resolution records.
type DepKind int

const (
	// DepMatch marks the recipe candidate that was selected (the "m" edge).
	DepMatch DepKind = iota
	// DepCandidateMiss marks a recipe candidate that was probed and did not
	// exist (a "c" edge).
	DepCandidateMiss
)

// Disposition is the result of a freshness check, mirroring the
// shouldbuildfunc contract from spec.md §4.3: CLEAN and DIRTY are sentinel
// dispositions, ImmediateReturn short-circuits the state machine with a
// fixed return code, and Suspects carries a list of dependency names that
// require an out-of-band (redo-unlocked) check.
type Disposition struct {
	kind     dispositionKind
	rv       int
	suspects []string
}

type dispositionKind int

const (
	dispositionClean dispositionKind = iota
	dispositionDirty
	dispositionImmediate
	dispositionSuspects
)

// Clean reports that the target is up to date.
func Clean() Disposition { return Disposition{kind: dispositionClean} }

// Dirty reports that the target must be rebuilt unconditionally.
func Dirty() Disposition { return Disposition{kind: dispositionDirty} }

// ImmediateReturn short-circuits the Build Job straight to release with rv.
func ImmediateReturn(rv int) Disposition {
	return Disposition{kind: dispositionImmediate, rv: rv}
}

// Suspects reports dependencies whose freshness is ambiguous and must be
// settled by redo-unlocked.
func Suspects(deps []string) Disposition {
	return Disposition{kind: dispositionSuspects, suspects: deps}
}

// IsClean reports whether the Disposition is Clean.
func (d Disposition) IsClean() bool { return d.kind == dispositionClean }

// IsDirty reports whether the Disposition is Dirty.
func (d Disposition) IsDirty() bool { return d.kind == dispositionDirty }

// ImmediateRV returns (rv, true) if the Disposition is an ImmediateReturn.
func (d Disposition) ImmediateRV() (int, bool) {
	if d.kind != dispositionImmediate {
		return 0, false
	}
	return d.rv, true
}

// SuspectList returns (deps, true) if the Disposition is Suspects.
func (d Disposition) SuspectList() ([]string, bool) {
	if d.kind != dispositionSuspects {
		return nil, false
	}
	return d.suspects, true
}

// State is the dependency database collaborator spec.md §6 names.
type State interface {
	// File looks up or creates the File record for name.
	File(name string) (File, error)
	// FileByID looks up a File record by its stable integer id.
	FileByID(id int64) (File, error)
	// Commit flushes pending changes to durable storage.
	Commit() error
	// CheckSane verifies the state directory still exists.
	CheckSane() error
	// WarnOverride logs that name was modified outside the build.
	WarnOverride(name string)
	// Lock returns the advisory Lock for the given file id.
	Lock(id int64) Lock
}

// File is the per-target record collaborator spec.md §3 and §6 name.
type File interface {
	ID() int64
	Name() string

	IsGenerated() bool
	IsOverride() bool
	IsStatic() bool
	IsChecked() bool
	IsChanged() bool
	IsFailed() bool

	SetGenerated(bool)
	SetStatic(bool)
	SetOverride(bool)
	SetChecked(bool)
	SetChanged(bool)
	SetFailed(bool)

	Stamp() Stamp
	SetStamp(Stamp)
	Csum() string
	SetCsum(string)

	// ReadStamp stats the on-disk file and returns its current Stamp.
	ReadStamp() (Stamp, error)
	// UpdateStamp refreshes the recorded Stamp from disk.
	UpdateStamp() error

	// AddDep records a first-generation ("m"/"c") recipe-candidate edge.
	AddDep(kind DepKind, path string)
	// AddTargetDep records a second-generation target-to-target edge.
	AddTargetDep(path string)
	// Deps enumerates this file's recorded dependency paths: the winning
	// recipe-candidate ("m") edge plus every target-to-target edge,
	// deduplicated. Candidate-miss ("c") edges are excluded since a miss
	// is not something a freshness check needs to revisit. Used by the
	// default freshness policy (internal/orchestrator) to build the
	// Suspects list an out-of-band redo-unlocked check receives.
	Deps() []string
	// ZapDeps1 clears first-generation dependency edges.
	ZapDeps1()
	// ZapDeps2 clears second-generation dependency edges.
	ZapDeps2()

	// Refresh reloads this record's flags from durable storage.
	Refresh() error
	// Save persists this record's current in-memory state.
	Save() error
}

// Lock is the per-target advisory lock collaborator spec.md §3 and §6 name.
type Lock interface {
	// TryLock attempts to acquire the lock without blocking.
	TryLock() (bool, error)
	// WaitLock blocks until the lock is acquired.
	WaitLock() error
	// Unlock releases the lock. It is a no-op if not owned.
	Unlock() error
	// Owned reports whether this process currently holds the lock.
	Owned() bool
}

// logger is the package-wide logger, matching every other redo package's
// convention of a single package-level *log.Logger writing to stdout.
var logger = log.New(os.Stdout, "depstate")

// record is the gob-serialisable representation of a File.
type record struct {
	ID        int64
	Name      string
	Generated bool
	Override  bool
	Static    bool
	Checked   bool
	Changed   bool
	Failed    bool
	StampVal  Stamp
	CsumVal   string
	Deps1     []depEdge
	Deps2     []string
}

type depEdge struct {
	Kind DepKind
	Path string
}

func init() {
	gob.Register(record{})
}

// dbImage is the whole persisted database: every record plus the id
// counter, gob-encoded as a single unit and rewritten wholesale on Commit
// (see DESIGN.md for why gob rather than a versioned schema).
type dbImage struct {
	NextID  int64
	Records map[int64]*record
}

// Open opens (creating if necessary) the dependency database rooted at
// base/.redo. base is the project root ("BASE" in spec.md's terms).
func Open(base string) (*DB, error) {
	dir := filepath.Join(base, ".redo")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, rerrors.Wrapf(err, "create state dir %s", dir)
	}
	locksDir := filepath.Join(dir, "locks")
	if err := os.MkdirAll(locksDir, 0755); err != nil {
		return nil, rerrors.Wrapf(err, "create locks dir %s", locksDir)
	}

	db := &DB{
		base:     base,
		dir:      dir,
		dbPath:   filepath.Join(dir, "db.gob"),
		locksDir: locksDir,
		byName:   make(map[string]*fileHandle),
		byID:     make(map[int64]*fileHandle),
	}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

// DB is the default, file-locked State implementation.
type DB struct {
	mu sync.Mutex

	base     string
	dir      string
	dbPath   string
	locksDir string

	nextID int64
	byName map[string]*fileHandle
	byID   map[int64]*fileHandle
}

var _ State = (*DB)(nil)

func (db *DB) load() error {
	f, err := os.Open(db.dbPath)
	if os.IsNotExist(err) {
		db.nextID = 1
		return nil
	}
	if err != nil {
		return rerrors.Wrapf(err, "open state db %s", db.dbPath)
	}
	defer f.Close()

	var img dbImage
	if err := gob.NewDecoder(f).Decode(&img); err != nil {
		return rerrors.Wrapf(err, "decode state db %s", db.dbPath)
	}
	db.nextID = img.NextID
	for id, rec := range img.Records {
		fh := &fileHandle{db: db, rec: rec}
		db.byID[id] = fh
		db.byName[rec.Name] = fh
	}
	return nil
}

// File implements State.
func (db *DB) File(name string) (File, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if fh, ok := db.byName[name]; ok {
		return fh, nil
	}

	id := db.nextID
	db.nextID++
	rec := &record{ID: id, Name: name}
	fh := &fileHandle{db: db, rec: rec}
	db.byName[name] = fh
	db.byID[id] = fh
	return fh, nil
}

// FileByID implements State.
func (db *DB) FileByID(id int64) (File, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	fh, ok := db.byID[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	return fh, nil
}

// CheckSane implements State.
func (db *DB) CheckSane() error {
	info, err := os.Stat(db.dir)
	if err != nil {
		return rerrors.Wrapf(err, "state dir %s missing", db.dir)
	}
	if !info.IsDir() {
		return rerrors.Wrapf(os.ErrInvalid, "state path %s is not a directory", db.dir)
	}
	return nil
}

// WarnOverride implements State.
func (db *DB) WarnOverride(name string) {
	logger.Warnf("%s was modified outside the build; treating as override", name)
}

// Lock implements State.
func (db *DB) Lock(id int64) Lock {
	return newFlock(filepath.Join(db.locksDir, idPath(id)))
}

// Commit flushes every in-memory record to db.dbPath. It re-reads whatever
// is currently on disk under an exclusive flock and merges this process's
// records in, so that two cooperating processes committing between
// suspension points don't clobber each other's unrelated records.
func (db *DB) Commit() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	lockPath := db.dbPath + ".lock"
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return rerrors.Wrapf(err, "open db lock %s", lockPath)
	}
	defer lf.Close()

	fl := rawFlock{file: lf}
	if err := fl.lockBlocking(); err != nil {
		return err
	}
	defer fl.unlock()

	img := dbImage{NextID: db.nextID, Records: make(map[int64]*record)}

	if existing, err := readImage(db.dbPath); err == nil {
		for id, rec := range existing.Records {
			img.Records[id] = rec
		}
		if existing.NextID > img.NextID {
			img.NextID = existing.NextID
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	for id, fh := range db.byID {
		img.Records[id] = fh.rec
	}

	tmp := db.dbPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return rerrors.Wrapf(err, "create state db tmp %s", tmp)
	}
	if err := gob.NewEncoder(f).Encode(img); err != nil {
		f.Close()
		return rerrors.Wrapf(err, "encode state db %s", tmp)
	}
	if err := f.Close(); err != nil {
		return rerrors.Wrap(err)
	}
	if err := os.Rename(tmp, db.dbPath); err != nil {
		return rerrors.Wrapf(err, "install state db %s", db.dbPath)
	}
	return nil
}

func readImage(path string) (dbImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return dbImage{}, err
	}
	defer f.Close()
	var img dbImage
	if err := gob.NewDecoder(f).Decode(&img); err != nil {
		return dbImage{}, err
	}
	return img, nil
}

func idPath(id int64) string {
	return "lock-" + strconv.FormatInt(id, 10)
}
