package recipe

import (
	"os"
	"path/filepath"

	"github.com/redo-sh/redo/internal/depstate"
	"github.com/redo-sh/redo/internal/exitcode"
)

// after1 implements spec.md §4.3's _after1 state: output-channel
// arbitration, atomic install, file-record refresh, and cleanup on
// failure. preStamp is the target's on-disk Stamp captured immediately
// before the recipe forked, used to detect a recipe that wrote the
// target directly instead of through stdout or $3.
func (j *Job) after1(rv int, preStamp depstate.Stamp, tmp1Path, tmp2Path string) int {
	absTarget := filepath.Join(j.base, filepath.FromSlash(j.target))

	if rv == 0 {
		if info, err := os.Lstat(absTarget); err == nil && !info.IsDir() {
			if onDisk, err := depstate.StatStamp(absTarget); err == nil && onDisk != preStamp {
				logger.Errorf("%s modified directly by its recipe", j.target)
				rv = exitcode.ModifiedDirectly
			}
		}
	}

	_, tmp2Err := os.Lstat(tmp2Path)
	tmp2Exists := tmp2Err == nil
	var tmp1Size int64
	if info, err := os.Lstat(tmp1Path); err == nil {
		tmp1Size = info.Size()
	}

	if rv == 0 && tmp2Exists && tmp1Size > 0 {
		logger.Errorf("%s wrote to both stdout and $3", j.target)
		rv = exitcode.DualOutput
	}

	if rv == 0 {
		switch {
		case tmp2Exists:
			if err := os.Rename(tmp2Path, absTarget); err != nil {
				logger.Errorf("install %s from $3: %s", j.target, err)
				rv = exitcode.RenameFailure
			} else {
				os.Remove(tmp1Path)
			}
		case tmp1Size > 0:
			if err := os.Rename(tmp1Path, absTarget); err != nil {
				logger.Errorf("install %s from stdout: %s", j.target, err)
				rv = exitcode.RenameFailure
			}
		default:
			os.Remove(tmp1Path)
			if err := removeStaleTarget(absTarget); err != nil {
				logger.Errorf("remove stale %s: %s", j.target, err)
				rv = exitcode.RenameFailure
			}
		}
	}

	if err := j.file.Refresh(); err != nil {
		logger.Errorf("refresh %s: %s", j.target, err)
	}
	if !j.file.IsChecked() && !j.file.IsChanged() {
		j.file.SetCsum("")
		if stamp, err := j.file.ReadStamp(); err == nil {
			j.file.SetStamp(stamp)
		}
		j.file.SetChanged(true)
	}

	if rv != 0 {
		os.Remove(tmp1Path)
		os.Remove(tmp2Path)
		j.file.SetFailed(true)
	}

	j.file.ZapDeps2()
	if err := j.file.Save(); err != nil {
		logger.Errorf("save %s: %s", j.target, err)
	}

	return rv
}

// removeStaleTarget removes absTarget if present, refusing (with a
// warning, not a failure) to remove a non-empty directory there.
func removeStaleTarget(absTarget string) error {
	info, err := os.Lstat(absTarget)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(absTarget)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			logger.Errorf("refusing to remove non-empty directory %s", absTarget)
			return nil
		}
	}
	return os.Remove(absTarget)
}
