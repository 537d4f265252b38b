package recipe

import (
	"bufio"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/redo-sh/redo/internal/buildstack"
	"github.com/redo-sh/redo/internal/depstate"
	rerrors "github.com/redo-sh/redo/internal/errors"
	"github.com/redo-sh/redo/internal/exitcode"
	"github.com/redo-sh/redo/internal/resolver"
	"github.com/redo-sh/redo/internal/validator"
)

// prepareDo implements spec.md §4.3's prepare_do state: override/static
// short-circuits, Resolver invocation and candidate-edge recording, temp
// file setup, argv construction, and finally the fork.
func (j *Job) prepareDo(donefunc DoneFunc) error {
	absTarget := filepath.Join(j.base, filepath.FromSlash(j.target))

	if j.file.IsGenerated() {
		onDisk, err := depstate.StatStamp(absTarget)
		if err != nil {
			return err
		}
		if onDisk != j.file.Stamp() {
			j.file.SetOverride(true)
			j.file.SetChecked(true)
			if err := j.file.Save(); err != nil {
				return err
			}
			j.state.WarnOverride(j.target)
			j.release(donefunc, exitcode.OK)
			return nil
		}
	} else if static, err := j.markStaticIfPresent(absTarget); err != nil {
		return err
	} else if static {
		j.release(donefunc, exitcode.OK)
		return nil
	}

	j.file.ZapDeps1()

	dir, name := path.Split(j.target)
	dir = strings.TrimSuffix(dir, "/")
	fsys, ok := os.DirFS(j.base).(fs.StatFS)
	if !ok {
		return rerrors.Wrapf(os.ErrInvalid, "filesystem root %s does not support Stat", j.base)
	}

	result, probe, found, err := resolver.Resolve(fsys, dir, name)
	if err != nil {
		return rerrors.Wrapf(err, "resolve recipe for %s", j.target)
	}
	for _, c := range probe.Candidates {
		kind := depstate.DepMatch
		if c.Kind == resolver.CandidateMiss {
			kind = depstate.DepCandidateMiss
		}
		j.file.AddDep(kind, c.Path)
	}

	if !found {
		if static, err := j.markStaticIfPresent(absTarget); err != nil {
			return err
		} else if static {
			j.release(donefunc, exitcode.OK)
			return nil
		}
		logger.Errorf("no rule to make %q", j.target)
		if err := j.file.Save(); err != nil {
			return err
		}
		j.release(donefunc, exitcode.NoRule)
		return nil
	}

	base := tmpBase(absTarget)
	tmp1Path := base + ".redo1.tmp"
	tmp2Path := base + ".redo2.tmp"
	os.Remove(tmp1Path)
	os.Remove(tmp2Path)

	tmp1, err := os.OpenFile(tmp1Path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return rerrors.Wrapf(err, "create stdout capture for %s", j.target)
	}

	recipeAbsPath := filepath.Join(j.base, filepath.FromSlash(result.RecipePath()))
	recipeDirAbs := filepath.Join(j.base, filepath.FromSlash(result.RecipeDir))
	redoTarget := result.BaseName + result.Ext

	tmp2Rel, err := filepath.Rel(recipeDirAbs, tmp2Path)
	if err != nil {
		tmp2Rel = tmp2Path
	}

	argv, err := buildArgv(recipeAbsPath, j.opts.shellFlags(), j.opts.shellPath(), redoTarget, result.BaseName, tmp2Rel)
	if err != nil {
		tmp1.Close()
		return rerrors.Wrapf(err, "build argv for %s", j.target)
	}

	j.file.SetGenerated(true)
	if err := j.file.Save(); err != nil {
		tmp1.Close()
		return err
	}
	j.file.AddTargetDep(result.RecipePath())

	preStamp, err := depstate.StatStamp(absTarget)
	if err != nil {
		tmp1.Close()
		return err
	}

	return j.fork(donefunc, argv, recipeDirAbs, redoTarget, preStamp, tmp1, tmp1Path, tmp2Path)
}

// markStaticIfPresent marks the File static and saves it if absTarget
// exists on disk and is not a directory. Returns whether it did.
func (j *Job) markStaticIfPresent(absTarget string) (bool, error) {
	info, err := os.Lstat(absTarget)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	j.file.SetStatic(true)
	if err := j.file.Save(); err != nil {
		return false, err
	}
	return true, nil
}

// fork forks the recipe subprocess through the Job Controller and chains
// _after1's commit logic into the completion callback.
func (j *Job) fork(donefunc DoneFunc, argv []string, recipeDir, redoTarget string, preStamp depstate.Stamp, tmp1 *os.File, tmp1Path, tmp2Path string) error {
	startDir := j.opts.StartDir
	if startDir == "" {
		startDir = j.base
	}
	redoPWD, err := filepath.Rel(startDir, recipeDir)
	if err != nil {
		redoPWD = recipeDir
	}

	var placement Placement
	if j.opts.Limiter != nil {
		placement, err = j.opts.Limiter.Reserve()
		if err != nil {
			logger.Errorf("reserve limiter for %s: %s", j.target, err)
		}
	}

	jobfunc := func(compFD *os.File) (*exec.Cmd, error) {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = recipeDir
		cmd.Stdout = tmp1
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(),
			"REDO_PWD="+redoPWD,
			"REDO_TARGET="+redoTarget,
			"REDO_DEPTH="+j.opts.Depth+"  ",
			"MAKEFLAGS="+j.jc.ChildMakeflags(),
			"REDO_STACK="+buildstack.ChildEnv(j.target),
		)
		cmd.ExtraFiles = append(j.jc.ExtraFiles(), compFD)
		if err := cmd.Start(); err != nil {
			return nil, rerrors.Wrapf(err, "start recipe for %s", j.target)
		}
		if placement != nil {
			if err := placement.Place(cmd.Process.Pid); err != nil {
				logger.Errorf("place recipe pid in limiter; target=%s err=%s", j.target, err)
			}
		}
		return cmd, nil
	}

	release := buildstack.Enter(j.target)

	wrapped := func(name string, rv int) {
		tmp1.Close()
		if placement != nil {
			if err := placement.Release(); err != nil {
				logger.Errorf("release limiter for %s: %s", j.target, err)
			}
		}
		rv = j.after1(rv, preStamp, tmp1Path, tmp2Path)
		release()
		j.release(donefunc, rv)
	}

	if err := j.jc.StartJob(j.target, jobfunc, wrapped); err != nil {
		logger.Errorf("start recipe for %s: %s", j.target, err)
		tmp1.Close()
		os.Remove(tmp1Path)
		release()
		j.release(donefunc, exitcode.RecipeUncaughtException)
		return nil
	}
	return nil
}

// tmpBase derives the temp-file base name spec.md §4.3 describes: walk
// t's path components from right to left, collapsing them into a single
// filename component with "__" in place of "/" until the remaining
// parent directory exists on disk.
func tmpBase(t string) string {
	components := strings.Split(filepath.ToSlash(t), "/")
	for i := len(components) - 1; i > 0; i-- {
		candidateDir := filepath.FromSlash(strings.Join(components[:i], "/"))
		if info, err := os.Stat(candidateDir); err == nil && info.IsDir() {
			collapsed := strings.Join(components[i:], "__")
			return filepath.Join(candidateDir, collapsed)
		}
	}
	return strings.Join(components, "__")
}

// buildArgv constructs the recipe invocation argv. If the recipe starts
// with a shebang line, the shebang's own interpreter replaces the
// sh -e[vx] prefix (spec.md §4.3 step 6).
func buildArgv(recipePath, shFlags, shellPath, arg1, arg2, tmp3 string) ([]string, error) {
	shebang, err := readShebang(recipePath)
	if err != nil {
		return nil, err
	}

	var argv []string
	if shebang != "" {
		argv = strings.Fields(shebang)
	} else {
		argv = []string{shellPath, shFlags}
	}
	argv = append(argv, recipePath, arg1, arg2, tmp3)
	return argv, nil
}

// readShebang returns the interpreter line (without "#!") if recipePath's
// first line starts with "#!/", or "" if it doesn't.
func readShebang(recipePath string) (string, error) {
	f, err := os.Open(recipePath)
	if err != nil {
		return "", rerrors.Wrapf(err, "open recipe %s", recipePath)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", nil
	}
	line := scanner.Text()
	if !strings.HasPrefix(line, "#!/") {
		return "", nil
	}

	interpreter := strings.TrimSpace(strings.TrimPrefix(line, "#!"))
	v := validator.New()
	v.Assert(len(strings.Fields(interpreter)) > 0, "shebang line names no interpreter")
	v.Assert(!strings.ContainsRune(interpreter, 0), "shebang line contains a NUL byte")
	if err := v.Err(); err != nil {
		return "", rerrors.Wrapf(err, "shebang %q in %s", line, recipePath)
	}
	return interpreter, nil
}
