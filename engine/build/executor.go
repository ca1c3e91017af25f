package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/buildsmith/buildsmith/engine/logstream"
	"github.com/buildsmith/buildsmith/engine/platform"
	"github.com/buildsmith/buildsmith/engine/task"
	"github.com/buildsmith/buildsmith/engine/task/model"
	"github.com/buildsmith/buildsmith/pkg/config"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

// Archiver stores a produced installer and returns its path relative to the
// download root.
type Archiver interface {
	Store(ctx context.Context, src string) (string, error)
}

// ParentReady is called when the last child of a multi-arch family crosses
// the chrome-build threshold; the receiver schedules the parent's combine.
type ParentReady func(parentID int64)

// Result is the terminal outcome of one pipeline run.
type Result struct {
	State model.TaskState
	// Retry is set when a parent's combine gate was still closed; the
	// caller re-arms the parent later instead of failing it.
	Retry bool
	Err   error
}

// Executor drives a task through its configured step list, advancing the
// persisted state as each step declares.
type Executor struct {
	repo     task.Repository
	broker   *logstream.Broker
	cfg      *config.Config
	plat     platform.Platform
	runner   Runner
	git      GitClient
	archiver Archiver
}

func NewExecutor(
	repo task.Repository,
	broker *logstream.Broker,
	cfg *config.Config,
	plat platform.Platform,
	runner Runner,
	git GitClient,
	archiver Archiver,
) *Executor {
	return &Executor{
		repo:     repo,
		broker:   broker,
		cfg:      cfg,
		plat:     plat,
		runner:   runner,
		git:      git,
		archiver: archiver,
	}
}

// runState accumulates artifacts across steps of one run.
type runState struct {
	commit      string
	installer   string
	storagePath string
}

// Execute runs the step list for t. It owns every state transition for the
// task, including the terminal one, and reports it in the result.
func (e *Executor) Execute(ctx context.Context, t *model.Task, req *Request, cancelled *atomic.Bool, onParentReady ParentReady) Result {
	log := logger.FromContext(ctx).With("task_id", t.ID, "server", t.Server)
	srcPath, err := e.cfg.SrcPath()
	if err != nil {
		return e.fail(ctx, t, err)
	}
	steps := e.cfg.StepsFor(t.Arch())
	if len(steps) == 0 {
		return e.fail(ctx, t, fmt.Errorf("no build steps configured for %s/%s", e.plat.Name, t.Arch()))
	}

	skipInstaller, err := e.childSkipsInstaller(ctx, t)
	if err != nil {
		return e.fail(ctx, t, err)
	}

	st := &runState{commit: t.CommitID}
	for _, step := range steps {
		if cancelled != nil && cancelled.Load() {
			return e.cancel(ctx, t)
		}
		if ShouldSkip(step.SkipIf, req) {
			e.note(ctx, t.ID, fmt.Sprintf("skipping step: %s", step.Name))
			continue
		}
		if skipInstaller && (step.Kind == "installer" || step.Kind == "backup") {
			e.note(ctx, t.ID, fmt.Sprintf("skipping step: %s (packaged on parent after combine)", step.Name))
			continue
		}
		if step.State != "" {
			state, perr := model.ParseTaskState(step.State)
			if perr != nil {
				log.Warn("step declares unknown state, keeping previous", "step", step.Name, "state", step.State)
			} else if uerr := e.repo.UpdateState(ctx, t.ID, state, ""); uerr != nil {
				return e.fail(ctx, t, uerr)
			}
		}
		log.Info("running step", "step", step.Name, "kind", step.Kind)
		outcome, serr := e.runStep(ctx, srcPath, &step, t, req, st, cancelled)
		if serr != nil {
			return e.fail(ctx, t, fmt.Errorf("step %s: %w", step.Name, serr))
		}
		switch outcome {
		case OutcomeCancelled:
			return e.cancel(ctx, t)
		case OutcomeSkipped:
			e.note(ctx, t.ID, fmt.Sprintf("step %s skipped by tool (unknown target)", step.Name))
		}
		if step.Kind == "ninja" && step.Target == "chrome" {
			e.probeFanIn(ctx, t, onParentReady)
		}
	}

	if err := e.repo.UpdateCompletion(ctx, t.ID, model.Now(), st.storagePath, st.installer, st.commit); err != nil {
		return e.fail(ctx, t, err)
	}
	e.note(ctx, t.ID, "build finished")
	return Result{State: model.StateSuccess}
}

// ExecuteParent runs the universal-merge phase of a multi-arch family once
// every child has built chrome.
func (e *Executor) ExecuteParent(ctx context.Context, t *model.Task, req *Request, cancelled *atomic.Bool) Result {
	srcPath, err := e.cfg.SrcPath()
	if err != nil {
		return e.fail(ctx, t, err)
	}
	ready, err := e.repo.AllChildrenPastChrome(ctx, t.ID)
	if err != nil {
		return e.fail(ctx, t, err)
	}
	if !ready {
		children, cerr := e.repo.Children(ctx, t.ID)
		if cerr != nil {
			return e.fail(ctx, t, cerr)
		}
		for _, c := range children {
			// A failed or cancelled sibling can never satisfy the gate;
			// give up instead of rearming forever.
			if c.State == model.StateFailed || c.State == model.StateCancelled {
				return e.fail(ctx, t, fmt.Errorf("child %d ended %s before combine", c.ID, c.State))
			}
		}
		return Result{Retry: true}
	}
	if cancelled != nil && cancelled.Load() {
		return e.cancel(ctx, t)
	}

	st := &runState{commit: t.CommitID}
	if err := e.repo.UpdateState(ctx, t.ID, model.StateCombining, ""); err != nil {
		return e.fail(ctx, t, err)
	}
	outcome, err := e.combine(ctx, srcPath, t, req, cancelled)
	if err != nil {
		return e.fail(ctx, t, fmt.Errorf("combine: %w", err))
	}
	if outcome == OutcomeCancelled {
		return e.cancel(ctx, t)
	}

	if err := e.repo.UpdateState(ctx, t.ID, model.StateBuildingInstaller, ""); err != nil {
		return e.fail(ctx, t, err)
	}
	universal := UniversalOutDirRel(e.cfg)
	if err := e.runInstaller(ctx, srcPath, universal, t, req, st, cancelled, &outcome); err != nil {
		return e.fail(ctx, t, fmt.Errorf("installer: %w", err))
	}
	if outcome == OutcomeCancelled {
		return e.cancel(ctx, t)
	}

	if st.installer != "" {
		if err := e.repo.UpdateState(ctx, t.ID, model.StateBackingUp, ""); err != nil {
			return e.fail(ctx, t, err)
		}
		if err := e.runBackup(ctx, srcPath, universal, t, st); err != nil {
			return e.fail(ctx, t, fmt.Errorf("backup: %w", err))
		}
	}

	if err := e.repo.UpdateCompletion(ctx, t.ID, model.Now(), st.storagePath, st.installer, st.commit); err != nil {
		return e.fail(ctx, t, err)
	}
	e.note(ctx, t.ID, "universal build finished")
	return Result{State: model.StateSuccess}
}

func (e *Executor) runStep(ctx context.Context, srcPath string, step *config.Step, t *model.Task, req *Request, st *runState, cancelled *atomic.Bool) (Outcome, error) {
	outDir := OutDirRel(e.cfg, req, t.Arch())
	switch step.Kind {
	case "git":
		return e.runGit(ctx, srcPath, step.Target, t, req, st)
	case "clean":
		return OutcomeOK, e.runClean(srcPath, outDir, req)
	case "gn_gen":
		cmd := e.gnCommand(outDir, t.Arch(), req)
		return e.runner.Run(ctx, cmd, srcPath, cancelled, e.sink(ctx, t.ID))
	case "ninja":
		target := step.Target
		if target == "" {
			return OutcomeOK, fmt.Errorf("ninja step %q has no target", step.Name)
		}
		cmd := fmt.Sprintf("ninja -C %s %s", filepath.ToSlash(outDir), target)
		return e.runner.Run(ctx, cmd, srcPath, cancelled, e.sink(ctx, t.ID))
	case "installer":
		var outcome Outcome
		err := e.runInstaller(ctx, srcPath, outDir, t, req, st, cancelled, &outcome)
		return outcome, err
	case "combine":
		// Children never combine; the parent runs it via ExecuteParent.
		return OutcomeOK, nil
	case "backup":
		if st.installer == "" {
			e.note(ctx, t.ID, "no installer produced, skipping backup")
			return OutcomeOK, nil
		}
		return OutcomeOK, e.runBackup(ctx, srcPath, outDir, t, st)
	default:
		return OutcomeOK, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (e *Executor) runGit(ctx context.Context, srcPath, target string, t *model.Task, req *Request, st *runState) (Outcome, error) {
	switch target {
	case "", "update":
		if err := e.git.Update(ctx, srcPath, req.Branch, req.CommitID); err != nil {
			return OutcomeOK, err
		}
		return OutcomeOK, nil
	case "get_commit_id":
		commit, err := e.git.CommitID(ctx, srcPath)
		if err != nil {
			return OutcomeOK, err
		}
		st.commit = commit
		e.note(ctx, t.ID, "commit: "+commit)
		return OutcomeOK, e.repo.UpdateFamilyCommit(ctx, t.ID, commit)
	default:
		return OutcomeOK, fmt.Errorf("unknown git target %q", target)
	}
}

func (e *Executor) runClean(srcPath, outDir string, req *Request) error {
	outAbs := filepath.Join(srcPath, outDir)
	if !req.IsIncrement {
		if err := os.RemoveAll(outAbs); err != nil {
			return fmt.Errorf("remove %s: %w", outAbs, err)
		}
	}
	for _, rel := range e.cfg.Clean.Path {
		if err := os.RemoveAll(filepath.Join(srcPath, rel)); err != nil {
			return fmt.Errorf("clean %s: %w", rel, err)
		}
	}
	for _, rel := range e.cfg.Clean.OutPath {
		if err := os.RemoveAll(filepath.Join(outAbs, rel)); err != nil {
			return fmt.Errorf("clean out %s: %w", rel, err)
		}
	}
	return nil
}

// gnCommand merges platform defaults, the task's target_cpu and any custom
// args into a single generator invocation.
func (e *Executor) gnCommand(outDir, arch string, req *Request) string {
	args := append([]string{}, e.cfg.GNDefaultArgs()...)
	switch arch {
	case "x64", "x86", "arm64", "arm":
		args = append(args, fmt.Sprintf(`target_cpu=\"%s\"`, arch))
	default:
		if req.IsX64 {
			args = append(args, `target_cpu=\"x64\"`)
		}
	}
	args = append(args, req.CustomArgs...)
	cmd := fmt.Sprintf(`gn gen %s --args="%s"`, filepath.ToSlash(outDir), strings.Join(args, " "))
	if e.plat.IDE != "" {
		cmd += " --ide=" + e.plat.IDE
	}
	return cmd
}

func (e *Executor) runInstaller(ctx context.Context, srcPath, outDir string, t *model.Task, req *Request, st *runState, cancelled *atomic.Bool, outcome *Outcome) error {
	cmd := fmt.Sprintf("ninja -C %s %s", filepath.ToSlash(outDir), e.plat.InstallerTarget)
	oc, err := e.runner.Run(ctx, cmd, srcPath, cancelled, e.sink(ctx, t.ID))
	*outcome = oc
	if err != nil || oc != OutcomeOK {
		return err
	}
	name, err := findInstallerArtifact(filepath.Join(srcPath, outDir), e.plat.InstallerFormats, req.InstallerFormat)
	if err != nil {
		return err
	}
	st.installer = name
	e.note(ctx, t.ID, "installer: "+name)
	return nil
}

func (e *Executor) runBackup(ctx context.Context, srcPath, outDir string, t *model.Task, st *runState) error {
	src := filepath.Join(srcPath, outDir, st.installer)
	rel, err := e.archiver.Store(ctx, src)
	if err != nil {
		return err
	}
	st.storagePath = rel
	e.note(ctx, t.ID, "archived: "+rel)
	return nil
}

// combine merges the per-arch outputs into a universal directory: the first
// arch's tree is copied wholesale, then the app executables are merged with
// lipo.
func (e *Executor) combine(ctx context.Context, srcPath string, t *model.Task, req *Request, cancelled *atomic.Bool) (Outcome, error) {
	children, err := e.repo.Children(ctx, t.ID)
	if err != nil {
		return OutcomeOK, err
	}
	if len(children) < 2 {
		return OutcomeOK, fmt.Errorf("combine needs at least two children, have %d", len(children))
	}
	arches := make([]string, 0, len(children))
	for _, c := range children {
		arches = append(arches, c.Arch())
	}

	universal := UniversalOutDirRel(e.cfg)
	universalAbs := filepath.Join(srcPath, universal)
	firstDir := OutDirRel(e.cfg, req, arches[0])
	if err := os.RemoveAll(universalAbs); err != nil {
		return OutcomeOK, fmt.Errorf("reset %s: %w", universal, err)
	}
	copyCmd := fmt.Sprintf("cp -R %s %s", filepath.ToSlash(firstDir), filepath.ToSlash(universal))
	if oc, err := e.runner.Run(ctx, copyCmd, srcPath, cancelled, e.sink(ctx, t.ID)); err != nil || oc != OutcomeOK {
		return oc, err
	}

	exeRel, err := findAppExecutable(filepath.Join(srcPath, firstDir))
	if err != nil {
		return OutcomeOK, err
	}
	parts := []string{"lipo", "-create"}
	for _, arch := range arches {
		parts = append(parts, filepath.ToSlash(filepath.Join(OutDirRel(e.cfg, req, arch), exeRel)))
	}
	parts = append(parts, "-output", filepath.ToSlash(filepath.Join(universal, exeRel)))
	return e.runner.Run(ctx, strings.Join(parts, " "), srcPath, cancelled, e.sink(ctx, t.ID))
}

func (e *Executor) childSkipsInstaller(ctx context.Context, t *model.Task) (bool, error) {
	if t.ParentID == nil || !e.plat.SupportsCombine {
		return false, nil
	}
	children, err := e.repo.Children(ctx, *t.ParentID)
	if err != nil {
		return false, err
	}
	return len(children) >= 2, nil
}

// probeFanIn arms the parent combine once the last child crosses the chrome
// threshold. Fire and forget from the child's perspective.
func (e *Executor) probeFanIn(ctx context.Context, t *model.Task, onParentReady ParentReady) {
	if t.ParentID == nil || !e.plat.SupportsCombine || onParentReady == nil {
		return
	}
	ready, err := e.repo.AllChildrenPastChrome(ctx, *t.ParentID)
	if err != nil {
		logger.FromContext(ctx).Warn("fan-in probe failed", "task_id", t.ID, "error", err)
		return
	}
	if ready {
		onParentReady(*t.ParentID)
	}
}

// sink persists non-progress lines and publishes everything live.
func (e *Executor) sink(ctx context.Context, taskID int64) LineSink {
	return func(line string, stream Stream, isProgress bool) {
		e.broker.Publish(taskID, line, isProgress)
		if isProgress {
			return
		}
		persisted := line
		if stream == Stderr {
			persisted = "[WARN] " + line
		}
		if err := e.repo.AppendLog(ctx, taskID, persisted); err != nil {
			logger.FromContext(ctx).Warn("append log failed", "task_id", taskID, "error", err)
		}
	}
}

func (e *Executor) note(ctx context.Context, taskID int64, msg string) {
	if err := e.repo.AppendLog(ctx, taskID, msg); err != nil {
		logger.FromContext(ctx).Warn("append log failed", "task_id", taskID, "error", err)
	}
	e.broker.Publish(taskID, msg, false)
}

func (e *Executor) fail(ctx context.Context, t *model.Task, cause error) Result {
	logger.FromContext(ctx).Error("build failed", "task_id", t.ID, "error", cause)
	e.note(ctx, t.ID, "build failed: "+cause.Error())
	end := model.Now()
	state := model.StateFailed
	if err := e.repo.Update(ctx, &model.UpdateTask{ID: t.ID, State: &state, EndTime: &end}); err != nil {
		logger.FromContext(ctx).Error("record failure state", "task_id", t.ID, "error", err)
	}
	return Result{State: model.StateFailed, Err: cause}
}

func (e *Executor) cancel(ctx context.Context, t *model.Task) Result {
	logger.FromContext(ctx).Info("build cancelled", "task_id", t.ID)
	e.note(ctx, t.ID, "build cancelled")
	end := model.Now()
	state := model.StateCancelled
	if err := e.repo.Update(ctx, &model.UpdateTask{ID: t.ID, State: &state, EndTime: &end}); err != nil {
		logger.FromContext(ctx).Error("record cancelled state", "task_id", t.ID, "error", err)
	}
	return Result{State: model.StateCancelled}
}

// findInstallerArtifact picks the newest file in dir matching the platform's
// packaging formats, preferring an explicitly requested format.
func findInstallerArtifact(dir string, formats []string, preferred string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", dir, err)
	}
	match := func(want []string) (string, bool) {
		var bestName string
		var bestMod int64
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.TrimPrefix(filepath.Ext(entry.Name()), ".")
			for _, f := range want {
				if !strings.EqualFold(ext, f) {
					continue
				}
				info, ierr := entry.Info()
				if ierr != nil {
					continue
				}
				if mod := info.ModTime().UnixNano(); bestName == "" || mod > bestMod {
					bestName, bestMod = entry.Name(), mod
				}
			}
		}
		return bestName, bestName != ""
	}
	if preferred != "" {
		if name, ok := match([]string{preferred}); ok {
			return name, nil
		}
	}
	if name, ok := match(formats); ok {
		return name, nil
	}
	return "", fmt.Errorf("no installer artifact found in %s", dir)
}

// findAppExecutable locates the main binary inside the single .app bundle of
// an output directory and returns its path relative to that directory.
func findAppExecutable(outAbs string) (string, error) {
	apps, err := filepath.Glob(filepath.Join(outAbs, "*.app"))
	if err != nil || len(apps) == 0 {
		return "", fmt.Errorf("no app bundle under %s", outAbs)
	}
	app := apps[0]
	name := strings.TrimSuffix(filepath.Base(app), ".app")
	exe := filepath.Join(app, "Contents", "MacOS", name)
	if _, err := os.Stat(exe); err != nil {
		return "", fmt.Errorf("app executable missing: %w", err)
	}
	rel, err := filepath.Rel(outAbs, exe)
	if err != nil {
		return "", err
	}
	return rel, nil
}
