// Package queue serializes build tasks per server and promotes pending work.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildsmith/buildsmith/engine/build"
	"github.com/buildsmith/buildsmith/engine/task"
	"github.com/buildsmith/buildsmith/engine/task/model"
	"github.com/buildsmith/buildsmith/engine/taskmgr"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

// Notifier is told about finished builds; implementations send email.
type Notifier interface {
	BuildFinished(ctx context.Context, t *model.Task, emails []string)
}

// Executor runs a task's pipeline to a terminal state. Satisfied by
// build.Executor.
type Executor interface {
	Execute(ctx context.Context, t *model.Task, req *build.Request, cancelled *atomic.Bool, onParentReady build.ParentReady) build.Result
	ExecuteParent(ctx context.Context, t *model.Task, req *build.Request, cancelled *atomic.Bool) build.Result
}

// promoteDelay lets the terminal state write settle before the next pending
// task is looked up.
const promoteDelay = time.Second

// combineSettle is the pause between the last child crossing the chrome
// threshold and the parent's combine run.
const combineSettle = 2 * time.Second

// terminalEvent is emitted whenever an execution reaches a terminal state.
// Promotion chains through these events; nothing recurses into the executor.
type terminalEvent struct {
	server       string
	taskID       int64
	wasCancelled bool
}

// SubmitResult reports what the submission created and whether it had to
// queue behind running work.
type SubmitResult struct {
	TaskID        int64
	Queued        bool
	QueuePosition int
	MultiArch     bool
	Message       string
}

// Controller owns the per-server critical sections and the promotion loop.
type Controller struct {
	repo     task.Repository
	executor Executor
	mgr      *taskmgr.Manager
	notifier Notifier

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	reqMu    sync.Mutex
	requests map[int64]*build.Request

	events chan terminalEvent

	runCtx    context.Context
	cancelRun context.CancelFunc
	loopDone  chan struct{}
}

func NewController(repo task.Repository, executor Executor, mgr *taskmgr.Manager, notifier Notifier) *Controller {
	return &Controller{
		repo:     repo,
		executor: executor,
		mgr:      mgr,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
		requests: make(map[int64]*build.Request),
		events:   make(chan terminalEvent, 64),
	}
}

// Start launches the terminal-event loop and must be called before Submit.
// Promotions triggered by finished tasks flow through here until Stop is
// called.
func (c *Controller) Start(ctx context.Context) {
	c.runCtx, c.cancelRun = context.WithCancel(ctx)
	c.loopDone = make(chan struct{})
	go c.eventLoop()
}

func (c *Controller) Stop() {
	if c.cancelRun != nil {
		c.cancelRun()
		<-c.loopDone
	}
}

func (c *Controller) eventLoop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.runCtx.Done():
			return
		case ev := <-c.events:
			c.forgetRequest(ev.taskID)
			if ev.wasCancelled {
				// Cancellation never auto-chains.
				continue
			}
			server := ev.server
			time.AfterFunc(promoteDelay, func() {
				if err := c.Promote(c.runCtx, server); err != nil {
					logger.Error("promotion failed", "server", server, "error", err)
				}
			})
		}
	}
}

// Submit creates the task rows for req inside the server's critical section
// and, when the server is idle, starts the first of them.
func (c *Controller) Submit(ctx context.Context, req *build.Request) (*SubmitResult, error) {
	lock := c.lockFor(req.Server)
	lock.Lock()

	running, err := c.repo.HasRunning(ctx, req.Server)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	count, err := c.repo.RunningCount(ctx, req.Server)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	var rootID int64
	multi := req.MultiArch()
	if multi {
		rootID, err = c.createFamily(ctx, req)
	} else {
		rootID, err = c.createSingle(ctx, req)
	}
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	if running {
		res := &SubmitResult{TaskID: rootID, Queued: true, QueuePosition: count, MultiArch: multi}
		if multi {
			res.Message = fmt.Sprintf("Parent task %d created with children, queued and waiting (queue position: %d)", rootID, count)
		} else {
			res.Message = fmt.Sprintf("Build task created (task_id: %d), queued and waiting (queue position: %d)", rootID, count)
		}
		return res, nil
	}

	if err := c.Promote(ctx, req.Server); err != nil {
		return nil, err
	}
	res := &SubmitResult{TaskID: rootID, MultiArch: multi}
	if multi {
		res.Message = fmt.Sprintf("Parent task %d created, build sequence started", rootID)
	} else {
		res.Message = fmt.Sprintf("Build task started, task_id: %d", rootID)
	}
	return res, nil
}

func (c *Controller) createSingle(ctx context.Context, req *build.Request) (int64, error) {
	arch := req.Arches()[0]
	spec := &model.CreateTask{
		Branch:       req.Branch,
		CommitID:     req.CommitID,
		PkgFlag:      tagPkgFlag(req.PkgFlag, arch),
		IsIncrement:  req.IsIncrement,
		IsSigned:     req.IsSigned,
		Server:       req.Server,
		Architecture: &arch,
	}
	if req.InstallerFormat != "" {
		spec.InstallerFormat = &req.InstallerFormat
	}
	id, err := c.repo.Create(ctx, spec)
	if err != nil {
		return 0, err
	}
	c.rememberRequest(id, req)
	return id, nil
}

func (c *Controller) createFamily(ctx context.Context, req *build.Request) (int64, error) {
	arches := req.Arches()
	parentSpec := &model.CreateTask{
		Branch:      req.Branch,
		CommitID:    req.CommitID,
		PkgFlag:     fmt.Sprintf("%s [%s]", req.PkgFlag, strings.Join(arches, ", ")),
		IsIncrement: req.IsIncrement,
		IsSigned:    req.IsSigned,
		Server:      req.Server,
	}
	if req.InstallerFormat != "" {
		parentSpec.InstallerFormat = &req.InstallerFormat
	}
	parentID, err := c.repo.Create(ctx, parentSpec)
	if err != nil {
		return 0, err
	}
	c.rememberRequest(parentID, req)

	for _, arch := range arches {
		sub := *req
		sub.Architectures = []string{arch}
		sub.IsX64 = arch == "x64" || arch == "x86"
		spec := &model.CreateTask{
			Branch:       req.Branch,
			CommitID:     req.CommitID,
			PkgFlag:      tagPkgFlag(req.PkgFlag, arch),
			IsIncrement:  req.IsIncrement,
			IsSigned:     req.IsSigned,
			Server:       req.Server,
			ParentID:     &parentID,
			Architecture: &arch,
		}
		if req.InstallerFormat != "" {
			spec.InstallerFormat = &req.InstallerFormat
		}
		childID, cerr := c.repo.Create(ctx, spec)
		if cerr != nil {
			return 0, fmt.Errorf("create child for %s: %w", arch, cerr)
		}
		c.rememberRequest(childID, &sub)
	}
	return parentID, nil
}

// Promote starts the next pending task on server: children first, then
// singles, skipping rows an administrator failed or cancelled meanwhile.
func (c *Controller) Promote(ctx context.Context, server string) error {
	lock := c.lockFor(server)
	lock.Lock()
	defer lock.Unlock()

	// A promote racing another promote (or a submit that already started a
	// task) must not open a second slot on the server.
	running, err := c.repo.HasRunning(ctx, server)
	if err != nil {
		return err
	}
	if running {
		return nil
	}

	for {
		next, err := c.repo.NextPendingChild(ctx, server)
		if errors.Is(err, task.ErrNotFound) {
			next, err = c.repo.NextPendingSingle(ctx, server)
		}
		if errors.Is(err, task.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if next.State == model.StateFailed || next.State == model.StateCancelled {
			continue
		}
		if err := c.repo.UpdateState(ctx, next.ID, model.StateStartBuild, ""); err != nil {
			return err
		}
		c.launch(next)
		return nil
	}
}

// launch hands the task to the manager without blocking the caller on the
// admission permit.
func (c *Controller) launch(t *model.Task) {
	c.mgr.CreateCancelFlag(t.ID)
	req := c.requestFor(t)
	go func() {
		err := c.mgr.Start(c.runCtx, t.ID, func(taskCtx context.Context, cancelled *atomic.Bool) {
			res := c.executor.Execute(taskCtx, t, req, cancelled, c.armParent)
			c.finish(taskCtx, t, req, res)
		})
		if err != nil {
			logger.Warn("task not started", "task_id", t.ID, "error", err)
			c.markCancelledBeforeStart(t)
		}
	}()
}

// armParent schedules the parent's combine run after a short settle so the
// child's state writes land first.
func (c *Controller) armParent(parentID int64) {
	logger.Info("all children past chrome, arming parent combine", "parent_id", parentID)
	time.AfterFunc(combineSettle, func() { c.runParent(parentID) })
}

func (c *Controller) runParent(parentID int64) {
	ctx := c.runCtx
	parent, err := c.repo.Find(ctx, parentID)
	if err != nil {
		logger.Error("parent lookup failed", "parent_id", parentID, "error", err)
		return
	}
	if parent.State.IsTerminal() {
		return
	}
	req := c.requestFor(parent)
	c.mgr.CreateCancelFlag(parentID)
	go func() {
		err := c.mgr.Start(ctx, parentID, func(taskCtx context.Context, cancelled *atomic.Bool) {
			res := c.executor.ExecuteParent(taskCtx, parent, req, cancelled)
			if res.Retry {
				time.AfterFunc(combineSettle, func() { c.runParent(parentID) })
				return
			}
			c.finish(taskCtx, parent, req, res)
		})
		if err != nil {
			logger.Warn("parent not started", "parent_id", parentID, "error", err)
			c.markCancelledBeforeStart(parent)
		}
	}()
}

func (c *Controller) finish(ctx context.Context, t *model.Task, req *build.Request, res build.Result) {
	if res.State == model.StateSuccess && c.notifier != nil && len(req.Emails) > 0 {
		if done, err := c.repo.Find(ctx, t.ID); err == nil {
			c.notifier.BuildFinished(ctx, done, req.Emails)
		}
	}
	select {
	case c.events <- terminalEvent{server: t.Server, taskID: t.ID, wasCancelled: res.State == model.StateCancelled}:
	case <-c.runCtx.Done():
	}
}

// markCancelledBeforeStart records the terminal state for a task whose cancel
// fired during admission wait. No chain promotion follows.
func (c *Controller) markCancelledBeforeStart(t *model.Task) {
	end := model.Now()
	state := model.StateCancelled
	err := c.repo.Update(context.Background(), &model.UpdateTask{ID: t.ID, State: &state, EndTime: &end})
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		logger.Error("record pre-start cancel", "task_id", t.ID, "error", err)
	}
	c.forgetRequest(t.ID)
}

// Cancel stops a live execution. Pending or unknown-to-the-manager tasks are
// cancelled directly in the store.
func (c *Controller) Cancel(ctx context.Context, id int64) error {
	if c.mgr.Cancel(id) {
		return nil
	}
	t, err := c.repo.Find(ctx, id)
	if err != nil {
		return err
	}
	if t.State.IsTerminal() {
		return nil
	}
	end := model.Now()
	state := model.StateCancelled
	return c.repo.Update(ctx, &model.UpdateTask{ID: id, State: &state, EndTime: &end})
}

// lockFor returns the critical section for server, creating it on first use.
// Entries are never removed; the set of servers is small and static.
func (c *Controller) lockFor(server string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	if l, ok := c.locks[server]; ok {
		return l
	}
	l := &sync.Mutex{}
	c.locks[server] = l
	return l
}

func (c *Controller) rememberRequest(id int64, req *build.Request) {
	c.reqMu.Lock()
	c.requests[id] = req
	c.reqMu.Unlock()
}

func (c *Controller) forgetRequest(id int64) {
	c.reqMu.Lock()
	delete(c.requests, id)
	c.reqMu.Unlock()
}

// requestFor recovers the build request for a task. Submissions remember the
// original; tasks promoted after a restart are reconstructed from the row.
func (c *Controller) requestFor(t *model.Task) *build.Request {
	c.reqMu.Lock()
	req, ok := c.requests[t.ID]
	c.reqMu.Unlock()
	if ok {
		return req
	}
	arch := t.Arch()
	req = &build.Request{
		Branch:        t.BranchName,
		CommitID:      t.CommitID,
		PkgFlag:       t.PkgFlag,
		IsX64:         arch == "x64" || arch == "x86",
		Architectures: []string{arch},
		IsIncrement:   t.IsIncrement,
		IsSigned:      t.IsSigned,
		Server:        t.Server,
	}
	if t.InstallerFormat != nil {
		req.InstallerFormat = *t.InstallerFormat
	}
	return req
}

func tagPkgFlag(flag, arch string) string {
	if flag == "" {
		return fmt.Sprintf("[%s]", arch)
	}
	return fmt.Sprintf("%s [%s]", flag, arch)
}
