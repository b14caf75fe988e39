package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/metrics"
)

var (
	ErrNotLoaded          = errors.New("board: no project loaded")
	ErrProjectNotFound    = errors.New("board: project not found")
	ErrStatusUpdateFailed = errors.New("board: status update failed")
	ErrClosed             = errors.New("board: engine closed")
)

// Remote is the part of the planning service the board needs.
type Remote interface {
	FetchProject(ctx context.Context, id int64) (domain.Project, error)
	UpdateTaskStatus(ctx context.Context, taskID int64, status domain.TaskStatus) (domain.TaskUpdateResponse, error)
}

type Options struct {
	Remote   Remote
	Store    *Store
	Notifier events.Notifier
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine turns drop intents into task status changes: it writes the new
// status to the store right away, asks the remote service to apply it, and
// then reloads the whole project so server-side effects always win.
type Engine struct {
	remote  Remote
	store   *Store
	notify  events.Notifier
	metrics *metrics.Recorder
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	projectID int64

	locks  taskLocks
	closed atomic.Bool
}

func New(opts Options) *Engine {
	e := &Engine{
		remote:  opts.Remote,
		store:   opts.Store,
		notify:  opts.Notifier,
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if e.store == nil {
		e.store = NewStore()
	}
	if e.notify == nil {
		e.notify = events.Discard
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Store exposes the engine's store for readers.
func (e *Engine) Store() *Store { return e.store }

// ProjectID returns the id of the project the board is bound to, 0 if none.
func (e *Engine) ProjectID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.projectID
}

// Close makes the engine discard the results of calls still in flight.
func (e *Engine) Close() {
	e.closed.Store(true)
}

// DropResult describes what ApplyDrop did.
type DropResult struct {
	TaskID   int64                  `json:"task_id"`
	From     domain.TaskStatus      `json:"from,omitempty"`
	To       domain.TaskStatus      `json:"to,omitempty"`
	Noop     bool                   `json:"noop"`
	Timeline *domain.TimelineUpdate `json:"timeline_update,omitempty"`
}

// Load binds the board to a project and fetches it.
func (e *Engine) Load(ctx context.Context, projectID int64) error {
	e.mu.Lock()
	previous := e.projectID
	e.projectID = projectID
	e.mu.Unlock()

	p, err := e.remote.FetchProject(ctx, projectID)
	if e.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		e.log.Warn("load project failed", "project_id", projectID, "err", err)
		if previous != projectID && e.ProjectID() == projectID {
			e.store.Reset()
		}
		return fmt.Errorf("%w: %w", ErrProjectNotFound, err)
	}
	if !e.replace(projectID, p) {
		return nil
	}
	e.notify.Notify(ctx, events.Event{
		Type:       events.TypeProjectLoaded,
		ProjectID:  projectID,
		EntityKind: "project",
		EntityID:   projectID,
		Payload:    events.EventPayload{"tasks": len(p.Tasks), "status": p.Status},
	})
	return nil
}

// Reload re-fetches the bound project and replaces the store wholesale.
func (e *Engine) Reload(ctx context.Context) error {
	projectID := e.ProjectID()
	if projectID == 0 {
		return ErrNotLoaded
	}
	p, err := e.remote.FetchProject(ctx, projectID)
	if e.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("reload project %d: %w", projectID, err)
	}
	e.replace(projectID, p)
	return nil
}

// replace writes p unless the board was re-bound to another project while
// the fetch was in flight.
func (e *Engine) replace(projectID int64, p domain.Project) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.projectID != projectID {
		return false
	}
	e.store.Replace(p)
	return true
}

// ApplyDrop handles a task released over target. Unresolvable drops and
// drops onto the task's own column are no-ops. Drops on the same task are
// serialized; drops on different tasks proceed independently.
func (e *Engine) ApplyDrop(ctx context.Context, taskID int64, target DropTarget) (DropResult, error) {
	res := DropResult{TaskID: taskID, Noop: true}
	release, err := e.locks.acquire(ctx, taskID)
	if err != nil {
		return res, err
	}
	defer release()
	if e.closed.Load() {
		return res, ErrClosed
	}

	p, ok := e.store.Project()
	if !ok {
		return res, ErrNotLoaded
	}
	task, ok := p.TaskByID(taskID)
	if !ok {
		e.log.Debug("drop ignored: unknown task", "task_id", taskID)
		e.metrics.RecordDrop(ctx, "noop", 0)
		return res, nil
	}
	newStatus, ok := target.resolve(p)
	if !ok {
		e.log.Debug("drop ignored: unresolved target", "task_id", taskID, "target", target.String())
		e.metrics.RecordDrop(ctx, "noop", 0)
		return res, nil
	}
	res.From, res.To = task.Status, newStatus
	if newStatus == task.Status {
		e.metrics.RecordDrop(ctx, "noop", 0)
		return res, nil
	}

	prev, gen, ok := e.store.SetTaskStatus(taskID, newStatus)
	if !ok {
		e.metrics.RecordDrop(ctx, "noop", 0)
		return res, nil
	}
	res.Noop = false
	start := e.now()
	e.notify.Notify(ctx, events.Event{
		Type:       events.TypeTaskMoved,
		ProjectID:  p.ID,
		EntityKind: "task",
		EntityID:   taskID,
		Payload:    events.EventPayload{"task_id": taskID, "old_status": task.Status, "new_status": newStatus},
	})

	resp, err := e.remote.UpdateTaskStatus(ctx, taskID, newStatus)
	if e.closed.Load() {
		return res, ErrClosed
	}
	// Reconciliation must run even if the caller's context was cancelled.
	rctx := context.WithoutCancel(ctx)
	if err != nil {
		e.log.Warn("task status update failed", "task_id", taskID, "status", newStatus, "err", err)
		e.notify.Notify(rctx, events.Event{
			Type:       events.TypeStatusUpdateFailed,
			ProjectID:  p.ID,
			EntityKind: "task",
			EntityID:   taskID,
			Payload:    events.EventPayload{"task_id": taskID, "error": err.Error()},
		})
		if rerr := e.Reload(rctx); rerr != nil && !errors.Is(rerr, ErrClosed) {
			restored := e.store.RestoreIf(gen, prev)
			e.log.Warn("reload after failed update failed", "task_id", taskID, "restored", restored, "err", rerr)
		}
		e.metrics.RecordDrop(ctx, "failed", e.now().Sub(start))
		return res, fmt.Errorf("%w: %w", ErrStatusUpdateFailed, err)
	}

	if resp.TimelineUpdate != nil {
		update := *resp.TimelineUpdate
		res.Timeline = &update
		e.notify.Notify(rctx, events.Event{
			Type:       events.TypeTimelineAdjusted,
			ProjectID:  p.ID,
			EntityKind: "task",
			EntityID:   taskID,
			Payload:    events.EventPayload{"timeline_update": update, "notice": update.Notice()},
		})
	}
	if err := e.Reload(rctx); err != nil {
		e.metrics.RecordDrop(ctx, "moved", e.now().Sub(start))
		return res, err
	}
	e.metrics.RecordDrop(ctx, "moved", e.now().Sub(start))
	return res, nil
}

// taskLocks serializes work per task id.
type taskLocks struct {
	mu sync.Mutex
	m  map[int64]*taskLock
}

type taskLock struct {
	ch   chan struct{}
	refs int
}

func (l *taskLocks) acquire(ctx context.Context, id int64) (func(), error) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int64]*taskLock)
	}
	tl, ok := l.m[id]
	if !ok {
		tl = &taskLock{ch: make(chan struct{}, 1)}
		l.m[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
		return func() {
			<-tl.ch
			l.unref(id, tl)
		}, nil
	case <-ctx.Done():
		l.unref(id, tl)
		return nil, ctx.Err()
	}
}

func (l *taskLocks) unref(id int64, tl *taskLock) {
	l.mu.Lock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.m, id)
	}
	l.mu.Unlock()
}
