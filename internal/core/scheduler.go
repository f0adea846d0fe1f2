package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTaskNotFound is returned by Store implementations when no task matches
// the given id.
var ErrTaskNotFound = errors.New("task not found")

// Store abstracts the persistence layer used by the scheduler.
type Store interface {
	SaveTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)

	SaveExecution(ctx context.Context, execution *TaskExecution) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error)
}

// Runner executes one task and reports the outcome. It never fails; all
// failure lands in the returned execution.
type Runner interface {
	Execute(ctx context.Context, task *Task) *TaskExecution
}

// DefaultCheckInterval is the poll cadence used when none is configured.
const DefaultCheckInterval = 5 * time.Second

type inflightRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the polling cadence and the task lifecycle state machine.
// It is the single scheduling authority: one poll loop drives all automatic
// dispatch, and the in-flight registry guarantees at most one concurrent
// execution per task id.
type Scheduler struct {
	store    Store
	executor Runner
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	active   bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight map[string]*inflightRun

	wg sync.WaitGroup
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, executor Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		logger:   logger,
		interval: interval,
		inflight: make(map[string]*inflightRun),
	}
}

// Start launches the poll loop. Calling Start on a running scheduler is a
// warned no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.logger.Warn("scheduler is already running")
		return
	}
	s.logger.Info("starting scheduler", "check_interval", s.interval)
	ctx, cancel := context.WithCancel(context.Background())
	s.active = true
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.run(ctx, s.loopDone)
}

// Stop cancels the poll loop, then every in-flight execution, and waits
// for both to finish. Calling Stop on a stopped scheduler is a warned
// no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.logger.Warn("scheduler is not running")
		return
	}
	s.logger.Info("stopping scheduler")
	s.active = false
	cancel := s.cancel
	done := s.loopDone
	s.cancel = nil
	s.loopDone = nil
	s.mu.Unlock()

	// The loop must be fully out before the in-flight snapshot is taken:
	// a poll cycle that is mid-flight here can still dispatch, and a run
	// it launches after the snapshot would never be cancelled.
	cancel()
	<-done

	s.mu.Lock()
	runs := make([]*inflightRun, 0, len(s.inflight))
	for id, run := range s.inflight {
		s.logger.Info("cancelling running task", "task_id", id)
		run.cancel()
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		<-run.done
	}
	s.wg.Wait()
}

// Active reports whether the poll loop is running.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// CheckInterval returns the configured poll cadence.
func (s *Scheduler) CheckInterval() time.Duration {
	return s.interval
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	// A panic here is a failure of the scheduler's own bookkeeping, not of
	// any single task. It stops the loop; per-task failures never do.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler loop failed, stopping", "panic", r)
			s.mu.Lock()
			s.active = false
			s.cancel = nil
			s.loopDone = nil
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.checkTasks(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop exiting")
			return
		case <-ticker.C:
		}
	}
}

// checkTasks runs one poll cycle: load all tasks, resolve missing next-run
// times, and dispatch everything that is due.
func (s *Scheduler) checkTasks(ctx context.Context) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return
	}
	now := time.Now().UTC()
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if s.isInflight(task.ID) {
			continue
		}
		if task.NextRun == nil {
			next, err := NextRun(task.Schedule, now)
			if err != nil {
				s.logger.Error("resolve schedule", "task_id", task.ID, "schedule", task.Schedule, "err", err)
				continue
			}
			task.NextRun = &next
			task.UpdatedAt = now
			if err := s.store.SaveTask(ctx, task); err != nil {
				s.logger.Error("persist next run", "task_id", task.ID, "err", err)
				continue
			}
		}
		if !task.NextRun.After(now) {
			s.dispatch(task)
		}
	}
}

// dispatch registers the task as in-flight and launches its execution in a
// background goroutine. The check-and-insert is atomic with respect to
// manual runs.
func (s *Scheduler) dispatch(task *Task) {
	run, ok := s.trackInflight(task.ID)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearInflight(task.ID, run)
		s.executeTask(run, task)
	}()
}

// trackInflight inserts a cancellation handle for the task id, refusing if
// one is already present.
func (s *Scheduler) trackInflight(taskID string) (*inflightRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inflight[taskID]; exists {
		return nil, false
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &inflightRun{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	s.inflight[taskID] = run
	return run, true
}

func (s *Scheduler) clearInflight(taskID string, run *inflightRun) {
	s.mu.Lock()
	if current, ok := s.inflight[taskID]; ok && current == run {
		delete(s.inflight, taskID)
	}
	s.mu.Unlock()
	run.cancel()
	close(run.done)
}

func (s *Scheduler) isInflight(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[taskID]
	return ok
}

// executeTask marks the task running, invokes the executor, and applies the
// completion bookkeeping. Persistence after the run uses a background
// context so a cancelled execution is still finalized and recorded.
func (s *Scheduler) executeTask(run *inflightRun, task *Task) *TaskExecution {
	s.logger.Info("starting task execution", "task_id", task.ID, "name", task.Name)

	now := time.Now().UTC()
	task.Status = TaskStatusRunning
	task.LastRun = &now
	task.UpdatedAt = now
	if err := s.store.SaveTask(run.ctx, task); err != nil {
		s.logger.Error("persist running state", "task_id", task.ID, "err", err)
	}

	execution := s.executor.Execute(run.ctx, task)

	ctx := context.Background()
	if err := s.store.SaveExecution(ctx, execution); err != nil {
		s.logger.Error("persist execution", "task_id", task.ID, "execution_id", execution.ID, "err", err)
	}
	s.finalizeTask(ctx, task, execution)

	s.logger.Info("task execution completed",
		"task_id", task.ID, "execution_id", execution.ID, "status", execution.Status)
	return execution
}

// finalizeTask applies the post-run lifecycle transition: a one-shot task
// that succeeded disables itself; everything else advances next_run from
// the completion time and takes the execution's outcome as its status.
func (s *Scheduler) finalizeTask(ctx context.Context, task *Task, execution *TaskExecution) {
	// The task may have been deleted while its execution was in flight; an
	// upsert here would resurrect the row.
	if _, err := s.store.GetTask(ctx, task.ID); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return
		}
		s.logger.Error("reload task for finalize", "task_id", task.ID, "err", err)
	}

	if task.DoOnlyOnce && execution.Status == ExecutionStatusCompleted {
		s.logger.Info("one-shot task completed, disabling it", "task_id", task.ID)
		task.Enabled = false
		task.Status = TaskStatusDisabled
	} else {
		// Resolve from completion time, not the original next_run, so an
		// overrun execution does not trigger a catch-up burst.
		next, err := NextRun(task.Schedule, time.Now().UTC())
		if err != nil {
			s.logger.Error("resolve schedule after run", "task_id", task.ID, "err", err)
		} else {
			task.NextRun = &next
		}
		if execution.Status == ExecutionStatusCompleted {
			task.Status = TaskStatusCompleted
		} else {
			task.Status = TaskStatusFailed
		}
	}
	task.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveTask(ctx, task); err != nil {
		s.logger.Error("persist task after run", "task_id", task.ID, "err", err)
	}
}

// AddTask validates the schedule, computes the initial next-run time,
// persists the task, and returns it.
func (s *Scheduler) AddTask(ctx context.Context, task *Task) (*Task, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	next, err := NextRun(task.Schedule, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	task.NextRun = &next
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("added task", "task_id", task.ID, "name", task.Name, "type", task.Type)
	return task, nil
}

// TaskUpdate holds the partial field set for UpdateTask. Nil fields are
// left untouched.
type TaskUpdate struct {
	Name            *string
	Schedule        *string
	Command         *string
	APIURL          *string
	APIMethod       *string
	APIHeaders      map[string]string
	APIBody         map[string]any
	Prompt          *string
	Description     *string
	Enabled         *bool
	DoOnlyOnce      *bool
	Status          *TaskStatus
	ReminderTitle   *string
	ReminderMessage *string
}

// UpdateTask applies the given partial update. An unknown id yields a nil
// task, not an error. Changing the schedule recomputes next_run and can
// fail with ErrInvalidSchedule.
func (s *Scheduler) UpdateTask(ctx context.Context, id string, update TaskUpdate) (*Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if update.Name != nil {
		task.Name = SanitizeASCII(*update.Name)
	}
	if update.Schedule != nil {
		task.Schedule = *update.Schedule
		next, err := NextRun(task.Schedule, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		task.NextRun = &next
	}
	if update.Command != nil {
		task.Command = ptrString(SanitizeASCII(*update.Command))
	}
	if update.APIURL != nil {
		task.APIURL = clonePtr(update.APIURL)
	}
	if update.APIMethod != nil {
		task.APIMethod = clonePtr(update.APIMethod)
	}
	if update.APIHeaders != nil {
		task.APIHeaders = update.APIHeaders
	}
	if update.APIBody != nil {
		task.APIBody = update.APIBody
	}
	if update.Prompt != nil {
		task.Prompt = ptrString(SanitizeASCII(*update.Prompt))
	}
	if update.Description != nil {
		task.Description = ptrString(SanitizeASCII(*update.Description))
	}
	if update.Enabled != nil {
		task.Enabled = *update.Enabled
	}
	if update.DoOnlyOnce != nil {
		task.DoOnlyOnce = *update.DoOnlyOnce
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.ReminderTitle != nil {
		task.ReminderTitle = ptrString(SanitizeASCII(*update.ReminderTitle))
	}
	if update.ReminderMessage != nil {
		task.ReminderMessage = ptrString(SanitizeASCII(*update.ReminderMessage))
	}

	task.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("updated task", "task_id", task.ID, "name", task.Name)
	return task, nil
}

// DeleteTask cancels the task's in-flight execution, if any, then removes
// it from the store. It reports whether a row was removed.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	run := s.inflight[id]
	s.mu.Unlock()
	if run != nil {
		s.logger.Info("cancelling running task before delete", "task_id", id)
		run.cancel()
		<-run.done
	}

	deleted, err := s.store.DeleteTask(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("deleted task", "task_id", id)
	}
	return deleted, nil
}

// EnableTask re-enables a task and resets it to pending.
func (s *Scheduler) EnableTask(ctx context.Context, id string) (*Task, error) {
	enabled := true
	status := TaskStatusPending
	return s.UpdateTask(ctx, id, TaskUpdate{Enabled: &enabled, Status: &status})
}

// DisableTask disables a task; it is no longer auto-dispatched but can
// still be run manually.
func (s *Scheduler) DisableTask(ctx context.Context, id string) (*Task, error) {
	enabled := false
	status := TaskStatusDisabled
	return s.UpdateTask(ctx, id, TaskUpdate{Enabled: &enabled, Status: &status})
}

// RunTaskNow dispatches the task immediately, bypassing its schedule, and
// waits for the execution to finish. A task that is already in flight is
// skipped with a warning and a nil result; an unknown id also yields nil.
func (s *Scheduler) RunTaskNow(ctx context.Context, id string) (*TaskExecution, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, nil
		}
		return nil, err
	}

	run, ok := s.trackInflight(task.ID)
	if !ok {
		s.logger.Warn("task is already running", "task_id", task.ID)
		return nil, nil
	}
	// Manual runs stay off the loop's WaitGroup: an Add here could race a
	// concurrent Stop already blocked in Wait. Stop still reaches this run
	// through the in-flight snapshot and its done channel.
	defer s.clearInflight(task.ID, run)
	return s.executeTask(run, task), nil
}

// GetTask returns the task or nil when the id is unknown.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// GetAllTasks returns every stored task.
func (s *Scheduler) GetAllTasks(ctx context.Context) ([]*Task, error) {
	return s.store.ListTasks(ctx)
}

// GetTaskExecutions returns up to limit execution records for the task,
// most recent first.
func (s *Scheduler) GetTaskExecutions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error) {
	return s.store.ListExecutions(ctx, taskID, limit)
}
