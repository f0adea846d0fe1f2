package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store used to exercise the scheduler without a
// database.
type memStore struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	executions map[string][]*TaskExecution
}

func newMemStore() *memStore {
	return &memStore{
		tasks:      make(map[string]*Task),
		executions: make(map[string][]*TaskExecution),
	}
}

func (m *memStore) SaveTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *memStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (m *memStore) ListTasks(ctx context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *memStore) SaveExecution(ctx context.Context, execution *TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *execution
	m.executions[execution.TaskID] = append(m.executions[execution.TaskID], &copied)
	return nil
}

func (m *memStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.executions[taskID]
	out := make([]*TaskExecution, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		copied := *all[i]
		out = append(out, &copied)
	}
	return out, nil
}

// stubRunner lets each test script the execution outcome.
type stubRunner struct {
	fn func(ctx context.Context, task *Task) *TaskExecution
}

func (r *stubRunner) Execute(ctx context.Context, task *Task) *TaskExecution {
	return r.fn(ctx, task)
}

func succeedRunner(output string) *stubRunner {
	return &stubRunner{fn: func(ctx context.Context, task *Task) *TaskExecution {
		execution := NewExecution(task.ID)
		end := time.Now().UTC()
		execution.EndTime = &end
		execution.Status = ExecutionStatusCompleted
		execution.Output = &output
		return execution
	}}
}

func failRunner(message string) *stubRunner {
	return &stubRunner{fn: func(ctx context.Context, task *Task) *TaskExecution {
		execution := NewExecution(task.ID)
		end := time.Now().UTC()
		execution.EndTime = &end
		execution.Status = ExecutionStatusFailed
		execution.Error = &message
		return execution
	}}
}

func newTestScheduler(store Store, runner Runner) *Scheduler {
	return NewScheduler(store, runner, 10*time.Millisecond, discardLogger())
}

func commandTask(name string) *Task {
	task := NewTask(name, "* * * * *", TaskTypeShellCommand)
	command := "true"
	task.Command = &command
	return task
}

func TestAddTask(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, succeedRunner("ok"))

	task := commandTask("deploy")
	added, err := s.AddTask(context.Background(), task)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if added.NextRun == nil {
		t.Fatal("next run not resolved on add")
	}
	if !added.NextRun.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("next run %v is in the past", added.NextRun)
	}
	stored, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if stored.Name != "deploy" {
		t.Fatalf("stored name = %q", stored.Name)
	}
}

func TestAddTaskRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, succeedRunner("ok"))

	task := commandTask("bad")
	task.Schedule = "@hourly"
	if _, err := s.AddTask(context.Background(), task); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("AddTask error = %v, want ErrInvalidSchedule", err)
	}
	tasks, _ := store.ListTasks(context.Background())
	if len(tasks) != 0 {
		t.Fatalf("rejected task was persisted: %d tasks in store", len(tasks))
	}
}

func TestAddTaskRejectsInvalidFields(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, succeedRunner("ok"))

	task := NewTask("deploy", "* * * * *", TaskTypeShellCommand)
	_, err := s.AddTask(context.Background(), task)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("AddTask error = %v, want *ValidationError", err)
	}
	tasks, _ := store.ListTasks(context.Background())
	if len(tasks) != 0 {
		t.Fatal("invalid task was persisted")
	}
}

func TestRunTaskNowRecordsExecution(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, succeedRunner("done"))

	task := commandTask("manual")
	task.DoOnlyOnce = false
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	execution, err := s.RunTaskNow(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("RunTaskNow: %v", err)
	}
	if execution == nil {
		t.Fatal("RunTaskNow returned nil execution")
	}
	if execution.Status != ExecutionStatusCompleted {
		t.Fatalf("status = %q", execution.Status)
	}

	stored, _ := store.GetTask(context.Background(), task.ID)
	if stored.Status != TaskStatusCompleted {
		t.Fatalf("task status = %q, want completed", stored.Status)
	}
	if stored.LastRun == nil {
		t.Fatal("last run not recorded")
	}
	history, err := s.GetTaskExecutions(context.Background(), task.ID, 10)
	if err != nil {
		t.Fatalf("GetTaskExecutions: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d executions, want 1", len(history))
	}
}

func TestRunTaskNowUnknownID(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(newMemStore(), succeedRunner("ok"))
	execution, err := s.RunTaskNow(context.Background(), "task_missing")
	if err != nil {
		t.Fatalf("RunTaskNow: %v", err)
	}
	if execution != nil {
		t.Fatal("expected nil execution for unknown id")
	}
}

func TestOneShotSuccessDisablesTask(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, succeedRunner("ok"))

	task := commandTask("once")
	task.DoOnlyOnce = true
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := s.RunTaskNow(context.Background(), task.ID); err != nil {
		t.Fatalf("RunTaskNow: %v", err)
	}

	stored, _ := store.GetTask(context.Background(), task.ID)
	if stored.Enabled {
		t.Fatal("one-shot task still enabled after success")
	}
	if stored.Status != TaskStatusDisabled {
		t.Fatalf("status = %q, want disabled", stored.Status)
	}
}

func TestOneShotFailureStaysEnabled(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, failRunner("boom"))

	task := commandTask("retry")
	task.DoOnlyOnce = true
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := s.RunTaskNow(context.Background(), task.ID); err != nil {
		t.Fatalf("RunTaskNow: %v", err)
	}

	stored, _ := store.GetTask(context.Background(), task.ID)
	if !stored.Enabled {
		t.Fatal("failed one-shot task should stay enabled for retry")
	}
	if stored.Status != TaskStatusFailed {
		t.Fatalf("status = %q, want failed", stored.Status)
	}
	if stored.NextRun == nil || !stored.NextRun.After(*stored.LastRun) {
		t.Fatalf("next run %v not advanced past last run %v", stored.NextRun, stored.LastRun)
	}
}

func TestRecurringNextRunAdvances(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, succeedRunner("ok"))

	task := commandTask("steady")
	task.DoOnlyOnce = false
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := s.RunTaskNow(context.Background(), task.ID); err != nil {
		t.Fatalf("RunTaskNow: %v", err)
	}

	stored, _ := store.GetTask(context.Background(), task.ID)
	if stored.NextRun == nil {
		t.Fatal("next run missing after completion")
	}
	// A minutely schedule resolved from completion time lands on the next
	// minute boundary, strictly after the run started.
	if !stored.NextRun.After(*stored.LastRun) {
		t.Fatalf("next run %v not after last run %v", stored.NextRun, stored.LastRun)
	}
	if stored.NextRun.Sub(*stored.LastRun) > time.Minute+time.Second {
		t.Fatalf("next run %v too far after last run %v", stored.NextRun, stored.LastRun)
	}
}

func TestConcurrentRunExcluded(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &stubRunner{fn: func(ctx context.Context, task *Task) *TaskExecution {
		close(started)
		<-release
		execution := NewExecution(task.ID)
		end := time.Now().UTC()
		execution.EndTime = &end
		execution.Status = ExecutionStatusCompleted
		return execution
	}}
	s := newTestScheduler(store, runner)

	task := commandTask("slow")
	task.DoOnlyOnce = false
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = s.RunTaskNow(context.Background(), task.ID)
	}()
	<-started

	// Second manual run while the first is in flight must be refused.
	execution, err := s.RunTaskNow(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("RunTaskNow: %v", err)
	}
	if execution != nil {
		t.Fatal("overlapping run was not refused")
	}

	close(release)
	<-firstDone

	history, _ := s.GetTaskExecutions(context.Background(), task.ID, 10)
	if len(history) != 1 {
		t.Fatalf("got %d executions, want 1", len(history))
	}
}

func TestPollLoopDispatchesDueTask(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	executed := make(chan string, 1)
	runner := &stubRunner{fn: func(ctx context.Context, task *Task) *TaskExecution {
		select {
		case executed <- task.ID:
		default:
		}
		execution := NewExecution(task.ID)
		end := time.Now().UTC()
		execution.EndTime = &end
		execution.Status = ExecutionStatusCompleted
		return execution
	}}
	s := newTestScheduler(store, runner)

	task := commandTask("due")
	task.DoOnlyOnce = true
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	// Force the task to be due immediately.
	past := time.Now().UTC().Add(-time.Minute)
	task.NextRun = &past
	if err := store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	s.Start()
	defer s.Stop()

	select {
	case id := <-executed:
		if id != task.ID {
			t.Fatalf("executed %q, want %q", id, task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("due task was not dispatched")
	}
}

func TestPollLoopSkipsDisabledTask(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	executed := make(chan string, 1)
	runner := &stubRunner{fn: func(ctx context.Context, task *Task) *TaskExecution {
		executed <- task.ID
		execution := NewExecution(task.ID)
		end := time.Now().UTC()
		execution.EndTime = &end
		execution.Status = ExecutionStatusCompleted
		return execution
	}}
	s := newTestScheduler(store, runner)

	task := commandTask("dormant")
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	task.NextRun = &past
	task.Enabled = false
	if err := store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	s.Start()
	defer s.Stop()

	select {
	case <-executed:
		t.Fatal("disabled task was dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(newMemStore(), succeedRunner("ok"))
	if s.Active() {
		t.Fatal("scheduler active before Start")
	}
	s.Start()
	s.Start()
	if !s.Active() {
		t.Fatal("scheduler not active after Start")
	}
	s.Stop()
	s.Stop()
	if s.Active() {
		t.Fatal("scheduler active after Stop")
	}
}

func TestStopCancelsInflight(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	started := make(chan struct{})
	runner := &stubRunner{fn: func(ctx context.Context, task *Task) *TaskExecution {
		close(started)
		<-ctx.Done()
		execution := NewExecution(task.ID)
		end := time.Now().UTC()
		execution.EndTime = &end
		execution.Status = ExecutionStatusFailed
		message := "cancelled"
		execution.Error = &message
		return execution
	}}
	s := newTestScheduler(store, runner)

	task := commandTask("long")
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	task.NextRun = &past
	if err := store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	s.Start()
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight execution")
	}

	history, _ := s.GetTaskExecutions(context.Background(), task.ID, 10)
	if len(history) != 1 {
		t.Fatalf("got %d executions, want the cancelled one recorded", len(history))
	}
}

// gatedStore blocks the first ListTasks call until released, holding a
// poll cycle open.
type gatedStore struct {
	*memStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) ListTasks(ctx context.Context) ([]*Task, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.memStore.ListTasks(ctx)
}

func TestStopCancelsRunDispatchedMidCycle(t *testing.T) {
	t.Parallel()

	base := newMemStore()
	store := &gatedStore{
		memStore: base,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	cancelled := make(chan struct{})
	runner := &stubRunner{fn: func(ctx context.Context, task *Task) *TaskExecution {
		select {
		case <-ctx.Done():
			close(cancelled)
		case <-time.After(3 * time.Second):
		}
		execution := NewExecution(task.ID)
		end := time.Now().UTC()
		execution.EndTime = &end
		execution.Status = ExecutionStatusFailed
		message := "cancelled"
		execution.Error = &message
		return execution
	}}
	s := NewScheduler(store, runner, 10*time.Millisecond, discardLogger())

	task := commandTask("midcycle")
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	task.NextRun = &past
	if err := base.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	s.Start()
	<-store.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	// Give Stop time to cancel the loop context, then let the held poll
	// cycle finish and dispatch the due task.
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an execution it never cancelled")
	}
	select {
	case <-cancelled:
	default:
		t.Fatal("execution dispatched by the final poll cycle was not cancelled")
	}
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, succeedRunner("ok"))

	task := commandTask("gone")
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	deleted, err := s.DeleteTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if !deleted {
		t.Fatal("DeleteTask reported no row removed")
	}
	deleted, err = s.DeleteTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if deleted {
		t.Fatal("second delete reported a removed row")
	}
}

func TestDeleteTaskCancelsInflight(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	started := make(chan struct{})
	runner := &stubRunner{fn: func(ctx context.Context, task *Task) *TaskExecution {
		close(started)
		<-ctx.Done()
		execution := NewExecution(task.ID)
		end := time.Now().UTC()
		execution.EndTime = &end
		execution.Status = ExecutionStatusFailed
		message := "cancelled"
		execution.Error = &message
		return execution
	}}
	s := newTestScheduler(store, runner)

	task := commandTask("doomed")
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	go func() { _, _ = s.RunTaskNow(context.Background(), task.ID) }()
	<-started

	deleted, err := s.DeleteTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if !deleted {
		t.Fatal("task not deleted")
	}
	// Finalization after the cancelled run must not resurrect the row.
	if task, _ := store.GetTask(context.Background(), task.ID); task != nil {
		t.Fatal("deleted task reappeared in the store")
	}
}

func TestUpdateTask(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, succeedRunner("ok"))

	task := commandTask("orig")
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	originalNext := *task.NextRun

	name := "café renamed"
	schedule := "0 0 * * *"
	updated, err := s.UpdateTask(context.Background(), task.ID, TaskUpdate{Name: &name, Schedule: &schedule})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Name != "caf renamed" {
		t.Fatalf("name = %q, want ASCII-normalized", updated.Name)
	}
	if updated.Schedule != schedule {
		t.Fatalf("schedule = %q", updated.Schedule)
	}
	if updated.NextRun == nil || updated.NextRun.Equal(originalNext) {
		t.Fatal("schedule change did not recompute next run")
	}

	badSchedule := "not valid"
	if _, err := s.UpdateTask(context.Background(), task.ID, TaskUpdate{Schedule: &badSchedule}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("UpdateTask error = %v, want ErrInvalidSchedule", err)
	}

	missing, err := s.UpdateTask(context.Background(), "task_missing", TaskUpdate{Name: &name})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil task for unknown id")
	}
}

func TestEnableDisableTask(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	s := newTestScheduler(store, succeedRunner("ok"))

	task := commandTask("toggle")
	if _, err := s.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	disabled, err := s.DisableTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("DisableTask: %v", err)
	}
	if disabled.Enabled || disabled.Status != TaskStatusDisabled {
		t.Fatalf("after disable: enabled=%v status=%q", disabled.Enabled, disabled.Status)
	}

	enabled, err := s.EnableTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("EnableTask: %v", err)
	}
	if !enabled.Enabled || enabled.Status != TaskStatusPending {
		t.Fatalf("after enable: enabled=%v status=%q", enabled.Enabled, enabled.Status)
	}
}
