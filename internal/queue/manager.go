package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/clients"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/history"
	"github.com/aristath/vigil/internal/retry"
	"github.com/aristath/vigil/internal/task"
)

const (
	// defaultPollInterval bounds how long a due task can wait for an idle
	// queue to notice it.
	defaultPollInterval = time.Second

	// maxFailureSummaries caps the in-memory recent-failure ring.
	maxFailureSummaries = 20
)

// loop carries the control channels for one queue's execution goroutine.
type loop struct {
	queue   *Queue
	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// Manager owns the named queues and runs one execution loop per queue.
// Loops run concurrently with each other; each loop is single-threaded with
// respect to its own queue. Every task state change is persisted before or
// immediately after it takes effect, so the in-memory ordering view can be
// rebuilt from the store after a restart.
type Manager struct {
	registry *task.Registry
	store    *task.Store
	policy   retry.Policy
	history  *history.Repository
	bus      *events.Bus
	log      zerolog.Logger

	pollInterval time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu              sync.Mutex
	queues          map[string]*Queue
	loops           map[string]*loop
	index           map[string]string // task id -> queue name, live tasks only
	completed       map[string]int    // terminal counters by queue
	failed          map[string]int
	completedByType map[string]int
	failedByType    map[string]int
	lastFailures    []FailureSummary
	recovered       int
	startedAt       time.Time
	started         bool
}

// NewManager creates a queue manager. The history repository may be nil in
// tests; lifecycle rows and counter seeding are skipped then.
func NewManager(registry *task.Registry, store *task.Store, policy retry.Policy, hist *history.Repository, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:        registry,
		store:           store,
		policy:          policy,
		history:         hist,
		bus:             bus,
		log:             logger.With().Str("component", "queue_manager").Logger(),
		pollInterval:    defaultPollInterval,
		queues:          make(map[string]*Queue),
		loops:           make(map[string]*loop),
		index:           make(map[string]string),
		completed:       make(map[string]int),
		failed:          make(map[string]int),
		completedByType: make(map[string]int),
		failedByType:    make(map[string]int),
	}
}

// SetPollInterval overrides how often idle queue loops re-check for due
// tasks. Call before Start. Used by tests to tighten timing.
func (m *Manager) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.pollInterval = d
	}
}

// RegisterQueue creates a queue and its execution loop. Registering an
// existing name is a no-op.
func (m *Manager) RegisterQueue(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queues[name]; exists {
		return
	}

	q := newQueue(name)
	l := &loop{
		queue:   q,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	m.queues[name] = q
	m.loops[name] = l

	if m.started {
		go m.run(m.baseCtx, l)
	}
}

// Recover rebuilds the in-memory queues from the task store. Tasks that were
// Running when the process died are reset to pending and re-executed; the
// at-least-once contract makes the repeat safe. Terminal records are left on
// disk for the retention cleanup. Call after RegisterQueue, before Start.
func (m *Manager) Recover() error {
	tasks, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load task store: %w", err)
	}

	recovered := 0
	requeued := 0
	for _, t := range tasks {
		if t.State.Terminal() {
			continue
		}

		if !m.registry.Has(t.Type) {
			m.log.Warn().
				Str("task_id", t.ID).
				Str("type", string(t.Type)).
				Msg("Dropping stored task with unregistered type")
			if err := m.store.Delete(t.ID); err != nil {
				m.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to delete orphaned task record")
			}
			continue
		}

		if t.State == task.StateRunning {
			t.Requeue()
			if err := m.store.Save(t); err != nil {
				m.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to persist recovered task")
			}
			recovered++
			m.log.Info().
				Str("task_id", t.ID).
				Str("type", string(t.Type)).
				Int("attempt", t.AttemptCount).
				Msg("Recovered task interrupted mid-run")
		}

		m.RegisterQueue(t.Queue)
		m.mu.Lock()
		q := m.queues[t.Queue]
		m.index[t.ID] = t.Queue
		m.mu.Unlock()
		q.Enqueue(t)
		requeued++
	}

	m.mu.Lock()
	m.recovered = recovered
	m.mu.Unlock()

	m.log.Info().
		Int("requeued", requeued).
		Int("recovered", recovered).
		Msg("Task store recovery complete")
	return nil
}

// Start launches the queue loops.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.startedAt = time.Now().UTC()
	m.baseCtx, m.cancelBase = context.WithCancel(context.Background())
	ctx := m.baseCtx
	loops := make([]*loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	queueCount := len(loops)
	m.mu.Unlock()

	m.seedCounters()

	for _, l := range loops {
		go m.run(ctx, l)
	}

	m.log.Info().Int("queues", queueCount).Msg("Queue manager started")
}

// Stop shuts the loops down. An in-flight execution is abandoned through
// context cancellation; its task stays Running in the store and is recovered
// as pending on the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancelBase
	loops := make([]*loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	cancel()
	for _, l := range loops {
		close(l.stop)
	}
	for _, l := range loops {
		<-l.stopped
	}

	m.log.Info().Msg("Queue manager stopped")
}

// Submit validates, persists and enqueues a task. The store write comes
// first: if the record cannot be made durable the task is rejected with
// ErrStoreUnavailable and no work is accepted.
func (m *Manager) Submit(t *task.Task) error {
	if !m.registry.Has(t.Type) {
		return fmt.Errorf("unknown task type: %s", t.Type)
	}

	m.mu.Lock()
	q, ok := m.queues[t.Queue]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %s is not registered", t.Queue)
	}

	if err := m.store.Save(t); err != nil {
		return err
	}

	m.mu.Lock()
	m.index[t.ID] = t.Queue
	m.mu.Unlock()

	q.Enqueue(t)
	m.Wake(t.Queue)

	m.log.Info().
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Str("queue", t.Queue).
		Str("priority", t.Priority.String()).
		Time("next_execution_at", t.NextExecutionAt).
		Msg("Task submitted")
	return nil
}

// Cancel removes a task that has not started running. Returns false for
// unknown ids and for tasks already running or finished.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	queueName, ok := m.index[id]
	var q *Queue
	if ok {
		q = m.queues[queueName]
	}
	m.mu.Unlock()
	if q == nil {
		return false
	}

	t := q.Cancel(id)
	if t == nil {
		return false
	}

	now := time.Now().UTC()
	t.Cancel(now)
	if err := m.store.Save(t); err != nil {
		m.log.Error().Err(err).Str("task_id", id).Msg("Failed to persist cancelled task")
	}
	m.recordHistory(t, "cancelled", t.AttemptCount, "", nil, now, 0)

	m.mu.Lock()
	delete(m.index, id)
	m.mu.Unlock()

	m.log.Info().
		Str("task_id", id).
		Str("type", string(t.Type)).
		Msg("Task cancelled")
	return true
}

// LiveByType returns copies of every non-terminal task of one type across
// all queues. The scheduler uses this to keep one live instance per enabled
// recurring type.
func (m *Manager) LiveByType(taskType task.Type) []*task.Task {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	var out []*task.Task
	for _, q := range queues {
		if rt := q.RunningTask(); rt != nil && rt.Type == taskType {
			out = append(out, rt)
		}
		for _, t := range q.Waiting() {
			if t.Type == taskType {
				out = append(out, t)
			}
		}
	}
	return out
}

// Get returns a copy of a live (pending, retrying or running) task.
func (m *Manager) Get(id string) (*task.Task, bool) {
	m.mu.Lock()
	queueName, ok := m.index[id]
	var q *Queue
	if ok {
		q = m.queues[queueName]
	}
	m.mu.Unlock()
	if q == nil {
		return nil, false
	}

	return q.Get(id)
}

// Wake nudges one queue loop to look for work. Non-blocking.
func (m *Manager) Wake(queueName string) {
	m.mu.Lock()
	l := m.loops[queueName]
	m.mu.Unlock()
	if l == nil {
		return
	}

	select {
	case l.trigger <- struct{}{}:
	default:
		// Trigger already pending
	}
}

// WakeAll nudges every queue loop.
func (m *Manager) WakeAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.loops))
	for name := range m.loops {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Wake(name)
	}
}

// Status returns the full monitoring snapshot. Failure counts are always
// included, seeded from the history archive at startup so they survive
// restarts.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	queues := make(map[string]*Queue, len(m.queues))
	for name, q := range m.queues {
		queues[name] = q
	}
	completed := make(map[string]int, len(m.completed))
	for k, v := range m.completed {
		completed[k] = v
	}
	failed := make(map[string]int, len(m.failed))
	for k, v := range m.failed {
		failed[k] = v
	}
	completedByType := make(map[string]int, len(m.completedByType))
	for k, v := range m.completedByType {
		completedByType[k] = v
	}
	failedByType := make(map[string]int, len(m.failedByType))
	for k, v := range m.failedByType {
		failedByType[k] = v
	}
	failures := append([]FailureSummary(nil), m.lastFailures...)
	recovered := m.recovered
	startedAt := m.startedAt
	m.mu.Unlock()

	snap := Snapshot{
		Queues:         make(map[string]QueueStatus, len(queues)),
		Types:          make(map[string]TypeCounts),
		RunningTasks:   []string{},
		LastFailures:   failures,
		StoreHealthy:   m.store.Healthy(),
		RecoveredTasks: recovered,
		StartedAt:      startedAt,
	}

	for name, q := range queues {
		qs := QueueStatus{
			Pending:   q.Pending(),
			Completed: completed[name],
			Failed:    failed[name],
		}
		if rt := q.RunningTask(); rt != nil {
			qs.Running = 1
			qs.RunningTaskID = rt.ID
			snap.RunningTasks = append(snap.RunningTasks, rt.ID)
			tc := snap.Types[string(rt.Type)]
			tc.Running++
			snap.Types[string(rt.Type)] = tc
		}
		for _, t := range q.Waiting() {
			tc := snap.Types[string(t.Type)]
			tc.Pending++
			snap.Types[string(t.Type)] = tc
		}
		snap.Queues[name] = qs
	}

	for typ, n := range completedByType {
		tc := snap.Types[typ]
		tc.Completed = n
		snap.Types[typ] = tc
	}
	for typ, n := range failedByType {
		tc := snap.Types[typ]
		tc.Failed = n
		snap.Types[typ] = tc
	}

	sort.Strings(snap.RunningTasks)
	return snap
}

// run is one queue's execution loop. Single goroutine per queue; everything
// the queue executes goes through here.
func (m *Manager) run(ctx context.Context, l *loop) {
	defer close(l.stopped)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.trigger:
		case <-ticker.C:
		}
		m.drain(ctx, l)
	}
}

// drain executes ready tasks back to back until the queue has nothing due.
func (m *Manager) drain(ctx context.Context, l *loop) {
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		t := l.queue.PopReady(time.Now().UTC())
		if t == nil {
			return
		}
		m.execute(ctx, t, l.queue)
	}
}

// execute runs one task attempt: persist the Running state, invoke the
// handler under its per-type deadline, classify the outcome, persist and
// publish the result.
func (m *Manager) execute(ctx context.Context, t *task.Task, q *Queue) {
	desc := m.registry.Get(t.Type)
	if desc == nil || desc.Handler == nil {
		m.finishFailure(t, q, nil, nil, time.Now().UTC(), 0,
			fmt.Errorf("no handler registered for type %s", t.Type))
		return
	}

	startedAt := time.Now().UTC()
	t.Begin(startedAt)
	if err := m.store.Save(t); err != nil {
		m.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to persist running state")
	}

	m.log.Info().
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Str("queue", q.Name()).
		Int("attempt", t.AttemptCount).
		Msg("Task started")
	m.emitStatus(t, desc, "started", "", 0)

	execCtx, cancel := context.WithTimeout(ctx, desc.ExecutionTimeout())
	done := make(chan error, 1)
	go func() {
		done <- runHandler(execCtx, desc, t)
	}()

	var err error
	select {
	case err = <-done:
	case <-execCtx.Done():
		// Abandon the attempt. The handler goroutine keeps running until
		// it observes the context; its result is discarded.
		err = execCtx.Err()
	}
	ctxErr := execCtx.Err()
	cancel()

	finished := time.Now().UTC()
	duration := finished.Sub(startedAt)

	switch {
	case err == nil:
		m.finishSuccess(t, q, desc, &startedAt, finished, duration)

	case ctxErr == context.Canceled && errors.Is(err, context.Canceled):
		// Shutdown interrupted the attempt. Leave the stored record
		// Running; the next start recovers it as pending.
		m.log.Warn().
			Str("task_id", t.ID).
			Str("type", string(t.Type)).
			Msg("Execution abandoned for shutdown")
		q.MarkDone()

	case ctxErr == context.DeadlineExceeded:
		m.finishFailure(t, q, desc, &startedAt, finished, duration,
			fmt.Errorf("execution timed out after %s", desc.ExecutionTimeout()))

	case clients.IsTransient(err) && m.policy.ShouldRetry(t.AttemptCount, t.MaxAttempts):
		m.scheduleRetry(t, q, desc, &startedAt, finished, duration, err)

	default:
		if clients.IsTransient(err) {
			err = fmt.Errorf("retry budget exhausted after %d attempts: %w", t.AttemptCount, err)
		}
		m.finishFailure(t, q, desc, &startedAt, finished, duration, err)
	}
}

// finishSuccess persists a completed attempt. Recurring tasks go back into
// their queue with the next slot already computed.
func (m *Manager) finishSuccess(t *task.Task, q *Queue, desc *task.Descriptor, startedAt *time.Time, finished time.Time, duration time.Duration) {
	attempt := t.AttemptCount
	recurring := t.IsRecurring()

	t.Complete(finished)
	if err := m.store.Save(t); err != nil {
		m.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to persist completed task")
	}
	m.recordHistory(t, "completed", attempt, "", startedAt, finished, duration)

	m.mu.Lock()
	m.completed[q.Name()]++
	m.completedByType[string(t.Type)]++
	if !recurring {
		delete(m.index, t.ID)
	}
	m.mu.Unlock()

	q.MarkDone()
	if recurring {
		q.Enqueue(t)
	}

	m.log.Info().
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Dur("duration", duration).
		Msg("Task completed")
	m.emitStatus(t, desc, "completed", "", duration)
}

// finishFailure persists a terminal failure and records it for status().
func (m *Manager) finishFailure(t *task.Task, q *Queue, desc *task.Descriptor, startedAt *time.Time, finished time.Time, duration time.Duration, cause error) {
	attempt := t.AttemptCount

	t.Fail(finished, cause)
	if err := m.store.Save(t); err != nil {
		m.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to persist failed task")
	}
	m.recordHistory(t, "failed", attempt, cause.Error(), startedAt, finished, duration)

	m.mu.Lock()
	m.failed[q.Name()]++
	m.failedByType[string(t.Type)]++
	delete(m.index, t.ID)
	m.lastFailures = append([]FailureSummary{{
		TaskID: t.ID,
		Type:   string(t.Type),
		Queue:  q.Name(),
		Error:  cause.Error(),
		At:     finished,
	}}, m.lastFailures...)
	if len(m.lastFailures) > maxFailureSummaries {
		m.lastFailures = m.lastFailures[:maxFailureSummaries]
	}
	m.mu.Unlock()

	q.MarkDone()

	m.log.Error().
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Str("queue", q.Name()).
		Int("attempt", attempt).
		Str("error", cause.Error()).
		Msg("Task failed")
	m.emitStatus(t, desc, "failed", cause.Error(), duration)
}

// scheduleRetry computes the backoff for a transient failure and requeues
// the task. A rate-limited provider's Retry-After wins over the computed
// backoff when it is longer.
func (m *Manager) scheduleRetry(t *task.Task, q *Queue, desc *task.Descriptor, startedAt *time.Time, finished time.Time, duration time.Duration, cause error) {
	// AttemptCount is one-based after Begin; the policy expects zero-based
	// attempts so the first retry waits the base delay.
	delay := m.policy.NextDelay(t.AttemptCount - 1)
	if rle, ok := clients.AsRateLimit(cause); ok && rle.RetryAfter > delay {
		delay = rle.RetryAfter
	}

	t.ScheduleRetry(finished.Add(delay), cause)
	if err := m.store.Save(t); err != nil {
		m.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to persist retrying task")
	}

	q.MarkDone()
	q.Enqueue(t)

	m.log.Warn().
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Int("attempt", t.AttemptCount).
		Int("max_attempts", t.MaxAttempts).
		Dur("retry_in", delay).
		Str("error", cause.Error()).
		Msg("Task failed, retry scheduled")
	m.emitStatus(t, desc, "retrying", cause.Error(), duration)
}

func (m *Manager) recordHistory(t *task.Task, state string, attempt int, errMsg string, startedAt *time.Time, finished time.Time, duration time.Duration) {
	if m.history == nil {
		return
	}

	err := m.history.Record(history.Entry{
		TaskID:     t.ID,
		TaskType:   string(t.Type),
		Queue:      t.Queue,
		State:      state,
		Attempt:    attempt,
		Error:      errMsg,
		StartedAt:  startedAt,
		FinishedAt: finished,
		Duration:   duration.Milliseconds(),
	})
	if err != nil {
		m.log.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to record task history")
	}
}

func (m *Manager) emitStatus(t *task.Task, desc *task.Descriptor, status, errMsg string, duration time.Duration) {
	if m.bus == nil {
		return
	}

	description := ""
	if desc != nil {
		description = desc.Description
	}
	m.bus.EmitTyped("queue_manager", &events.TaskStatusData{
		TaskID:      t.ID,
		TaskType:    string(t.Type),
		Queue:       t.Queue,
		Status:      status,
		Description: description,
		Attempt:     t.AttemptCount,
		Error:       errMsg,
		Duration:    duration.Seconds(),
		Timestamp:   time.Now().UTC(),
	})
}

// seedCounters loads terminal counts from the history archive so completed
// and failed totals in status() survive restarts.
func (m *Manager) seedCounters() {
	if m.history == nil {
		return
	}

	byQueue, err := m.history.StateCounts()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to seed queue counters from history")
		return
	}
	byType, err := m.history.TypeCounts()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to seed type counters from history")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for queueName, states := range byQueue {
		m.completed[queueName] += states["completed"]
		m.failed[queueName] += states["failed"]
	}
	for typ, states := range byType {
		m.completedByType[typ] += states["completed"]
		m.failedByType[typ] += states["failed"]
	}
}

// runHandler invokes the task body, converting panics into terminal errors
// so a broken handler cannot take down a queue loop.
func runHandler(ctx context.Context, desc *task.Descriptor, t *task.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return desc.Handler(ctx, t)
}
