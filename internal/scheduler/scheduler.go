// Package scheduler drives time-based task submission: it keeps one live
// instance of every enabled recurring type in the queues, fires cron-scheduled
// maintenance work, and exposes the on-demand submission and event-trigger
// entry points used by the HTTP API.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/queue"
	"github.com/aristath/vigil/internal/task"
)

// ErrUnknownType is returned by Schedule when the requested type has no
// registered descriptor. Callers use it to distinguish bad requests from
// submission failures.
var ErrUnknownType = errors.New("unknown task type")

// defaultReconcileInterval is how often the scheduler checks that every
// enabled recurring type still has a live task. The queue loops poll on
// their own, so this only bounds how fast schedule changes and revival of
// failed recurring tasks take effect.
const defaultReconcileInterval = 30 * time.Second

// Request describes an on-demand task submission. Zero values fall back to
// the registered descriptor's defaults.
type Request struct {
	Type     task.Type
	Priority *task.Priority // nil = descriptor default
	Delay    time.Duration  // run after this delay instead of immediately
	Interval time.Duration  // >0 makes this instance recurring
	Metadata map[string]interface{}
}

// Scheduler owns the recurring schedule and the cron engine.
type Scheduler struct {
	manager  *queue.Manager
	registry *task.Registry
	bus      *events.Bus
	cfg      *config.Config
	log      zerolog.Logger

	cron *cron.Cron

	mu          sync.Mutex
	defs        map[task.Type]RecurringDef
	cronEnabled map[task.Type]bool
	interval    time.Duration
	started     bool
	stopped     bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler. Register all task types before calling Start;
// the effective schedule is computed there.
func New(manager *queue.Manager, registry *task.Registry, bus *events.Bus, cfg *config.Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		manager:     manager,
		registry:    registry,
		bus:         bus,
		cfg:         cfg,
		log:         log.With().Str("component", "scheduler").Logger(),
		cron:        cron.New(),
		defs:        make(map[task.Type]RecurringDef),
		cronEnabled: make(map[task.Type]bool),
		interval:    defaultReconcileInterval,
		stop:        make(chan struct{}),
	}
}

// SetReconcileInterval overrides the reconcile tick. Call before Start.
// Used by tests to tighten timing.
func (s *Scheduler) SetReconcileInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Start computes the effective schedule, seeds the queues and launches the
// reconcile loop and the cron engine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.defs = DefinitionsFromConfig(s.registry, s.cfg)
	s.cronEnabled = cronEnabledFromConfig(s.registry, s.cfg)
	recurring := len(s.defs)
	interval := s.interval
	s.mu.Unlock()

	if err := s.registerCronJobs(); err != nil {
		return err
	}

	s.reconcile()
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.reconcile()
				s.manager.WakeAll()
			}
		}
	}()

	s.log.Info().
		Int("recurring_types", recurring).
		Int("cron_types", len(s.registry.CronScheduled())).
		Msg("Scheduler started")
	return nil
}

// Stop halts the reconcile loop and drains the cron engine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Schedule validates and submits an on-demand task, returning a copy of the
// submitted record.
func (s *Scheduler) Schedule(req Request) (*task.Task, error) {
	desc := s.registry.Get(req.Type)
	if desc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, req.Type)
	}
	if req.Delay < 0 {
		return nil, fmt.Errorf("delay must not be negative")
	}

	t := task.NewFromDescriptor(desc, time.Now().UTC().Add(req.Delay))
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.Interval > 0 {
		t.Interval = req.Interval
	}
	for k, v := range req.Metadata {
		t.Metadata[k] = v
	}

	if err := s.manager.Submit(t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// TriggerEvent publishes a named domain event on the bus, exactly as if an
// internal component had raised it. Routed subscribers turn it into task
// submissions.
func (s *Scheduler) TriggerEvent(name string, payload map[string]interface{}) error {
	et := events.EventType(name)
	switch et {
	case events.PortfolioChanged, events.MarketOpened, events.MarketClosed,
		events.RiskAlert, events.EarningsUpcoming:
	default:
		return fmt.Errorf("unknown event: %s", name)
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}
	s.bus.Emit(et, "api", payload)
	return nil
}

// ReloadConfig recomputes the schedule from the environment and reconciles
// the queues: newly disabled types lose their queued instance, newly enabled
// ones gain one, and changed intervals or priorities take effect by
// replacing the queued instance. Running executions are never interrupted;
// a disabled type's in-flight run finishes and the requeued instance is
// cancelled on the next pass.
func (s *Scheduler) ReloadConfig() {
	next := DefinitionsFromConfig(s.registry, s.cfg)
	nextCron := cronEnabledFromConfig(s.registry, s.cfg)

	s.mu.Lock()
	prev := s.defs
	s.defs = next
	s.cronEnabled = nextCron
	s.mu.Unlock()

	for typ, def := range next {
		old, existed := prev[typ]
		if !existed {
			continue
		}
		if old.Enabled == def.Enabled && old.Interval == def.Interval && old.Priority == def.Priority {
			continue
		}

		s.log.Info().
			Str("type", string(typ)).
			Bool("enabled", def.Enabled).
			Dur("interval", def.Interval).
			Str("priority", def.Priority.String()).
			Msg("Schedule changed")

		if def.Enabled && (old.Interval != def.Interval || old.Priority != def.Priority) {
			// Replace the queued instance so the new settings apply from
			// the next run.
			for _, t := range s.manager.LiveByType(typ) {
				if t.CanCancel() {
					s.manager.Cancel(t.ID)
				}
			}
		}
	}

	s.reconcile()
	s.log.Info().Msg("Schedule configuration reloaded")
}

// reconcile enforces the schedule: each enabled recurring type has exactly
// one live task, disabled types have none. A type whose task died terminally
// (retry budget exhausted) is revived here as a fresh instance.
func (s *Scheduler) reconcile() {
	now := time.Now().UTC()

	s.mu.Lock()
	defs := make([]RecurringDef, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.Unlock()

	for _, def := range defs {
		live := s.manager.LiveByType(def.Type)

		if !def.Enabled {
			for _, t := range live {
				if t.CanCancel() && s.manager.Cancel(t.ID) {
					s.log.Info().
						Str("type", string(def.Type)).
						Str("task_id", t.ID).
						Msg("Disabled recurring task cancelled")
				}
			}
			continue
		}

		if len(live) > 0 {
			continue
		}

		desc := s.registry.Get(def.Type)
		if desc == nil {
			continue
		}

		t := task.NewFromDescriptor(desc, now.Add(def.Interval))
		t.Priority = def.Priority
		t.Interval = def.Interval
		if err := s.manager.Submit(t); err != nil {
			s.log.Error().Err(err).
				Str("type", string(def.Type)).
				Msg("Failed to schedule recurring task")
			continue
		}

		s.log.Info().
			Str("type", string(def.Type)).
			Str("task_id", t.ID).
			Time("first_run", t.NextExecutionAt).
			Dur("interval", def.Interval).
			Msg("Recurring task scheduled")
	}
}

// registerCronJobs wires cron-specced descriptors into the cron engine.
// Each firing submits a one-shot instance; the enabled flag is consulted at
// fire time so ReloadConfig takes effect without re-registering.
func (s *Scheduler) registerCronJobs() error {
	for _, d := range s.registry.CronScheduled() {
		desc := d
		_, err := s.cron.AddFunc(desc.CronSpec, func() {
			s.mu.Lock()
			enabled := s.cronEnabled[desc.Type]
			s.mu.Unlock()
			if !enabled {
				s.log.Debug().Str("type", string(desc.Type)).Msg("Cron task disabled, skipping")
				return
			}

			t := task.NewFromDescriptor(desc, time.Now().UTC())
			if err := s.manager.Submit(t); err != nil {
				s.log.Error().Err(err).
					Str("type", string(desc.Type)).
					Msg("Failed to submit cron task")
				return
			}
			s.log.Info().
				Str("type", string(desc.Type)).
				Str("task_id", t.ID).
				Msg("Cron task submitted")
		})
		if err != nil {
			return fmt.Errorf("invalid cron spec for %s: %w", desc.Type, err)
		}

		s.log.Info().
			Str("type", string(desc.Type)).
			Str("schedule", desc.CronSpec).
			Msg("Cron schedule registered")
	}
	return nil
}
