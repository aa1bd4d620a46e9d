package scheduler

import (
	"time"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/task"
)

// RecurringDef is the effective schedule for one recurring task type after
// environment overrides are applied to the registered defaults.
type RecurringDef struct {
	Type     task.Type
	Queue    string
	Priority task.Priority
	Interval time.Duration
	Enabled  bool
}

// DefinitionsFromConfig builds the effective recurring schedule: every
// interval-driven descriptor in the registry, adjusted by the
// SCHEDULE_<TYPE>_* environment overrides. Types without overrides run with
// their registered defaults, enabled.
func DefinitionsFromConfig(registry *task.Registry, cfg *config.Config) map[task.Type]RecurringDef {
	defs := make(map[task.Type]RecurringDef)
	for _, d := range registry.Recurring() {
		def := RecurringDef{
			Type:     d.Type,
			Queue:    d.Queue,
			Priority: d.Priority,
			Interval: d.Interval,
			Enabled:  true,
		}
		if cfg != nil {
			o := cfg.ScheduleOverrideFor(string(d.Type))
			if o.Enabled != nil {
				def.Enabled = *o.Enabled
			}
			if o.Interval != nil {
				def.Interval = *o.Interval
			}
			if o.Priority != nil {
				def.Priority = clampPriority(*o.Priority)
			}
		}
		defs[d.Type] = def
	}
	return defs
}

// cronEnabledFromConfig reads the enabled flag for cron-driven types. Cron
// expressions themselves are fixed in the descriptor; only on/off is
// configurable.
func cronEnabledFromConfig(registry *task.Registry, cfg *config.Config) map[task.Type]bool {
	enabled := make(map[task.Type]bool)
	for _, d := range registry.CronScheduled() {
		on := true
		if cfg != nil {
			if o := cfg.ScheduleOverrideFor(string(d.Type)); o.Enabled != nil {
				on = *o.Enabled
			}
		}
		enabled[d.Type] = on
	}
	return enabled
}

func clampPriority(p int) task.Priority {
	if p < int(task.PriorityLow) {
		return task.PriorityLow
	}
	if p > int(task.PriorityCritical) {
		return task.PriorityCritical
	}
	return task.Priority(p)
}
