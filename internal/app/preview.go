package app

import (
	"sort"
	"time"

	"autolauncher/internal/config"
	"autolauncher/internal/task"
	"autolauncher/internal/task/engine"
	"autolauncher/internal/task/scheduler"
	logx "autolauncher/pkg/logx"
)

type PlanEntry struct {
	Task task.Task
	Next time.Time
	// Skipped is why the task has no trigger (disabled, past once, ...).
	Skipped string
}

type Plan struct {
	Entries  []PlanEntry
	WakeAt   time.Time
	WakeTask task.Task
	HasWake  bool
}

// Preview computes next runs and the wake plan without starting triggers
// or touching the power backend. Entries are ordered by next run; skipped
// tasks come last.
func Preview(cfg *config.Config, tasks []task.Task) (Plan, error) {
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return Plan{}, err
	}
	sched := scheduler.New(sc, scheduler.Deps{Engine: engine.New(engine.Config{}, logx.Nop())}, logx.Nop())

	var p Plan
	for _, t := range tasks {
		e := PlanEntry{Task: t}
		if err := sched.Add(t); err != nil {
			e.Skipped = err.Error()
		} else {
			e.Next, _ = sched.NextRunTime(t.ID)
		}
		p.Entries = append(p.Entries, e)
	}
	sort.SliceStable(p.Entries, func(i, j int) bool {
		a, b := p.Entries[i], p.Entries[j]
		if (a.Skipped == "") != (b.Skipped == "") {
			return a.Skipped == ""
		}
		return a.Next.Before(b.Next)
	})
	p.WakeAt, p.WakeTask, p.HasWake = sched.WakePlan()
	return p, nil
}
