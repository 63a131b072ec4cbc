package scheduler

import (
	"sort"
	"strings"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{
		Started:  s.c != nil,
		Timezone: strings.TrimSpace(s.cfg.Timezone),
		Mode:     s.cfg.Mode,
	}
	if out.Timezone == "" && s.loc != nil {
		out.Timezone = s.loc.String()
	}
	for _, j := range s.jobs {
		it := JobInfo{TaskID: j.task.ID, Name: j.task.DisplayName(), Recurrence: j.task.Recurrence, Paused: j.paused}
		if !j.paused {
			it.Next = j.next
		}
		out.Jobs = append(out.Jobs, it)
	}
	for _, o := range s.oneoffs {
		out.OneOffs = append(out.OneOffs, OneOffInfo{Kind: o.kind, TaskID: o.task.ID, Name: o.task.DisplayName(), At: o.at})
	}
	for id := range s.pending {
		out.Pending = append(out.Pending, id)
	}
	s.mu.Unlock()

	sort.Slice(out.Jobs, func(a, b int) bool { return out.Jobs[a].TaskID < out.Jobs[b].TaskID })
	sort.Slice(out.OneOffs, func(a, b int) bool { return out.OneOffs[a].At.Before(out.OneOffs[b].At) })
	sort.Slice(out.Pending, func(a, b int) bool { return out.Pending[a] < out.Pending[b] })
	out.Running = s.RunningTasks()
	if at, who, ok := s.WakePlan(); ok {
		out.WakeAt, out.WakeTask = at, who.ID
	}
	return out
}
