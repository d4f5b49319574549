package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/fleetsched/fleetsched/internal/structs"
)

// PriorityEngine recomputes effective priority for non-terminal jobs
// each cycle (C2). It has no side effects beyond writing the
// EffectiveClassRank/EffectiveUrgency fields on the jobs it is handed —
// it never touches the registry directly.
type PriorityEngine struct {
	log hclog.Logger
}

func NewPriorityEngine(log hclog.Logger) *PriorityEngine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &PriorityEngine{log: log.Named("priority")}
}

// epsilon guards the urgency division against a near-zero deadline
// window, per spec §4.2's "max(ε, deadline − T)".
const epsilon = time.Millisecond

// Reorder computes (class_rank, urgency) for every job in jobs as of
// now, and returns a new slice stably ordered highest priority first.
// Ties break by earlier SubmissionTime then lexicographic ID.
func (p *PriorityEngine) Reorder(jobs []*structs.Job, now time.Time) []*structs.Job {
	out := make([]*structs.Job, len(jobs))
	copy(out, jobs)

	for _, j := range out {
		slack := j.Deadline.Sub(now)
		if !j.Deadline.IsZero() && slack <= 0 {
			j.EffectiveClassRank = structs.PriorityCritical.ClassRank()
			j.EffectiveUrgency = math.Inf(1)
			continue
		}
		j.EffectiveClassRank = j.Priority.ClassRank()
		denom := slack
		if denom < epsilon {
			denom = epsilon
		}
		j.EffectiveUrgency = math.Max(0, float64(j.EstimatedDuration)/float64(denom))
	}

	sort.SliceStable(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if a.EffectiveClassRank != b.EffectiveClassRank {
			return a.EffectiveClassRank > b.EffectiveClassRank
		}
		if a.EffectiveUrgency != b.EffectiveUrgency {
			return a.EffectiveUrgency > b.EffectiveUrgency
		}
		if !a.SubmissionTime.Equal(b.SubmissionTime) {
			return a.SubmissionTime.Before(b.SubmissionTime)
		}
		return a.ID < b.ID
	})
	return out
}
