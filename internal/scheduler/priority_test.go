package scheduler

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/fleetsched/fleetsched/internal/structs"
)

func TestReorder_HigherClassRankWins(t *testing.T) {
	p := NewPriorityEngine(nil)
	now := time.Now()
	low := &structs.Job{ID: "low", Priority: structs.PriorityLow, SubmissionTime: now}
	high := &structs.Job{ID: "high", Priority: structs.PriorityCritical, SubmissionTime: now}

	out := p.Reorder([]*structs.Job{low, high}, now)
	must.Eq(t, "high", out[0].ID)
	must.Eq(t, "low", out[1].ID)
}

func TestReorder_PastDeadlineForcesCriticalAndInfiniteUrgency(t *testing.T) {
	p := NewPriorityEngine(nil)
	now := time.Now()
	overdue := &structs.Job{ID: "overdue", Priority: structs.PriorityLow, SubmissionTime: now, Deadline: now.Add(-time.Minute)}
	normal := &structs.Job{ID: "normal", Priority: structs.PriorityHigh, SubmissionTime: now}

	out := p.Reorder([]*structs.Job{normal, overdue}, now)
	must.Eq(t, "overdue", out[0].ID)
	must.Eq(t, structs.PriorityCritical.ClassRank(), out[0].EffectiveClassRank)
}

func TestReorder_TiesBreakBySubmissionTimeThenID(t *testing.T) {
	p := NewPriorityEngine(nil)
	now := time.Now()
	a := &structs.Job{ID: "b", Priority: structs.PriorityMedium, SubmissionTime: now}
	b := &structs.Job{ID: "a", Priority: structs.PriorityMedium, SubmissionTime: now}

	out := p.Reorder([]*structs.Job{a, b}, now)
	must.Eq(t, "a", out[0].ID)
}

func TestReorder_DoesNotMutateInputSlice(t *testing.T) {
	p := NewPriorityEngine(nil)
	now := time.Now()
	jobs := []*structs.Job{
		{ID: "x", Priority: structs.PriorityLow, SubmissionTime: now},
		{ID: "y", Priority: structs.PriorityHigh, SubmissionTime: now},
	}
	out := p.Reorder(jobs, now)
	must.Eq(t, "x", jobs[0].ID)
	must.Eq(t, "y", out[0].ID)
}
