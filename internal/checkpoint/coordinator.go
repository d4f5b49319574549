// Package checkpoint implements the Checkpoint Coordinator (C7):
// scheduling and driving progressive snapshots for long-running jobs.
package checkpoint

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/fleetsched/fleetsched/internal/config"
	"github.com/fleetsched/fleetsched/internal/idgen"
	"github.com/fleetsched/fleetsched/internal/state"
	"github.com/fleetsched/fleetsched/internal/structs"
)

// Directive is a capture instruction the coordinator hands to the node
// agent (external, §6) once a checkpoint becomes due.
type Directive struct {
	JobID     string
	Kind      structs.CheckpointKind
	DueAt     time.Time
	requestID string
}

// dueEntry is one entry in the coordinator's min-heap, ordered by due
// time.
type dueEntry struct {
	jobID string
	kind  structs.CheckpointKind
	dueAt time.Time
	index int
}

type dueHeap []*dueEntry

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *dueHeap) Push(x any) {
	e := x.(*dueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Coordinator drives C7. At most one outstanding checkpoint per job is
// permitted (serialize): ScheduleCheckpoint refuses to add a second
// pending entry for a job that already has one in flight.
type Coordinator struct {
	log hclog.Logger
	cfg *config.Config
	reg *state.Registry

	mu         sync.Mutex
	heap       dueHeap
	inFlight   map[string]bool // jobID -> has an outstanding directive
}

func New(log hclog.Logger, cfg *config.Config, reg *state.Registry) *Coordinator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Coordinator{
		log:      log.Named("checkpoint"),
		cfg:      cfg,
		reg:      reg,
		inFlight: map[string]bool{},
	}
}

// ShouldCheckpoint implements spec §4.7's policy: time since last
// checkpoint >= interval, OR a stage just completed, OR the job's
// resilience level demands it (maximum level always checkpoints on
// stage completion; this function only evaluates the interval and
// stage-complete legs — callers pass stageJustCompleted explicitly
// since the core has no notion of job-internal stages beyond what the
// node agent reports).
func (c *Coordinator) ShouldCheckpoint(job *structs.Job, now time.Time, stageJustCompleted bool) bool {
	if stageJustCompleted {
		return true
	}
	level := job.ResilienceLevel
	if level == "" {
		level = c.cfg.ResilienceLevel
	}
	interval := c.cfg.CheckpointInterval(level)
	if job.LastCheckpointTime.IsZero() {
		return now.Sub(job.SubmissionTime) >= interval
	}
	return now.Sub(job.LastCheckpointTime) >= interval
}

// ScheduleCheckpoint inserts a due entry for job at t (defaulting to
// now when the zero time is passed). It is a no-op returning false if
// the job already has an outstanding entry (still queued, or dequeued
// by ProcessDue but not yet released by Complete), enforcing the
// at-most-one-in-flight rule.
func (c *Coordinator) ScheduleCheckpoint(jobID string, kind structs.CheckpointKind, t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[jobID] {
		return false
	}
	if t.IsZero() {
		t = time.Now()
	}
	c.inFlight[jobID] = true
	heap.Push(&c.heap, &dueEntry{jobID: jobID, kind: kind, dueAt: t})
	return true
}

// ProcessDue dequeues every entry due at or before now and returns the
// capture directives to issue. Dequeuing does NOT clear in-flight
// status — that happens when the caller reports completion via
// Complete, keeping the job serialized until the capture finishes.
func (c *Coordinator) ProcessDue(now time.Time) []Directive {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Directive
	for c.heap.Len() > 0 && !c.heap[0].dueAt.After(now) {
		e := heap.Pop(&c.heap).(*dueEntry)
		out = append(out, Directive{JobID: e.jobID, Kind: e.kind, DueAt: e.dueAt, requestID: idgen.Generate()})
	}
	return out
}

// Complete releases the in-flight lock for a job once its capture has
// either succeeded or failed, allowing the next ScheduleCheckpoint call
// to proceed.
func (c *Coordinator) Complete(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, jobID)
}

// RetentionPlan describes which of a job's checkpoints may be pruned:
// spec §4.7 requires keeping at least the most recent durable
// checkpoint plus the one before it, until the newer one is
// acknowledged.
func RetentionPlan(checkpoints []*structs.Checkpoint, newestAcknowledged bool) (keep []*structs.Checkpoint, prune []*structs.Checkpoint) {
	durable := make([]*structs.Checkpoint, 0, len(checkpoints))
	for _, c := range checkpoints {
		if c.Status == structs.CheckpointDurable {
			durable = append(durable, c)
		}
	}
	if len(durable) <= 1 {
		return durable, nil
	}
	// checkpoints is expected sorted newest-first by the caller.
	retain := 1
	if !newestAcknowledged {
		retain = 2
	}
	if retain > len(durable) {
		retain = len(durable)
	}
	return durable[:retain], durable[retain:]
}

// PruneAcknowledged drives checkpoint retention for a job: the entry
// point a persistence-backend-side garbage collector (external, §6)
// calls once it has durably migrated an older checkpoint to cold
// storage. acked reports whether the newest durable checkpoint has
// itself been acknowledged by that external GC, per RetentionPlan's
// "keep one once newest acknowledged, two otherwise" rule.
func (c *Coordinator) PruneAcknowledged(jobID string, acked bool) error {
	checkpoints, err := c.reg.ListCheckpointsByJob(jobID)
	if err != nil {
		return err
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})
	_, prune := RetentionPlan(checkpoints, acked)

	var merr *multierror.Error
	for _, cp := range prune {
		if err := c.reg.DeleteCheckpoint(cp.ID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
