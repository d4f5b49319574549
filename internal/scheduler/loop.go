package scheduler

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/fleetsched/fleetsched/internal/audit"
	"github.com/fleetsched/fleetsched/internal/config"
	"github.com/fleetsched/fleetsched/internal/metrics"
	"github.com/fleetsched/fleetsched/internal/state"
	"github.com/fleetsched/fleetsched/internal/structs"
)

// pendingAssign pairs a job with the node C4 picked for it, before C5
// has had a chance to substitute or defer.
type pendingAssign struct {
	job    *structs.Job
	nodeID string
}

// Report summarizes one completed RunCycle, per spec §4.6's step 8.
type Report struct {
	Scheduled       int
	Demoted         int
	Deferred        int
	Stragglers      []string // job ids eligible but left unscheduled this cycle
	UnderCapacity   bool
	IsolatedTenants []string
	EnergySavedPct  float64
	Duration        time.Duration
}

// Loop implements the Scheduler Loop (C6): the per-cycle orchestrator
// tying the Registry (C1) and C2-C5 together into one atomic-per-job
// commit sequence.
type Loop struct {
	log hclog.Logger
	reg *state.Registry
	cfg *config.Config

	priority    *PriorityEngine
	partitioner *Partitioner
	matcher     *Matcher
	energy      *EnergyOptimizer
	auditor     *audit.Recorder
	metrics     *metrics.Metrics
}

func NewLoop(log hclog.Logger, reg *state.Registry, cfg *config.Config, priority *PriorityEngine, partitioner *Partitioner, matcher *Matcher, energy *EnergyOptimizer, auditor *audit.Recorder, m *metrics.Metrics) *Loop {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Loop{
		log:         log.Named("loop"),
		reg:         reg,
		cfg:         cfg,
		priority:    priority,
		partitioner: partitioner,
		matcher:     matcher,
		energy:      energy,
		auditor:     auditor,
		metrics:     m,
	}
}

// RunCycle executes the 8-step cycle in spec §4.6. A single tenant's
// invariant violation isolates that tenant for the cycle rather than
// aborting the whole run (spec §7); isolated tenants are aggregated
// with go-multierror and also returned in Report.IsolatedTenants so
// the caller can decide whether to surface the error.
func (l *Loop) RunCycle(now time.Time) (*Report, error) {
	start := now
	report := &Report{}
	var merr *multierror.Error

	// Step 1: snapshot registry.
	snap, err := l.reg.GetSnapshot()
	if err != nil {
		return nil, structs.NewInvariantViolation("loop: snapshot registry: %v", err)
	}

	// Step 2: reorder jobs.
	eligibleStatuses := map[structs.JobStatus]bool{structs.JobPending: true, structs.JobQueued: true}
	var candidates []*structs.Job
	for _, j := range snap.Jobs {
		if eligibleStatuses[j.Status] {
			candidates = append(candidates, j)
		}
	}
	ordered := l.priority.Reorder(candidates, now)

	// Step 3: produce allocations.
	jobsByTenant := snap.JobsByTenant()
	partResult, err := l.partitioner.Partition(snap.Tenants, snap.OnlineNodes(), jobsByTenant)
	if err != nil {
		return nil, structs.NewInvariantViolation("loop: partition: %v", err)
	}
	report.UnderCapacity = partResult.UnderCapacity
	if partResult.UnderCapacity {
		l.auditor.Record(structs.EventUnderCapacity, "scheduler", nil, nil)
	}

	orderedByTenant := map[string][]*structs.Job{}
	for _, j := range ordered {
		orderedByTenant[j.TenantID] = append(orderedByTenant[j.TenantID], j)
	}

	nodeByID := map[string]*structs.Node{}
	for _, n := range snap.Nodes {
		nodeByID[n.ID] = n
	}
	jobByID := map[string]*structs.Job{}
	for _, j := range snap.Jobs {
		jobByID[j.ID] = j
	}

	var assignments []Assignment
	var allPending []pendingAssign

	// Steps 4-5: per tenant, match eligible jobs against the tenant's
	// pool. A tenant whose dependency graph turns out inconsistent
	// (dangling dependency id) is isolated for the cycle rather than
	// aborting every other tenant's scheduling, per spec §7.
	for _, tenant := range snap.Tenants {
		assigned, pending, err := l.scheduleTenant(tenant, partResult, orderedByTenant[tenant.ID], nodeByID, jobByID, report)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("tenant %s: %w", tenant.ID, err))
			report.IsolatedTenants = append(report.IsolatedTenants, tenant.ID)
			l.auditor.Record(structs.EventTenantIsolated, "scheduler", []string{tenant.ID}, map[string]any{"reason": err.Error()})
			if l.metrics != nil {
				l.metrics.TenantIsolations.Inc()
			}
			continue
		}
		assignments = append(assignments, assigned...)
		allPending = append(allPending, pending...)
	}

	// Step 6: apply C5 to the cycle's assignments.
	var energyPool []*structs.Node
	for _, n := range snap.OnlineNodes() {
		if n.Idle() {
			energyPool = append(energyPool, n)
		}
	}
	finalAssignments, deferrals := l.energy.OptimizeEnergy(l.cfg.EnergyMode, assignments, energyPool, now)
	report.Deferred = len(deferrals)
	for _, d := range deferrals {
		l.auditor.Record(structs.EventDeferredEnergy, "scheduler", []string{d.Job.ID}, map[string]any{
			"due_at": d.DueAt, "reason": d.Reason,
		})
	}

	finalNodeForJob := map[string]string{}
	for _, a := range finalAssignments {
		finalNodeForJob[a.Job.ID] = a.Node.ID
	}

	// Step 7: commit transitions atomically per-job; emit audit events.
	assignedNodes := map[string]*structs.Node{}
	for _, pa := range allPending {
		nodeID, kept := finalNodeForJob[pa.job.ID]
		if !kept {
			report.Demoted++
			continue
		}
		err := l.reg.ApplyTransition(pa.job.ID, pa.job.Status, structs.JobRunning, func(j *structs.Job) error {
			j.AssignedNodeID = nodeID
			return nil
		})
		if err != nil {
			merr = multierror.Append(merr, err)
			report.IsolatedTenants = append(report.IsolatedTenants, pa.job.TenantID)
			if l.metrics != nil {
				l.metrics.TenantIsolations.Inc()
			}
			continue
		}
		report.Scheduled++
		assignedNodes[pa.job.ID] = nodeByID[nodeID]
		if l.metrics != nil {
			l.metrics.JobsScheduled.WithLabelValues(pa.job.TenantID).Inc()
		}
		l.auditor.Record(structs.EventJobScheduled, "scheduler", []string{pa.job.ID, nodeID}, map[string]any{
			"tenant_id": pa.job.TenantID,
		})
	}

	l.auditor.Record(structs.EventAllocationComputed, "scheduler", nil, map[string]any{
		"under_capacity": partResult.UnderCapacity,
	})

	var scheduledJobs []*structs.Job
	for _, pa := range allPending {
		if _, ok := assignedNodes[pa.job.ID]; ok {
			scheduledJobs = append(scheduledJobs, pa.job)
		}
	}
	report.EnergySavedPct = EstimateSavings(scheduledJobs, assignedNodes, baselinePowerWatts(snap.Nodes))

	report.Duration = now.Sub(start)
	return report, merr.ErrorOrNil()
}

// scheduleTenant runs steps 4-5 of RunCycle for a single tenant:
// filtering its eligible jobs down to ones with satisfied dependencies
// and matching them against the tenant's allocated pool in priority
// order. A dangling dependency id (a registry inconsistency) fails the
// whole tenant rather than silently skipping the affected job.
func (l *Loop) scheduleTenant(tenant *structs.Tenant, partResult *PartitionResult, jobs []*structs.Job, nodeByID map[string]*structs.Node, jobByID map[string]*structs.Job, report *Report) ([]Assignment, []pendingAssign, error) {
	alloc, ok := partResult.Allocations[tenant.ID]
	if !ok {
		return nil, nil, nil
	}

	pool := make([]*structs.Node, 0, len(alloc.Nodes))
	poolSet := map[string]*structs.Node{}
	for _, nid := range alloc.Nodes {
		n, ok := nodeByID[nid]
		if !ok || !n.Idle() {
			continue
		}
		pool = append(pool, n)
		poolSet[nid] = n
	}

	var assignments []Assignment
	var pending []pendingAssign
	for _, job := range jobs {
		satisfied, err := l.dependenciesSatisfiedFromSnapshot(job, jobByID)
		if err != nil {
			return nil, nil, err
		}
		if !satisfied {
			report.Stragglers = append(report.Stragglers, job.ID)
			continue
		}
		if len(pool) == 0 {
			report.Stragglers = append(report.Stragglers, job.ID)
			continue
		}
		nodeID, matched := l.matcher.MatchJobToNode(job, pool)
		if !matched {
			report.Stragglers = append(report.Stragglers, job.ID)
			continue
		}
		node := poolSet[nodeID]
		pending = append(pending, pendingAssign{job: job, nodeID: nodeID})
		assignments = append(assignments, Assignment{Job: job, Node: node})
		delete(poolSet, nodeID)
		for i, n := range pool {
			if n.ID == nodeID {
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return assignments, pending, nil
}

// dependenciesSatisfiedFromSnapshot checks dependency completion
// against the cycle's frozen snapshot rather than a live registry
// read, preserving the "entirely pre-cycle or entirely post-cycle"
// consistency guarantee from spec §4.6.
func (l *Loop) dependenciesSatisfiedFromSnapshot(job *structs.Job, byID map[string]*structs.Job) (bool, error) {
	for _, depID := range job.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			return false, structs.NewNotFoundError("job", depID)
		}
		if dep.Status != structs.JobCompleted {
			return false, nil
		}
	}
	return true, nil
}

// baselinePowerWatts approximates a performance-mode baseline as the
// mean power draw across the fleet, used by EstimateSavings.
func baselinePowerWatts(nodes []*structs.Node) float64 {
	if len(nodes) == 0 {
		return 0
	}
	var total float64
	for _, n := range nodes {
		total += n.Capabilities.PowerDrawWatts
	}
	return total / float64(len(nodes))
}
