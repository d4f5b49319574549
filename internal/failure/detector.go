// Package failure implements the Failure Detector & Recovery (C8):
// classifying detected failures, choosing a recovery plan, and driving
// its state machine through to resolution or escalation.
package failure

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/fleetsched/fleetsched/internal/checkpoint"
	"github.com/fleetsched/fleetsched/internal/config"
	"github.com/fleetsched/fleetsched/internal/idgen"
	"github.com/fleetsched/fleetsched/internal/state"
	"github.com/fleetsched/fleetsched/internal/structs"
)

// Detector drives C8. It consumes heartbeats/progress reports handed
// to it by the host process (the node-agent event ingestion boundary
// is external per spec §6) and turns stalls/crashes into FailureEvents
// and RecoveryPlans recorded through the registry.
type Detector struct {
	log hclog.Logger
	reg *state.Registry
	cp  *checkpoint.Coordinator
	cfg *config.Config

	lastHeartbeat map[string]time.Time // node id -> last heartbeat time
}

func New(log hclog.Logger, reg *state.Registry, cp *checkpoint.Coordinator, cfg *config.Config) *Detector {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Detector{
		log:           log.Named("failure"),
		reg:           reg,
		cp:            cp,
		cfg:           cfg,
		lastHeartbeat: map[string]time.Time{},
	}
}

// Heartbeat records a node heartbeat. Call DetectStaleNodes
// periodically (from the scheduler loop or a ticker) to turn missed
// heartbeats into node_offline failures.
func (d *Detector) Heartbeat(nodeID string, at time.Time) {
	d.lastHeartbeat[nodeID] = at
}

// DetectStaleNodes scans tracked heartbeats and raises node_offline
// failures for every node whose last heartbeat exceeds the configured
// timeout, per spec §5's "heartbeat timeout → node_offline".
func (d *Detector) DetectStaleNodes(now time.Time) ([]*structs.FailureEvent, error) {
	timeout := time.Duration(d.cfg.HeartbeatTimeoutSeconds) * time.Second
	var merr *multierror.Error
	var raised []*structs.FailureEvent
	for nodeID, last := range d.lastHeartbeat {
		if now.Sub(last) < timeout {
			continue
		}
		node, err := d.reg.GetNode(nodeID)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if node.Status != structs.NodeOnline {
			continue
		}
		ev, err := d.raise(structs.FailureNodeOffline, structs.SeverityHigh, nodeID, "", now)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if err := d.reg.UpdateNode(nodeID, func(n *structs.Node) error {
			n.Status = structs.NodeOffline
			return nil
		}); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if node.CurrentJobID != "" {
			if err := d.migrateJob(ev, node.CurrentJobID, now); err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
		}
		raised = append(raised, ev)
		delete(d.lastHeartbeat, nodeID)
	}
	return raised, merr.ErrorOrNil()
}

// migrateJob requeues the job that was running on a node that just
// went offline, per spec §8 scenario 3 and §4.8's migrate side
// effects: running -> queued, error_count++, and a
// RecoveryPlan{Action: migrate} recorded against ev so the job is
// eligible for C6 to place on a different node next cycle.
func (d *Detector) migrateJob(ev *structs.FailureEvent, jobID string, now time.Time) error {
	job, err := d.reg.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == structs.JobRunning {
		if err := d.reg.ApplyTransition(job.ID, structs.JobRunning, structs.JobQueued, nil); err != nil {
			return err
		}
	}
	if err := d.reg.UpdateJobFields(job.ID, func(j *structs.Job) error {
		j.ErrorCount++
		j.AssignedNodeID = ""
		return nil
	}); err != nil {
		return err
	}

	plan := &structs.RecoveryPlan{
		ID:        idgen.Generate(),
		FailureID: ev.ID,
		Action:    structs.RecoveryMigrate,
		CreatedAt: now,
	}
	if err := d.reg.PutRecoveryPlan(plan); err != nil {
		return err
	}

	ev.JobID = jobID
	ev.State = structs.FailureExecuting
	ev.ResolutionRef = plan.ID
	return d.reg.PutFailure(ev)
}

// classify maps a raw report into a severity, per a simple fixed table
// grounded in the original source's failure-kind-to-severity mapping
// (node loss and memory exhaustion are treated as more severe than a
// single stage failure).
func classify(kind structs.FailureKind) structs.FailureSeverity {
	switch kind {
	case structs.FailureNodeOffline, structs.FailureMemoryExhaustion, structs.FailureDeadlock:
		return structs.SeverityHigh
	case structs.FailureJobCrash, structs.FailureTimeout:
		return structs.SeverityMedium
	case structs.FailureStageFailed:
		return structs.SeverityLow
	default:
		return structs.SeverityCritical // unknown kinds default to the most cautious severity
	}
}

func (d *Detector) raise(kind structs.FailureKind, severity structs.FailureSeverity, nodeID, jobID string, now time.Time) (*structs.FailureEvent, error) {
	ev := &structs.FailureEvent{
		ID:         idgen.Generate(),
		Kind:       kind,
		Severity:   severity,
		State:      structs.FailureDetected,
		DetectedAt: now,
		NodeID:     nodeID,
		JobID:      jobID,
	}
	if err := d.reg.PutFailure(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ReportJobFailure raises a failure for an explicit job-side signal
// (crash, stage failure, timeout, memory exhaustion, deadlock, or an
// unrecognized reason mapped to unknown) and immediately classifies,
// plans, and begins executing its recovery — spec §4.8's
// detected -> classified -> plan_created -> executing chain collapses
// to a single call here since classification is a pure function of
// kind, not an async step.
func (d *Detector) ReportJobFailure(jobID string, kind structs.FailureKind, now time.Time) (*structs.RecoveryPlan, error) {
	severity := classify(kind)
	ev, err := d.raise(kind, severity, "", jobID, now)
	if err != nil {
		return nil, err
	}
	ev.State = structs.FailureClassified
	if err := d.reg.PutFailure(ev); err != nil {
		return nil, err
	}
	return d.planAndExecute(ev, now)
}

// planAndExecute chooses a RecoveryPlan per the strategy table in spec
// §4.8, consults the checkpoint coordinator for a restore handle when
// the action is checkpoint-based, applies the job-side side effects
// (queued + error_count++, or failed if the tier threshold is
// exceeded), stores the plan, and marks the failure event executing.
func (d *Detector) planAndExecute(ev *structs.FailureEvent, now time.Time) (*structs.RecoveryPlan, error) {
	action := structs.DefaultActionFor(ev.Kind)

	plan := &structs.RecoveryPlan{
		ID:        idgen.Generate(),
		FailureID: ev.ID,
		Action:    action,
		CreatedAt: now,
	}

	if ev.JobID != "" {
		job, err := d.reg.GetJob(ev.JobID)
		if err != nil {
			return nil, err
		}

		if action == structs.RecoveryRestoreCheckpoint {
			handle, ok, err := d.latestDurableCheckpoint(ev.JobID)
			if err != nil {
				return nil, err
			}
			if ok {
				plan.TargetCheckpointID = handle.ID
			} else {
				// No checkpoint available: fall back to restart, per
				// spec §4.8's job_crash row ("restore_checkpoint if
				// available, else restart").
				plan.Action = structs.RecoveryRestart
			}
		}

		if job.Status == structs.JobRunning {
			if err := d.reg.ApplyTransition(job.ID, structs.JobRunning, structs.JobQueued, nil); err != nil {
				return nil, err
			}
		}

		tier, err := d.tenantTier(job.TenantID)
		if err != nil {
			return nil, err
		}
		threshold := d.cfg.ErrorThreshold(tier)
		var forceFailed bool
		if err := d.reg.UpdateJobFields(job.ID, func(j *structs.Job) error {
			j.ErrorCount++
			if j.ErrorCount > threshold {
				forceFailed = true
			}
			if plan.Action == structs.RecoveryRestoreCheckpoint && plan.TargetCheckpointID != "" {
				cp, err := d.reg.GetCheckpoint(plan.TargetCheckpointID)
				if err == nil {
					j.Progress = cp.ProgressAtCapture
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
		if forceFailed {
			if err := d.reg.ApplyTransition(job.ID, structs.JobQueued, structs.JobFailed, nil); err != nil {
				return nil, err
			}
			plan.Action = structs.RecoveryAbort
		}
	}

	plan.Success = nil
	if err := d.reg.PutRecoveryPlan(plan); err != nil {
		return nil, err
	}

	ev.State = structs.FailureExecuting
	ev.ResolutionRef = plan.ID
	if err := d.reg.PutFailure(ev); err != nil {
		return nil, err
	}

	return plan, nil
}

func (d *Detector) latestDurableCheckpoint(jobID string) (*structs.Checkpoint, bool, error) {
	cps, err := d.reg.ListCheckpointsByJob(jobID)
	if err != nil {
		return nil, false, err
	}
	var latest *structs.Checkpoint
	for _, c := range cps {
		if c.Status != structs.CheckpointDurable {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest, latest != nil, nil
}

func (d *Detector) tenantTier(tenantID string) (structs.TenantTier, error) {
	t, err := d.reg.GetTenant(tenantID)
	if err != nil {
		return "", err
	}
	return t.Tier, nil
}

// CompleteRecovery marks a plan resolved or escalated and stamps its
// CompletedAt, so RecoveryPlan.MTTR can be read from the returned plan.
// It does not touch metrics; orchestrator.Context.CompleteRecovery
// observes the MTTR.
func (d *Detector) CompleteRecovery(planID string, success bool, now time.Time) (*structs.RecoveryPlan, error) {
	plan, err := d.reg.GetRecoveryPlan(planID)
	if err != nil {
		return nil, err
	}
	plan.CompletedAt = now
	plan.Success = &success
	if err := d.reg.PutRecoveryPlan(plan); err != nil {
		return nil, err
	}

	failure, err := d.reg.GetFailure(plan.FailureID)
	if err != nil {
		return nil, err
	}
	if success {
		failure.State = structs.FailureResolved
		failure.Resolved = true
	} else {
		failure.State = structs.FailureEscalated
	}
	failure.ResolutionRef = plan.ID
	if err := d.reg.PutFailure(failure); err != nil {
		return nil, err
	}
	return plan, nil
}
