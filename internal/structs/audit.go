package structs

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// AuditEventKind enumerates the envelope kinds the recorder (C9) emits.
// Supplemented beyond spec §6's examples per SPEC_FULL.md.
type AuditEventKind string

const (
	EventJobSubmitted          AuditEventKind = "job_submitted"
	EventJobScheduled          AuditEventKind = "job_scheduled"
	EventJobCompleted          AuditEventKind = "job_completed"
	EventJobFailed             AuditEventKind = "job_failed"
	EventJobCancelled          AuditEventKind = "job_cancelled"
	EventAllocationComputed    AuditEventKind = "allocation_computed"
	EventFailureDetected       AuditEventKind = "failure_detected"
	EventRecoveryPlanCreated   AuditEventKind = "recovery_plan_created"
	EventRecoveryPlanEscalated AuditEventKind = "recovery_plan_escalated"
	EventCheckpointCreated     AuditEventKind = "checkpoint_created"
	EventCheckpointPruned      AuditEventKind = "checkpoint_pruned"
	EventDeferredEnergy        AuditEventKind = "deferred_energy"
	EventTenantIsolated        AuditEventKind = "tenant_isolated"
	EventNodeOfflineDetected   AuditEventKind = "node_offline_detected"
	EventUnderCapacity         AuditEventKind = "under_capacity"
)

// AuditEvent is the append-only envelope described in spec §4.9/§6. Seq
// is assigned by the recorder and is globally monotonic.
type AuditEvent struct {
	Seq         uint64
	TS          time.Time
	Kind        AuditEventKind
	Actor       string
	SubjectRefs []string
	Payload     map[string]any
	Causes      []uint64
}

// Summary renders a one-line human-readable form of the event, the
// shape a fleet-status CLI prints per row (relative timestamp rather
// than a raw RFC3339 string).
func (e *AuditEvent) Summary(now time.Time) string {
	return fmt.Sprintf("#%d %s (%s) actor=%s subjects=%v", e.Seq, e.Kind, humanize.RelTime(e.TS, now, "ago", "from now"), e.Actor, e.SubjectRefs)
}

func (e *AuditEvent) Copy() *AuditEvent {
	if e == nil {
		return nil
	}
	cp := *e
	cp.SubjectRefs = append([]string(nil), e.SubjectRefs...)
	cp.Causes = append([]uint64(nil), e.Causes...)
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
