// Package orchestrator wires the core components (C1-C9) into one
// runnable unit. It exists so callers don't reach for package-level
// singletons or a service locator — every dependency is constructed
// explicitly and handed to the pieces that need it, per the
// specification's guidance against hidden global state.
package orchestrator

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetsched/fleetsched/internal/audit"
	"github.com/fleetsched/fleetsched/internal/checkpoint"
	"github.com/fleetsched/fleetsched/internal/config"
	"github.com/fleetsched/fleetsched/internal/failure"
	"github.com/fleetsched/fleetsched/internal/idgen"
	"github.com/fleetsched/fleetsched/internal/metrics"
	"github.com/fleetsched/fleetsched/internal/persistence"
	"github.com/fleetsched/fleetsched/internal/scheduler"
	"github.com/fleetsched/fleetsched/internal/state"
	"github.com/fleetsched/fleetsched/internal/structs"
)

// Context bundles every constructed component. Callers drive the
// fleet by calling its methods (RunCycle, ProcessDueCheckpoints,
// DetectFailures, ...); nothing here is reachable through a global.
type Context struct {
	Config  *config.Config
	Log     hclog.Logger
	Metrics *metrics.Metrics
	Backend persistence.Backend

	Registry    *state.Registry
	Priority    *scheduler.PriorityEngine
	Partitioner *scheduler.Partitioner
	Matcher     *scheduler.Matcher
	Energy      *scheduler.EnergyOptimizer
	Loop        *scheduler.Loop
	Checkpoints *checkpoint.Coordinator
	Failures    *failure.Detector
	Audit       *audit.Recorder
}

// Option customizes New before construction completes.
type Option func(*options)

type options struct {
	cfg     *config.Config
	log     hclog.Logger
	backend persistence.Backend
	promReg *prometheus.Registry
}

func WithConfig(cfg *config.Config) Option { return func(o *options) { o.cfg = cfg } }
func WithLogger(log hclog.Logger) Option   { return func(o *options) { o.log = log } }
func WithBackend(b persistence.Backend) Option {
	return func(o *options) { o.backend = b }
}
func WithPrometheusRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.promReg = r }
}

// New constructs a fully wired Context. Defaults: Default() config, a
// null logger, an in-memory persistence backend, and a fresh
// prometheus.Registry (never the global DefaultRegisterer, so multiple
// Contexts can coexist in one process — e.g. in tests).
func New(opts ...Option) (*Context, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.log == nil {
		o.log = hclog.NewNullLogger()
	}
	if o.backend == nil {
		o.backend = persistence.NewMemoryBackend()
	}
	if o.promReg == nil {
		o.promReg = prometheus.NewRegistry()
	}

	reg, err := state.New(o.log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	if err := m.Register(o.promReg); err != nil {
		return nil, err
	}

	matcher := scheduler.NewMatcher(scheduler.DefaultWeights())
	priority := scheduler.NewPriorityEngine(o.log)
	partitioner := scheduler.NewPartitioner(o.log, matcher)
	energy, err := scheduler.NewEnergyOptimizer(o.log, matcher, o.cfg)
	if err != nil {
		return nil, err
	}
	auditor := audit.New(o.log)
	loop := scheduler.NewLoop(o.log, reg, o.cfg, priority, partitioner, matcher, energy, auditor, m)
	cp := checkpoint.New(o.log, o.cfg, reg)
	fd := failure.New(o.log, reg, cp, o.cfg)

	return &Context{
		Config:      o.cfg,
		Log:         o.log,
		Metrics:     m,
		Backend:     o.backend,
		Registry:    reg,
		Priority:    priority,
		Partitioner: partitioner,
		Matcher:     matcher,
		Energy:      energy,
		Loop:        loop,
		Checkpoints: cp,
		Failures:    fd,
		Audit:       auditor,
	}, nil
}

// RunCycle drives one scheduler cycle and records its metrics.
func (c *Context) RunCycle(now time.Time) (*scheduler.Report, error) {
	start := now
	report, err := c.Loop.RunCycle(now)
	outcome := "ok"
	switch {
	case err != nil && report == nil:
		outcome = "error"
	case err != nil:
		outcome = "partial"
	case report != nil && len(report.IsolatedTenants) > 0:
		outcome = "partial"
	}
	c.Metrics.ObserveCycle(time.Since(start), outcome)
	if report != nil {
		c.Metrics.NodeUtilization.Set(c.nodeUtilization())
		c.Metrics.EnergySavedPct.Set(report.EnergySavedPct)
	}
	return report, err
}

func (c *Context) nodeUtilization() float64 {
	nodes, err := c.Registry.ListNodes()
	if err != nil || len(nodes) == 0 {
		return 0
	}
	var online, busy int
	for _, n := range nodes {
		if n.Status != structs.NodeOnline {
			continue
		}
		online++
		if n.CurrentJobID != "" {
			busy++
		}
	}
	if online == 0 {
		return 0
	}
	return float64(busy) / float64(online)
}

// ProcessDueCheckpoints drains the checkpoint coordinator's due heap
// and returns the directives a node-agent layer (external, spec §6)
// would act on.
func (c *Context) ProcessDueCheckpoints(now time.Time) []checkpoint.Directive {
	return c.Checkpoints.ProcessDue(now)
}

// RecordCheckpointResult records the node agent's report (spec §6's
// external boundary) of a capture's outcome, releases the coordinator's
// in-flight lock for the job, and counts the result against
// CheckpointsTotal.
func (c *Context) RecordCheckpointResult(jobID string, kind structs.CheckpointKind, progress float64, durable bool, now time.Time) (*structs.Checkpoint, error) {
	status := structs.CheckpointFailed
	if durable {
		status = structs.CheckpointDurable
	}
	cp := &structs.Checkpoint{
		ID:                idgen.Generate(),
		JobID:             jobID,
		CreatedAt:         now,
		Kind:              kind,
		Status:            status,
		ProgressAtCapture: progress,
	}
	if err := c.Registry.PutCheckpoint(cp); err != nil {
		return nil, err
	}
	c.Checkpoints.Complete(jobID)
	c.Metrics.CheckpointsTotal.WithLabelValues(string(status)).Inc()
	return cp, nil
}

// DetectFailures runs the heartbeat-timeout sweep and records a metric
// per kind detected.
func (c *Context) DetectFailures(now time.Time) ([]*structs.FailureEvent, error) {
	events, err := c.Failures.DetectStaleNodes(now)
	for _, e := range events {
		c.Metrics.FailuresTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	return events, err
}

// CompleteRecovery finishes a recovery plan and feeds its MTTR into
// metrics, per SPEC_FULL.md's C8 supplement.
func (c *Context) CompleteRecovery(planID string, success bool, now time.Time) (*structs.RecoveryPlan, error) {
	plan, err := c.Failures.CompleteRecovery(planID, success, now)
	if err != nil {
		return nil, err
	}
	if mttr, ok := plan.MTTR(); ok {
		c.Metrics.ObserveRecovery(string(plan.Action), mttr)
	}
	return plan, nil
}
