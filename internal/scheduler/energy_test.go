package scheduler

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/fleetsched/fleetsched/internal/config"
	"github.com/fleetsched/fleetsched/internal/structs"
)

func TestOptimizeEnergy_PerformanceModeIsNoOp(t *testing.T) {
	matcher := NewMatcher(DefaultWeights())
	e, err := NewEnergyOptimizer(nil, matcher, config.Default())
	must.NoError(t, err)

	job := &structs.Job{ID: "j1", Priority: structs.PriorityHigh}
	node := newTestNode("n1", 8, 32)
	assignments := []Assignment{{Job: job, Node: node}}

	out, deferred := e.OptimizeEnergy(config.EnergyPerformance, assignments, nil, time.Now())
	must.Eq(t, 1, len(out))
	must.Eq(t, node.ID, out[0].Node.ID)
	must.Eq(t, 0, len(deferred))
}

func TestOptimizeEnergy_EfficiencyDefersSlackJobs(t *testing.T) {
	matcher := NewMatcher(DefaultWeights())
	e, err := NewEnergyOptimizer(nil, matcher, config.Default())
	must.NoError(t, err)

	now := time.Now()
	job := &structs.Job{ID: "j1", Priority: structs.PriorityLow, Deadline: now.Add(48 * time.Hour)}
	node := newTestNode("n1", 8, 32)
	assignments := []Assignment{{Job: job, Node: node}}

	out, deferred := e.OptimizeEnergy(config.EnergyEfficiency, assignments, nil, now)
	must.Eq(t, 0, len(out))
	must.Eq(t, 1, len(deferred))
	must.Eq(t, "j1", deferred[0].Job.ID)
}

func TestOptimizeEnergy_EfficiencyKeepsCriticalJobs(t *testing.T) {
	matcher := NewMatcher(DefaultWeights())
	e, err := NewEnergyOptimizer(nil, matcher, config.Default())
	must.NoError(t, err)

	now := time.Now()
	job := &structs.Job{ID: "j1", Priority: structs.PriorityCritical, Deadline: now.Add(48 * time.Hour)}
	node := newTestNode("n1", 8, 32)
	assignments := []Assignment{{Job: job, Node: node}}

	out, deferred := e.OptimizeEnergy(config.EnergyEfficiency, assignments, []*structs.Node{node}, now)
	must.Eq(t, 1, len(out))
	must.Eq(t, 0, len(deferred))
}

func TestEstimateSavings_ZeroWhenNoBaseline(t *testing.T) {
	pct := EstimateSavings(nil, map[string]*structs.Node{}, 0)
	must.Eq(t, float64(0), pct)
}
