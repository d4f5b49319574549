package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fleetsched/fleetsched/internal/audit"
	"github.com/fleetsched/fleetsched/internal/config"
	"github.com/fleetsched/fleetsched/internal/metrics"
	"github.com/fleetsched/fleetsched/internal/state"
	"github.com/fleetsched/fleetsched/internal/structs"
)

func newTestLoop(t *testing.T) (*Loop, *state.Registry) {
	t.Helper()
	reg, err := state.New(nil)
	require.NoError(t, err)

	require.NoError(t, reg.AddTenant(&structs.Tenant{
		ID: "t1", Name: "acme", Tier: structs.TierStandard, GuaranteedShare: 100, MaxShare: 100,
	}))
	for _, id := range []string{"n1", "n2"} {
		require.NoError(t, reg.AddNode(&structs.Node{
			ID:     id,
			Status: structs.NodeOnline,
			Capabilities: structs.Capabilities{
				CPUCores: 8, MemoryGB: 32, Specializations: structs.NewCapabilities().Specializations,
			},
		}))
	}

	cfg := config.Default()
	matcher := NewMatcher(DefaultWeights())
	energy, err := NewEnergyOptimizer(nil, matcher, cfg)
	require.NoError(t, err)

	loop := NewLoop(nil, reg, cfg,
		NewPriorityEngine(nil),
		NewPartitioner(nil, matcher),
		matcher,
		energy,
		audit.New(nil),
		nil,
	)
	return loop, reg
}

func TestRunCycle_SchedulesPendingJobToIdleNode(t *testing.T) {
	loop, reg := newTestLoop(t)
	require.NoError(t, reg.AddJob(&structs.Job{
		ID: "j1", TenantID: "t1", Name: "render", Priority: structs.PriorityHigh,
		Status: structs.JobPending, SubmissionTime: time.Now(),
	}))

	report, err := loop.RunCycle(time.Now())
	must.NoError(t, err)
	must.Eq(t, 1, report.Scheduled)

	job, err := reg.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, structs.JobRunning, job.Status)
	require.NotEmpty(t, job.AssignedNodeID)
}

func TestRunCycle_UnsatisfiedDependencyBecomesStraggler(t *testing.T) {
	loop, reg := newTestLoop(t)
	require.NoError(t, reg.AddJob(&structs.Job{
		ID: "dep", TenantID: "t1", Name: "render", Priority: structs.PriorityLow,
		Status: structs.JobPending, SubmissionTime: time.Now(),
	}))
	require.NoError(t, reg.AddJob(&structs.Job{
		ID: "j1", TenantID: "t1", Name: "render", Priority: structs.PriorityHigh,
		Status: structs.JobPending, SubmissionTime: time.Now(), Dependencies: []string{"dep"},
	}))

	report, err := loop.RunCycle(time.Now())
	require.NoError(t, err)
	require.Contains(t, report.Stragglers, "j1")

	job, err := reg.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, structs.JobPending, job.Status)
}

func TestRunCycle_NoIdleNodesLeavesJobsAsStragglers(t *testing.T) {
	loop, reg := newTestLoop(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.AddJob(&structs.Job{
			ID: fmt.Sprintf("job-%d", i), TenantID: "t1", Name: "render", Priority: structs.PriorityMedium,
			Status: structs.JobPending, SubmissionTime: time.Now(),
		}))
	}

	report, err := loop.RunCycle(time.Now())
	require.NoError(t, err)
	require.Equal(t, 2, report.Scheduled) // only 2 online nodes
	require.Len(t, report.Stragglers, 1)
}

func TestRunCycle_IsRepeatableWithoutDoubleScheduling(t *testing.T) {
	loop, reg := newTestLoop(t)
	require.NoError(t, reg.AddJob(&structs.Job{
		ID: "j1", TenantID: "t1", Name: "render", Priority: structs.PriorityHigh,
		Status: structs.JobPending, SubmissionTime: time.Now(),
	}))

	_, err := loop.RunCycle(time.Now())
	require.NoError(t, err)

	report2, err := loop.RunCycle(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, report2.Scheduled) // j1 already running, not pending/queued
}

func TestRunCycle_RecordsJobsScheduledMetric(t *testing.T) {
	reg, err := state.New(nil)
	require.NoError(t, err)
	require.NoError(t, reg.AddTenant(&structs.Tenant{
		ID: "t1", Name: "acme", Tier: structs.TierStandard, GuaranteedShare: 100, MaxShare: 100,
	}))
	require.NoError(t, reg.AddNode(&structs.Node{
		ID:     "n1",
		Status: structs.NodeOnline,
		Capabilities: structs.Capabilities{
			CPUCores: 8, MemoryGB: 32, Specializations: structs.NewCapabilities().Specializations,
		},
	}))
	require.NoError(t, reg.AddJob(&structs.Job{
		ID: "j1", TenantID: "t1", Name: "render", Priority: structs.PriorityHigh,
		Status: structs.JobPending, SubmissionTime: time.Now(),
	}))

	cfg := config.Default()
	matcher := NewMatcher(DefaultWeights())
	energy, err := NewEnergyOptimizer(nil, matcher, cfg)
	require.NoError(t, err)

	m := metrics.New()
	require.NoError(t, m.Register(prometheus.NewRegistry()))
	loop := NewLoop(nil, reg, cfg, NewPriorityEngine(nil), NewPartitioner(nil, matcher), matcher, energy, audit.New(nil), m)

	report, err := loop.RunCycle(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, report.Scheduled)
	require.InDelta(t, 1.0, testutil.ToFloat64(m.JobsScheduled.WithLabelValues("t1")), 0.001)
}
