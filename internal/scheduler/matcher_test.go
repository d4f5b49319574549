package scheduler

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/fleetsched/fleetsched/internal/structs"
)

func newTestNode(id string, cpu int, mem float64, specs ...string) *structs.Node {
	caps := structs.NewCapabilities()
	caps.CPUCores = cpu
	caps.MemoryGB = mem
	for _, s := range specs {
		caps.Specializations.Insert(s)
	}
	return &structs.Node{ID: id, Status: structs.NodeOnline, Capabilities: caps}
}

func TestHardRequirementsMet_RejectsInsufficientCapacity(t *testing.T) {
	node := newTestNode("n1", 4, 8)
	must.False(t, HardRequirementsMet(structs.Requirements{CPUCores: 8}, node.Capabilities))
	must.True(t, HardRequirementsMet(structs.Requirements{CPUCores: 2}, node.Capabilities))
}

func TestHardRequirementsMet_RejectsMissingSpecialization(t *testing.T) {
	node := newTestNode("n1", 4, 8, "render")
	must.False(t, HardRequirementsMet(structs.Requirements{Specializations: []string{"sim"}}, node.Capabilities))
	must.True(t, HardRequirementsMet(structs.Requirements{Specializations: []string{"render"}}, node.Capabilities))
}

func TestMatchJobToNode_PicksHigherScoringNode(t *testing.T) {
	m := NewMatcher(DefaultWeights())
	job := &structs.Job{ID: "j1", Requirements: structs.Requirements{CPUCores: 2, MemoryGB: 2}}
	weak := newTestNode("weak", 2, 2)
	strong := newTestNode("strong", 16, 64)

	picked, ok := m.MatchJobToNode(job, []*structs.Node{weak, strong})
	must.True(t, ok)
	must.Eq(t, "strong", picked)
}

func TestMatchJobToNode_NoneQualifyWhenHardRequirementUnmet(t *testing.T) {
	m := NewMatcher(DefaultWeights())
	job := &structs.Job{ID: "j1", Requirements: structs.Requirements{CPUCores: 64}}
	node := newTestNode("n1", 4, 8)

	_, ok := m.MatchJobToNode(job, []*structs.Node{node})
	must.False(t, ok)
}

func TestUpdatePerformanceHistory_AppliesEMA(t *testing.T) {
	m := NewMatcher(DefaultWeights())
	job := &structs.Job{ID: "j1", Kind: "render"}

	m.UpdatePerformanceHistory(job, "n1", true, 10)
	m.UpdatePerformanceHistory(job, "n1", false, 20)

	snap := m.Snapshot()
	stat, ok := snap[perfKey{"n1", "render"}]
	must.True(t, ok)
	must.Eq(t, 0.7, stat.EMASuccess)
	must.Eq(t, 2, stat.SampleCount)
}
