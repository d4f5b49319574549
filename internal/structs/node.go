package structs

import (
	"github.com/hashicorp/go-set/v3"
)

type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeMaintenance NodeStatus = "maintenance"
	NodeError       NodeStatus = "error"
)

// Capabilities is the capability vector a node advertises and a job
// requires a subset of. Specializations is a set (render, sim, ml, …)
// rather than a slice so membership and intersection tests in the
// matcher (C4) and partitioner (C3) don't need linear scans.
type Capabilities struct {
	CPUCores        int
	MemoryGB        float64
	GPUCount        int
	GPUModel        string
	StorageGB       float64
	Specializations *set.Set[string]

	// PowerDrawWatts estimates the node's power draw under load, used
	// by the energy optimizer (C5) to rank substitution candidates and
	// project savings.
	PowerDrawWatts float64
}

func NewCapabilities() Capabilities {
	return Capabilities{Specializations: set.New[string](0)}
}

func (c Capabilities) Copy() Capabilities {
	cp := c
	cp.Specializations = c.Specializations.Copy()
	return cp
}

// PerfStat is an exponential-moving-average performance record for one
// job kind on one node, maintained by the specialization matcher's
// UpdatePerformanceHistory.
type PerfStat struct {
	JobKind      string
	EMASuccess   float64 // [0,1]
	EMADuration  float64 // seconds
	SampleCount  int
}

// Node is a worker machine in the fleet. CurrentJobID is set iff that
// job's AssignedNodeID equals this node's ID and the job is running —
// the registry enforces this invariant transactionally.
type Node struct {
	ID              string
	Status          NodeStatus
	Capabilities    Capabilities
	CurrentJobID    string // empty if idle
	LastError       string
	PerfHistory     map[string]*PerfStat // keyed by job kind

	Version uint64
}

func (n *Node) Validate() error {
	if n.ID == "" {
		return NewValidationError("node id is required")
	}
	switch n.Status {
	case NodeOnline, NodeOffline, NodeMaintenance, NodeError:
	default:
		return NewValidationError("node %s: invalid status %q", n.ID, n.Status)
	}
	if n.Capabilities.CPUCores < 0 || n.Capabilities.MemoryGB < 0 || n.Capabilities.GPUCount < 0 || n.Capabilities.StorageGB < 0 {
		return NewValidationError("node %s: negative capability value", n.ID)
	}
	return nil
}

// Idle reports whether the node is online and free to accept a job.
func (n *Node) Idle() bool {
	return n.Status == NodeOnline && n.CurrentJobID == ""
}

func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Capabilities = n.Capabilities.Copy()
	if n.PerfHistory != nil {
		cp.PerfHistory = make(map[string]*PerfStat, len(n.PerfHistory))
		for k, v := range n.PerfHistory {
			s := *v
			cp.PerfHistory[k] = &s
		}
	}
	return &cp
}
