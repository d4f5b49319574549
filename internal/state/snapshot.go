package state

import "github.com/fleetsched/fleetsched/internal/structs"

// Snapshot is a consistent, read-only point-in-time view of the
// registry handed to the scheduler loop (C6) at the start of a cycle.
// Every field is a deep copy; mutating it has no effect on the
// registry, and the registry continuing to mutate afterwards has no
// effect on an already-taken Snapshot — this is what gives spec §5's
// "state observable outside is either entirely pre-cycle or entirely
// post-cycle" guarantee its teeth.
type Snapshot struct {
	Tenants []*structs.Tenant
	Nodes   []*structs.Node
	Jobs    []*structs.Job
}

// GetSnapshot materializes a Snapshot by copying every record out of
// one point-in-time go-memdb snapshot of the registry, so a write that
// lands while the copy is in progress is not seen.
func (r *Registry) GetSnapshot() (*Snapshot, error) {
	view := &Registry{db: r.db.Snapshot(), log: r.log}
	tenants, err := view.ListTenants()
	if err != nil {
		return nil, err
	}
	nodes, err := view.ListNodes()
	if err != nil {
		return nil, err
	}
	jobs, err := view.ListJobs()
	if err != nil {
		return nil, err
	}
	return &Snapshot{Tenants: tenants, Nodes: nodes, Jobs: jobs}, nil
}

// JobsByTenant groups the snapshot's jobs by tenant id for the
// partitioner and scheduler loop.
func (s *Snapshot) JobsByTenant() map[string][]*structs.Job {
	out := map[string][]*structs.Job{}
	for _, j := range s.Jobs {
		out[j.TenantID] = append(out[j.TenantID], j)
	}
	return out
}

// OnlineNodes returns the subset of nodes with Status == online.
func (s *Snapshot) OnlineNodes() []*structs.Node {
	var out []*structs.Node
	for _, n := range s.Nodes {
		if n.Status == structs.NodeOnline {
			out = append(out, n)
		}
	}
	return out
}
