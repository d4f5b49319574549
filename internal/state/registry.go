// Package state implements the Job/Node/Tenant Registry (C1): the
// single authoritative, transactionally-mutated store every other
// component reads through snapshots and writes through only.
package state

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/fleetsched/fleetsched/internal/structs"
)

// Registry owns every mutable Tenant/Node/Job/Checkpoint/FailureEvent/
// RecoveryPlan. All mutations are serialized through go-memdb's single
// writer lock, matching the "single writer, many readers via immutable
// snapshots" concurrency model in spec §5.
type Registry struct {
	db  *memdb.MemDB
	log hclog.Logger
}

func New(log hclog.Logger) (*Registry, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("state: build schema: %w", err)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Registry{db: db, log: log.Named("registry")}, nil
}

// --- Tenants ---

func (r *Registry) AddTenant(t *structs.Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	txn := r.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableTenant, "id", t.ID); err != nil {
		return fmt.Errorf("state: lookup tenant: %w", err)
	} else if existing != nil {
		return structs.NewDuplicateIDError("tenant", t.ID)
	}

	if err := r.checkGuaranteedShareInvariant(txn, t); err != nil {
		return err
	}

	cp := t.Copy()
	cp.Version = 1
	if err := txn.Insert(tableTenant, cp); err != nil {
		return fmt.Errorf("state: insert tenant: %w", err)
	}
	txn.Commit()
	return nil
}

// checkGuaranteedShareInvariant enforces that Σ guaranteed_share over
// all tenants (including the candidate) never exceeds 100 — spec §3's
// strictly-≤100 resolution of the open question.
func (r *Registry) checkGuaranteedShareInvariant(txn *memdb.Txn, candidate *structs.Tenant) error {
	total := candidate.GuaranteedShare
	it, err := txn.Get(tableTenant, "id")
	if err != nil {
		return fmt.Errorf("state: scan tenants: %w", err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		t := obj.(*structs.Tenant)
		if t.ID == candidate.ID {
			continue
		}
		total += t.GuaranteedShare
	}
	if total > 100 {
		return structs.NewInvariantViolation("sum of guaranteed_share would be %.2f > 100", total)
	}
	return nil
}

func (r *Registry) GetTenant(id string) (*structs.Tenant, error) {
	txn := r.db.Txn(false)
	obj, err := txn.First(tableTenant, "id", id)
	if err != nil {
		return nil, fmt.Errorf("state: lookup tenant: %w", err)
	}
	if obj == nil {
		return nil, structs.NewNotFoundError("tenant", id)
	}
	return obj.(*structs.Tenant).Copy(), nil
}

func (r *Registry) ListTenants() ([]*structs.Tenant, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableTenant, "id")
	if err != nil {
		return nil, fmt.Errorf("state: scan tenants: %w", err)
	}
	var out []*structs.Tenant
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*structs.Tenant).Copy())
	}
	return out, nil
}

// --- Nodes ---

func (r *Registry) AddNode(n *structs.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	txn := r.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableNode, "id", n.ID); err != nil {
		return fmt.Errorf("state: lookup node: %w", err)
	} else if existing != nil {
		return structs.NewDuplicateIDError("node", n.ID)
	}
	cp := n.Copy()
	cp.Version = 1
	if err := txn.Insert(tableNode, cp); err != nil {
		return fmt.Errorf("state: insert node: %w", err)
	}
	txn.Commit()
	return nil
}

func (r *Registry) GetNode(id string) (*structs.Node, error) {
	txn := r.db.Txn(false)
	obj, err := txn.First(tableNode, "id", id)
	if err != nil {
		return nil, fmt.Errorf("state: lookup node: %w", err)
	}
	if obj == nil {
		return nil, structs.NewNotFoundError("node", id)
	}
	return obj.(*structs.Node).Copy(), nil
}

func (r *Registry) ListNodes() ([]*structs.Node, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableNode, "id")
	if err != nil {
		return nil, fmt.Errorf("state: scan nodes: %w", err)
	}
	var out []*structs.Node
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*structs.Node).Copy())
	}
	return out, nil
}

func (r *Registry) ListNodesByStatus(status structs.NodeStatus) ([]*structs.Node, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableNode, "status", string(status))
	if err != nil {
		return nil, fmt.Errorf("state: scan nodes by status: %w", err)
	}
	var out []*structs.Node
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*structs.Node).Copy())
	}
	return out, nil
}

// UpdateNode replaces a node's mutable fields (status, capabilities,
// last error, perf history). CurrentJobID is set and cleared by
// ApplyTransition, which checks the node<->job invariant; UpdateNode
// does not check that invariant.
func (r *Registry) UpdateNode(id string, mutate func(n *structs.Node) error) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableNode, "id", id)
	if err != nil {
		return fmt.Errorf("state: lookup node: %w", err)
	}
	if obj == nil {
		return structs.NewNotFoundError("node", id)
	}
	n := obj.(*structs.Node).Copy()
	if err := mutate(n); err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	n.Version++
	if err := txn.Insert(tableNode, n); err != nil {
		return fmt.Errorf("state: update node: %w", err)
	}
	txn.Commit()
	return nil
}

// --- Jobs ---

func (r *Registry) AddJob(j *structs.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	txn := r.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableJob, "id", j.ID); err != nil {
		return fmt.Errorf("state: lookup job: %w", err)
	} else if existing != nil {
		return structs.NewDuplicateIDError("job", j.ID)
	}
	if tenantObj, err := txn.First(tableTenant, "id", j.TenantID); err != nil {
		return fmt.Errorf("state: lookup tenant: %w", err)
	} else if tenantObj == nil {
		return structs.NewNotFoundError("tenant", j.TenantID)
	}
	if cycle, found := r.findDependencyCycle(txn, j.ID, j.Dependencies); found {
		return structs.NewValidationError("job %s: dependency cycle detected: %s", j.ID, strings.Join(cycle, " -> "))
	}
	cp := j.Copy()
	cp.Version = 1
	if err := txn.Insert(tableJob, cp); err != nil {
		return fmt.Errorf("state: insert job: %w", err)
	}
	txn.Commit()
	return nil
}

// findDependencyCycle walks the transitive dependency graph reachable
// from newID's proposed dependencies, looking for a path back to
// newID. The original manager treats an undetected A->B->A cycle as
// fatal (both jobs would wait on each other forever), so AddJob must
// reject it rather than leave it to deadlock at schedule time.
func (r *Registry) findDependencyCycle(txn *memdb.Txn, newID string, deps []string) ([]string, bool) {
	visited := map[string]bool{}
	var path []string

	var walk func(id string) bool
	walk = func(id string) bool {
		path = append(path, id)
		if id == newID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		obj, err := txn.First(tableJob, "id", id)
		if err != nil || obj == nil {
			return false
		}
		for _, d := range obj.(*structs.Job).Dependencies {
			if walk(d) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	for _, d := range deps {
		path = []string{newID}
		if walk(d) {
			return path, true
		}
	}
	return nil, false
}

func (r *Registry) GetJob(id string) (*structs.Job, error) {
	txn := r.db.Txn(false)
	obj, err := txn.First(tableJob, "id", id)
	if err != nil {
		return nil, fmt.Errorf("state: lookup job: %w", err)
	}
	if obj == nil {
		return nil, structs.NewNotFoundError("job", id)
	}
	return obj.(*structs.Job).Copy(), nil
}

func (r *Registry) ListJobs() ([]*structs.Job, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableJob, "id")
	if err != nil {
		return nil, fmt.Errorf("state: scan jobs: %w", err)
	}
	var out []*structs.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*structs.Job).Copy())
	}
	return out, nil
}

func (r *Registry) ListJobsByTenant(tenantID string) ([]*structs.Job, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableJob, "tenant_id", tenantID)
	if err != nil {
		return nil, fmt.Errorf("state: scan jobs by tenant: %w", err)
	}
	var out []*structs.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*structs.Job).Copy())
	}
	return out, nil
}

func (r *Registry) ListJobsByStatus(status structs.JobStatus) ([]*structs.Job, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableJob, "status", string(status))
	if err != nil {
		return nil, fmt.Errorf("state: scan jobs by status: %w", err)
	}
	var out []*structs.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*structs.Job).Copy())
	}
	return out, nil
}

// Dependents returns the jobs that directly list jobID as a dependency,
// resolving the job→dependents[] reverse index from spec §4.1 via the
// job table's "dependency" StringSliceFieldIndex.
func (r *Registry) Dependents(jobID string) ([]*structs.Job, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableJob, "dependency", jobID)
	if err != nil {
		return nil, fmt.Errorf("state: scan dependents: %w", err)
	}
	var out []*structs.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*structs.Job).Copy())
	}
	return out, nil
}

// DependenciesSatisfied reports whether every dependency of job is
// Completed.
func (r *Registry) DependenciesSatisfied(txn *memdb.Txn, job *structs.Job) (bool, error) {
	for _, depID := range job.Dependencies {
		obj, err := txn.First(tableJob, "id", depID)
		if err != nil {
			return false, fmt.Errorf("state: lookup dependency %s: %w", depID, err)
		}
		if obj == nil {
			return false, structs.NewNotFoundError("job", depID)
		}
		if obj.(*structs.Job).Status != structs.JobCompleted {
			return false, nil
		}
	}
	return true, nil
}

// UpdateJobFields applies a bounded mutation (progress, error count,
// checkpoint time, etc) to a job without going through
// ApplyTransition — used for updates that do not change Status.
func (r *Registry) UpdateJobFields(id string, mutate func(j *structs.Job) error) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableJob, "id", id)
	if err != nil {
		return fmt.Errorf("state: lookup job: %w", err)
	}
	if obj == nil {
		return structs.NewNotFoundError("job", id)
	}
	j := obj.(*structs.Job).Copy()
	prevStatus := j.Status
	if err := mutate(j); err != nil {
		return err
	}
	if j.Status != prevStatus {
		return structs.NewInvariantViolation("UpdateJobFields must not change status (use ApplyTransition): job %s", id)
	}
	if err := j.Validate(); err != nil {
		return err
	}
	j.Version++
	if err := txn.Insert(tableJob, j); err != nil {
		return fmt.Errorf("state: update job: %w", err)
	}
	txn.Commit()
	return nil
}

// ApplyTransition moves a job from `from` to `to`, enforcing the
// transition table and the node<->job running invariant atomically.
// extra lets the caller set fields that only make sense alongside a
// particular transition (AssignedNodeID on ->running, etc).
func (r *Registry) ApplyTransition(jobID string, from, to structs.JobStatus, extra func(j *structs.Job) error) error {
	if !structs.LegalJobTransition(from, to) {
		return structs.NewIllegalTransitionError("job", string(from), string(to))
	}

	txn := r.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableJob, "id", jobID)
	if err != nil {
		return fmt.Errorf("state: lookup job: %w", err)
	}
	if obj == nil {
		return structs.NewNotFoundError("job", jobID)
	}
	j := obj.(*structs.Job).Copy()
	if j.Status != from {
		return structs.NewInvariantViolation("job %s: expected status %s, found %s", jobID, from, j.Status)
	}

	if to == structs.JobRunning {
		ok, err := r.DependenciesSatisfied(txn, j)
		if err != nil {
			return err
		}
		if !ok {
			return structs.NewInvariantViolation("job %s: dependencies not satisfied", jobID)
		}
	}

	j.Status = to
	if extra != nil {
		if err := extra(j); err != nil {
			return err
		}
	}
	if err := j.Validate(); err != nil {
		return err
	}

	// Maintain the node<->job invariant transactionally: a job entering
	// running claims its node; a job leaving running releases it.
	if to == structs.JobRunning {
		if j.AssignedNodeID == "" {
			return structs.NewInvariantViolation("job %s: entering running without assigned_node_id", jobID)
		}
		nodeObj, err := txn.First(tableNode, "id", j.AssignedNodeID)
		if err != nil {
			return fmt.Errorf("state: lookup node: %w", err)
		}
		if nodeObj == nil {
			return structs.NewNotFoundError("node", j.AssignedNodeID)
		}
		node := nodeObj.(*structs.Node).Copy()
		if node.CurrentJobID != "" && node.CurrentJobID != jobID {
			return structs.NewInvariantViolation("node %s: already running job %s", node.ID, node.CurrentJobID)
		}
		node.CurrentJobID = jobID
		node.Version++
		if err := txn.Insert(tableNode, node); err != nil {
			return fmt.Errorf("state: update node: %w", err)
		}
	} else if from == structs.JobRunning {
		if j.AssignedNodeID != "" {
			nodeObj, err := txn.First(tableNode, "id", j.AssignedNodeID)
			if err != nil {
				return fmt.Errorf("state: lookup node: %w", err)
			}
			if nodeObj != nil {
				node := nodeObj.(*structs.Node).Copy()
				if node.CurrentJobID == jobID {
					node.CurrentJobID = ""
					node.Version++
					if err := txn.Insert(tableNode, node); err != nil {
						return fmt.Errorf("state: update node: %w", err)
					}
				}
			}
		}
	}

	j.Version++
	if err := txn.Insert(tableJob, j); err != nil {
		return fmt.Errorf("state: update job: %w", err)
	}
	txn.Commit()
	return nil
}

// --- Checkpoints ---

func (r *Registry) PutCheckpoint(c *structs.Checkpoint) error {
	if err := c.Validate(); err != nil {
		return err
	}
	txn := r.db.Txn(true)
	defer txn.Abort()
	cp := c.Copy()
	cp.Version++
	if err := txn.Insert(tableCheckpoint, cp); err != nil {
		return fmt.Errorf("state: insert checkpoint: %w", err)
	}
	txn.Commit()
	return nil
}

func (r *Registry) GetCheckpoint(id string) (*structs.Checkpoint, error) {
	txn := r.db.Txn(false)
	obj, err := txn.First(tableCheckpoint, "id", id)
	if err != nil {
		return nil, fmt.Errorf("state: lookup checkpoint: %w", err)
	}
	if obj == nil {
		return nil, structs.NewNotFoundError("checkpoint", id)
	}
	return obj.(*structs.Checkpoint).Copy(), nil
}

func (r *Registry) ListCheckpointsByJob(jobID string) ([]*structs.Checkpoint, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableCheckpoint, "job_id", jobID)
	if err != nil {
		return nil, fmt.Errorf("state: scan checkpoints: %w", err)
	}
	var out []*structs.Checkpoint
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*structs.Checkpoint).Copy())
	}
	return out, nil
}

func (r *Registry) DeleteCheckpoint(id string) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(tableCheckpoint, "id", id)
	if err != nil {
		return fmt.Errorf("state: lookup checkpoint: %w", err)
	}
	if obj == nil {
		return structs.NewNotFoundError("checkpoint", id)
	}
	if err := txn.Delete(tableCheckpoint, obj); err != nil {
		return fmt.Errorf("state: delete checkpoint: %w", err)
	}
	txn.Commit()
	return nil
}

// --- Failures & recovery plans ---

func (r *Registry) PutFailure(f *structs.FailureEvent) error {
	if err := f.Validate(); err != nil {
		return err
	}
	txn := r.db.Txn(true)
	defer txn.Abort()
	cp := f.Copy()
	cp.Version++
	if err := txn.Insert(tableFailure, cp); err != nil {
		return fmt.Errorf("state: insert failure: %w", err)
	}
	txn.Commit()
	return nil
}

func (r *Registry) GetFailure(id string) (*structs.FailureEvent, error) {
	txn := r.db.Txn(false)
	obj, err := txn.First(tableFailure, "id", id)
	if err != nil {
		return nil, fmt.Errorf("state: lookup failure: %w", err)
	}
	if obj == nil {
		return nil, structs.NewNotFoundError("failure", id)
	}
	return obj.(*structs.FailureEvent).Copy(), nil
}

func (r *Registry) ListUnresolvedFailures() ([]*structs.FailureEvent, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableFailure, "id")
	if err != nil {
		return nil, fmt.Errorf("state: scan failures: %w", err)
	}
	var out []*structs.FailureEvent
	for obj := it.Next(); obj != nil; obj = it.Next() {
		f := obj.(*structs.FailureEvent)
		if !f.Resolved {
			out = append(out, f.Copy())
		}
	}
	return out, nil
}

func (r *Registry) PutRecoveryPlan(p *structs.RecoveryPlan) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	cp := p.Copy()
	cp.Version++
	if err := txn.Insert(tableRecoveryPlan, cp); err != nil {
		return fmt.Errorf("state: insert recovery plan: %w", err)
	}
	txn.Commit()
	return nil
}

func (r *Registry) GetRecoveryPlan(id string) (*structs.RecoveryPlan, error) {
	txn := r.db.Txn(false)
	obj, err := txn.First(tableRecoveryPlan, "id", id)
	if err != nil {
		return nil, fmt.Errorf("state: lookup recovery plan: %w", err)
	}
	if obj == nil {
		return nil, structs.NewNotFoundError("recovery_plan", id)
	}
	return obj.(*structs.RecoveryPlan).Copy(), nil
}

func (r *Registry) LatestRecoveryPlanForFailure(failureID string) (*structs.RecoveryPlan, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableRecoveryPlan, "failure_id", failureID)
	if err != nil {
		return nil, fmt.Errorf("state: scan recovery plans: %w", err)
	}
	var latest *structs.RecoveryPlan
	for obj := it.Next(); obj != nil; obj = it.Next() {
		p := obj.(*structs.RecoveryPlan)
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Copy(), nil
}
