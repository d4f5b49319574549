package scheduler

import (
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/fleetsched/fleetsched/internal/structs"
)

// Partitioner computes per-tenant Allocations from guaranteed/max
// shares and outstanding demand (C3).
type Partitioner struct {
	log     hclog.Logger
	matcher *Matcher
}

func NewPartitioner(log hclog.Logger, matcher *Matcher) *Partitioner {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Partitioner{log: log.Named("partitioner"), matcher: matcher}
}

// PartitionResult is what Partition returns: the per-tenant
// allocations plus whether the fleet is under capacity relative to the
// sum of guarantees (spec §4.3's UnderCapacity edge case).
type PartitionResult struct {
	Allocations   map[string]*structs.Allocation
	UnderCapacity bool
}

// demandProfile aggregates a tenant's outstanding (pending/queued) jobs
// into a rough requirement vector used for best-fit node selection in
// phase 1/2, since spec §4.3 scores nodes against the "tenant's
// aggregate requirement profile" rather than any single job.
type demandProfile struct {
	req   structs.Requirements
	count int
}

func buildDemandProfile(jobs []*structs.Job) demandProfile {
	var p demandProfile
	specSeen := map[string]bool{}
	for _, j := range jobs {
		if j.Status != structs.JobPending && j.Status != structs.JobQueued {
			continue
		}
		p.count++
		if j.Requirements.CPUCores > p.req.CPUCores {
			p.req.CPUCores = j.Requirements.CPUCores
		}
		if j.Requirements.MemoryGB > p.req.MemoryGB {
			p.req.MemoryGB = j.Requirements.MemoryGB
		}
		if j.Requirements.GPUCount > p.req.GPUCount {
			p.req.GPUCount = j.Requirements.GPUCount
		}
		if j.Requirements.StorageGB > p.req.StorageGB {
			p.req.StorageGB = j.Requirements.StorageGB
		}
		for _, s := range j.Requirements.Specializations {
			if !specSeen[s] {
				specSeen[s] = true
				p.req.Specializations = append(p.req.Specializations, s)
			}
		}
	}
	return p
}

// profileScore ranks a node against an aggregate demand profile using
// the same capability-surplus/specialization-match components C4 uses
// for single jobs (hard requirements are not enforced here — a profile
// is an aggregate, not a single job's hard floor).
func profileScore(p demandProfile, n *structs.Node) float64 {
	return DefaultWeights().WCap*capabilitySurplus(p.req, n.Capabilities) +
		DefaultWeights().WSpec*specializationMatch(p.req, n.Capabilities)
}

// largestRemainder distributes `total` discrete units across keys
// proportionally to weights, summing to exactly total. Ties broken by
// the provided deterministic key order.
func largestRemainder(total int, weights map[string]float64, order []string) map[string]int {
	out := make(map[string]int, len(order))
	if total <= 0 {
		return out
	}
	var weightSum float64
	for _, w := range weights {
		weightSum += w
	}
	if weightSum <= 0 {
		return out
	}
	type rem struct {
		key   string
		frac  float64
	}
	var remainders []rem
	assigned := 0
	for _, k := range order {
		exact := weights[k] / weightSum * float64(total)
		floor := int(exact)
		out[k] = floor
		assigned += floor
		remainders = append(remainders, rem{k, exact - float64(floor)})
	}
	leftover := total - assigned
	sort.SliceStable(remainders, func(i, j int) bool {
		if remainders[i].frac != remainders[j].frac {
			return remainders[i].frac > remainders[j].frac
		}
		return remainders[i].key < remainders[j].key
	})
	for i := 0; i < leftover && i < len(remainders); i++ {
		out[remainders[i].key]++
	}
	return out
}

// Partition implements spec §4.3's three phases.
func (p *Partitioner) Partition(tenants []*structs.Tenant, onlineNodes []*structs.Node, jobsByTenant map[string][]*structs.Job) (*PartitionResult, error) {
	result := &PartitionResult{Allocations: map[string]*structs.Allocation{}}
	for _, t := range tenants {
		result.Allocations[t.ID] = structs.NewAllocation(t.ID)
	}

	onlineCapacity := len(onlineNodes)
	idle := make(map[string]*structs.Node, onlineCapacity)
	for _, n := range onlineNodes {
		if n.Idle() {
			idle[n.ID] = n
		}
	}

	tenantOrder := make([]string, 0, len(tenants))
	tenantByID := map[string]*structs.Tenant{}
	for _, t := range tenants {
		tenantOrder = append(tenantOrder, t.ID)
		tenantByID[t.ID] = t
	}
	sort.Strings(tenantOrder)

	var sumGuaranteed float64
	for _, t := range tenants {
		sumGuaranteed += t.GuaranteedShare
	}
	if sumGuaranteed/100*float64(onlineCapacity) > float64(onlineCapacity) {
		result.UnderCapacity = true
	}
	// entitlement total is rounded once so guaranteed counts sum exactly
	// to round(sumGuaranteed/100 * onlineCapacity) via largest-remainder,
	// per SPEC_FULL.md's rounding supplement.
	entitlementTotal := int(roundHalfUp(sumGuaranteed / 100 * float64(onlineCapacity)))
	if entitlementTotal > onlineCapacity {
		entitlementTotal = onlineCapacity
		result.UnderCapacity = true
	}
	shareWeights := map[string]float64{}
	for _, t := range tenants {
		shareWeights[t.ID] = t.GuaranteedShare
	}
	guaranteedNodeCount := largestRemainder(entitlementTotal, shareWeights, tenantOrder)

	demand := map[string]int{}
	profiles := map[string]demandProfile{}
	for _, t := range tenants {
		prof := buildDemandProfile(jobsByTenant[t.ID])
		profiles[t.ID] = prof
		demand[t.ID] = prof.count
	}

	allocatedCount := map[string]int{}

	// Phase 1: guarantee.
	for _, tid := range tenantOrder {
		want := minInt(demand[tid], guaranteedNodeCount[tid])
		granted := p.pickBestNodes(profiles[tid], idle, want)
		result.Allocations[tid].Nodes = append(result.Allocations[tid].Nodes, granted...)
		allocatedCount[tid] += len(granted)
		for _, id := range granted {
			delete(idle, id)
		}
	}

	// Phase 2: elastic, proportional to (max_share - guaranteed_share)
	// among tenants with unmet demand, capped by headroom and demand.
	for len(idle) > 0 {
		unmetWeights := map[string]float64{}
		var unmetOrder []string
		for _, tid := range tenantOrder {
			unmet := demand[tid] - allocatedCount[tid]
			if unmet <= 0 {
				continue
			}
			t := tenantByID[tid]
			headroom := t.MaxShare - t.GuaranteedShare
			if headroom <= 0 {
				continue
			}
			unmetWeights[tid] = headroom
			unmetOrder = append(unmetOrder, tid)
		}
		if len(unmetOrder) == 0 {
			break
		}
		sort.Strings(unmetOrder)
		grants := largestRemainder(len(idle), unmetWeights, unmetOrder)
		progressed := false
		for _, tid := range unmetOrder {
			want := grants[tid]
			unmet := demand[tid] - allocatedCount[tid]
			t := tenantByID[tid]
			maxNodes := int(roundHalfUp(t.MaxShare / 100 * float64(onlineCapacity)))
			headroomLeft := maxNodes - allocatedCount[tid]
			if want > unmet {
				want = unmet
			}
			if want > headroomLeft {
				want = headroomLeft
			}
			if want <= 0 {
				continue
			}
			granted := p.pickBestNodes(profiles[tid], idle, want)
			if len(granted) == 0 {
				continue
			}
			result.Allocations[tid].Nodes = append(result.Allocations[tid].Nodes, granted...)
			allocatedCount[tid] += len(granted)
			for _, id := range granted {
				delete(idle, id)
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	// Phase 3: bookkeeping — nodes held beyond a tenant's guarantee are
	// attributed to lenders whose guaranteed nodes went unused, split
	// proportionally when there are multiple lenders.
	lenderUnused := map[string]float64{}
	var lenderOrder []string
	for _, tid := range tenantOrder {
		unused := guaranteedNodeCount[tid] - minInt(allocatedCount[tid], guaranteedNodeCount[tid])
		if unused > 0 {
			lenderUnused[tid] = float64(unused)
			lenderOrder = append(lenderOrder, tid)
		}
	}
	for _, tid := range tenantOrder {
		borrowed := allocatedCount[tid] - guaranteedNodeCount[tid]
		if borrowed <= 0 {
			continue
		}
		split := largestRemainder(borrowed, lenderUnused, lenderOrder)
		alloc := result.Allocations[tid]
		for _, lender := range lenderOrder {
			amt := split[lender]
			if amt <= 0 {
				continue
			}
			alloc.BorrowedFrom[lender] += float64(amt)
			result.Allocations[lender].LentTo[tid] += float64(amt)
		}
	}

	for _, tid := range tenantOrder {
		alloc := result.Allocations[tid]
		if onlineCapacity > 0 {
			alloc.AllocatedShare = float64(len(alloc.Nodes)) / float64(onlineCapacity) * 100
		}
		sort.Strings(alloc.Nodes)
	}

	return result, nil
}

// pickBestNodes greedily takes up to n nodes from idle, best-fit first
// against profile, removing none from the caller's idle map (the
// caller deletes selected ids after the call). Ties broken by node id.
func (p *Partitioner) pickBestNodes(profile demandProfile, idle map[string]*structs.Node, n int) []string {
	if n <= 0 || len(idle) == 0 {
		return nil
	}
	type scored struct {
		id    string
		score float64
	}
	candidates := make([]scored, 0, len(idle))
	for id, node := range idle {
		candidates = append(candidates, scored{id, profileScore(profile, node)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, candidates[i].id)
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func roundHalfUp(f float64) float64 {
	return float64(int(f + 0.5))
}
