package scheduler

import (
	"math"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fleetsched/fleetsched/internal/structs"
)

// Weights are the scoring coefficients from spec §4.4. WHard is not a
// literal number — an unmet hard requirement excludes a node outright,
// modeling "w_hard=∞ (hard fail if unmet)".
type Weights struct {
	WCap  float64
	WSpec float64
	WHist float64
	WWear float64
	// WPower is not read by Score. Balanced mode's power penalty comes
	// from wPowerBalanced in energy.go and reaches Score as extraPenalty.
	WPower float64
}

func DefaultWeights() Weights {
	return Weights{WCap: 1, WSpec: 2, WHist: 1, WWear: 0.5}
}

// minAcceptanceScore is the threshold spec §4.4 names but leaves
// numeric: a node must clear hard requirements (handled separately)
// and have a non-negative weighted score to be matched. Recorded as an
// explicit decision in DESIGN.md.
const minAcceptanceScore = 0.0

// perfCacheSize bounds the specialization matcher's historical-fit
// cache at capacity entries, per SPEC_FULL.md's "bounded by capacity ×
// distinct job kinds seen" note.
const perfCacheSize = 4096

// emaAlpha is the smoothing factor for UpdatePerformanceHistory,
// grounded in the original source's PerformanceTracker.
const emaAlpha = 0.3

type perfKey struct {
	nodeID  string
	jobKind string
}

// Matcher implements the Specialization Matcher (C4): scoring
// (job, node) fit and picking the best available node for a job.
type Matcher struct {
	weights Weights
	cache   *lru.Cache[perfKey, *structs.PerfStat]
}

func NewMatcher(weights Weights) *Matcher {
	cache, _ := lru.New[perfKey, *structs.PerfStat](perfCacheSize)
	return &Matcher{weights: weights, cache: cache}
}

// HardRequirementsMet reports whether node satisfies every hard
// requirement a job declares (capacity minimums and required
// specializations).
func HardRequirementsMet(req structs.Requirements, cap structs.Capabilities) bool {
	if req.CPUCores > cap.CPUCores {
		return false
	}
	if req.MemoryGB > cap.MemoryGB {
		return false
	}
	if req.GPUCount > cap.GPUCount {
		return false
	}
	if req.GPUModel != "" && req.GPUModel != cap.GPUModel {
		return false
	}
	if req.StorageGB > cap.StorageGB {
		return false
	}
	for _, spec := range req.Specializations {
		if !cap.Specializations.Contains(spec) {
			return false
		}
	}
	return true
}

// capabilitySurplus normalizes how much headroom a node has beyond a
// job's requirements, averaged across dimensions with a non-zero
// requirement, in [0, 1] (clamped).
func capabilitySurplus(req structs.Requirements, cap structs.Capabilities) float64 {
	var total, n float64
	add := func(have, want float64) {
		if want <= 0 {
			return
		}
		n++
		surplus := (have - want) / want
		total += math.Min(math.Max(surplus, 0), 1)
	}
	add(float64(cap.CPUCores), float64(req.CPUCores))
	add(cap.MemoryGB, req.MemoryGB)
	add(float64(cap.GPUCount), float64(req.GPUCount))
	add(cap.StorageGB, req.StorageGB)
	if n == 0 {
		return 0
	}
	return total / n
}

// specializationMatch returns {0, 0.5, 1}: 1 if the node has every
// specialization the job requires, 0.5 if it has some but not all, 0
// if the job requires specializations the node has none of. A job with
// no specialization requirement scores 1 (trivially satisfied).
func specializationMatch(req structs.Requirements, cap structs.Capabilities) float64 {
	if len(req.Specializations) == 0 {
		return 1
	}
	have := 0
	for _, spec := range req.Specializations {
		if cap.Specializations.Contains(spec) {
			have++
		}
	}
	switch {
	case have == len(req.Specializations):
		return 1
	case have > 0:
		return 0.5
	default:
		return 0
	}
}

// historicalFit looks up the EMA success rate for (node, job kind),
// defaulting to a neutral 0.5 when there is no history yet.
func (m *Matcher) historicalFit(nodeID, jobKind string) float64 {
	if jobKind == "" {
		return 0.5
	}
	if stat, ok := m.cache.Get(perfKey{nodeID, jobKind}); ok {
		return stat.EMASuccess
	}
	return 0.5
}

// recentUsage is a load-balancing penalty based on how many samples a
// node has accumulated across all job kinds recently — nodes that have
// run more work recently are deprioritized relative to idle ones,
// normalized into [0,1] by a soft cap.
func recentUsage(node *structs.Node) float64 {
	var total int
	for _, stat := range node.PerfHistory {
		total += stat.SampleCount
	}
	const softCap = 50.0
	return math.Min(float64(total)/softCap, 1.0)
}

// Score computes score(job, node) per spec §4.4. extraPenalty lets the
// energy optimizer add w_power·power_draw without duplicating the rest
// of the formula.
func (m *Matcher) Score(job *structs.Job, node *structs.Node, extraPenalty float64) (float64, bool) {
	if !HardRequirementsMet(job.Requirements, node.Capabilities) {
		return 0, false
	}
	score := m.weights.WCap*capabilitySurplus(job.Requirements, node.Capabilities) +
		m.weights.WSpec*specializationMatch(job.Requirements, node.Capabilities) +
		m.weights.WHist*m.historicalFit(node.ID, job.EffectiveKind()) -
		m.weights.WWear*recentUsage(node) -
		extraPenalty
	return score, true
}

// MatchJobToNode returns the highest-scoring node in candidateNodes
// whose score clears the acceptance threshold, or "", false if none
// qualify. Ties broken by node id for determinism.
func (m *Matcher) MatchJobToNode(job *structs.Job, candidateNodes []*structs.Node) (string, bool) {
	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for _, n := range candidateNodes {
		score, ok := m.Score(job, n, 0)
		if !ok {
			continue
		}
		if score < minAcceptanceScore {
			continue
		}
		candidates = append(candidates, scored{n.ID, score})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	return candidates[0].id, true
}

// UpdatePerformanceHistory folds an observed outcome into the EMA for
// (node, job.kind), alpha = 0.3 per SPEC_FULL.md.
func (m *Matcher) UpdatePerformanceHistory(job *structs.Job, nodeID string, success bool, duration float64) {
	kind := job.EffectiveKind()
	if kind == "" {
		return
	}
	key := perfKey{nodeID, kind}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	stat, ok := m.cache.Get(key)
	if !ok {
		m.cache.Add(key, &structs.PerfStat{
			JobKind:     kind,
			EMASuccess:  outcome,
			EMADuration: duration,
			SampleCount: 1,
		})
		return
	}
	stat.EMASuccess = emaAlpha*outcome + (1-emaAlpha)*stat.EMASuccess
	stat.EMADuration = emaAlpha*duration + (1-emaAlpha)*stat.EMADuration
	stat.SampleCount++
	m.cache.Add(key, stat)
}

// Snapshot returns the current (node, kind) -> PerfStat entries held
// in the matcher's cache. Nothing in this module copies them onto
// Node.PerfHistory.
func (m *Matcher) Snapshot() map[perfKey]*structs.PerfStat {
	out := make(map[perfKey]*structs.PerfStat, m.cache.Len())
	for _, key := range m.cache.Keys() {
		if v, ok := m.cache.Peek(key); ok {
			out[key] = v
		}
	}
	return out
}
