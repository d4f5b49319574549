package scheduler

import (
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-hclog"

	"github.com/fleetsched/fleetsched/internal/config"
	"github.com/fleetsched/fleetsched/internal/structs"
)

// Assignment is a (job, node) pairing produced by the matcher during a
// cycle, before it is committed to the registry.
type Assignment struct {
	Job  *structs.Job
	Node *structs.Node
}

// deferralSlackThreshold is the deadline slack beyond which efficiency
// mode is willing to defer a non-critical job to an off-peak window.
const deferralSlackThreshold = 4 * time.Hour

// wPowerBalanced is the power-draw penalty coefficient balanced mode
// adds to the matcher's score, per spec §4.5.
const wPowerBalanced = 0.01

// EnergyOptimizer implements C5: re-routing or deferring jobs under an
// energy mode.
type EnergyOptimizer struct {
	log      hclog.Logger
	matcher  *Matcher
	offPeak  *cronexpr.Expression
}

func NewEnergyOptimizer(log hclog.Logger, matcher *Matcher, cfg *config.Config) (*EnergyOptimizer, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	expr, err := cronexpr.Parse(cfg.EnergyOffPeakCron)
	if err != nil {
		return nil, structs.NewValidationError("energy: invalid off-peak window: %v", err)
	}
	return &EnergyOptimizer{log: log.Named("energy"), matcher: matcher, offPeak: expr}, nil
}

// Deferral records a job dropped from this cycle and the time it
// becomes eligible again.
type Deferral struct {
	Job     *structs.Job
	DueAt   time.Time
	Reason  string
}

// OptimizeEnergy applies the configured energy mode to a cycle's
// candidate assignments (the matcher's picks, not yet committed),
// given the idle/alternative nodes still available this cycle for
// `balanced` re-scoring and `efficiency` rerouting.
//
// performance is a no-op. balanced re-ranks each assignment's node
// against the rest of the candidate pool with a power-draw penalty
// added to the matcher score, substituting a lower-power adequate node
// when one scores higher net of the penalty. efficiency defers
// non-critical jobs whose deadline slack clears the threshold to the
// next off-peak window, and otherwise reroutes to the lowest-power
// adequate node in the pool.
func (e *EnergyOptimizer) OptimizeEnergy(mode config.EnergyMode, assignments []Assignment, pool []*structs.Node, now time.Time) ([]Assignment, []Deferral) {
	switch mode {
	case config.EnergyPerformance, "":
		return assignments, nil
	case config.EnergyBalanced:
		return e.rebalance(assignments, pool), nil
	case config.EnergyEfficiency:
		return e.deferAndReroute(assignments, pool, now)
	default:
		return assignments, nil
	}
}

func (e *EnergyOptimizer) rebalance(assignments []Assignment, pool []*structs.Node) []Assignment {
	out := make([]Assignment, len(assignments))
	for i, a := range assignments {
		best := a.Node
		bestScore, _ := e.matcher.Score(a.Job, a.Node, wPowerBalanced*a.Node.Capabilities.PowerDrawWatts)
		for _, candidate := range pool {
			if candidate.ID == a.Node.ID {
				continue
			}
			score, ok := e.matcher.Score(a.Job, candidate, wPowerBalanced*candidate.Capabilities.PowerDrawWatts)
			if !ok {
				continue
			}
			if score > bestScore || (score == bestScore && candidate.ID < best.ID) {
				bestScore = score
				best = candidate
			}
		}
		out[i] = Assignment{Job: a.Job, Node: best}
	}
	return out
}

func (e *EnergyOptimizer) deferAndReroute(assignments []Assignment, pool []*structs.Node, now time.Time) ([]Assignment, []Deferral) {
	var kept []Assignment
	var deferred []Deferral
	for _, a := range assignments {
		slack := a.Job.Deadline.Sub(now)
		if a.Job.Priority != structs.PriorityCritical && (a.Job.Deadline.IsZero() || slack >= deferralSlackThreshold) {
			deferred = append(deferred, Deferral{
				Job:    a.Job,
				DueAt:  e.offPeak.Next(now),
				Reason: "deferred_energy",
			})
			continue
		}
		kept = append(kept, Assignment{Job: a.Job, Node: e.lowestPowerAdequate(a.Job, a.Node, pool)})
	}
	return kept, deferred
}

func (e *EnergyOptimizer) lowestPowerAdequate(job *structs.Job, current *structs.Node, pool []*structs.Node) *structs.Node {
	best := current
	for _, candidate := range pool {
		if candidate.ID == current.ID {
			continue
		}
		if _, ok := e.matcher.Score(job, candidate, 0); !ok {
			continue
		}
		if candidate.Capabilities.PowerDrawWatts < best.Capabilities.PowerDrawWatts ||
			(candidate.Capabilities.PowerDrawWatts == best.Capabilities.PowerDrawWatts && candidate.ID < best.ID) {
			best = candidate
		}
	}
	return best
}

// EstimateSavings returns the watt-hours saved for a set of jobs/nodes
// versus a performance-mode baseline, as a percentage of the baseline's
// watt-hours (0 when the baseline is zero), per SPEC_FULL.md's
// power-model supplement.
func EstimateSavings(jobs []*structs.Job, assignedNodes map[string]*structs.Node, baselineWatts float64) float64 {
	var savedWattHours, baselineWattHours float64
	for _, j := range jobs {
		node, ok := assignedNodes[j.ID]
		if !ok {
			continue
		}
		hours := j.EstimatedDuration.Hours()
		baselineWattHours += baselineWatts * hours
		savedWattHours += (baselineWatts - node.Capabilities.PowerDrawWatts) * hours
	}
	if baselineWattHours <= 0 {
		return 0
	}
	return savedWattHours / baselineWattHours * 100
}
