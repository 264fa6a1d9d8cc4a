// Package evolution holds the pure functions of the evolutionary search:
// idea id layout, risk-adjusted scoring, preference filtering, ranking,
// top-performer selection and cross-generation composition. No I/O happens
// here; workers feed it state and persist what it returns.
package evolution

import (
	"fmt"
	"math"
	"sort"

	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

// DefaultDiversificationFloor is the reference capex C0 (millions USD).
const DefaultDiversificationFloor = 0.05

// CapexFloor is the minimum admissible capex_est (a $50K floor, millions USD).
const CapexFloor = 0.05

// IdeaID formats the canonical idea id for ordinal n of generation g.
func IdeaID(g, n int) string {
	return fmt.Sprintf("VAR_GEN%d_%03d", g, n)
}

// ExpectedValue is the risk-adjusted NPV: p*npv - (1-p)*capex.
func ExpectedValue(bc domain.BusinessCase) float64 {
	return bc.Likelihood*bc.NPVSuccess - (1-bc.Likelihood)*bc.CapexEst
}

// DiversificationPenalty is sqrt(capex / c0). The enricher guarantees
// capex >= CapexFloor, so with the default c0 the penalty is >= 1.
func DiversificationPenalty(bc domain.BusinessCase, c0 float64) float64 {
	if c0 <= 0 {
		c0 = DefaultDiversificationFloor
	}
	return math.Sqrt(bc.CapexEst / c0)
}

// ValidateBusinessCase checks the enricher output bounds. A nil case or any
// bound violation is an error; the caller decides whether it is fatal for the
// idea or for the whole phase.
func ValidateBusinessCase(bc *domain.BusinessCase) error {
	if bc == nil {
		return fmt.Errorf("business case missing: %w", domain.ErrSchemaInvalid)
	}
	if bc.CapexEst < CapexFloor {
		return fmt.Errorf("capex_est %.4f below %.2f floor: %w", bc.CapexEst, CapexFloor, domain.ErrSchemaInvalid)
	}
	if bc.Likelihood < 0 || bc.Likelihood > 1 {
		return fmt.Errorf("likelihood %.4f outside [0,1]: %w", bc.Likelihood, domain.ErrSchemaInvalid)
	}
	if len(bc.RiskFactors) < 1 {
		return fmt.Errorf("risk_factors empty: %w", domain.ErrSchemaInvalid)
	}
	if len(bc.YearlyCashflows) != 5 {
		return fmt.Errorf("yearly_cashflows length %d, want 5: %w", len(bc.YearlyCashflows), domain.ErrSchemaInvalid)
	}
	for _, v := range []float64{bc.NPVSuccess, bc.CapexEst, bc.Likelihood} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite business case value: %w", domain.ErrSchemaInvalid)
		}
	}
	return nil
}

// Rank scores every enriched idea, applies the preference filter and returns
// the ordered solutions plus the topScore/avgScore summary scalars.
//
// Ordering: non-violating ideas first by score descending, then violating
// ideas by score descending; ties break by ascending idea_id. Ranks are
// 1-based over the concatenation. The filter never drops an idea.
//
// Fatal conditions (the ranker task must fail): missing business case,
// zero or negative capex, non-finite score.
func Rank(ideas []domain.Idea, prefs domain.Preferences, c0 float64) ([]domain.Solution, float64, float64, error) {
	if c0 <= 0 {
		c0 = DefaultDiversificationFloor
	}
	solutions := make([]domain.Solution, 0, len(ideas))
	for _, idea := range ideas {
		bc := idea.BusinessCase
		if bc == nil {
			return nil, 0, 0, fmt.Errorf("idea %s has no business case: %w", idea.IdeaID, domain.ErrSchemaInvalid)
		}
		if bc.CapexEst <= 0 {
			return nil, 0, 0, fmt.Errorf("idea %s capex_est %.4f must be positive: %w", idea.IdeaID, bc.CapexEst, domain.ErrSchemaInvalid)
		}
		ev := ExpectedValue(*bc)
		pen := DiversificationPenalty(*bc, c0)
		score := ev / pen
		if math.IsNaN(score) || math.IsInf(score, 0) {
			return nil, 0, 0, fmt.Errorf("idea %s score is not finite: %w", idea.IdeaID, domain.ErrSchemaInvalid)
		}
		s := domain.Solution{
			Idea:                   idea,
			ExpectedValue:          ev,
			DiversificationPenalty: pen,
			Score:                  score,
		}
		if bc.CapexEst > prefs.MaxCapex {
			s.ViolatesPreferences = true
			s.PreferenceNote = fmt.Sprintf("capex_est %.2fM exceeds maxCapex %.2fM", bc.CapexEst, prefs.MaxCapex)
		}
		solutions = append(solutions, s)
	}

	sort.SliceStable(solutions, func(i, j int) bool {
		a, b := solutions[i], solutions[j]
		if a.ViolatesPreferences != b.ViolatesPreferences {
			return !a.ViolatesPreferences
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.IdeaID < b.IdeaID
	})

	var top, sum float64
	for i := range solutions {
		solutions[i].Rank = i + 1
		if i == 0 || solutions[i].Score > top {
			top = solutions[i].Score
		}
		sum += solutions[i].Score
	}
	var avg float64
	if len(solutions) > 0 {
		avg = sum / float64(len(solutions))
	}
	return solutions, top, avg, nil
}

// SelectTopPerformers takes up to k solutions from an already-ordered list:
// the non-violating head first, backfilled from the violating head when the
// non-violating block is short. This keeps the evolutionary signal alive even
// when every idea violates preferences.
func SelectTopPerformers(ordered []domain.Solution, k int) []domain.Solution {
	if k <= 0 {
		return nil
	}
	if k > len(ordered) {
		k = len(ordered)
	}
	top := make([]domain.Solution, k)
	copy(top, ordered[:k])
	return top
}

// OffspringCounts splits the requested fresh-idea count into offspring and
// wildcards. Offspring = floor(populationSize * offspringRatio) when prior top
// performers exist, clamped to the requested count; generation 1 (or an empty
// top-performer set) is all wildcards.
func OffspringCounts(populationSize int, offspringRatio float64, topCount, requested int) (offspring, wildcards int) {
	if requested <= 0 {
		return 0, 0
	}
	if topCount > 0 {
		offspring = int(math.Floor(float64(populationSize) * offspringRatio))
		if offspring > requested {
			offspring = requested
		}
		if offspring < 0 {
			offspring = 0
		}
	}
	return offspring, requested - offspring
}

// ComposePopulation builds generation g's persisted ideas[]: carried top
// performers by reference (keeping their birth idea_id and, per policy, their
// business case), followed by the fresh ideas renumbered VAR_GEN{g}_{nnn}
// from 001. Fresh ideas collapse onto carried ones by idea_id.
func ComposePopulation(carried []domain.Solution, fresh []domain.Idea, g int, reenrichCarried bool) []domain.Idea {
	seen := make(map[string]bool, len(carried)+len(fresh))
	population := make([]domain.Idea, 0, len(carried)+len(fresh))
	for _, s := range carried {
		idea := s.Idea
		if reenrichCarried {
			idea.BusinessCase = nil
		}
		if seen[idea.IdeaID] {
			continue
		}
		seen[idea.IdeaID] = true
		population = append(population, idea)
	}
	n := 0
	for _, idea := range fresh {
		n++
		idea.IdeaID = IdeaID(g, n)
		idea.BusinessCase = nil
		if seen[idea.IdeaID] {
			continue
		}
		seen[idea.IdeaID] = true
		population = append(population, idea)
	}
	return population
}

// GatherSolutions flattens every generation's solutions and orders them by
// score descending (ties by ascending idea_id) for finalization.
func GatherSolutions(gens []domain.GenerationState) []domain.Solution {
	var all []domain.Solution
	for i := range gens {
		all = append(all, gens[i].Solutions...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].IdeaID < all[j].IdeaID
	})
	return all
}

// TopN copies the first n of an ordered solution list.
func TopN(ordered []domain.Solution, n int) []domain.Solution {
	if n > len(ordered) {
		n = len(ordered)
	}
	if n <= 0 {
		return nil
	}
	top := make([]domain.Solution, n)
	copy(top, ordered[:n])
	return top
}

// Summaries derives the generationHistory entries from completed generations.
func Summaries(gens []domain.GenerationState) []domain.GenerationSummary {
	out := make([]domain.GenerationSummary, 0, len(gens))
	for i := range gens {
		g := &gens[i]
		ids := make([]string, 0, len(g.TopPerformers))
		for _, tp := range g.TopPerformers {
			ids = append(ids, tp.IdeaID)
		}
		out = append(out, domain.GenerationSummary{
			Generation:      g.Generation,
			TopScore:        g.TopScore,
			AvgScore:        g.AvgScore,
			IdeaCount:       len(g.Ideas),
			SolutionCount:   len(g.Solutions),
			TopPerformerIDs: ids,
		})
	}
	return out
}
