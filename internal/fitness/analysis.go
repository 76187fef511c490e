package fitness

import (
	"context"
	"fmt"

	"opticbrake/internal/scape"
)

// Analysis compares a genotype's fitness with and without a perturbation and
// keeps both trajectories for one focus condition.
type Analysis struct {
	Kind              Kind
	Perturbation      string
	OriginalFitness   float64
	PerturbedFitness  float64
	Focus             scape.Condition
	OriginalTrial     scape.TrialResult
	PerturbedTrial    scape.TrialResult
	OriginalOutcomes  map[scape.Outcome]int
	PerturbedOutcomes map[scape.Outcome]int
}

// Delta is the fitness lost to the perturbation.
func (a Analysis) Delta() float64 {
	return a.OriginalFitness - a.PerturbedFitness
}

// Analyze evaluates genotype twice over the grid, once unperturbed and once
// with p applied to every trial. focus must be one of the grid's conditions.
func Analyze(ctx context.Context, kind Kind, cfg Config, genotype []float64, p scape.Perturbation, focus scape.Condition) (Analysis, error) {
	if p == nil {
		return Analysis{}, fmt.Errorf("perturbation is required")
	}
	kind, err := ParseKind(string(kind))
	if err != nil {
		return Analysis{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Analysis{}, err
	}
	if !containsCondition(cfg.Grid, focus) {
		return Analysis{}, fmt.Errorf("focus condition %s is not part of the grid", focus)
	}

	cfg.Perturbation = nil
	original, err := evaluate(ctx, kind, cfg, genotype, &focus)
	if err != nil {
		return Analysis{}, err
	}
	cfg.Perturbation = func() scape.Perturbation { return p }
	perturbed, err := evaluate(ctx, kind, cfg, genotype, &focus)
	if err != nil {
		return Analysis{}, err
	}

	return Analysis{
		Kind:              kind,
		Perturbation:      p.Name(),
		OriginalFitness:   original.Fitness,
		PerturbedFitness:  perturbed.Fitness,
		Focus:             focus,
		OriginalTrial:     findTrial(original.Trials, focus),
		PerturbedTrial:    findTrial(perturbed.Trials, focus),
		OriginalOutcomes:  original.Outcomes,
		PerturbedOutcomes: perturbed.Outcomes,
	}, nil
}

// Trajectory runs a single recorded trial for genotype at condition c.
func Trajectory(ctx context.Context, cfg Config, genotype []float64, c scape.Condition, p scape.Perturbation) (scape.TrialResult, error) {
	if err := cfg.Validate(); err != nil {
		return scape.TrialResult{}, err
	}
	sim, err := newSimulator(cfg, genotype)
	if err != nil {
		return scape.TrialResult{}, err
	}
	if p != nil {
		sim.SetPerturbation(p)
	}
	return scape.RunTrial(ctx, sim, scape.Trial{Condition: c, Length: cfg.TrialLength, Record: true})
}

func containsCondition(g Grid, c scape.Condition) bool {
	for _, candidate := range g.Conditions() {
		if candidate == c {
			return true
		}
	}
	return false
}

func findTrial(trials []scape.TrialResult, c scape.Condition) scape.TrialResult {
	for _, t := range trials {
		if t.Condition == c {
			return t
		}
	}
	return scape.TrialResult{}
}
