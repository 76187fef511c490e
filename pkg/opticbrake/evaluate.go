package opticbrake

import (
	"context"
	"fmt"

	"opticbrake/internal/experiment"
	"opticbrake/internal/fitness"
	"opticbrake/internal/scape"
	"opticbrake/internal/stats"
)

// Individual selects the genotype to evaluate: an explicit Genotype, or an
// individual of a stored snapshot. A negative Index selects the snapshot's
// best individual.
type Individual struct {
	Genotype []float64
	Snapshot string
	Index    int
}

type EvaluateRequest struct {
	Config     experiment.Config
	Individual Individual
}

// Evaluate scores one genotype over the whole condition grid.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (fitness.Evaluation, error) {
	cfg, genotype, err := c.resolve(ctx, req.Config, req.Individual)
	if err != nil {
		return fitness.Evaluation{}, err
	}
	return fitness.Evaluate(ctx, cfg.Fitness, cfg.FitnessConfig(), genotype)
}

type TrajectoryRequest struct {
	Config     experiment.Config
	Individual Individual
	Condition  scape.Condition
	// Perturbation is optional.
	Perturbation scape.Perturbation
	// CSVPath, when set, receives the recorded steps.
	CSVPath string
}

// Trajectory records a single trial step by step.
func (c *Client) Trajectory(ctx context.Context, req TrajectoryRequest) (scape.TrialResult, error) {
	cfg, genotype, err := c.resolve(ctx, req.Config, req.Individual)
	if err != nil {
		return scape.TrialResult{}, err
	}
	result, err := fitness.Trajectory(ctx, cfg.FitnessConfig(), genotype, req.Condition, req.Perturbation)
	if err != nil {
		return scape.TrialResult{}, err
	}
	if req.CSVPath != "" {
		if err := stats.WriteTrajectoryFile(req.CSVPath, result.Recording); err != nil {
			return scape.TrialResult{}, fmt.Errorf("write trajectory: %w", err)
		}
	}
	return result, nil
}

type PerturbRequest struct {
	Config       experiment.Config
	Individual   Individual
	Perturbation scape.Perturbation
	// Focus is the grid condition whose trajectories are kept.
	Focus scape.Condition
}

// Perturb compares fitness with and without a perturbation.
func (c *Client) Perturb(ctx context.Context, req PerturbRequest) (fitness.Analysis, error) {
	cfg, genotype, err := c.resolve(ctx, req.Config, req.Individual)
	if err != nil {
		return fitness.Analysis{}, err
	}
	return fitness.Analyze(ctx, cfg.Fitness, cfg.FitnessConfig(), genotype, req.Perturbation, req.Focus)
}

func (c *Client) resolve(ctx context.Context, cfg experiment.Config, ind Individual) (experiment.Config, []float64, error) {
	if ind.Genotype != nil {
		if err := cfg.Validate(); err != nil {
			return cfg, nil, err
		}
		return cfg, ind.Genotype, nil
	}
	if ind.Snapshot == "" {
		return cfg, nil, fmt.Errorf("genotype or snapshot is required")
	}

	snapshot, err := c.snapshot(ctx, ind.Snapshot)
	if err != nil {
		return cfg, nil, err
	}
	cfg, err = applySnapshot(cfg, snapshot)
	if err != nil {
		return cfg, nil, err
	}
	if ind.Index < 0 {
		if len(snapshot.BestIndividual) == 0 {
			return cfg, nil, fmt.Errorf("snapshot %s has no best individual yet", ind.Snapshot)
		}
		return cfg, snapshot.BestIndividual, nil
	}
	if ind.Index >= len(snapshot.Population) {
		return cfg, nil, fmt.Errorf("snapshot %s has %d individuals, index %d out of range", ind.Snapshot, len(snapshot.Population), ind.Index)
	}
	return cfg, snapshot.Population[ind.Index], nil
}
