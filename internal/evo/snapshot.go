package evo

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"opticbrake/internal/fitness"
	"opticbrake/internal/model"
)

// Snapshot captures the complete run state, including the random source, so
// a restored run continues exactly where this one stands.
func (m *Microbial) Snapshot() (model.PopulationSnapshot, error) {
	state, err := m.src.MarshalBinary()
	if err != nil {
		return model.PopulationSnapshot{}, fmt.Errorf("marshal random state: %w", err)
	}
	popHistory := make([][]model.Score, len(m.popHistory))
	for i, row := range m.popHistory {
		popHistory[i] = model.Scores(row)
	}
	return model.PopulationSnapshot{
		FitnessName:       m.cfg.FitnessName,
		OpticalVariable:   m.cfg.OpticalVariable,
		PopulationSize:    len(m.population),
		GeneSize:          m.cfg.GeneSize,
		RecombProb:        m.cfg.RecombProb,
		MutatProb:         m.cfg.MutatProb,
		Seed:              m.cfg.Seed,
		RNGState:          state,
		Tournaments:       m.tournaments,
		Population:        copyMatrix(m.population),
		History:           m.History(),
		PopulationHistory: popHistory,
		BestIndividual:    append([]float64(nil), m.best...),
		BestFitness:       model.Score(m.bestFit),
		CreatedAt:         m.createdAt,
		UpdatedAt:         m.updatedAt,
	}, nil
}

// RestoreMicrobial rebuilds a run from a snapshot. Snapshots without a saved
// random state are reseeded from their seed and tournament count; such runs
// continue but do not replay the original sequence.
func RestoreMicrobial(s model.PopulationSnapshot, f fitness.Func, workers int) (*Microbial, error) {
	cfg := MicrobialConfig{
		Fitness:         f,
		FitnessName:     s.FitnessName,
		OpticalVariable: s.OpticalVariable,
		PopulationSize:  s.PopulationSize,
		GeneSize:        s.GeneSize,
		RecombProb:      s.RecombProb,
		MutatProb:       s.MutatProb,
		Seed:            s.Seed,
		Workers:         workers,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if len(s.Population) != s.PopulationSize {
		return nil, fmt.Errorf("%w: snapshot population has %d rows, want %d", ErrInvalidConfig, len(s.Population), s.PopulationSize)
	}
	for i, genes := range s.Population {
		if len(genes) != s.GeneSize {
			return nil, fmt.Errorf("%w: individual %d has %d genes, want %d", ErrInvalidConfig, i, len(genes), s.GeneSize)
		}
		for g, v := range genes {
			if !(v >= -1 && v <= 1) {
				return nil, fmt.Errorf("%w: individual %d gene %d is %v, outside [-1,1]", ErrInvalidConfig, i, g, v)
			}
		}
	}
	if s.Tournaments < 0 {
		return nil, fmt.Errorf("%w: negative tournament count %d", ErrInvalidConfig, s.Tournaments)
	}

	src := &rand.PCG{}
	if len(s.RNGState) > 0 {
		if err := src.UnmarshalBinary(s.RNGState); err != nil {
			return nil, fmt.Errorf("restore random state: %w", err)
		}
	} else {
		src = rand.NewPCG(s.Seed, uint64(s.Tournaments)^seedStream)
	}

	m := newMicrobial(cfg, src)
	m.population = copyMatrix(s.Population)
	m.tournaments = s.Tournaments
	m.history = append([]model.GenerationStats(nil), s.History...)
	m.popHistory = make([][]float64, len(s.PopulationHistory))
	for i, row := range s.PopulationHistory {
		m.popHistory[i] = model.Floats(row)
	}
	if len(s.BestIndividual) > 0 {
		m.best = append([]float64(nil), s.BestIndividual...)
		m.bestFit = float64(s.BestFitness)
	} else {
		m.bestFit = math.Inf(-1)
	}
	m.createdAt = s.CreatedAt
	m.updatedAt = s.UpdatedAt
	return m, nil
}

// SnapshotName builds the conventional snapshot name
// <fitness>_V<variable>_P<population>_T<trials>_G<generation>_<date>.
func SnapshotName(fitnessName string, variable, populationSize, trials, generation int, created time.Time) string {
	return fmt.Sprintf("%s_V%d_P%d_T%d_G%d_%s", fitnessName, variable, populationSize, trials, generation, created.Format(time.DateOnly))
}
