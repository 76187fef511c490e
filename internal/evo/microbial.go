package evo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"opticbrake/internal/fitness"
	"opticbrake/internal/model"
	"opticbrake/internal/nn"
)

var ErrInvalidConfig = errors.New("invalid microbial config")

// seedStream is mixed into the seed to derive the PCG stream selector.
const seedStream = 0x9e3779b97f4a7c15

type MicrobialConfig struct {
	Fitness fitness.Func
	// FitnessName and OpticalVariable are carried into snapshots.
	FitnessName     string
	OpticalVariable string
	PopulationSize  int
	GeneSize        int
	RecombProb      float64
	MutatProb       float64
	Seed            uint64
	Workers         int
}

func (c MicrobialConfig) validate() error {
	if c.Fitness == nil {
		return fmt.Errorf("%w: fitness function is required", ErrInvalidConfig)
	}
	if c.PopulationSize < 2 {
		return fmt.Errorf("%w: population size must be >= 2, got %d", ErrInvalidConfig, c.PopulationSize)
	}
	if c.GeneSize < 1 {
		return fmt.Errorf("%w: gene size must be >= 1, got %d", ErrInvalidConfig, c.GeneSize)
	}
	if !(c.RecombProb >= 0 && c.RecombProb <= 1) {
		return fmt.Errorf("%w: recombination probability must be in [0,1], got %v", ErrInvalidConfig, c.RecombProb)
	}
	if !(c.MutatProb >= 0) || math.IsInf(c.MutatProb, 0) {
		return fmt.Errorf("%w: mutation deviation must be finite and >= 0, got %v", ErrInvalidConfig, c.MutatProb)
	}
	return nil
}

// Microbial is a steady-state microbial GA. The loser of each pairwise
// tournament is partially overwritten by the winner and then mutated; no
// other individual changes.
type Microbial struct {
	cfg MicrobialConfig
	src *rand.PCG
	rng *rand.Rand

	population  [][]float64
	tournaments int

	history    []model.GenerationStats
	popHistory [][]float64
	best       []float64
	bestFit    float64

	createdAt time.Time
	updatedAt time.Time
}

// NewMicrobial draws every gene uniformly from [-1, 1).
func NewMicrobial(cfg MicrobialConfig) (*Microbial, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	src := rand.NewPCG(cfg.Seed, cfg.Seed^seedStream)
	m := newMicrobial(cfg, src)
	m.population = make([][]float64, cfg.PopulationSize)
	for i := range m.population {
		genes := make([]float64, cfg.GeneSize)
		for g := range genes {
			genes[g] = m.rng.Float64()*2 - 1
		}
		m.population[i] = genes
	}
	now := time.Now().UTC()
	m.createdAt = now
	m.updatedAt = now
	return m, nil
}

func newMicrobial(cfg MicrobialConfig, src *rand.PCG) *Microbial {
	return &Microbial{
		cfg:     cfg,
		src:     src,
		rng:     rand.New(src),
		bestFit: math.Inf(-1),
	}
}

// TournamentResult describes one tournament.
type TournamentResult struct {
	Winner          int
	Loser           int
	WinnerFitness   float64
	LoserFitness    float64
	GenesFromWinner int
}

// Tournament runs one pairwise tournament. a wins only when f(a) > f(b), so
// ties and NaN comparisons go to b.
func (m *Microbial) Tournament(ctx context.Context) (TournamentResult, error) {
	if err := ctx.Err(); err != nil {
		return TournamentResult{}, err
	}
	n := len(m.population)
	a := m.rng.IntN(n)
	b := m.rng.IntN(n - 1)
	if b >= a {
		b++
	}

	fa, err := m.cfg.Fitness(ctx, m.population[a])
	if err != nil {
		return TournamentResult{}, fmt.Errorf("evaluate individual %d: %w", a, err)
	}
	fb, err := m.cfg.Fitness(ctx, m.population[b])
	if err != nil {
		return TournamentResult{}, fmt.Errorf("evaluate individual %d: %w", b, err)
	}

	res := TournamentResult{Winner: b, Loser: a, WinnerFitness: fb, LoserFitness: fa}
	if fa > fb {
		res = TournamentResult{Winner: a, Loser: b, WinnerFitness: fa, LoserFitness: fb}
	}

	winner := m.population[res.Winner]
	loser := m.population[res.Loser]
	for g := range loser {
		if m.rng.Float64() < m.cfg.RecombProb {
			loser[g] = winner[g]
			res.GenesFromWinner++
		}
	}
	for g := range loser {
		loser[g] = nn.Sat(loser[g]+m.rng.NormFloat64()*m.cfg.MutatProb, 1, -1)
	}

	m.tournaments++
	m.updatedAt = time.Now().UTC()
	return res, nil
}

// GenerationsRun is the fractional number of generations, one generation
// being PopulationSize tournaments.
func (m *Microbial) GenerationsRun() float64 {
	return float64(m.tournaments) / float64(len(m.population))
}

func (m *Microbial) TournamentsRun() int {
	return m.tournaments
}

func (m *Microbial) Config() MicrobialConfig {
	return m.cfg
}

// Population returns a deep copy of the current genotypes.
func (m *Microbial) Population() [][]float64 {
	return copyMatrix(m.population)
}

// History returns the sampled statistics, oldest first.
func (m *Microbial) History() []model.GenerationStats {
	return append([]model.GenerationStats(nil), m.history...)
}

// PopulationHistory returns every individual's fitness at each sample.
func (m *Microbial) PopulationHistory() [][]float64 {
	return copyMatrix(m.popHistory)
}

// Best returns the best genotype and fitness seen at the most recent sample.
// ok is false before the first sample.
func (m *Microbial) Best() (genotype []float64, score float64, ok bool) {
	if m.best == nil {
		return nil, math.Inf(-1), false
	}
	return append([]float64(nil), m.best...), m.bestFit, true
}

func (m *Microbial) CreatedAt() time.Time {
	return m.createdAt
}

// Sample computes fresh statistics and appends them to the histories.
func (m *Microbial) Sample(ctx context.Context) (FitnessStats, error) {
	stats, err := m.FitStats(ctx)
	if err != nil {
		return FitnessStats{}, err
	}
	m.history = append(m.history, stats.record(int(m.GenerationsRun()), m.tournaments))
	m.popHistory = append(m.popHistory, append([]float64(nil), stats.Fitness...))
	m.best = append([]float64(nil), stats.BestGenotype...)
	m.bestFit = stats.Best
	return stats, nil
}

func copyMatrix(in [][]float64) [][]float64 {
	if in == nil {
		return nil
	}
	out := make([][]float64, len(in))
	for i, row := range in {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
