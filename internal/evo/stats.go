package evo

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"opticbrake/internal/model"
)

// FitnessStats summarises one evaluation of the whole population.
type FitnessStats struct {
	Fitness []float64
	Mean    float64
	Median  float64
	Best    float64
	Min     float64
	// StdDev is the population standard deviation of Fitness.
	StdDev float64
	// Diversity is the mean over genes of the per-gene population standard
	// deviation.
	Diversity    float64
	BestIndex    int
	BestGenotype []float64
}

func (s FitnessStats) record(generation, tournaments int) model.GenerationStats {
	return model.GenerationStats{
		Generation:  generation,
		Tournaments: tournaments,
		Best:        model.Score(s.Best),
		Mean:        model.Score(s.Mean),
		Median:      model.Score(s.Median),
		Min:         model.Score(s.Min),
		StdDev:      model.Score(s.StdDev),
		Diversity:   model.Score(s.Diversity),
		BestIndex:   s.BestIndex,
	}
}

// FitStats evaluates every individual, fanning out over cfg.Workers
// goroutines. The population is only read.
func (m *Microbial) FitStats(ctx context.Context) (FitnessStats, error) {
	n := len(m.population)
	scores := make([]float64, n)

	p := pool.New().WithMaxGoroutines(m.cfg.Workers).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i := range m.population {
		genotype := m.population[i]
		p.Go(func(ctx context.Context) error {
			f, err := m.cfg.Fitness(ctx, genotype)
			if err != nil {
				return fmt.Errorf("evaluate individual %d: %w", i, err)
			}
			scores[i] = f
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return FitnessStats{}, err
	}

	return summarize(scores, m.population), nil
}

func summarize(scores []float64, population [][]float64) FitnessStats {
	mean, std := stat.PopMeanStdDev(scores, nil)
	bestIdx := argMax(scores)
	return FitnessStats{
		Fitness:      scores,
		Mean:         mean,
		Median:       median(scores),
		Best:         scores[bestIdx],
		Min:          minimum(scores),
		StdDev:       std,
		Diversity:    geneDiversity(population),
		BestIndex:    bestIdx,
		BestGenotype: append([]float64(nil), population[bestIdx]...),
	}
}

// argMax returns the first index holding the largest non-NaN value, or 0 if
// every value is NaN.
func argMax(values []float64) int {
	best := -1
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v > values[best] {
			best = i
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

func minimum(values []float64) float64 {
	lo := math.NaN()
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(lo) || v < lo {
			lo = v
		}
	}
	return lo
}

// median averages the two middle values of an even-length input.
func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func geneDiversity(population [][]float64) float64 {
	rows := len(population)
	if rows == 0 || len(population[0]) == 0 {
		return 0
	}
	cols := len(population[0])
	data := make([]float64, 0, rows*cols)
	for _, genes := range population {
		data = append(data, genes...)
	}
	genes := mat.NewDense(rows, cols, data)

	column := make([]float64, rows)
	total := 0.0
	for j := 0; j < cols; j++ {
		mat.Col(column, j, genes)
		_, std := stat.PopMeanStdDev(column, nil)
		total += std
	}
	return total / float64(cols)
}
