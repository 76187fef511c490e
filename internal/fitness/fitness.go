package fitness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"opticbrake/internal/nn"
	"opticbrake/internal/scape"
)

// DefaultJerkWeight penalises motion roughness in the jerk-aware reduction.
const DefaultJerkWeight = 1000.0

var ErrUnknownKind = errors.New("unknown fitness function")

// Kind names one of the supported reductions.
type Kind string

const (
	KindFinalDistance        Kind = "final_distance"
	KindFinalDistanceNoCrash Kind = "final_distance_no_crash"
	KindDistanceVelocity     Kind = "distance_velocity"
	KindDistanceVelocityJerk Kind = "distance_velocity_jerk"
)

func Kinds() []Kind {
	return []Kind{KindFinalDistance, KindFinalDistanceNoCrash, KindDistanceVelocity, KindDistanceVelocityJerk}
}

func ParseKind(raw string) (Kind, error) {
	normalized := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	for _, k := range Kinds() {
		if k == normalized {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownKind, raw)
}

// Func scores a genotype. Higher is better; the value may be non-finite.
type Func func(ctx context.Context, genotype []float64) (float64, error)

// Config fixes everything about an evaluation except the genotype.
type Config struct {
	Size            int
	Ranges          nn.Ranges
	Dt              float64
	TrialLength     float64
	OpticalVariable scape.OpticalVariable
	BrakeConstant   float64
	Grid            Grid
	// JerkWeight is used by the jerk-aware reduction only. Zero disables the
	// penalty.
	JerkWeight float64
	// Perturbation, when set, is called once per evaluation to obtain a
	// fresh perturbation applied to every trial.
	Perturbation func() scape.Perturbation
}

func ReferenceConfig() Config {
	return Config{
		Size:            5,
		Ranges:          nn.ReferenceRanges(),
		Dt:              0.1,
		TrialLength:     50,
		OpticalVariable: scape.Tau,
		BrakeConstant:   scape.DefaultBrakeConstant,
		Grid:            ReferenceGrid(),
		JerkWeight:      DefaultJerkWeight,
	}
}

func (c Config) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("%w: %d", nn.ErrInvalidSize, c.Size)
	}
	if err := c.Ranges.Validate(); err != nil {
		return err
	}
	if !(c.Dt > 0) || math.IsInf(c.Dt, 0) {
		return fmt.Errorf("dt must be > 0, got %v", c.Dt)
	}
	if !(c.TrialLength > 0) || math.IsInf(c.TrialLength, 0) {
		return fmt.Errorf("trial length must be > 0, got %v", c.TrialLength)
	}
	if !c.OpticalVariable.Valid() {
		return fmt.Errorf("unsupported optical variable: %d", int(c.OpticalVariable))
	}
	if c.BrakeConstant < 0 || math.IsNaN(c.BrakeConstant) || math.IsInf(c.BrakeConstant, 0) {
		return fmt.Errorf("brake constant must be finite and >= 0, got %v", c.BrakeConstant)
	}
	if !(c.JerkWeight >= 0) || math.IsInf(c.JerkWeight, 0) {
		return fmt.Errorf("jerk weight must be finite and >= 0, got %v", c.JerkWeight)
	}
	return c.Grid.Validate()
}

// GenotypeLength is the genotype length a network of this config needs.
func (c Config) GenotypeLength() int {
	return nn.GenotypeLength(c.Size)
}

// New returns the fitness function of the given kind bound to cfg.
func New(kind Kind, cfg Config) (Func, error) {
	kind, err := ParseKind(string(kind))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return func(ctx context.Context, genotype []float64) (float64, error) {
		eval, err := Evaluate(ctx, kind, cfg, genotype)
		if err != nil {
			return 0, err
		}
		return eval.Fitness, nil
	}, nil
}

// Evaluation is a scored genotype together with the trials behind the score.
type Evaluation struct {
	Kind     Kind
	Fitness  float64
	Trials   []scape.TrialResult
	Outcomes map[scape.Outcome]int
}

func (e Evaluation) MeanJerk() float64 {
	jerks := make([]float64, len(e.Trials))
	for i, t := range e.Trials {
		jerks[i] = t.Jerk
	}
	mean, _ := nn.Avg(jerks)
	return mean
}

// Evaluate decodes genotype into a fresh network and runs one trial per grid
// condition before reducing the results with kind.
func Evaluate(ctx context.Context, kind Kind, cfg Config, genotype []float64) (Evaluation, error) {
	return evaluate(ctx, kind, cfg, genotype, nil)
}

func evaluate(ctx context.Context, kind Kind, cfg Config, genotype []float64, record *scape.Condition) (Evaluation, error) {
	kind, err := ParseKind(string(kind))
	if err != nil {
		return Evaluation{}, err
	}
	sim, err := newSimulator(cfg, genotype)
	if err != nil {
		return Evaluation{}, err
	}
	if cfg.Perturbation != nil {
		sim.SetPerturbation(cfg.Perturbation())
	}

	conditions := cfg.Grid.Conditions()
	results := make([]scape.TrialResult, 0, len(conditions))
	outcomes := make(map[scape.Outcome]int)
	for _, c := range conditions {
		trial := scape.Trial{
			Condition: c,
			Length:    cfg.TrialLength,
			Record:    record != nil && *record == c,
		}
		result, err := scape.RunTrial(ctx, sim, trial)
		if err != nil {
			return Evaluation{}, fmt.Errorf("trial %s: %w", c, err)
		}
		results = append(results, result)
		outcomes[result.Outcome]++
	}

	score, err := reduce(kind, cfg, results)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{Kind: kind, Fitness: score, Trials: results, Outcomes: outcomes}, nil
}

func newSimulator(cfg Config, genotype []float64) (*scape.Simulator, error) {
	network, err := nn.NewCTRNN(cfg.Size)
	if err != nil {
		return nil, err
	}
	if err := network.SetParameters(genotype, cfg.Ranges); err != nil {
		return nil, err
	}
	return scape.NewSimulator(scape.SimulatorConfig{
		Network:         network,
		Dt:              cfg.Dt,
		OpticalVariable: cfg.OpticalVariable,
		BrakeConstant:   cfg.BrakeConstant,
	})
}

func reduce(kind Kind, cfg Config, results []scape.TrialResult) (float64, error) {
	n := len(results)
	distances := make([]float64, n)
	distanceRatios := make([]float64, n)
	velocityRatios := make([]float64, n)
	jerks := make([]float64, n)
	for i, r := range results {
		d := r.FinalDistance
		v := r.FinalVelocity
		distances[i] = d
		if d < 0 {
			d = r.Condition.Distance
		}
		if v < 0 {
			v = r.Condition.Velocity
		}
		distanceRatios[i] = d / r.Condition.Distance
		velocityRatios[i] = v / r.Condition.Velocity
		jerks[i] = r.Jerk
	}

	switch kind {
	case KindFinalDistance:
		mean, err := nn.Avg(distances)
		if err != nil {
			return 0, err
		}
		return 1 - mean, nil
	case KindFinalDistanceNoCrash:
		mean, err := nn.Avg(distanceRatios)
		if err != nil {
			return 0, err
		}
		return 1 - mean, nil
	case KindDistanceVelocity, KindDistanceVelocityJerk:
		dMean, err := nn.Avg(distanceRatios)
		if err != nil {
			return 0, err
		}
		vMean, err := nn.Avg(velocityRatios)
		if err != nil {
			return 0, err
		}
		score := ((1 - dMean) + (1 - vMean)) / 2
		if kind == KindDistanceVelocityJerk {
			jMean, err := nn.Avg(jerks)
			if err != nil {
				return 0, err
			}
			score -= cfg.JerkWeight * jMean
		}
		return score, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}
