package fitness

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"opticbrake/internal/nn"
	"opticbrake/internal/scape"
)

func testConfig(size int) Config {
	cfg := ReferenceConfig()
	cfg.Size = size
	cfg.Grid = ReducedGrid()
	cfg.OpticalVariable = scape.ImageSize
	return cfg
}

// silentGenotype pins the motor neuron's bias to the bottom of its range so
// the agent effectively never brakes.
func silentGenotype(size int) []float64 {
	genotype := make([]float64, nn.GenotypeLength(size))
	genotype[size*size] = -1
	return genotype
}

func TestReferenceGridOrder(t *testing.T) {
	grid := ReferenceGrid()
	if grid.Len() != 168 {
		t.Fatalf("expected 168 conditions, got %d", grid.Len())
	}
	conditions := grid.Conditions()
	if len(conditions) != grid.Len() {
		t.Fatalf("expected %d conditions, got %d", grid.Len(), len(conditions))
	}
	checks := map[int]scape.Condition{
		0:   {TargetSize: 45, Distance: 120, Velocity: 10},
		1:   {TargetSize: 45, Distance: 120, Velocity: 11},
		6:   {TargetSize: 45, Distance: 135, Velocity: 10},
		42:  {TargetSize: 55, Distance: 120, Velocity: 10},
		167: {TargetSize: 75, Distance: 210, Velocity: 15},
	}
	for idx, want := range checks {
		if conditions[idx] != want {
			t.Fatalf("condition %d: expected %v, got %v", idx, want, conditions[idx])
		}
	}
}

func TestGridValidate(t *testing.T) {
	if err := ReferenceGrid().Validate(); err != nil {
		t.Fatalf("reference grid: %v", err)
	}
	bad := []Grid{
		{},
		{TargetSizes: []float64{0}, InitialDistances: []float64{1}, InitialVelocities: []float64{1}},
		{TargetSizes: []float64{1}, InitialDistances: []float64{-1}, InitialVelocities: []float64{1}},
		{TargetSizes: []float64{1}, InitialDistances: []float64{1}, InitialVelocities: []float64{math.NaN()}},
	}
	for i, g := range bad {
		if err := g.Validate(); err == nil {
			t.Fatalf("case %d: expected grid error", i)
		}
	}
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind(" Distance-Velocity-Jerk ")
	if err != nil {
		t.Fatalf("parse kind: %v", err)
	}
	if kind != KindDistanceVelocityJerk {
		t.Fatalf("expected %s, got %s", KindDistanceVelocityJerk, kind)
	}
	if _, err := ParseKind("fastest"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := ReferenceConfig().Validate(); err != nil {
		t.Fatalf("reference config: %v", err)
	}
	mutations := []func(*Config){
		func(c *Config) { c.Size = 0 },
		func(c *Config) { c.Dt = 0 },
		func(c *Config) { c.TrialLength = -1 },
		func(c *Config) { c.OpticalVariable = scape.OpticalVariable(7) },
		func(c *Config) { c.BrakeConstant = math.Inf(1) },
		func(c *Config) { c.JerkWeight = -1 },
		func(c *Config) { c.JerkWeight = math.Inf(1) },
		func(c *Config) { c.Ranges.TimeConstMin = 0 },
		func(c *Config) { c.Grid = Grid{} },
	}
	for i, mutate := range mutations {
		cfg := ReferenceConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(Kind("fastest"), testConfig(2)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	cfg := testConfig(2)
	cfg.Dt = 0
	if _, err := New(KindDistanceVelocity, cfg); err == nil {
		t.Fatal("expected config error")
	}
	fn, err := New(KindDistanceVelocity, testConfig(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := fn(context.Background(), []float64{0, 1}); !errors.Is(err, nn.ErrGenotypeLength) {
		t.Fatalf("expected ErrGenotypeLength, got %v", err)
	}
}

func TestAliasKindsEvaluate(t *testing.T) {
	cfg := testConfig(2)
	genotype := make([]float64, cfg.GenotypeLength())
	ctx := context.Background()

	want, err := Evaluate(ctx, KindDistanceVelocity, cfg, genotype)
	if err != nil {
		t.Fatalf("evaluate canonical: %v", err)
	}
	fn, err := New(Kind("Distance-Velocity"), cfg)
	if err != nil {
		t.Fatalf("new alias: %v", err)
	}
	got, err := fn(ctx, genotype)
	if err != nil {
		t.Fatalf("evaluate alias: %v", err)
	}
	if got != want.Fitness {
		t.Fatalf("alias fitness %v differs from canonical %v", got, want.Fitness)
	}

	eval, err := Evaluate(ctx, Kind(" DISTANCE_velocity "), cfg, genotype)
	if err != nil {
		t.Fatalf("evaluate alias directly: %v", err)
	}
	if eval.Kind != KindDistanceVelocity {
		t.Fatalf("expected canonical kind, got %q", eval.Kind)
	}

	p := scape.MappingPerturbation(scape.ConstantSeries(scape.MaxSteps(cfg.TrialLength, cfg.Dt), 0))
	focus := cfg.Grid.Conditions()[0]
	analysis, err := Analyze(ctx, Kind("distance-velocity"), cfg, genotype, p, focus)
	if err != nil {
		t.Fatalf("analyze alias: %v", err)
	}
	if analysis.Kind != KindDistanceVelocity {
		t.Fatalf("expected canonical kind, got %q", analysis.Kind)
	}
	if _, err := Evaluate(ctx, Kind("fastest"), cfg, genotype); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	cfg := testConfig(3)
	rng := rand.New(rand.NewPCG(7, 11))
	genotype := make([]float64, cfg.GenotypeLength())
	for i := range genotype {
		genotype[i] = rng.Float64()*2 - 1
	}
	for _, kind := range Kinds() {
		first, err := Evaluate(context.Background(), kind, cfg, genotype)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		second, err := Evaluate(context.Background(), kind, cfg, genotype)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if math.Float64bits(first.Fitness) != math.Float64bits(second.Fitness) {
			t.Fatalf("%s: fitness differs between runs: %v vs %v", kind, first.Fitness, second.Fitness)
		}
		for i := range first.Trials {
			if math.Float64bits(first.Trials[i].FinalDistance) != math.Float64bits(second.Trials[i].FinalDistance) {
				t.Fatalf("%s: trial %d differs between runs", kind, i)
			}
		}
	}
}

func TestJerkPenaltyNeverRaisesFitness(t *testing.T) {
	cfg := testConfig(3)
	rng := rand.New(rand.NewPCG(3, 5))
	ctx := context.Background()
	for n := 0; n < 4; n++ {
		genotype := make([]float64, cfg.GenotypeLength())
		for i := range genotype {
			genotype[i] = rng.Float64()*2 - 1
		}
		dv, err := Evaluate(ctx, KindDistanceVelocity, cfg, genotype)
		if err != nil {
			t.Fatalf("distance_velocity: %v", err)
		}
		dvj, err := Evaluate(ctx, KindDistanceVelocityJerk, cfg, genotype)
		if err != nil {
			t.Fatalf("distance_velocity_jerk: %v", err)
		}
		if math.IsNaN(dv.Fitness) || math.IsNaN(dvj.Fitness) {
			continue
		}
		if dvj.Fitness > dv.Fitness {
			t.Fatalf("genotype %d: jerk-penalised fitness %v exceeds %v", n, dvj.Fitness, dv.Fitness)
		}
		want := dv.Fitness - DefaultJerkWeight*dvj.MeanJerk()
		if math.Abs(dvj.Fitness-want) > 1e-9*math.Max(1, math.Abs(want)) {
			t.Fatalf("genotype %d: expected %v, got %v", n, want, dvj.Fitness)
		}
	}
}

func TestZeroJerkWeightDisablesPenalty(t *testing.T) {
	cfg := testConfig(3)
	cfg.JerkWeight = 0
	rng := rand.New(rand.NewPCG(9, 2))
	genotype := make([]float64, cfg.GenotypeLength())
	for i := range genotype {
		genotype[i] = rng.Float64()*2 - 1
	}
	dv, err := Evaluate(context.Background(), KindDistanceVelocity, cfg, genotype)
	if err != nil {
		t.Fatalf("distance_velocity: %v", err)
	}
	dvj, err := Evaluate(context.Background(), KindDistanceVelocityJerk, cfg, genotype)
	if err != nil {
		t.Fatalf("distance_velocity_jerk: %v", err)
	}
	if dv.Fitness != dvj.Fitness && !(math.IsNaN(dv.Fitness) && math.IsNaN(dvj.Fitness)) {
		t.Fatalf("zero jerk weight must leave fitness unchanged: %v vs %v", dv.Fitness, dvj.Fitness)
	}
}

func TestSmoothBrakingHasNoJerkPenalty(t *testing.T) {
	cfg := testConfig(2)
	genotype := make([]float64, cfg.GenotypeLength())
	dv, err := Evaluate(context.Background(), KindDistanceVelocity, cfg, genotype)
	if err != nil {
		t.Fatalf("distance_velocity: %v", err)
	}
	dvj, err := Evaluate(context.Background(), KindDistanceVelocityJerk, cfg, genotype)
	if err != nil {
		t.Fatalf("distance_velocity_jerk: %v", err)
	}
	if dv.Fitness != dvj.Fitness {
		t.Fatalf("constant braking must not be penalised: %v vs %v", dv.Fitness, dvj.Fitness)
	}
	if dvj.Outcomes[scape.OutcomeStopped] != cfg.Grid.Len() {
		t.Fatalf("expected every trial to stop, got %v", dvj.Outcomes)
	}
}

func TestCrashesAreClampedToStartingDistance(t *testing.T) {
	cfg := testConfig(2)
	genotype := silentGenotype(2)
	ctx := context.Background()

	raw, err := Evaluate(ctx, KindFinalDistance, cfg, genotype)
	if err != nil {
		t.Fatalf("final_distance: %v", err)
	}
	if raw.Outcomes[scape.OutcomeCrashed] != cfg.Grid.Len() {
		t.Fatalf("expected every trial to crash, got %v", raw.Outcomes)
	}
	if raw.Fitness <= 1 {
		t.Fatalf("raw final distance rewards overshoot, expected > 1, got %v", raw.Fitness)
	}

	noCrash, err := Evaluate(ctx, KindFinalDistanceNoCrash, cfg, genotype)
	if err != nil {
		t.Fatalf("final_distance_no_crash: %v", err)
	}
	if noCrash.Fitness != 0 {
		t.Fatalf("crashes count as no progress, expected 0, got %v", noCrash.Fitness)
	}

	dv, err := Evaluate(ctx, KindDistanceVelocity, cfg, genotype)
	if err != nil {
		t.Fatalf("distance_velocity: %v", err)
	}
	if dv.Fitness < 0 || dv.Fitness > 0.05 {
		t.Fatalf("crashing at full speed should score near zero, got %v", dv.Fitness)
	}
}

func TestAnalyzeMappingPerturbation(t *testing.T) {
	cfg := testConfig(2)
	genotype := make([]float64, cfg.GenotypeLength())
	focus := scape.Condition{TargetSize: 55, Distance: 150, Velocity: 12}
	p := scape.MappingPerturbation(scape.ConstantSeries(scape.MaxSteps(cfg.TrialLength, cfg.Dt), 0))

	analysis, err := Analyze(context.Background(), KindDistanceVelocity, cfg, genotype, p, focus)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analysis.Perturbation != "mapping" {
		t.Fatalf("expected mapping, got %s", analysis.Perturbation)
	}
	if analysis.Delta() <= 0 {
		t.Fatalf("losing the brakes must cost fitness: original=%v perturbed=%v", analysis.OriginalFitness, analysis.PerturbedFitness)
	}
	if analysis.PerturbedOutcomes[scape.OutcomeCrashed] != cfg.Grid.Len() {
		t.Fatalf("expected every perturbed trial to crash, got %v", analysis.PerturbedOutcomes)
	}
	if analysis.OriginalTrial.Recording.Len() == 0 || analysis.PerturbedTrial.Recording.Len() == 0 {
		t.Fatal("expected recorded focus trajectories")
	}
	if analysis.OriginalTrial.Condition != focus || analysis.PerturbedTrial.Condition != focus {
		t.Fatalf("unexpected focus trials: %v / %v", analysis.OriginalTrial.Condition, analysis.PerturbedTrial.Condition)
	}

	if _, err := Analyze(context.Background(), KindDistanceVelocity, cfg, genotype, p, scape.Condition{TargetSize: 1, Distance: 1, Velocity: 1}); err == nil {
		t.Fatal("expected error for focus outside the grid")
	}
}

func TestTrajectoryRecordsSingleTrial(t *testing.T) {
	cfg := testConfig(2)
	genotype := make([]float64, cfg.GenotypeLength())
	result, err := Trajectory(context.Background(), cfg, genotype, scape.Condition{TargetSize: 55, Distance: 150, Velocity: 12}, nil)
	if err != nil {
		t.Fatalf("trajectory: %v", err)
	}
	if result.Recording.Len() != result.Steps {
		t.Fatalf("expected %d samples, got %d", result.Steps, result.Recording.Len())
	}
	if result.Outcome != scape.OutcomeStopped {
		t.Fatalf("expected stopped, got %s", result.Outcome)
	}
}

func TestEvaluateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := testConfig(2)
	_, err := Evaluate(ctx, KindFinalDistance, cfg, make([]float64, cfg.GenotypeLength()))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
