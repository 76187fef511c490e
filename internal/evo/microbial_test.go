package evo

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"opticbrake/internal/model"
)

// peakFitness rewards genotypes close to 0.3 in every gene.
func peakFitness(_ context.Context, genotype []float64) (float64, error) {
	sum := 0.0
	for _, g := range genotype {
		d := g - 0.3
		sum += d * d
	}
	return -sum, nil
}

func firstGeneFitness(_ context.Context, genotype []float64) (float64, error) {
	return genotype[0], nil
}

func testConfig() MicrobialConfig {
	return MicrobialConfig{
		Fitness:        peakFitness,
		FitnessName:    "peak",
		PopulationSize: 10,
		GeneSize:       4,
		RecombProb:     0.5,
		MutatProb:      0.1,
		Seed:           42,
		Workers:        2,
	}
}

func newTestMicrobial(t *testing.T, cfg MicrobialConfig) *Microbial {
	t.Helper()
	m, err := NewMicrobial(cfg)
	if err != nil {
		t.Fatalf("new microbial: %v", err)
	}
	return m
}

func TestNewMicrobialValidatesConfig(t *testing.T) {
	mutations := []func(*MicrobialConfig){
		func(c *MicrobialConfig) { c.Fitness = nil },
		func(c *MicrobialConfig) { c.PopulationSize = 1 },
		func(c *MicrobialConfig) { c.GeneSize = 0 },
		func(c *MicrobialConfig) { c.RecombProb = 1.5 },
		func(c *MicrobialConfig) { c.RecombProb = math.NaN() },
		func(c *MicrobialConfig) { c.MutatProb = -0.1 },
	}
	for i, mutate := range mutations {
		cfg := testConfig()
		mutate(&cfg)
		if _, err := NewMicrobial(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestInitialPopulationIsSeededAndBounded(t *testing.T) {
	a := newTestMicrobial(t, testConfig())
	b := newTestMicrobial(t, testConfig())
	if !reflect.DeepEqual(a.Population(), b.Population()) {
		t.Fatal("same seed must produce the same initial population")
	}
	for i, genes := range a.Population() {
		if len(genes) != 4 {
			t.Fatalf("individual %d: expected 4 genes, got %d", i, len(genes))
		}
		for _, g := range genes {
			if g < -1 || g >= 1 {
				t.Fatalf("individual %d: gene %v outside [-1,1)", i, g)
			}
		}
	}

	cfg := testConfig()
	cfg.Seed = 43
	c := newTestMicrobial(t, cfg)
	if reflect.DeepEqual(a.Population(), c.Population()) {
		t.Fatal("different seeds should produce different populations")
	}
}

func TestGenesStayWithinBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MutatProb = 5
	m := newTestMicrobial(t, cfg)
	for i := 0; i < 300; i++ {
		if _, err := m.Tournament(context.Background()); err != nil {
			t.Fatalf("tournament %d: %v", i, err)
		}
	}
	for i, genes := range m.Population() {
		for _, g := range genes {
			if g < -1 || g > 1 {
				t.Fatalf("individual %d: gene %v escaped [-1,1]", i, g)
			}
		}
	}
}

func TestTournamentOnlyRewritesLoser(t *testing.T) {
	cfg := testConfig()
	cfg.Fitness = firstGeneFitness
	cfg.RecombProb = 1
	cfg.MutatProb = 0
	m := newTestMicrobial(t, cfg)

	for i := 0; i < 20; i++ {
		before := m.Population()
		res, err := m.Tournament(context.Background())
		if err != nil {
			t.Fatalf("tournament %d: %v", i, err)
		}
		if res.Winner == res.Loser {
			t.Fatalf("tournament %d: individual played itself", i)
		}
		if res.WinnerFitness < res.LoserFitness {
			t.Fatalf("tournament %d: winner %v scored below loser %v", i, res.WinnerFitness, res.LoserFitness)
		}
		if res.GenesFromWinner != cfg.GeneSize {
			t.Fatalf("tournament %d: expected full transfection, got %d genes", i, res.GenesFromWinner)
		}
		after := m.Population()
		for idx := range after {
			switch idx {
			case res.Loser:
				if !reflect.DeepEqual(after[idx], before[res.Winner]) {
					t.Fatalf("tournament %d: loser should copy the winner", i)
				}
			default:
				if !reflect.DeepEqual(after[idx], before[idx]) {
					t.Fatalf("tournament %d: individual %d changed", i, idx)
				}
			}
		}
	}
	if m.TournamentsRun() != 20 {
		t.Fatalf("expected 20 tournaments, got %d", m.TournamentsRun())
	}
}

func TestTournamentPropagatesFitnessErrors(t *testing.T) {
	cfg := testConfig()
	boom := errors.New("boom")
	cfg.Fitness = func(context.Context, []float64) (float64, error) { return 0, boom }
	m := newTestMicrobial(t, cfg)
	if _, err := m.Tournament(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected fitness error, got %v", err)
	}
	if m.TournamentsRun() != 0 {
		t.Fatalf("failed tournament must not count, got %d", m.TournamentsRun())
	}
}

func TestBestFitnessNeverDecreases(t *testing.T) {
	m := newTestMicrobial(t, testConfig())
	if err := m.RunTournaments(context.Background(), 200, nil); err != nil {
		t.Fatalf("run tournaments: %v", err)
	}
	history := m.History()
	if len(history) != 20 {
		t.Fatalf("expected 20 samples, got %d", len(history))
	}
	for i, h := range history {
		if h.Generation != i+1 || h.Tournaments != 10*(i+1) {
			t.Fatalf("sample %d: unexpected generation=%d tournaments=%d", i, h.Generation, h.Tournaments)
		}
		if i > 0 && h.Best < history[i-1].Best {
			t.Fatalf("best fitness decreased at sample %d: %v -> %v", i, history[i-1].Best, h.Best)
		}
		if h.Best < h.Median || h.Median < h.Min {
			t.Fatalf("sample %d: inconsistent statistics %+v", i, h)
		}
	}
	if history[len(history)-1].Best <= history[0].Best {
		t.Fatalf("expected some improvement, got %v -> %v", history[0].Best, history[len(history)-1].Best)
	}
	if got := len(m.PopulationHistory()); got != 20 {
		t.Fatalf("expected 20 population samples, got %d", got)
	}
	genotype, best, ok := m.Best()
	if !ok || len(genotype) != 4 || best != float64(history[len(history)-1].Best) {
		t.Fatalf("unexpected best: ok=%v genotype=%v fitness=%v", ok, genotype, best)
	}
}

func TestSamplingCadenceSpansCalls(t *testing.T) {
	m := newTestMicrobial(t, testConfig())
	var reports []Progress
	reporter := ReporterFunc(func(p Progress) { reports = append(reports, p) })

	if err := m.RunTournaments(context.Background(), 7, reporter); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no sample before a full generation, got %d", len(reports))
	}
	if err := m.RunTournaments(context.Background(), 13, MultiReporter{nil, reporter}); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(reports) != 2 || reports[0].Tournaments != 10 || reports[1].Tournaments != 20 {
		t.Fatalf("expected samples at 10 and 20 tournaments, got %+v", reports)
	}
	if m.GenerationsRun() != 2 {
		t.Fatalf("expected 2 generations, got %v", m.GenerationsRun())
	}
	if err := m.RunTournaments(context.Background(), 5, nil); err != nil {
		t.Fatalf("third batch: %v", err)
	}
	if m.GenerationsRun() != 2.5 {
		t.Fatalf("expected 2.5 generations, got %v", m.GenerationsRun())
	}
}

func TestRunTournamentsHonoursCancellation(t *testing.T) {
	m := newTestMicrobial(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.RunTournaments(ctx, 10, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSnapshotRestoreReplaysExactly(t *testing.T) {
	ctx := context.Background()
	original := newTestMicrobial(t, testConfig())
	if err := original.RunTournaments(ctx, 25, nil); err != nil {
		t.Fatalf("run original: %v", err)
	}

	snapshot, err := original.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var decoded model.PopulationSnapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	restored, err := RestoreMicrobial(decoded, peakFitness, 3)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.GenerationsRun() != original.GenerationsRun() {
		t.Fatalf("generation mismatch: %v vs %v", restored.GenerationsRun(), original.GenerationsRun())
	}

	if err := original.RunTournaments(ctx, 40, nil); err != nil {
		t.Fatalf("continue original: %v", err)
	}
	if err := restored.RunTournaments(ctx, 40, nil); err != nil {
		t.Fatalf("continue restored: %v", err)
	}
	if !reflect.DeepEqual(original.Population(), restored.Population()) {
		t.Fatal("restored run diverged from the original")
	}
	if !reflect.DeepEqual(original.History(), restored.History()) {
		t.Fatalf("history mismatch:\n%+v\n%+v", original.History(), restored.History())
	}
}

func TestRestoreRejectsBadSnapshots(t *testing.T) {
	m := newTestMicrobial(t, testConfig())
	good, err := m.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	outOfRange := good
	outOfRange.Population = m.Population()
	outOfRange.Population[3][1] = 1.5
	if _, err := RestoreMicrobial(outOfRange, peakFitness, 1); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for out-of-range gene, got %v", err)
	}

	short := good
	short.Population = m.Population()[:5]
	if _, err := RestoreMicrobial(short, peakFitness, 1); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing individuals, got %v", err)
	}

	noState := good
	noState.RNGState = nil
	restored, err := RestoreMicrobial(noState, peakFitness, 1)
	if err != nil {
		t.Fatalf("restore without random state: %v", err)
	}
	if _, err := restored.Tournament(context.Background()); err != nil {
		t.Fatalf("tournament after reseed: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	population := [][]float64{{1, 0}, {-1, 0}, {1, 0}, {-1, 0}}
	stats := summarize([]float64{1, 4, 2, 3}, population)
	if stats.Mean != 2.5 || stats.Median != 2.5 || stats.Best != 4 || stats.Min != 1 || stats.BestIndex != 1 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
	if math.Abs(stats.StdDev-math.Sqrt(1.25)) > 1e-12 {
		t.Fatalf("expected population std %v, got %v", math.Sqrt(1.25), stats.StdDev)
	}
	if math.Abs(stats.Diversity-0.5) > 1e-12 {
		t.Fatalf("expected diversity 0.5, got %v", stats.Diversity)
	}
	if !reflect.DeepEqual(stats.BestGenotype, []float64{-1, 0}) {
		t.Fatalf("unexpected best genotype: %v", stats.BestGenotype)
	}

	odd := summarize([]float64{5, 1, 3}, [][]float64{{0}, {0}, {0}})
	if odd.Median != 3 || odd.Diversity != 0 {
		t.Fatalf("unexpected odd statistics: %+v", odd)
	}
}

func TestArgMaxSkipsNaN(t *testing.T) {
	if got := argMax([]float64{math.NaN(), 2, 5, 5}); got != 2 {
		t.Fatalf("expected index 2, got %d", got)
	}
	if got := argMax([]float64{math.NaN(), math.NaN()}); got != 0 {
		t.Fatalf("expected index 0 when every value is NaN, got %d", got)
	}
	if got := minimum([]float64{math.NaN(), 2, math.Inf(-1)}); !math.IsInf(got, -1) {
		t.Fatalf("expected -Inf minimum, got %v", got)
	}
}

func TestFitStatsMatchesSequentialEvaluation(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 4
	m := newTestMicrobial(t, cfg)
	stats, err := m.FitStats(context.Background())
	if err != nil {
		t.Fatalf("fit stats: %v", err)
	}
	for i, genes := range m.Population() {
		want, _ := peakFitness(context.Background(), genes)
		if stats.Fitness[i] != want {
			t.Fatalf("individual %d: expected %v, got %v", i, want, stats.Fitness[i])
		}
	}

	boom := errors.New("boom")
	cfg.Fitness = func(_ context.Context, g []float64) (float64, error) {
		if g[0] > 0 {
			return 0, boom
		}
		return 0, nil
	}
	failing, err := RestoreMicrobial(mustSnapshot(t, m), cfg.Fitness, 4)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	hasPositive := false
	for _, genes := range failing.Population() {
		hasPositive = hasPositive || genes[0] > 0
	}
	if !hasPositive {
		t.Skip("seeded population has no positive first gene")
	}
	if _, err := failing.FitStats(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected fitness error, got %v", err)
	}
}

func TestRunEndlessCheckpointsUntilCancelled(t *testing.T) {
	m := newTestMicrobial(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	var saved []model.PopulationSnapshot
	var finalCtxErr error
	checkpoint := func(ctx context.Context, s model.PopulationSnapshot) error {
		saved = append(saved, s)
		if len(saved) == 3 {
			cancel()
		}
		if len(saved) == 4 {
			finalCtxErr = ctx.Err()
		}
		return nil
	}
	reports := 0
	err := m.RunEndless(ctx, EndlessConfig{Interval: 3 * time.Minute, Checkpoint: checkpoint, Now: now}, ReporterFunc(func(p Progress) {
		if !p.Checkpoint {
			t.Errorf("expected checkpoint progress")
		}
		reports++
	}))
	if err != nil {
		t.Fatalf("run endless: %v", err)
	}
	if len(saved) != 4 {
		t.Fatalf("expected 3 periodic checkpoints and a final one, got %d", len(saved))
	}
	if finalCtxErr != nil {
		t.Fatalf("final checkpoint must not see a cancelled context: %v", finalCtxErr)
	}
	if reports != 3 || len(m.History()) != 3 {
		t.Fatalf("expected 3 samples, got reports=%d history=%d", reports, len(m.History()))
	}
	last := saved[len(saved)-1]
	if last.Tournaments != m.TournamentsRun() {
		t.Fatalf("final checkpoint has %d tournaments, run has %d", last.Tournaments, m.TournamentsRun())
	}
	for i := 1; i < len(saved); i++ {
		if saved[i].Tournaments < saved[i-1].Tournaments {
			t.Fatalf("checkpoints went backwards: %d -> %d", saved[i-1].Tournaments, saved[i].Tournaments)
		}
	}
}

func TestRunEndlessStopsOnCheckpointError(t *testing.T) {
	m := newTestMicrobial(t, testConfig())
	diskFull := errors.New("disk full")
	clock := time.Unix(0, 0)
	err := m.RunEndless(context.Background(), EndlessConfig{
		Interval:   time.Second,
		Checkpoint: func(context.Context, model.PopulationSnapshot) error { return diskFull },
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}, nil)
	if !errors.Is(err, diskFull) {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
	if m.TournamentsRun() != 1 {
		t.Fatalf("expected the run to stop after the first checkpoint, got %d tournaments", m.TournamentsRun())
	}
}

func TestRunEndlessValidatesConfig(t *testing.T) {
	m := newTestMicrobial(t, testConfig())
	save := func(context.Context, model.PopulationSnapshot) error { return nil }
	if err := m.RunEndless(context.Background(), EndlessConfig{Checkpoint: save}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero interval, got %v", err)
	}
	if err := m.RunEndless(context.Background(), EndlessConfig{Interval: time.Second}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig without checkpoint, got %v", err)
	}
}

func TestSnapshotName(t *testing.T) {
	created := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	got := SnapshotName("distance_velocity", 2, 150, 168, 25, created)
	if got != "distance_velocity_V2_P150_T168_G25_2026-01-05" {
		t.Fatalf("unexpected snapshot name: %s", got)
	}
}

func mustSnapshot(t *testing.T, m *Microbial) model.PopulationSnapshot {
	t.Helper()
	s, err := m.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s
}
