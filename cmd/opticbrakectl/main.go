package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"opticbrake/internal/evo"
	"opticbrake/internal/experiment"
	"opticbrake/internal/scape"
	"opticbrake/internal/storage"
	api "opticbrake/pkg/opticbrake"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "evolve":
		return runEvolve(ctx, args[1:])
	case "endless":
		return runEndless(ctx, args[1:])
	case "evaluate":
		return runEvaluate(ctx, args[1:])
	case "trajectory":
		return runTrajectory(ctx, args[1:])
	case "perturb":
		return runPerturb(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "population":
		return runPopulation(ctx, args[1:])
	case "config":
		return runConfig(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type storeFlags struct {
	kind         *string
	path         *string
	artifactsDir *string
}

func registerStoreFlags(fs *flag.FlagSet) *storeFlags {
	return &storeFlags{
		kind:         fs.String("store", storage.DefaultStoreKind(), "store backend: memory|file|sqlite"),
		path:         fs.String("store-path", "", "snapshot directory (file) or database path (sqlite)"),
		artifactsDir: fs.String("artifacts-dir", "runs", "directory for run artifacts and the run index"),
	}
}

func (s *storeFlags) open() (*api.Client, error) {
	return api.New(api.Options{
		StoreKind:    *s.kind,
		StorePath:    *s.path,
		ArtifactsDir: *s.artifactsDir,
	})
}

func runEvolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evolve", flag.ContinueOnError)
	exp := registerExperimentFlags(fs)
	store := registerStoreFlags(fs)
	resume := fs.String("resume", "", "snapshot name to continue from")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	progress := fs.Bool("progress", false, "log progress even when stderr is not a terminal")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := exp.resolve(fs)
	if err != nil {
		return err
	}

	client, err := store.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	id := *runID
	if id == "" {
		id = uuid.NewString()
	}
	metricsCtx, stopMetrics := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMetrics()

	summary, err := client.Evolve(ctx, api.EvolveRequest{
		Config:   cfg,
		Resume:   *resume,
		RunID:    id,
		Reporter: reporters(newProgressReporter(os.Stderr, *progress), serveMetrics(metricsCtx, *metricsAddr, id)),
	})
	if err != nil {
		return err
	}
	return printSummary(summary, *jsonOut)
}

func runEndless(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("endless", flag.ContinueOnError)
	exp := registerExperimentFlags(fs)
	store := registerStoreFlags(fs)
	resume := fs.String("resume", "", "snapshot name to continue from")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	progress := fs.Bool("progress", false, "log progress even when stderr is not a terminal")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := exp.resolve(fs)
	if err != nil {
		return err
	}

	client, err := store.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	id := *runID
	if id == "" {
		id = uuid.NewString()
	}
	metricsCtx, stopMetrics := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMetrics()

	fmt.Fprintf(os.Stderr, "endless run %s, saving every %s; interrupt to stop\n", id, cfg.SaveInterval())
	summary, err := client.Endless(ctx, api.EndlessRequest{
		Config:   cfg,
		Resume:   *resume,
		RunID:    id,
		Reporter: reporters(newProgressReporter(os.Stderr, *progress), serveMetrics(metricsCtx, *metricsAddr, id)),
	})
	if err != nil {
		return err
	}
	return printSummary(summary, *jsonOut)
}

func reporters(rs ...evo.Reporter) evo.Reporter {
	var active evo.MultiReporter
	for _, r := range rs {
		if r != nil {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return active
}

func printSummary(summary api.EvolveSummary, jsonOut bool) error {
	if jsonOut {
		return writeJSON(map[string]any{
			"run_id":          summary.RunID,
			"snapshot":        summary.Snapshot,
			"artifacts_dir":   summary.ArtifactsDir,
			"generations":     summary.Generations,
			"tournaments":     summary.Tournaments,
			"best_fitness":    jsonFloat(summary.BestFitness),
			"best_individual": summary.BestIndividual,
		})
	}
	fmt.Printf("run_id=%s snapshot=%s generations=%.2f tournaments=%s best_fitness=%.6f artifacts=%s\n",
		summary.RunID,
		summary.Snapshot,
		summary.Generations,
		humanize.Comma(int64(summary.Tournaments)),
		summary.BestFitness,
		summary.ArtifactsDir,
	)
	return nil
}

type individualFlags struct {
	snapshot *string
	index    *int
}

func registerIndividualFlags(fs *flag.FlagSet) *individualFlags {
	return &individualFlags{
		snapshot: fs.String("snapshot", "", "snapshot holding the individual"),
		index:    fs.Int("index", -1, "population index (negative selects the best individual)"),
	}
}

func (f *individualFlags) individual() (api.Individual, error) {
	if *f.snapshot == "" {
		return api.Individual{}, errors.New("--snapshot is required")
	}
	return api.Individual{Snapshot: *f.snapshot, Index: *f.index}, nil
}

func runEvaluate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	exp := registerExperimentFlags(fs)
	store := registerStoreFlags(fs)
	ind := registerIndividualFlags(fs)
	jsonOut := fs.Bool("json", false, "emit the evaluation as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := exp.resolve(fs)
	if err != nil {
		return err
	}
	individual, err := ind.individual()
	if err != nil {
		return err
	}

	client, err := store.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	eval, err := client.Evaluate(ctx, api.EvaluateRequest{Config: cfg, Individual: individual})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(map[string]any{
			"fitness":   jsonFloat(eval.Fitness),
			"kind":      eval.Kind,
			"trials":    len(eval.Trials),
			"outcomes":  eval.Outcomes,
			"mean_jerk": jsonFloat(eval.MeanJerk()),
		})
	}
	fmt.Printf("fitness=%s kind=%s trials=%d mean_jerk=%.6f\n", formatFitness(eval.Fitness), eval.Kind, len(eval.Trials), eval.MeanJerk())
	printOutcomes("outcomes", eval.Outcomes)
	return nil
}

type conditionFlags struct {
	target   *float64
	distance *float64
	velocity *float64
}

func registerConditionFlags(fs *flag.FlagSet) *conditionFlags {
	return &conditionFlags{
		target:   fs.Float64("target", 45, "target size"),
		distance: fs.Float64("distance", 120, "initial distance"),
		velocity: fs.Float64("velocity", 10, "initial velocity"),
	}
}

func (f *conditionFlags) condition() scape.Condition {
	return scape.Condition{TargetSize: *f.target, Distance: *f.distance, Velocity: *f.velocity}
}

type perturbationFlags struct {
	kind          *string
	interval      *float64
	big           *float64
	small         *float64
	effectiveness *float64
	delaySteps    *int
}

func registerPerturbationFlags(fs *flag.FlagSet, defaultKind string) *perturbationFlags {
	return &perturbationFlags{
		kind:          fs.String("perturbation", defaultKind, "perturbation: position|velocity|mapping|delay"),
		interval:      fs.Float64("interval", 2.5, "seconds between position/velocity pulses"),
		big:           fs.Float64("big", 5, "size of the first pulse pair"),
		small:         fs.Float64("small", 2, "size of the second pulse pair"),
		effectiveness: fs.Float64("effectiveness", 0.5, "brake effectiveness for the mapping perturbation"),
		delaySteps:    fs.Int("delay-steps", 3, "motor delay in steps for the delay perturbation"),
	}
}

// perturbation builds the configured perturbation over a trial of cfg's
// length. An empty kind yields nil.
func (f *perturbationFlags) perturbation(cfg experiment.Config) (scape.Perturbation, error) {
	if *f.kind == "" {
		return nil, nil
	}
	steps := scape.MaxSteps(cfg.TrialLength, cfg.Dt)
	var series []float64
	switch *f.kind {
	case "position", "velocity":
		series = scape.PulseSeries(steps, cfg.Dt, *f.interval, *f.big, *f.small)
	case "mapping":
		series = scape.ConstantSeries(steps, *f.effectiveness)
	}
	return scape.NewPerturbation(*f.kind, series, *f.delaySteps)
}

func runTrajectory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trajectory", flag.ContinueOnError)
	exp := registerExperimentFlags(fs)
	store := registerStoreFlags(fs)
	ind := registerIndividualFlags(fs)
	cond := registerConditionFlags(fs)
	pert := registerPerturbationFlags(fs, "")
	out := fs.String("out", "", "write the recorded steps as CSV to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := exp.resolve(fs)
	if err != nil {
		return err
	}
	individual, err := ind.individual()
	if err != nil {
		return err
	}
	p, err := pert.perturbation(cfg)
	if err != nil {
		return err
	}

	client, err := store.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	result, err := client.Trajectory(ctx, api.TrajectoryRequest{
		Config:       cfg,
		Individual:   individual,
		Condition:    cond.condition(),
		Perturbation: p,
		CSVPath:      *out,
	})
	if err != nil {
		return err
	}
	printTrace("trial", result.Trace())
	if *out != "" {
		fmt.Printf("trajectory written to %s\n", *out)
	}
	return nil
}

func runPerturb(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("perturb", flag.ContinueOnError)
	exp := registerExperimentFlags(fs)
	store := registerStoreFlags(fs)
	ind := registerIndividualFlags(fs)
	cond := registerConditionFlags(fs)
	pert := registerPerturbationFlags(fs, "delay")
	jsonOut := fs.Bool("json", false, "emit the analysis as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := exp.resolve(fs)
	if err != nil {
		return err
	}
	individual, err := ind.individual()
	if err != nil {
		return err
	}
	p, err := pert.perturbation(cfg)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.New("--perturbation is required")
	}

	client, err := store.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	analysis, err := client.Perturb(ctx, api.PerturbRequest{
		Config:       cfg,
		Individual:   individual,
		Perturbation: p,
		Focus:        cond.condition(),
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(map[string]any{
			"kind":               analysis.Kind,
			"perturbation":       analysis.Perturbation,
			"original_fitness":   jsonFloat(analysis.OriginalFitness),
			"perturbed_fitness":  jsonFloat(analysis.PerturbedFitness),
			"delta":              jsonFloat(analysis.Delta()),
			"original_outcomes":  analysis.OriginalOutcomes,
			"perturbed_outcomes": analysis.PerturbedOutcomes,
		})
	}
	fmt.Printf("perturbation=%s kind=%s original_fitness=%s perturbed_fitness=%s delta=%s\n",
		analysis.Perturbation,
		analysis.Kind,
		formatFitness(analysis.OriginalFitness),
		formatFitness(analysis.PerturbedFitness),
		formatFitness(analysis.Delta()),
	)
	printOutcomes("original_outcomes", analysis.OriginalOutcomes)
	printOutcomes("perturbed_outcomes", analysis.PerturbedOutcomes)
	printTrace("original_trial", analysis.OriginalTrial.Trace())
	printTrace("perturbed_trial", analysis.PerturbedTrial.Trace())
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	store := registerStoreFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := store.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, api.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("run_id=%s status=%s started=%s fitness=%s variable=%s pop=%d tournaments=%s best_fitness=%s snapshot=%s\n",
			r.ID,
			r.Status,
			humanize.Time(r.StartedAt),
			r.FitnessName,
			r.OpticalVariable,
			r.PopulationSize,
			humanize.Comma(int64(r.Tournaments)),
			formatFitness(float64(r.BestFitness)),
			r.Snapshot,
		)
	}
	return nil
}

func runPopulation(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("population requires a subcommand: list|show|delete")
	}
	fs := flag.NewFlagSet("population "+args[0], flag.ContinueOnError)
	store := registerStoreFlags(fs)
	name := fs.String("name", "", "snapshot name")
	runID := fs.String("run-id", "", "show the latest snapshot of this run")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	client, err := store.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	switch args[0] {
	case "list":
		names, err := client.Snapshots(ctx)
		if err != nil {
			return err
		}
		sort.Strings(names)
		if len(names) == 0 {
			fmt.Println("no snapshots found")
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "show":
		s, err := client.Population(ctx, api.PopulationRequest{Snapshot: *name, RunID: *runID})
		if err != nil {
			return err
		}
		fmt.Printf("snapshot=%s run_id=%s fitness=%s variable=%s pop=%d genes=%d generations=%.2f best_fitness=%s updated=%s\n",
			s.Name,
			s.RunID,
			s.FitnessName,
			s.OpticalVariable,
			s.PopulationSize,
			s.GeneSize,
			s.Generations(),
			formatFitness(float64(s.BestFitness)),
			humanize.Time(s.UpdatedAt),
		)
		for _, h := range s.History {
			fmt.Printf("generation=%d best=%s mean=%s median=%s diversity=%s\n",
				h.Generation,
				formatFitness(float64(h.Best)),
				formatFitness(float64(h.Mean)),
				formatFitness(float64(h.Median)),
				formatFitness(float64(h.Diversity)),
			)
		}
		return nil
	case "delete":
		if *name == "" {
			return errors.New("population delete requires --name")
		}
		if err := client.DeleteSnapshot(ctx, *name); err != nil {
			return err
		}
		fmt.Printf("snapshot deleted name=%s\n", *name)
		return nil
	default:
		return fmt.Errorf("unsupported population subcommand: %s", args[0])
	}
}

func runConfig(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	exp := registerExperimentFlags(fs)
	out := fs.String("out", "experiment.yaml", "where to write the resolved experiment config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := exp.resolve(fs)
	if err != nil {
		return err
	}
	if err := cfg.Write(*out); err != nil {
		return err
	}
	fmt.Printf("config written to %s (%d conditions, genotype length %d)\n", *out, cfg.Grid.Len(), cfg.FitnessConfig().GenotypeLength())
	return nil
}

func printOutcomes(label string, outcomes map[scape.Outcome]int) {
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	fmt.Printf("%s:", label)
	for _, k := range keys {
		fmt.Printf(" %s=%d", k, outcomes[scape.Outcome(k)])
	}
	fmt.Println()
}

func printTrace(label string, trace scape.Trace) {
	keys := make([]string, 0, len(trace))
	for k := range trace {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%s:", label)
	for _, k := range keys {
		fmt.Printf(" %s=%v", k, trace[k])
	}
	fmt.Println()
}

func formatFitness(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%.6f", v)
}

// jsonFloat keeps non-finite values encodable.
func jsonFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	return v
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: opticbrakectl <evolve|endless|evaluate|trajectory|perturb|runs|population|config> [flags]", msg)
}
