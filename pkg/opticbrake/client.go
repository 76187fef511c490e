package opticbrake

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"opticbrake/internal/evo"
	"opticbrake/internal/experiment"
	"opticbrake/internal/fitness"
	"opticbrake/internal/model"
	"opticbrake/internal/scape"
	"opticbrake/internal/stats"
	"opticbrake/internal/storage"
)

const (
	defaultArtifactsDir = "runs"
	defaultStorePath    = "snapshots"
	defaultDBPath       = "opticbrake.db"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

type Options struct {
	StoreKind string
	// StorePath is the directory of the file backend or the database file of
	// the sqlite backend.
	StorePath    string
	ArtifactsDir string
}

type Client struct {
	store        storage.Store
	artifactsDir string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	storePath := opts.StorePath
	if storePath == "" {
		storePath = defaultStorePath
		if storeKind == "sqlite" {
			storePath = defaultDBPath
		}
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}

	store, err := storage.NewStore(storeKind, storePath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(context.Background()); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, fmt.Errorf("init %s store: %w", storeKind, err)
	}
	return &Client{store: store, artifactsDir: artifactsDir}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

type EvolveRequest struct {
	Config experiment.Config
	// Resume names a stored snapshot to continue from. Config.Generations
	// more generations are run on top of it.
	Resume   string
	Reporter evo.Reporter
	// RunID is generated when empty.
	RunID string
}

type EvolveSummary struct {
	RunID          string
	Snapshot       string
	ArtifactsDir   string
	Generations    float64
	Tournaments    int
	BestFitness    float64
	BestIndividual []float64
	History        []model.GenerationStats
}

// Evolve runs a bounded microbial GA. A snapshot is saved every
// Config.CheckpointEvery generations and at the end. A cancelled run is
// checkpointed where it stopped; a failed run keeps its last checkpoint.
func (c *Client) Evolve(ctx context.Context, req EvolveRequest) (EvolveSummary, error) {
	m, cfg, err := c.microbial(ctx, req.Config, req.Resume)
	if err != nil {
		return EvolveSummary{}, err
	}

	run, err := c.startRun(ctx, req.RunID, cfg, m)
	if err != nil {
		return EvolveSummary{}, err
	}

	popsize := cfg.Population
	remaining := cfg.Tournaments()
	chunk := remaining
	if cfg.CheckpointEvery > 0 {
		chunk = cfg.CheckpointEvery * popsize
	}

	for remaining > 0 {
		n := min(chunk, remaining)
		if err := m.RunTournaments(ctx, n, req.Reporter); err != nil {
			if ctx.Err() != nil {
				// Tournaments are atomic, so the population is consistent.
				if cerr := c.checkpoint(context.WithoutCancel(ctx), run, m, model.RunStatusCancelled); cerr != nil {
					err = errors.Join(err, cerr)
				}
			}
			return EvolveSummary{}, c.abort(ctx, run, m, err)
		}
		remaining -= n
		if remaining > 0 {
			if err := c.checkpoint(ctx, run, m, model.RunStatusRunning); err != nil {
				return EvolveSummary{}, c.abort(ctx, run, m, err)
			}
		}
	}
	if err := c.checkpoint(ctx, run, m, model.RunStatusCompleted); err != nil {
		return EvolveSummary{}, c.abort(ctx, run, m, err)
	}

	summary := summarize(run.record, m)
	runDir, err := c.writeArtifacts(run.record, "evolve", cfg, m)
	if err != nil {
		return EvolveSummary{}, err
	}
	summary.ArtifactsDir = runDir
	return summary, nil
}

type EndlessRequest struct {
	Config   experiment.Config
	Resume   string
	Reporter evo.Reporter
	RunID    string
	// Now overrides the wall clock, mainly for tests.
	Now func() time.Time
}

// Endless runs tournaments until ctx is cancelled, checkpointing every
// Config.SaveInterval. Cancellation is the normal way to stop it and is not
// reported as an error.
func (c *Client) Endless(ctx context.Context, req EndlessRequest) (EvolveSummary, error) {
	m, cfg, err := c.microbial(ctx, req.Config, req.Resume)
	if err != nil {
		return EvolveSummary{}, err
	}

	run, err := c.startRun(ctx, req.RunID, cfg, m)
	if err != nil {
		return EvolveSummary{}, err
	}

	err = m.RunEndless(ctx, evo.EndlessConfig{
		Interval: cfg.SaveInterval(),
		Now:      req.Now,
		Checkpoint: func(ctx context.Context, snapshot model.PopulationSnapshot) error {
			return c.saveCheckpoint(ctx, run, snapshot, model.RunStatusRunning)
		},
	}, req.Reporter)
	if err != nil {
		return EvolveSummary{}, c.abort(ctx, run, m, err)
	}

	run.record.Status = model.RunStatusCompleted
	run.record.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveRun(context.WithoutCancel(ctx), run.record); err != nil {
		return EvolveSummary{}, err
	}

	summary := summarize(run.record, m)
	runDir, err := c.writeArtifacts(run.record, "endless", cfg, m)
	if err != nil {
		return EvolveSummary{}, err
	}
	summary.ArtifactsDir = runDir
	return summary, nil
}

// microbial builds a fresh population, or restores one when resume names a
// snapshot. A restored snapshot fixes the fitness function, optical variable
// and population size.
func (c *Client) microbial(ctx context.Context, cfg experiment.Config, resume string) (*evo.Microbial, experiment.Config, error) {
	if resume != "" {
		snapshot, err := c.snapshot(ctx, resume)
		if err != nil {
			return nil, cfg, err
		}
		cfg, err = applySnapshot(cfg, snapshot)
		if err != nil {
			return nil, cfg, err
		}
		f, err := fitness.New(cfg.Fitness, cfg.FitnessConfig())
		if err != nil {
			return nil, cfg, err
		}
		m, err := evo.RestoreMicrobial(snapshot, f, cfg.Workers)
		if err != nil {
			return nil, cfg, fmt.Errorf("restore %s: %w", resume, err)
		}
		return m, cfg, nil
	}

	cfg, err := cfg.Canonical()
	if err != nil {
		return nil, cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfg, err
	}
	f, err := fitness.New(cfg.Fitness, cfg.FitnessConfig())
	if err != nil {
		return nil, cfg, err
	}
	m, err := evo.NewMicrobial(cfg.MicrobialConfig(f))
	if err != nil {
		return nil, cfg, err
	}
	return m, cfg, nil
}

func applySnapshot(cfg experiment.Config, s model.PopulationSnapshot) (experiment.Config, error) {
	kind, err := fitness.ParseKind(s.FitnessName)
	if err != nil {
		return cfg, fmt.Errorf("snapshot %s: %w", s.Name, err)
	}
	cfg.Fitness = kind
	if s.OpticalVariable != "" {
		v, err := scape.ParseOpticalVariable(s.OpticalVariable)
		if err != nil {
			return cfg, fmt.Errorf("snapshot %s: %w", s.Name, err)
		}
		cfg.OpticalVariable = v
	}
	cfg.Population = s.PopulationSize
	cfg.RecombProb = s.RecombProb
	cfg.MutatProb = s.MutatProb
	cfg.Seed = s.Seed
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if want := cfg.FitnessConfig().GenotypeLength(); s.GeneSize != want {
		return cfg, fmt.Errorf("snapshot %s has %d genes, network size %d needs %d", s.Name, s.GeneSize, cfg.NetworkSize, want)
	}
	return cfg, nil
}

// activeRun is the run record of an in-progress run plus what snapshot
// names need.
type activeRun struct {
	record   model.RunRecord
	variable scape.OpticalVariable
	trials   int
}

func (c *Client) startRun(ctx context.Context, runID string, cfg experiment.Config, m *evo.Microbial) (*activeRun, error) {
	if runID == "" {
		runID = uuid.NewString()
	} else if err := storage.ValidateName(runID); err != nil {
		return nil, err
	}
	mc := m.Config()
	now := time.Now().UTC()
	_, best, _ := m.Best()
	run := &activeRun{
		record: model.RunRecord{
			VersionedRecord: storage.CurrentVersion(),
			ID:              runID,
			FitnessName:     mc.FitnessName,
			OpticalVariable: mc.OpticalVariable,
			PopulationSize:  mc.PopulationSize,
			GeneSize:        mc.GeneSize,
			Tournaments:     m.TournamentsRun(),
			BestFitness:     model.Score(best),
			Status:          model.RunStatusRunning,
			StartedAt:       now,
			UpdatedAt:       now,
		},
		variable: cfg.OpticalVariable,
		trials:   cfg.Grid.Len(),
	}
	if err := c.store.SaveRun(ctx, run.record); err != nil {
		return nil, err
	}
	return run, nil
}

func (c *Client) checkpoint(ctx context.Context, run *activeRun, m *evo.Microbial, status model.RunStatus) error {
	snapshot, err := m.Snapshot()
	if err != nil {
		return err
	}
	return c.saveCheckpoint(ctx, run, snapshot, status)
}

// saveCheckpoint names and stores the snapshot, then points the run record
// at it.
func (c *Client) saveCheckpoint(ctx context.Context, run *activeRun, snapshot model.PopulationSnapshot, status model.RunStatus) error {
	snapshot.VersionedRecord = storage.CurrentVersion()
	snapshot.RunID = run.record.ID
	snapshot.Name = evo.SnapshotName(snapshot.FitnessName, int(run.variable), snapshot.PopulationSize, run.trials, int(snapshot.Generations()), snapshot.CreatedAt)
	if err := c.store.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snapshot.Name, err)
	}

	run.record.Snapshot = snapshot.Name
	run.record.Tournaments = snapshot.Tournaments
	run.record.BestFitness = snapshot.BestFitness
	run.record.Status = status
	run.record.UpdatedAt = time.Now().UTC()
	return c.store.SaveRun(ctx, run.record)
}

// abort records a failed or cancelled run and returns cause. The last
// completed checkpoint stays the run's snapshot.
func (c *Client) abort(ctx context.Context, run *activeRun, m *evo.Microbial, cause error) error {
	run.record.Status = model.RunStatusFailed
	if ctx.Err() != nil {
		run.record.Status = model.RunStatusCancelled
	}
	run.record.Tournaments = m.TournamentsRun()
	run.record.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveRun(context.WithoutCancel(ctx), run.record); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func summarize(run model.RunRecord, m *evo.Microbial) EvolveSummary {
	best, fit, ok := m.Best()
	if !ok {
		fit = math.Inf(-1)
	}
	return EvolveSummary{
		RunID:          run.ID,
		Snapshot:       run.Snapshot,
		Generations:    m.GenerationsRun(),
		Tournaments:    m.TournamentsRun(),
		BestFitness:    fit,
		BestIndividual: best,
		History:        m.History(),
	}
}

func (c *Client) writeArtifacts(run model.RunRecord, mode string, cfg experiment.Config, m *evo.Microbial) (string, error) {
	best, fit, _ := m.Best()
	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:      run.ID,
			Snapshot:   run.Snapshot,
			Mode:       mode,
			Experiment: cfg,
		},
		History:          m.History(),
		FinalBestFitness: model.Score(fit),
		BestIndividual:   best,
	})
	if err != nil {
		return "", fmt.Errorf("write run artifacts: %w", err)
	}
	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:            run.ID,
		Snapshot:         run.Snapshot,
		Fitness:          run.FitnessName,
		OpticalVariable:  run.OpticalVariable,
		PopulationSize:   run.PopulationSize,
		Generations:      m.GenerationsRun(),
		Seed:             cfg.Seed,
		Workers:          cfg.Workers,
		FinalBestFitness: model.Score(fit),
		CreatedAtUTC:     run.StartedAt.Format(time.RFC3339Nano),
	}); err != nil {
		return "", fmt.Errorf("update run index: %w", err)
	}
	return runDir, nil
}

func (c *Client) snapshot(ctx context.Context, name string) (model.PopulationSnapshot, error) {
	snapshot, ok, err := c.store.GetSnapshot(ctx, name)
	if err != nil {
		return model.PopulationSnapshot{}, err
	}
	if !ok {
		return model.PopulationSnapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	return snapshot, nil
}

type RunsRequest struct {
	Limit int
}

// Runs lists run records newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]model.RunRecord, error) {
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	slices.Reverse(runs)
	if req.Limit > 0 && len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}
	return runs, nil
}

type PopulationRequest struct {
	Snapshot string
	// RunID selects the latest snapshot of a run when Snapshot is empty.
	RunID string
}

// Population loads a stored snapshot by name or by run.
func (c *Client) Population(ctx context.Context, req PopulationRequest) (model.PopulationSnapshot, error) {
	name := req.Snapshot
	if name == "" {
		if req.RunID == "" {
			return model.PopulationSnapshot{}, fmt.Errorf("snapshot name or run id is required")
		}
		run, ok, err := c.store.GetRun(ctx, req.RunID)
		if err != nil {
			return model.PopulationSnapshot{}, err
		}
		if !ok {
			return model.PopulationSnapshot{}, fmt.Errorf("run not found: %s", req.RunID)
		}
		if run.Snapshot == "" {
			return model.PopulationSnapshot{}, fmt.Errorf("%w: run %s has no checkpoint", ErrSnapshotNotFound, req.RunID)
		}
		name = run.Snapshot
	}
	return c.snapshot(ctx, name)
}

// Snapshots lists stored snapshot names.
func (c *Client) Snapshots(ctx context.Context) ([]string, error) {
	return c.store.ListSnapshots(ctx)
}

func (c *Client) DeleteSnapshot(ctx context.Context, name string) error {
	return c.store.DeleteSnapshot(ctx, name)
}
