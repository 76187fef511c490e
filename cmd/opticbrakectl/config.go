package main

import (
	"flag"
	"fmt"

	"opticbrake/internal/experiment"
	"opticbrake/internal/fitness"
	"opticbrake/internal/scape"
)

// experimentFlags are the experiment settings every command accepts. Flags
// given on the command line override the config file.
type experimentFlags struct {
	configPath      *string
	fitness         *string
	variable        *string
	size            *int
	population      *int
	generations     *int
	recombProb      *float64
	mutatProb       *float64
	seed            *uint64
	workers         *int
	checkpointEvery *int
	saveInterval    *float64
	trialLength     *float64
	dt              *float64
	jerkWeight      *float64
	grid            *string
}

func registerExperimentFlags(fs *flag.FlagSet) *experimentFlags {
	def := experiment.Default()
	return &experimentFlags{
		configPath:      fs.String("config", "", "experiment config file (.yaml, .yml, .toml or .json)"),
		fitness:         fs.String("fitness", string(def.Fitness), "fitness function: final_distance|final_distance_no_crash|distance_velocity|distance_velocity_jerk"),
		variable:        fs.String("variable", def.OpticalVariable.String(), "optical variable: image_size|expansion_rate|tau|tau_dot|proportional_rate"),
		size:            fs.Int("size", def.NetworkSize, "CTRNN size"),
		population:      fs.Int("pop", def.Population, "population size"),
		generations:     fs.Int("gens", def.Generations, "generation count"),
		recombProb:      fs.Float64("recomb", def.RecombProb, "per-gene recombination probability"),
		mutatProb:       fs.Float64("mutat", def.MutatProb, "mutation standard deviation"),
		seed:            fs.Uint64("seed", def.Seed, "rng seed"),
		workers:         fs.Int("workers", def.Workers, "parallel fitness evaluations when sampling statistics"),
		checkpointEvery: fs.Int("checkpoint-every", def.CheckpointEvery, "generations between snapshots (0 saves only at the end)"),
		saveInterval:    fs.Float64("save-interval-min", def.SaveIntervalMinutes, "minutes between snapshots of an endless run"),
		trialLength:     fs.Float64("trial-length", def.TrialLength, "trial time budget in seconds"),
		dt:              fs.Float64("dt", def.Dt, "integration step in seconds"),
		jerkWeight:      fs.Float64("jerk-weight", def.JerkWeight, "jerk penalty weight of distance_velocity_jerk, 0 disables it"),
		grid:            fs.String("grid", "reference", "condition grid: reference|reduced"),
	}
}

// resolve loads the config file, if any, and applies the flags that were set
// explicitly.
func (f *experimentFlags) resolve(fs *flag.FlagSet) (experiment.Config, error) {
	cfg := experiment.Default()
	if *f.configPath != "" {
		loaded, err := experiment.Load(*f.configPath)
		if err != nil {
			return experiment.Config{}, err
		}
		cfg = loaded
	}

	var err error
	fs.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		switch fl.Name {
		case "fitness":
			cfg.Fitness, err = fitness.ParseKind(*f.fitness)
		case "variable":
			cfg.OpticalVariable, err = scape.ParseOpticalVariable(*f.variable)
		case "size":
			cfg.NetworkSize = *f.size
		case "pop":
			cfg.Population = *f.population
		case "gens":
			cfg.Generations = *f.generations
		case "recomb":
			cfg.RecombProb = *f.recombProb
		case "mutat":
			cfg.MutatProb = *f.mutatProb
		case "seed":
			cfg.Seed = *f.seed
		case "workers":
			cfg.Workers = *f.workers
		case "checkpoint-every":
			cfg.CheckpointEvery = *f.checkpointEvery
		case "save-interval-min":
			cfg.SaveIntervalMinutes = *f.saveInterval
		case "trial-length":
			cfg.TrialLength = *f.trialLength
		case "dt":
			cfg.Dt = *f.dt
		case "jerk-weight":
			cfg.JerkWeight = *f.jerkWeight
		case "grid":
			cfg.Grid, err = gridFromName(*f.grid)
		}
	})
	if err != nil {
		return experiment.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return experiment.Config{}, err
	}
	return cfg, nil
}

func gridFromName(name string) (fitness.Grid, error) {
	switch name {
	case "reference":
		return fitness.ReferenceGrid(), nil
	case "reduced":
		return fitness.ReducedGrid(), nil
	default:
		return fitness.Grid{}, fmt.Errorf("unsupported grid: %s", name)
	}
}
