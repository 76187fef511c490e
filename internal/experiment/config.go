package experiment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"opticbrake/internal/evo"
	"opticbrake/internal/fitness"
	"opticbrake/internal/nn"
	"opticbrake/internal/scape"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config describes one evolution experiment end to end.
type Config struct {
	Fitness         fitness.Kind          `json:"fitness" yaml:"fitness" toml:"fitness"`
	OpticalVariable scape.OpticalVariable `json:"optical_variable" yaml:"optical_variable" toml:"optical_variable"`
	NetworkSize     int                   `json:"network_size" yaml:"network_size" toml:"network_size"`
	Ranges          nn.Ranges             `json:"ranges" yaml:"ranges" toml:"ranges"`
	Dt              float64               `json:"dt" yaml:"dt" toml:"dt"`
	TrialLength     float64               `json:"trial_length" yaml:"trial_length" toml:"trial_length"`
	BrakeConstant   float64               `json:"brake_constant" yaml:"brake_constant" toml:"brake_constant"`
	JerkWeight      float64               `json:"jerk_weight" yaml:"jerk_weight" toml:"jerk_weight"`
	Grid            fitness.Grid          `json:"grid" yaml:"grid" toml:"grid"`

	Population  int     `json:"population" yaml:"population" toml:"population"`
	RecombProb  float64 `json:"recomb_prob" yaml:"recomb_prob" toml:"recomb_prob"`
	MutatProb   float64 `json:"mutat_prob" yaml:"mutat_prob" toml:"mutat_prob"`
	Generations int     `json:"generations" yaml:"generations" toml:"generations"`
	// CheckpointEvery is the number of generations between saved snapshots
	// in bounded runs. Zero saves only at the end.
	CheckpointEvery int `json:"checkpoint_every" yaml:"checkpoint_every" toml:"checkpoint_every"`
	// SaveIntervalMinutes is the wall-clock time between snapshots in
	// endless runs.
	SaveIntervalMinutes float64 `json:"save_interval_minutes" yaml:"save_interval_minutes" toml:"save_interval_minutes"`
	Seed                uint64  `json:"seed" yaml:"seed" toml:"seed"`
	Workers             int     `json:"workers" yaml:"workers" toml:"workers"`
}

// Default is the reference braking experiment.
func Default() Config {
	ref := fitness.ReferenceConfig()
	return Config{
		Fitness:             fitness.KindDistanceVelocityJerk,
		OpticalVariable:     ref.OpticalVariable,
		NetworkSize:         ref.Size,
		Ranges:              ref.Ranges,
		Dt:                  ref.Dt,
		TrialLength:         ref.TrialLength,
		BrakeConstant:       ref.BrakeConstant,
		JerkWeight:          ref.JerkWeight,
		Grid:                ref.Grid,
		Population:          150,
		RecombProb:          0.5,
		MutatProb:           0.1,
		Generations:         1000,
		CheckpointEvery:     25,
		SaveIntervalMinutes: 30,
		Seed:                1,
		Workers:             1,
	}
}

// Load reads a config file over Default. The format follows the extension:
// .yaml/.yml, .toml or .json. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch format(path) {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parse toml config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("parse toml config %s: unknown keys %v", path, undecoded)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	cfg, err = cfg.Canonical()
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Canonical returns c with its fitness kind spelled canonically, so aliases
// such as "Distance-Velocity" do not leak into snapshot names.
func (c Config) Canonical() (Config, error) {
	kind, err := fitness.ParseKind(string(c.Fitness))
	if err != nil {
		return c, err
	}
	c.Fitness = kind
	return c, nil
}

// Write stores cfg in the format implied by the extension of path.
func (c Config) Write(path string) error {
	var (
		data []byte
		err  error
	)
	switch format(path) {
	case "yaml":
		data, err = yaml.Marshal(c)
	case "toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	case "json":
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return ""
	}
}

func (c Config) Validate() error {
	if _, err := fitness.ParseKind(string(c.Fitness)); err != nil {
		return err
	}
	if err := c.FitnessConfig().Validate(); err != nil {
		return err
	}
	if c.Population < 2 {
		return fmt.Errorf("population must be >= 2, got %d", c.Population)
	}
	if !(c.RecombProb >= 0 && c.RecombProb <= 1) {
		return fmt.Errorf("recomb_prob must be in [0,1], got %v", c.RecombProb)
	}
	if !(c.MutatProb >= 0) || math.IsInf(c.MutatProb, 0) {
		return fmt.Errorf("mutat_prob must be finite and >= 0, got %v", c.MutatProb)
	}
	if c.Generations < 0 {
		return fmt.Errorf("generations must be >= 0, got %d", c.Generations)
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint_every must be >= 0, got %d", c.CheckpointEvery)
	}
	if !(c.SaveIntervalMinutes > 0) || math.IsInf(c.SaveIntervalMinutes, 0) {
		return fmt.Errorf("save_interval_minutes must be > 0, got %v", c.SaveIntervalMinutes)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	return nil
}

func (c Config) FitnessConfig() fitness.Config {
	return fitness.Config{
		Size:            c.NetworkSize,
		Ranges:          c.Ranges,
		Dt:              c.Dt,
		TrialLength:     c.TrialLength,
		OpticalVariable: c.OpticalVariable,
		BrakeConstant:   c.BrakeConstant,
		Grid:            c.Grid,
		JerkWeight:      c.JerkWeight,
	}
}

// MicrobialConfig binds the GA settings to a fitness function built from
// this config.
func (c Config) MicrobialConfig(f fitness.Func) evo.MicrobialConfig {
	return evo.MicrobialConfig{
		Fitness:         f,
		FitnessName:     string(c.Fitness),
		OpticalVariable: c.OpticalVariable.String(),
		PopulationSize:  c.Population,
		GeneSize:        nn.GenotypeLength(c.NetworkSize),
		RecombProb:      c.RecombProb,
		MutatProb:       c.MutatProb,
		Seed:            c.Seed,
		Workers:         c.Workers,
	}
}

// Tournaments is the tournament budget of a bounded run.
func (c Config) Tournaments() int {
	return c.Generations * c.Population
}

func (c Config) SaveInterval() time.Duration {
	return time.Duration(c.SaveIntervalMinutes * float64(time.Minute))
}
