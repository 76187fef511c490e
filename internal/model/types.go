package model

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Score is a fitness value. Non-finite values are encoded as the JSON strings
// "NaN", "+Inf" and "-Inf" so they survive a round trip.
type Score float64

func (s Score) MarshalJSON() ([]byte, error) {
	f := float64(s)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	default:
		return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
	}
}

func (s *Score) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		raw, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("decode score: %w", err)
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("decode score %q: %w", raw, err)
		}
		*s = Score(f)
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("decode score: %w", err)
	}
	*s = Score(f)
	return nil
}

func Scores(values []float64) []Score {
	out := make([]Score, len(values))
	for i, v := range values {
		out[i] = Score(v)
	}
	return out
}

func Floats(scores []Score) []float64 {
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = float64(s)
	}
	return out
}

// GenerationStats is one sample of population statistics, taken once per
// generation.
type GenerationStats struct {
	Generation  int   `json:"generation"`
	Tournaments int   `json:"tournaments"`
	Best        Score `json:"best"`
	Mean        Score `json:"mean"`
	Median      Score `json:"median"`
	Min         Score `json:"min"`
	StdDev      Score `json:"std_dev"`
	Diversity   Score `json:"diversity"`
	BestIndex   int   `json:"best_index"`
}

// PopulationSnapshot is the complete, resumable state of a microbial run.
type PopulationSnapshot struct {
	VersionedRecord
	Name            string            `json:"name"`
	RunID           string            `json:"run_id"`
	FitnessName     string            `json:"fitness_name"`
	OpticalVariable string            `json:"optical_variable,omitempty"`
	PopulationSize  int               `json:"population_size"`
	GeneSize        int               `json:"gene_size"`
	RecombProb      float64           `json:"recomb_prob"`
	MutatProb       float64           `json:"mutat_prob"`
	Seed            uint64            `json:"seed"`
	RNGState        []byte            `json:"rng_state"`
	Tournaments     int               `json:"tournaments"`
	Population      [][]float64       `json:"population"`
	History         []GenerationStats `json:"history"`
	// PopulationHistory holds every individual's fitness at each sample.
	PopulationHistory [][]Score `json:"population_history,omitempty"`
	BestIndividual    []float64 `json:"best_individual,omitempty"`
	BestFitness       Score     `json:"best_fitness"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Generations is the fractional generation count of the snapshot.
func (s PopulationSnapshot) Generations() float64 {
	if s.PopulationSize == 0 {
		return 0
	}
	return float64(s.Tournaments) / float64(s.PopulationSize)
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the index entry for one evolution run.
type RunRecord struct {
	VersionedRecord
	ID              string    `json:"id"`
	Snapshot        string    `json:"snapshot"`
	FitnessName     string    `json:"fitness_name"`
	OpticalVariable string    `json:"optical_variable"`
	PopulationSize  int       `json:"population_size"`
	GeneSize        int       `json:"gene_size"`
	Tournaments     int       `json:"tournaments"`
	BestFitness     Score     `json:"best_fitness"`
	Status          RunStatus `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
