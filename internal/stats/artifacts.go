package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"opticbrake/internal/experiment"
	"opticbrake/internal/model"
)

const runIndexFile = "run_index.json"

var errRunIDRequired = errors.New("run id is required")

var historyHeader = []string{"generation", "tournaments", "best", "mean", "median", "min", "std_dev", "diversity", "best_index"}

type RunConfig struct {
	RunID      string            `json:"run_id"`
	Snapshot   string            `json:"snapshot,omitempty"`
	StoreKind  string            `json:"store_kind,omitempty"`
	Mode       string            `json:"mode"`
	Experiment experiment.Config `json:"experiment"`
}

type RunArtifacts struct {
	Config           RunConfig               `json:"config"`
	History          []model.GenerationStats `json:"history"`
	FinalBestFitness model.Score             `json:"final_best_fitness"`
	BestIndividual   []float64               `json:"best_individual,omitempty"`
}

type fitnessHistory struct {
	History          []model.GenerationStats `json:"history"`
	FinalBestFitness model.Score             `json:"final_best_fitness"`
	BestIndividual   []float64               `json:"best_individual,omitempty"`
}

type RunIndexEntry struct {
	RunID            string      `json:"run_id"`
	Snapshot         string      `json:"snapshot,omitempty"`
	Fitness          string      `json:"fitness"`
	OpticalVariable  string      `json:"optical_variable"`
	PopulationSize   int         `json:"population_size"`
	Generations      float64     `json:"generations"`
	Seed             uint64      `json:"seed"`
	Workers          int         `json:"workers"`
	FinalBestFitness model.Score `json:"final_best_fitness"`
	CreatedAtUTC     string      `json:"created_at_utc"`
}

// WriteRunArtifacts writes config.json, fitness_history.json and
// fitness_history.csv under baseDir/<run id> and returns that directory.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if strings.TrimSpace(artifacts.Config.RunID) == "" {
		return "", errRunIDRequired
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "fitness_history.json"), fitnessHistory{
		History:          artifacts.History,
		FinalBestFitness: artifacts.FinalBestFitness,
		BestIndividual:   artifacts.BestIndividual,
	}); err != nil {
		return "", err
	}
	if err := writeHistoryCSV(filepath.Join(runDir, "fitness_history.csv"), artifacts.History); err != nil {
		return "", err
	}
	return runDir, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, "config.json"), &cfg)
	return cfg, ok, err
}

// ReadFitnessHistory parses fitness_history.csv for a run.
func ReadFitnessHistory(baseDir, runID string) ([]model.GenerationStats, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, "fitness_history.csv"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(historyHeader)
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return []model.GenerationStats{}, true, nil
		}
		return nil, false, err
	}

	history := make([]model.GenerationStats, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		row, err := parseHistoryRow(record)
		if err != nil {
			return nil, false, fmt.Errorf("fitness history row %d: %w", len(history)+1, err)
		}
		history = append(history, row)
	}
	return history, true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if strings.TrimSpace(entry.RunID) == "" {
		return errRunIDRequired
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	var entries []RunIndexEntry
	ok, err := readJSON(filepath.Join(baseDir, runIndexFile), &entries)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []RunIndexEntry{}, nil
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory's artifacts into outDir/<run id>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", errRunIDRequired
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "fitness_history.json", "fitness_history.csv"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func writeHistoryCSV(path string, history []model.GenerationStats) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(historyHeader); err != nil {
		return err
	}
	for _, h := range history {
		if err := writer.Write([]string{
			strconv.Itoa(h.Generation),
			strconv.Itoa(h.Tournaments),
			formatFloat(float64(h.Best)),
			formatFloat(float64(h.Mean)),
			formatFloat(float64(h.Median)),
			formatFloat(float64(h.Min)),
			formatFloat(float64(h.StdDev)),
			formatFloat(float64(h.Diversity)),
			strconv.Itoa(h.BestIndex),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func parseHistoryRow(record []string) (model.GenerationStats, error) {
	var row model.GenerationStats
	var err error
	if row.Generation, err = strconv.Atoi(record[0]); err != nil {
		return row, err
	}
	if row.Tournaments, err = strconv.Atoi(record[1]); err != nil {
		return row, err
	}
	floats := make([]float64, 6)
	for i := range floats {
		if floats[i], err = strconv.ParseFloat(record[2+i], 64); err != nil {
			return row, err
		}
	}
	row.Best = model.Score(floats[0])
	row.Mean = model.Score(floats[1])
	row.Median = model.Score(floats[2])
	row.Min = model.Score(floats[3])
	row.StdDev = model.Score(floats[4])
	row.Diversity = model.Score(floats[5])
	if row.BestIndex, err = strconv.Atoi(record[8]); err != nil {
		return row, err
	}
	return row, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
