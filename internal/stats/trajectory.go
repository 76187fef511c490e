package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"opticbrake/internal/scape"
)

func trajectoryHeader() []string {
	header := []string{"step", "time", "distance", "velocity", "acceleration", "motor", "brake_effectiveness"}
	for _, v := range scape.OpticalVariables() {
		header = append(header, v.String())
	}
	return header
}

// WriteTrajectoryCSV writes one row per recorded step.
func WriteTrajectoryCSV(w io.Writer, rec *scape.Recording) error {
	if rec == nil {
		return fmt.Errorf("trajectory has no recording")
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(trajectoryHeader()); err != nil {
		return err
	}
	for i := 0; i < rec.Len(); i++ {
		row := []string{
			strconv.Itoa(i + 1),
			formatFloat(rec.Time[i]),
			formatFloat(rec.Distance[i]),
			formatFloat(rec.Velocity[i]),
			formatFloat(rec.Acceleration[i]),
			formatFloat(rec.Motor[i]),
			formatFloat(rec.BrakeEffectiveness[i]),
		}
		for _, v := range scape.OpticalVariables() {
			row = append(row, formatFloat(rec.Optical[i].Get(v)))
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTrajectoryFile writes the recording to path, creating parent
// directories as needed.
func WriteTrajectoryFile(path string, rec *scape.Recording) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTrajectoryCSV(file, rec); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
