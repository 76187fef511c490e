package fitness

import (
	"fmt"
	"math"

	"opticbrake/internal/scape"
)

// Grid is the set of initial conditions every genotype is evaluated on.
type Grid struct {
	TargetSizes       []float64 `json:"target_sizes" yaml:"target_sizes" toml:"target_sizes"`
	InitialDistances  []float64 `json:"initial_distances" yaml:"initial_distances" toml:"initial_distances"`
	InitialVelocities []float64 `json:"initial_velocities" yaml:"initial_velocities" toml:"initial_velocities"`
}

// ReferenceGrid is the full 4x7x6 condition grid.
func ReferenceGrid() Grid {
	return Grid{
		TargetSizes:       []float64{45, 55, 65, 75},
		InitialDistances:  []float64{120, 135, 150, 165, 180, 205, 210},
		InitialVelocities: []float64{10, 11, 12, 13, 14, 15},
	}
}

// ReducedGrid is a 2x3x2 grid for quick runs.
func ReducedGrid() Grid {
	return Grid{
		TargetSizes:       []float64{55, 65},
		InitialDistances:  []float64{150, 165, 180},
		InitialVelocities: []float64{12, 13},
	}
}

func (g Grid) Len() int {
	return len(g.TargetSizes) * len(g.InitialDistances) * len(g.InitialVelocities)
}

// Conditions enumerates the Cartesian product with target size outermost and
// velocity innermost.
func (g Grid) Conditions() []scape.Condition {
	out := make([]scape.Condition, 0, g.Len())
	for _, ts := range g.TargetSizes {
		for _, d := range g.InitialDistances {
			for _, v := range g.InitialVelocities {
				out = append(out, scape.Condition{TargetSize: ts, Distance: d, Velocity: v})
			}
		}
	}
	return out
}

func (g Grid) Validate() error {
	if g.Len() == 0 {
		return fmt.Errorf("grid must contain at least one condition")
	}
	for _, ts := range g.TargetSizes {
		if !(ts > 0) || math.IsInf(ts, 0) {
			return fmt.Errorf("target size must be > 0, got %v", ts)
		}
	}
	for _, d := range g.InitialDistances {
		if !(d > 0) || math.IsInf(d, 0) {
			return fmt.Errorf("initial distance must be > 0, got %v", d)
		}
	}
	for _, v := range g.InitialVelocities {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("initial velocity must be > 0, got %v", v)
		}
	}
	return nil
}
