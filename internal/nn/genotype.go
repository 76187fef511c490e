package nn

import (
	"fmt"
	"math"
)

// Ranges scales raw [-1, 1] genes into network parameter ranges.
type Ranges struct {
	WeightRange      float64 `json:"weight_range" yaml:"weight_range" toml:"weight_range"`
	BiasRange        float64 `json:"bias_range" yaml:"bias_range" toml:"bias_range"`
	TimeConstMin     float64 `json:"time_constant_min" yaml:"time_constant_min" toml:"time_constant_min"`
	TimeConstMax     float64 `json:"time_constant_max" yaml:"time_constant_max" toml:"time_constant_max"`
	InputWeightRange float64 `json:"input_weight_range" yaml:"input_weight_range" toml:"input_weight_range"`
}

// ReferenceRanges are the decoding ranges used for the published braking runs.
func ReferenceRanges() Ranges {
	return Ranges{
		WeightRange:      16,
		BiasRange:        16,
		TimeConstMin:     1,
		TimeConstMax:     10,
		InputWeightRange: 16,
	}
}

func (r Ranges) Validate() error {
	spreads := []struct {
		name  string
		value float64
	}{
		{"weight range", r.WeightRange},
		{"bias range", r.BiasRange},
		{"input weight range", r.InputWeightRange},
	}
	for _, s := range spreads {
		if math.IsNaN(s.value) || math.IsInf(s.value, 0) || s.value < 0 {
			return fmt.Errorf("%s must be finite and >= 0, got %v", s.name, s.value)
		}
	}
	if !(r.TimeConstMin > 0) || math.IsInf(r.TimeConstMin, 0) {
		return fmt.Errorf("%w: minimum is %v", ErrTimeConstant, r.TimeConstMin)
	}
	if !(r.TimeConstMax >= r.TimeConstMin) || math.IsInf(r.TimeConstMax, 0) {
		return fmt.Errorf("time constant max %v must be finite and >= min %v", r.TimeConstMax, r.TimeConstMin)
	}
	return nil
}

// GenotypeLength is the number of genes needed for a network of the given
// size: a row-major weight matrix plus biases, time constants and input
// weights.
func GenotypeLength(size int) int {
	return size*size + 3*size
}
