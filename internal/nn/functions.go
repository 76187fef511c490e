package nn

import (
	"fmt"
	"math"
)

// Sigmoid is the logistic activation used for every CTRNN neuron.
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Sat clamps value to [min, max].
func Sat(value, max, min float64) float64 {
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}

// ScaleSymmetric maps a gene in [-1, 1] onto [-spread, spread].
func ScaleSymmetric(gene, spread float64) float64 {
	return gene * spread
}

// ScaleInterval maps a gene in [-1, 1] onto [min, max].
func ScaleInterval(gene, min, max float64) float64 {
	return ((gene+1)/2)*(max-min) + min
}

// Avg returns the arithmetic mean of values.
func Avg(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("values must not be empty")
	}
	sum := 0.0
	for _, value := range values {
		sum += value
	}
	return sum / float64(len(values)), nil
}
