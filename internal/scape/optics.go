package scape

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// OpticalVariable selects which optical quantity drives the controller.
type OpticalVariable int

const (
	ImageSize OpticalVariable = iota
	ExpansionRate
	Tau
	TauDot
	ProportionalRate
)

const opticalVariableCount = 5

var opticalVariableNames = [opticalVariableCount]string{
	"image_size",
	"expansion_rate",
	"tau",
	"tau_dot",
	"proportional_rate",
}

// OpticalVariables lists every selectable variable in index order.
func OpticalVariables() []OpticalVariable {
	return []OpticalVariable{ImageSize, ExpansionRate, Tau, TauDot, ProportionalRate}
}

func (v OpticalVariable) Valid() bool {
	return v >= 0 && v < opticalVariableCount
}

func (v OpticalVariable) String() string {
	if !v.Valid() {
		return fmt.Sprintf("optical_variable(%d)", int(v))
	}
	return opticalVariableNames[v]
}

// ParseOpticalVariable accepts a canonical name or an index 0-4.
func ParseOpticalVariable(raw string) (OpticalVariable, error) {
	name := strings.TrimSpace(strings.ToLower(raw))
	name = strings.ReplaceAll(name, "-", "_")
	for i, candidate := range opticalVariableNames {
		if name == candidate {
			return OpticalVariable(i), nil
		}
	}
	if idx, err := strconv.Atoi(name); err == nil {
		if v := OpticalVariable(idx); v.Valid() {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unsupported optical variable: %q", raw)
}

func (v OpticalVariable) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("unsupported optical variable: %d", int(v))
	}
	return []byte(v.String()), nil
}

func (v *OpticalVariable) UnmarshalText(text []byte) error {
	parsed, err := ParseOpticalVariable(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// OpticalInfo holds [image size, expansion rate, tau, tau-dot, proportional rate].
type OpticalInfo [opticalVariableCount]float64

func initialOpticalInfo() OpticalInfo {
	return OpticalInfo{1, 1, 1, 1, 1}
}

func (o OpticalInfo) Get(v OpticalVariable) float64 {
	return o[v]
}

// nextOpticalInfo derives the optical variables for a new distance sample.
// Rates are first differences against the previous sample; the divisions are
// left to IEEE-754 so a stalled image produces Inf or NaN rather than an error.
func nextOpticalInfo(prev OpticalInfo, targetSize, distance float64) OpticalInfo {
	imageSize := math.Atan(targetSize / distance)
	expansion := imageSize - prev[ImageSize]
	tau := imageSize / expansion
	tauDot := tau - prev[Tau]
	pr := tau / tauDot
	return OpticalInfo{imageSize, expansion, tau, tauDot, pr}
}
