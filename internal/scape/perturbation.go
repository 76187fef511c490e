package scape

import (
	"fmt"
	"strings"
)

// Perturbation disturbs a running trial. TransformOutput rewrites the motor
// command before Act; Perturb runs after Act. Both receive the zero-based
// step index. Reset is called at the start of every trial.
type Perturbation interface {
	Name() string
	Reset()
	TransformOutput(step int, output float64) float64
	Perturb(step int, s *Simulator)
}

type seriesKind int

const (
	seriesPosition seriesKind = iota
	seriesVelocity
	seriesMapping
)

// SeriesPerturbation applies one value per step. Steps past the end of the
// series are left untouched.
type SeriesPerturbation struct {
	kind   seriesKind
	series []float64
}

// PositionPerturbation displaces the agent by series[i] metres after step i.
func PositionPerturbation(series []float64) *SeriesPerturbation {
	return &SeriesPerturbation{kind: seriesPosition, series: append([]float64(nil), series...)}
}

// VelocityPerturbation adds series[i] m/s to the agent's speed after step i.
func VelocityPerturbation(series []float64) *SeriesPerturbation {
	return &SeriesPerturbation{kind: seriesVelocity, series: append([]float64(nil), series...)}
}

// MappingPerturbation sets brake effectiveness to series[i] after step i, so
// it governs step i+1.
func MappingPerturbation(series []float64) *SeriesPerturbation {
	return &SeriesPerturbation{kind: seriesMapping, series: append([]float64(nil), series...)}
}

func (p *SeriesPerturbation) Name() string {
	switch p.kind {
	case seriesPosition:
		return "position"
	case seriesVelocity:
		return "velocity"
	default:
		return "mapping"
	}
}

func (p *SeriesPerturbation) Reset() {}

func (p *SeriesPerturbation) TransformOutput(_ int, output float64) float64 {
	return output
}

func (p *SeriesPerturbation) Perturb(step int, s *Simulator) {
	if step < 0 || step >= len(p.series) {
		return
	}
	v := p.series[step]
	switch p.kind {
	case seriesPosition:
		s.Distance += v
	case seriesVelocity:
		s.Velocity += v
	case seriesMapping:
		s.BrakeEffectiveness = v
	}
}

// DelayPerturbation lags the motor command by a fixed number of steps. The
// first Steps commands are zero.
type DelayPerturbation struct {
	Steps int
	queue []float64
}

func NewDelayPerturbation(steps int) (*DelayPerturbation, error) {
	if steps < 0 {
		return nil, fmt.Errorf("delay steps must be >= 0, got %d", steps)
	}
	d := &DelayPerturbation{Steps: steps}
	d.Reset()
	return d, nil
}

func (d *DelayPerturbation) Name() string {
	return "delay"
}

func (d *DelayPerturbation) Reset() {
	d.queue = make([]float64, d.Steps, d.Steps+1)
}

func (d *DelayPerturbation) TransformOutput(_ int, output float64) float64 {
	d.queue = append(d.queue, output)
	out := d.queue[0]
	d.queue = d.queue[1:]
	return out
}

func (d *DelayPerturbation) Perturb(int, *Simulator) {}

// PulseSeries builds a schedule of length steps that is zero except for four
// pulses spaced interval seconds apart: +big, -big, +small, -small.
func PulseSeries(length int, dt, interval, big, small float64) []float64 {
	series := make([]float64, length)
	pulses := []float64{big, -big, small, -small}
	for i, v := range pulses {
		idx := int(interval * float64(i+1) / dt)
		if idx >= 0 && idx < length {
			series[idx] = v
		}
	}
	return series
}

// ConstantSeries returns length copies of value.
func ConstantSeries(length int, value float64) []float64 {
	series := make([]float64, length)
	for i := range series {
		series[i] = value
	}
	return series
}

// NewPerturbation builds a perturbation by name. Series kinds use series;
// delay uses delaySteps.
func NewPerturbation(kind string, series []float64, delaySteps int) (Perturbation, error) {
	switch strings.TrimSpace(strings.ToLower(kind)) {
	case "position":
		return PositionPerturbation(series), nil
	case "velocity":
		return VelocityPerturbation(series), nil
	case "mapping":
		return MappingPerturbation(series), nil
	case "delay":
		return NewDelayPerturbation(delaySteps)
	default:
		return nil, fmt.Errorf("unsupported perturbation: %s", kind)
	}
}
