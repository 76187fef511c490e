package scape

import (
	"context"
	"fmt"
	"math"
)

// Trial is one run of the braking task from a single initial condition.
type Trial struct {
	Condition Condition
	// Length is the time budget in seconds.
	Length float64
	Record bool
}

// Recording holds the per-step series of a recorded trial. Index i describes
// the state after the (i+1)-th Act.
type Recording struct {
	Time               []float64     `json:"time"`
	Distance           []float64     `json:"distance"`
	Velocity           []float64     `json:"velocity"`
	Acceleration       []float64     `json:"acceleration"`
	Motor              []float64     `json:"motor"`
	BrakeEffectiveness []float64     `json:"brake_effectiveness"`
	Optical            []OpticalInfo `json:"optical"`
}

func (r *Recording) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Time)
}

func (r *Recording) append(s *Simulator) {
	r.Time = append(r.Time, s.Time)
	r.Distance = append(r.Distance, s.Distance)
	r.Velocity = append(r.Velocity, s.Velocity)
	r.Acceleration = append(r.Acceleration, s.Acceleration)
	r.Motor = append(r.Motor, s.motor)
	r.BrakeEffectiveness = append(r.BrakeEffectiveness, s.BrakeEffectiveness)
	r.Optical = append(r.Optical, s.OpticalInfo)
}

type TrialResult struct {
	Condition     Condition
	FinalDistance float64
	FinalVelocity float64
	Time          float64
	Steps         int
	// Jerk is the sum of squared differences between consecutive accelerations.
	Jerk      float64
	Outcome   Outcome
	Recording *Recording
}

func (r TrialResult) Trace() Trace {
	return Trace{
		"target_size":      r.Condition.TargetSize,
		"initial_distance": r.Condition.Distance,
		"initial_velocity": r.Condition.Velocity,
		"final_distance":   r.FinalDistance,
		"final_velocity":   r.FinalVelocity,
		"time":             r.Time,
		"steps":            r.Steps,
		"jerk":             r.Jerk,
		"outcome":          string(r.Outcome),
	}
}

// MaxSteps converts a time budget into a step budget for the given dt.
func MaxSteps(length, dt float64) int {
	ratio := length / dt
	if !(ratio > 0) {
		return 0
	}
	return int(math.Ceil(ratio - 1e-9*math.Max(1, ratio)))
}

// RunTrial places the agent at the trial's initial condition and steps
// Sense/Think/Act until it reaches the target, stops, or runs out of time.
func RunTrial(ctx context.Context, s *Simulator, trial Trial) (TrialResult, error) {
	if err := ctx.Err(); err != nil {
		return TrialResult{}, err
	}
	if !(trial.Length > 0) {
		return TrialResult{}, fmt.Errorf("%w: trial length must be > 0, got %v", ErrInvalidState, trial.Length)
	}
	c := trial.Condition
	if err := s.SetInitialState(c.Velocity, c.Distance, c.TargetSize); err != nil {
		return TrialResult{}, err
	}

	var rec *Recording
	if trial.Record {
		rec = &Recording{}
	}
	maxSteps := MaxSteps(trial.Length, s.dt)
	jerk := 0.0
	prevAccel := 0.0
	for s.Active(maxSteps) {
		s.Sense()
		s.Think()
		s.Act()
		if s.steps > 1 {
			d := s.Acceleration - prevAccel
			jerk += d * d
		}
		prevAccel = s.Acceleration
		if rec != nil {
			rec.append(s)
		}
	}
	s.phase = PhaseTerminated

	return TrialResult{
		Condition:     c,
		FinalDistance: s.Distance,
		FinalVelocity: s.Velocity,
		Time:          s.Time,
		Steps:         s.steps,
		Jerk:          jerk,
		Outcome:       classify(s),
		Recording:     rec,
	}, nil
}

func classify(s *Simulator) Outcome {
	switch {
	case !finite(s.Distance) || !finite(s.Velocity):
		return OutcomeDegenerate
	case s.Distance < 0:
		return OutcomeCrashed
	case s.Distance == 0:
		return OutcomeReached
	case s.Velocity <= StopVelocity:
		return OutcomeStopped
	default:
		return OutcomeTimeout
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
