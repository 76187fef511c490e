package scape

import "fmt"

// Trace is a flat summary of one trial, suitable for logs and artifacts.
type Trace map[string]any

// Condition is one initial condition of the braking task.
type Condition struct {
	TargetSize float64 `json:"target_size"`
	Distance   float64 `json:"distance"`
	Velocity   float64 `json:"velocity"`
}

func (c Condition) String() string {
	return fmt.Sprintf("size=%g distance=%g velocity=%g", c.TargetSize, c.Distance, c.Velocity)
}

// Outcome classifies how a trial ended.
type Outcome string

const (
	OutcomeReached    Outcome = "reached"
	OutcomeStopped    Outcome = "stopped"
	OutcomeCrashed    Outcome = "crashed"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeDegenerate Outcome = "degenerate"
)
