package scape

import (
	"errors"
	"fmt"
	"math"

	"opticbrake/internal/nn"
)

const (
	// DefaultBrakeConstant scales motor output into braking deceleration (m/s²).
	DefaultBrakeConstant = 3.0
	// StopVelocity is the speed below which the agent counts as stopped.
	StopVelocity = 0.005
	// WarmupSteps is the number of constant-velocity samples needed before
	// every derivative-based optical variable is defined.
	WarmupSteps = 3
)

var ErrInvalidState = errors.New("invalid simulator state")

// Phase tracks the lifecycle of a single trial.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseWarmingUp
	PhaseRunning
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseWarmingUp:
		return "warming_up"
	case PhaseRunning:
		return "running"
	case PhaseTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type SimulatorConfig struct {
	Network         *nn.CTRNN
	Dt              float64
	OpticalVariable OpticalVariable
	// BrakeConstant defaults to DefaultBrakeConstant when zero.
	BrakeConstant float64
	MotorNeuron   int
}

// Simulator couples a CTRNN controller to a one-dimensional approach toward
// a target of known size. The network only sees one optical variable.
type Simulator struct {
	network         *nn.CTRNN
	dt              float64
	opticalVariable OpticalVariable
	motorNeuron     int

	BrakeConstant      float64
	BrakeEffectiveness float64

	Distance     float64
	Velocity     float64
	Acceleration float64
	Time         float64
	TargetSize   float64
	OpticalInfo  OpticalInfo

	motor        float64
	steps        int
	phase        Phase
	perturbation Perturbation
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("network is required")
	}
	if !(cfg.Dt > 0) || math.IsInf(cfg.Dt, 0) {
		return nil, fmt.Errorf("dt must be > 0, got %v", cfg.Dt)
	}
	if !cfg.OpticalVariable.Valid() {
		return nil, fmt.Errorf("unsupported optical variable: %d", int(cfg.OpticalVariable))
	}
	if cfg.MotorNeuron < 0 || cfg.MotorNeuron >= cfg.Network.Size() {
		return nil, fmt.Errorf("motor neuron %d outside network of size %d", cfg.MotorNeuron, cfg.Network.Size())
	}
	brake := cfg.BrakeConstant
	if brake == 0 {
		brake = DefaultBrakeConstant
	}

	return &Simulator{
		network:            cfg.Network,
		dt:                 cfg.Dt,
		opticalVariable:    cfg.OpticalVariable,
		motorNeuron:        cfg.MotorNeuron,
		BrakeConstant:      brake,
		BrakeEffectiveness: 1,
		OpticalInfo:        initialOpticalInfo(),
	}, nil
}

func (s *Simulator) Dt() float64 {
	return s.dt
}

func (s *Simulator) OpticalVariable() OpticalVariable {
	return s.opticalVariable
}

func (s *Simulator) Network() *nn.CTRNN {
	return s.network
}

func (s *Simulator) Phase() Phase {
	return s.phase
}

// Steps is the number of Act calls since the last SetInitialState.
func (s *Simulator) Steps() int {
	return s.steps
}

// Motor is the motor command used by the most recent Act.
func (s *Simulator) Motor() float64 {
	return s.motor
}

// SetPerturbation installs a hook consulted by Think and Act. Nil removes it.
func (s *Simulator) SetPerturbation(p Perturbation) {
	s.perturbation = p
}

// SetInitialState starts a new trial. The agent is placed WarmupSteps of
// constant-velocity motion behind distance and sensed at each of those
// positions, so on return Distance equals distance exactly and every optical
// variable is primed.
func (s *Simulator) SetInitialState(velocity, distance, targetSize float64) error {
	if !(distance > 0) || math.IsInf(distance, 0) {
		return fmt.Errorf("%w: distance must be > 0, got %v", ErrInvalidState, distance)
	}
	if !(targetSize > 0) || math.IsInf(targetSize, 0) {
		return fmt.Errorf("%w: target size must be > 0, got %v", ErrInvalidState, targetSize)
	}
	if math.IsNaN(velocity) || math.IsInf(velocity, 0) {
		return fmt.Errorf("%w: velocity must be finite, got %v", ErrInvalidState, velocity)
	}

	s.phase = PhaseWarmingUp
	s.Time = 0
	s.steps = 0
	s.Acceleration = 0
	s.motor = 0
	s.BrakeEffectiveness = 1
	s.Velocity = velocity
	s.TargetSize = targetSize
	s.OpticalInfo = initialOpticalInfo()
	s.network.ResetState()
	if s.perturbation != nil {
		s.perturbation.Reset()
	}

	for k := WarmupSteps; k > 0; k-- {
		s.Distance = distance + float64(k)*s.dt*velocity
		s.Sense()
	}
	s.Distance = distance
	s.phase = PhaseRunning
	return nil
}

// Sense refreshes the optical variables from the current distance.
func (s *Simulator) Sense() {
	s.OpticalInfo = nextOpticalInfo(s.OpticalInfo, s.TargetSize, s.Distance)
}

// Think feeds the selected optical variable to every neuron and integrates
// the network for one step.
func (s *Simulator) Think() {
	s.network.SetInput(s.OpticalInfo.Get(s.opticalVariable))
	s.network.Step(s.dt)
	s.motor = s.network.Output(s.motorNeuron)
	if s.perturbation != nil {
		s.motor = s.perturbation.TransformOutput(s.steps, s.motor)
	}
}

// Act converts the motor command into braking and advances the physics.
// Positive motor output always decelerates.
func (s *Simulator) Act() {
	s.Acceleration = -s.motor * s.BrakeConstant * s.BrakeEffectiveness
	s.Velocity += s.Acceleration * s.dt
	s.Distance -= s.Velocity * s.dt
	s.steps++
	s.Time = float64(s.steps) * s.dt
	if s.perturbation != nil {
		s.perturbation.Perturb(s.steps-1, s)
	}
}

// Active reports whether the trial loop should keep stepping.
func (s *Simulator) Active(maxSteps int) bool {
	return s.Distance > 0 && s.Velocity > StopVelocity && s.steps < maxSteps
}
