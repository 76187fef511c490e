package nn

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidSize    = errors.New("network size must be >= 1")
	ErrGenotypeLength = errors.New("genotype length mismatch")
	ErrTimeConstant   = errors.New("time constant must be > 0")
	ErrVectorLength   = errors.New("vector length mismatch")
)

// CTRNN is a fully connected continuous-time recurrent neural network
// integrated with explicit Euler steps.
//
// Weight(j, i) is the connection from neuron j to neuron i. Outputs always
// equal Sigmoid(voltage + bias) after any state change.
type CTRNN struct {
	size int

	voltage         []float64
	output          []float64
	bias            []float64
	timeConstant    []float64
	invTimeConstant []float64
	inputWeight     []float64
	input           []float64
	weight          *mat.Dense

	outputVec *mat.VecDense
	netInput  *mat.VecDense
}

func NewCTRNN(size int) (*CTRNN, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	c := &CTRNN{
		size:            size,
		voltage:         make([]float64, size),
		output:          make([]float64, size),
		bias:            make([]float64, size),
		timeConstant:    make([]float64, size),
		invTimeConstant: make([]float64, size),
		inputWeight:     make([]float64, size),
		input:           make([]float64, size),
		weight:          mat.NewDense(size, size, nil),
		netInput:        mat.NewVecDense(size, nil),
	}
	c.outputVec = mat.NewVecDense(size, c.output)
	for i := range c.timeConstant {
		c.timeConstant[i] = 1
		c.invTimeConstant[i] = 1
	}
	c.refreshOutput()
	return c, nil
}

func (c *CTRNN) Size() int {
	return c.size
}

// SetParameters decodes a flat genotype into weights, biases, time constants
// and input weights. Decoding is a pure affine map per parameter class.
func (c *CTRNN) SetParameters(genotype []float64, ranges Ranges) error {
	if want := GenotypeLength(c.size); len(genotype) != want {
		return fmt.Errorf("%w: got=%d want=%d", ErrGenotypeLength, len(genotype), want)
	}
	if err := ranges.Validate(); err != nil {
		return err
	}

	k := 0
	for i := 0; i < c.size; i++ {
		for j := 0; j < c.size; j++ {
			c.weight.Set(i, j, ScaleSymmetric(genotype[k], ranges.WeightRange))
			k++
		}
	}
	for i := 0; i < c.size; i++ {
		c.bias[i] = ScaleSymmetric(genotype[k], ranges.BiasRange)
		k++
	}
	for i := 0; i < c.size; i++ {
		c.timeConstant[i] = ScaleInterval(genotype[k], ranges.TimeConstMin, ranges.TimeConstMax)
		c.invTimeConstant[i] = 1.0 / c.timeConstant[i]
		k++
	}
	for i := 0; i < c.size; i++ {
		c.inputWeight[i] = ScaleSymmetric(genotype[k], ranges.InputWeightRange)
		k++
	}
	c.refreshOutput()
	return nil
}

// RandomizeParameters draws every parameter uniformly from fixed wide ranges:
// weights, biases and input weights in [-10, 10), time constants in [0.1, 5).
func (c *CTRNN) RandomizeParameters(rng *rand.Rand) {
	uniform := func(lo, hi float64) float64 {
		return lo + rng.Float64()*(hi-lo)
	}
	for i := 0; i < c.size; i++ {
		for j := 0; j < c.size; j++ {
			c.weight.Set(i, j, uniform(-10, 10))
		}
	}
	for i := 0; i < c.size; i++ {
		c.bias[i] = uniform(-10, 10)
		c.timeConstant[i] = uniform(0.1, 5.0)
		c.invTimeConstant[i] = 1.0 / c.timeConstant[i]
		c.inputWeight[i] = uniform(-10, 10)
	}
	c.refreshOutput()
}

// InitializeState sets the membrane voltages and recomputes outputs.
func (c *CTRNN) InitializeState(voltage []float64) error {
	if len(voltage) != c.size {
		return fmt.Errorf("%w: voltage got=%d want=%d", ErrVectorLength, len(voltage), c.size)
	}
	copy(c.voltage, voltage)
	c.refreshOutput()
	return nil
}

// ResetState zeroes every voltage.
func (c *CTRNN) ResetState() {
	for i := range c.voltage {
		c.voltage[i] = 0
	}
	c.refreshOutput()
}

// SetInput feeds the same external input to every neuron.
func (c *CTRNN) SetInput(value float64) {
	for i := range c.input {
		c.input[i] = value
	}
}

// Step advances the network by one Euler step of size dt. Stability requires
// dt to be small relative to the smallest time constant; that is the caller's
// concern.
func (c *CTRNN) Step(dt float64) {
	c.netInput.MulVec(c.weight.T(), c.outputVec)
	for i := 0; i < c.size; i++ {
		net := c.input[i]*c.inputWeight[i] + c.netInput.AtVec(i)
		c.voltage[i] += dt * (c.invTimeConstant[i] * (-c.voltage[i] + net))
	}
	c.refreshOutput()
}

func (c *CTRNN) Output(i int) float64 {
	return c.output[i]
}

func (c *CTRNN) Outputs() []float64 {
	return append([]float64(nil), c.output...)
}

func (c *CTRNN) Voltage() []float64 {
	return append([]float64(nil), c.voltage...)
}

func (c *CTRNN) Bias() []float64 {
	return append([]float64(nil), c.bias...)
}

func (c *CTRNN) TimeConstants() []float64 {
	return append([]float64(nil), c.timeConstant...)
}

func (c *CTRNN) InputWeights() []float64 {
	return append([]float64(nil), c.inputWeight...)
}

// Weight returns the connection strength from neuron `from` to neuron `to`.
func (c *CTRNN) Weight(from, to int) float64 {
	return c.weight.At(from, to)
}

func (c *CTRNN) refreshOutput() {
	for i := 0; i < c.size; i++ {
		c.output[i] = Sigmoid(c.voltage[i] + c.bias[i])
	}
}
