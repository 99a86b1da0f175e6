package policy

import (
	"fmt"

	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/policy/model"
)

// Feedforward runs a stateless network with one input and one output.
type Feedforward struct {
	m      model.Model
	width  int
	input  []float32
	output []float32
	action []float64
}

// NewFeedforward binds the first declared input and output of m. The input's
// trailing dimension must be fixed; the batch dimension is always 1.
func NewFeedforward(m model.Model) (*Feedforward, error) {
	if err := checkDeclared(m); err != nil {
		return nil, err
	}
	in := m.Inputs()[0]
	width, err := featureWidth(in)
	if err != nil {
		return nil, err
	}
	out := m.Outputs()[0]
	outShape := out.Materialize()
	if out.Last() <= 0 {
		return nil, faults.Configf("dynamic or unknown action dimension on %s", out)
	}

	p := &Feedforward{
		m:      m,
		width:  width,
		input:  make([]float32, width),
		output: make([]float32, model.Elements(outShape)),
	}
	p.action = make([]float64, len(p.output))

	err = m.Bind(
		[]model.Binding{{Name: in.Name, Shape: []int64{1, int64(width)}, Data: p.input}},
		[]model.Binding{{Name: out.Name, Shape: outShape, Data: p.output}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind tensors: %w", err)
	}
	return p, nil
}

// Inference runs one forward pass.
func (p *Feedforward) Inference(state []float64) ([]float64, error) {
	if len(state) != p.width {
		return nil, faults.Usagef("feedforward state size mismatch: expected %d but got %d", p.width, len(state))
	}
	loadState(p.input, state)
	if err := p.m.Run(); err != nil {
		return nil, fmt.Errorf("feedforward run failed: %w", err)
	}
	if err := clampInto(p.action, p.output); err != nil {
		return nil, err
	}
	return p.action, nil
}

func (p *Feedforward) InputWidth() int  { return p.width }
func (p *Feedforward) OutputWidth() int { return len(p.action) }
func (p *Feedforward) Close() error     { return p.m.Close() }
