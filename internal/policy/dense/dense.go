// Package dense evaluates small fully connected and single-layer LSTM
// networks stored as JSON, using gonum for the linear algebra. It needs no
// native runtime, which makes it the backend of choice for bench bring-up
// and for tests.
package dense

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/w4control/internal/policy/model"
)

const maxFileSize = 64 * 1024 * 1024

// TensorSpec declares one model input or output.
type TensorSpec struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
}

// LayerSpec is an affine layer followed by an activation.
type LayerSpec struct {
	Weights    [][]float64 `json:"weights"` // out x in
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

// LSTMSpec is a single LSTM cell with gates stacked in i, f, g, o order.
type LSTMSpec struct {
	HiddenIn  string      `json:"hidden_in"`
	CellIn    string      `json:"cell_in"`
	HiddenOut string      `json:"hidden_out"`
	CellOut   string      `json:"cell_out"`
	WIH       [][]float64 `json:"w_ih"` // 4H x in
	WHH       [][]float64 `json:"w_hh"` // 4H x H
	Bias      []float64   `json:"bias"` // 4H
}

// Spec is the on-disk network description.
type Spec struct {
	Inputs  []TensorSpec `json:"inputs"`
	Outputs []TensorSpec `json:"outputs"`
	// Input names the feature input, Output the action output.
	Input     string      `json:"input"`
	Output    string      `json:"output"`
	Recurrent *LSTMSpec   `json:"recurrent,omitempty"`
	Layers    []LayerSpec `json:"layers"`
}

type layer struct {
	w   *mat.Dense
	b   *mat.VecDense
	act func(float64) float64
	out *mat.VecDense
}

type lstm struct {
	wih, whh *mat.Dense
	b        *mat.VecDense
	hidden   int
	gates    *mat.VecDense
	tmp      *mat.VecDense
	h, c     *mat.VecDense
}

// Model is a loaded dense network.
type Model struct {
	spec   Spec
	inputs []model.TensorInfo
	outs   []model.TensorInfo
	layers []*layer
	cell   *lstm
	inDim  int

	x          *mat.VecDense
	src        []float32
	dst        []float32
	hIn, cIn   []float32
	hOut, cOut []float32
	bound      bool
}

// Open reads and validates a network file.
func Open(path string) (*Model, error) {
	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat network file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("network file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read network file: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse network JSON: %w", err)
	}
	return New(spec)
}

// New builds a model from an in-memory spec.
func New(spec Spec) (*Model, error) {
	m := &Model{spec: spec}
	for _, t := range spec.Inputs {
		m.inputs = append(m.inputs, model.TensorInfo{Name: t.Name, Shape: t.Shape})
	}
	for _, t := range spec.Outputs {
		m.outs = append(m.outs, model.TensorInfo{Name: t.Name, Shape: t.Shape})
	}

	in := -1
	if spec.Recurrent != nil {
		cell, err := newLSTM(spec.Recurrent)
		if err != nil {
			return nil, err
		}
		m.cell = cell
		in = cell.wih.RawMatrix().Cols
	}

	width := in
	if width < 0 && len(spec.Layers) > 0 && len(spec.Layers[0].Weights) > 0 {
		width = len(spec.Layers[0].Weights[0])
	}
	if width <= 0 {
		return nil, fmt.Errorf("network has no layers")
	}
	m.inDim = width

	prev := width
	if m.cell != nil {
		prev = m.cell.hidden
	}
	for i, ls := range spec.Layers {
		l, err := newLayer(ls, prev)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		m.layers = append(m.layers, l)
		prev = l.b.Len()
	}
	m.x = mat.NewVecDense(width, nil)
	return m, nil
}

func newLayer(ls LayerSpec, in int) (*layer, error) {
	rows := len(ls.Weights)
	if rows == 0 {
		return nil, fmt.Errorf("empty weights")
	}
	w, err := denseFrom(ls.Weights, in)
	if err != nil {
		return nil, err
	}
	if len(ls.Bias) != rows {
		return nil, fmt.Errorf("bias length %d, want %d", len(ls.Bias), rows)
	}
	act, err := activation(ls.Activation)
	if err != nil {
		return nil, err
	}
	return &layer{
		w:   w,
		b:   mat.NewVecDense(rows, append([]float64(nil), ls.Bias...)),
		act: act,
		out: mat.NewVecDense(rows, nil),
	}, nil
}

func newLSTM(s *LSTMSpec) (*lstm, error) {
	if len(s.WHH) == 0 || len(s.WHH)%4 != 0 {
		return nil, fmt.Errorf("w_hh must have 4*hidden rows, got %d", len(s.WHH))
	}
	hidden := len(s.WHH) / 4
	if len(s.WIH) != 4*hidden || len(s.WIH[0]) == 0 {
		return nil, fmt.Errorf("w_ih must have %d rows, got %d", 4*hidden, len(s.WIH))
	}
	wih, err := denseFrom(s.WIH, len(s.WIH[0]))
	if err != nil {
		return nil, fmt.Errorf("w_ih: %w", err)
	}
	whh, err := denseFrom(s.WHH, hidden)
	if err != nil {
		return nil, fmt.Errorf("w_hh: %w", err)
	}
	if len(s.Bias) != 4*hidden {
		return nil, fmt.Errorf("lstm bias length %d, want %d", len(s.Bias), 4*hidden)
	}
	return &lstm{
		wih:    wih,
		whh:    whh,
		b:      mat.NewVecDense(4*hidden, append([]float64(nil), s.Bias...)),
		hidden: hidden,
		gates:  mat.NewVecDense(4*hidden, nil),
		tmp:    mat.NewVecDense(4*hidden, nil),
		h:      mat.NewVecDense(hidden, nil),
		c:      mat.NewVecDense(hidden, nil),
	}, nil
}

func denseFrom(rows [][]float64, cols int) (*mat.Dense, error) {
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(r), cols)
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

func activation(name string) (func(float64) float64, error) {
	switch name {
	case "", "linear", "identity":
		return func(x float64) float64 { return x }, nil
	case "tanh":
		return math.Tanh, nil
	case "relu":
		return func(x float64) float64 { return math.Max(0, x) }, nil
	case "elu":
		return func(x float64) float64 {
			if x >= 0 {
				return x
			}
			return math.Expm1(x)
		}, nil
	case "sigmoid":
		return sigmoid, nil
	default:
		return nil, fmt.Errorf("unsupported activation %q", name)
	}
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func (m *Model) Inputs() []model.TensorInfo  { return m.inputs }
func (m *Model) Outputs() []model.TensorInfo { return m.outs }
func (m *Model) Close() error                { return nil }

// Bind attaches buffers by name. Inputs the network does not read are
// accepted and ignored.
func (m *Model) Bind(inputs, outputs []model.Binding) error {
	byName := func(bs []model.Binding, name string) []float32 {
		for _, b := range bs {
			if b.Name == name {
				return b.Data
			}
		}
		return nil
	}
	m.src = byName(inputs, m.spec.Input)
	if len(m.src) != m.inDim {
		return fmt.Errorf("input %q bound with %d elements, network expects %d", m.spec.Input, len(m.src), m.inDim)
	}
	m.dst = byName(outputs, m.spec.Output)
	outLen := m.inDim
	if m.cell != nil {
		outLen = m.cell.hidden
	}
	if n := len(m.layers); n > 0 {
		outLen = m.layers[n-1].b.Len()
	}
	if len(m.dst) != outLen {
		return fmt.Errorf("output %q bound with %d elements, network produces %d", m.spec.Output, len(m.dst), outLen)
	}
	if m.cell != nil {
		rs := m.spec.Recurrent
		m.hIn, m.cIn = byName(inputs, rs.HiddenIn), byName(inputs, rs.CellIn)
		if len(m.hIn) != m.cell.hidden || len(m.cIn) != m.cell.hidden {
			return fmt.Errorf("recurrent state inputs must be bound with %d elements", m.cell.hidden)
		}
		m.hOut, m.cOut = byName(outputs, rs.HiddenOut), byName(outputs, rs.CellOut)
	}
	m.bound = true
	return nil
}

// Run evaluates the network on the bound buffers.
func (m *Model) Run() error {
	if !m.bound {
		return fmt.Errorf("dense model run before bind")
	}
	for i, v := range m.src {
		m.x.SetVec(i, float64(v))
	}
	var cur mat.Vector = m.x
	if c := m.cell; c != nil {
		for i := 0; i < c.hidden; i++ {
			c.h.SetVec(i, float64(m.hIn[i]))
			c.c.SetVec(i, float64(m.cIn[i]))
		}
		c.gates.MulVec(c.wih, m.x)
		c.tmp.MulVec(c.whh, c.h)
		c.gates.AddVec(c.gates, c.tmp)
		c.gates.AddVec(c.gates, c.b)
		h := c.hidden
		for j := 0; j < h; j++ {
			ig := sigmoid(c.gates.AtVec(j))
			fg := sigmoid(c.gates.AtVec(h + j))
			gg := math.Tanh(c.gates.AtVec(2*h + j))
			og := sigmoid(c.gates.AtVec(3*h + j))
			cn := fg*c.c.AtVec(j) + ig*gg
			c.c.SetVec(j, cn)
			c.h.SetVec(j, og*math.Tanh(cn))
		}
		writeVec(m.hOut, c.h)
		writeVec(m.cOut, c.c)
		cur = c.h
	}
	for _, l := range m.layers {
		l.out.MulVec(l.w, cur)
		l.out.AddVec(l.out, l.b)
		for i := 0; i < l.out.Len(); i++ {
			l.out.SetVec(i, l.act(l.out.AtVec(i)))
		}
		cur = l.out
	}
	writeVec(m.dst, cur)
	return nil
}

func writeVec(dst []float32, v mat.Vector) {
	if dst == nil {
		return
	}
	n := min(len(dst), v.Len())
	for i := 0; i < n; i++ {
		dst[i] = float32(v.AtVec(i))
	}
}
