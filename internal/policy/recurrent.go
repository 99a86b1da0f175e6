package policy

import (
	"fmt"
	"strings"

	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/policy/model"
)

// Recurrent runs a sequence model one step at a time, carrying hidden and
// cell state between calls. Batch and sequence length are fixed at 1.
type Recurrent struct {
	m model.Model

	stateIdx, hiddenIdx, cellIdx int
	// hiddenOut and cellOut are -1 when the model exposes no update output;
	// the matching state is then left unchanged.
	hiddenOut, cellOut int
	actionOut          int

	width   int
	inputs  [][]float32
	outputs [][]float32
	action  []float64
}

// NewRecurrent resolves the state, hidden and cell inputs of m by alias and
// binds every other declared input to a zero buffer.
//
// The action is the first declared output that is not matched as a hidden
// or cell update, not unconditionally output 0. For the usual export order
// (action first) the two agree; for a model declaring h, c, action the
// action output is index 2.
func NewRecurrent(m model.Model) (*Recurrent, error) {
	if err := checkDeclared(m); err != nil {
		return nil, err
	}
	ins := m.Inputs()
	names, ranks := describe(ins)

	pick := func(cands []string, role string, rank int) (int, error) {
		idx, ok := Resolve(names, ranks, cands, rank)
		if !ok {
			return -1, faults.Configf("missing %s input; tried {%s}; available inputs: %s",
				role, strings.Join(cands, ", "), strings.Join(names, ", "))
		}
		return idx, nil
	}

	r := &Recurrent{m: m}
	var err error
	if r.stateIdx, err = pick(StateInputAliases, "state", 2); err != nil {
		return nil, err
	}
	if r.hiddenIdx, err = pick(HiddenInputAliases, "hidden (h)", 3); err != nil {
		return nil, err
	}
	if r.cellIdx, err = pick(CellInputAliases, "cell (c)", 3); err != nil {
		return nil, err
	}
	if r.width, err = featureWidth(ins[r.stateIdx]); err != nil {
		return nil, err
	}

	hiddenDim := ins[r.hiddenIdx].Materialize()
	cellDim := ins[r.cellIdx].Materialize()
	hiddenShape := []int64{1, 1, hiddenDim[len(hiddenDim)-1]}
	cellShape := []int64{1, 1, cellDim[len(cellDim)-1]}

	inBinds, inBufs := bindingsFor(ins)
	inBufs[r.stateIdx] = make([]float32, r.width)
	inBinds[r.stateIdx] = model.Binding{Name: ins[r.stateIdx].Name, Shape: []int64{1, int64(r.width)}, Data: inBufs[r.stateIdx]}
	inBufs[r.hiddenIdx] = make([]float32, hiddenShape[2])
	inBinds[r.hiddenIdx] = model.Binding{Name: ins[r.hiddenIdx].Name, Shape: hiddenShape, Data: inBufs[r.hiddenIdx]}
	inBufs[r.cellIdx] = make([]float32, cellShape[2])
	inBinds[r.cellIdx] = model.Binding{Name: ins[r.cellIdx].Name, Shape: cellShape, Data: inBufs[r.cellIdx]}
	r.inputs = inBufs

	outs := m.Outputs()
	r.hiddenOut = resolveUpdate(outs, HiddenOutputAliases, hiddenShape[2])
	r.cellOut = resolveUpdate(outs, CellOutputAliases, cellShape[2])
	r.actionOut = 0
	for i := range outs {
		if i != r.hiddenOut && i != r.cellOut {
			r.actionOut = i
			break
		}
	}

	outBinds, outBufs := bindingsFor(outs)
	for _, u := range []struct {
		idx   int
		shape []int64
	}{{r.hiddenOut, hiddenShape}, {r.cellOut, cellShape}} {
		if u.idx < 0 {
			continue
		}
		outBufs[u.idx] = make([]float32, u.shape[2])
		outBinds[u.idx] = model.Binding{Name: outs[u.idx].Name, Shape: u.shape, Data: outBufs[u.idx]}
	}
	r.outputs = outBufs
	r.action = make([]float64, len(outBufs[r.actionOut]))

	if err := m.Bind(inBinds, outBinds); err != nil {
		return nil, fmt.Errorf("failed to bind tensors: %w", err)
	}
	return r, nil
}

// resolveUpdate finds a rank-3 output whose trailing dimension matches the
// state it updates. It returns -1 when none does.
func resolveUpdate(outs []model.TensorInfo, cands []string, dim int64) int {
	names, ranks := describe(outs)
	for i, o := range outs {
		if last := o.Last(); last > 0 && last != dim {
			ranks[i] = -1
		}
	}
	idx, ok := Resolve(names, ranks, cands, 3)
	if !ok {
		return -1
	}
	return idx
}

func describe(infos []model.TensorInfo) ([]string, []int) {
	names := make([]string, len(infos))
	ranks := make([]int, len(infos))
	for i, t := range infos {
		names[i] = t.Name
		ranks[i] = t.Rank()
	}
	return names, ranks
}

// Inference runs one step and advances the recurrent state.
func (r *Recurrent) Inference(state []float64) ([]float64, error) {
	if len(state) != r.width {
		return nil, faults.Usagef("recurrent state size mismatch: expected %d but got %d", r.width, len(state))
	}
	loadState(r.inputs[r.stateIdx], state)
	if err := r.m.Run(); err != nil {
		return nil, fmt.Errorf("recurrent run failed: %w", err)
	}
	if err := clampInto(r.action, r.outputs[r.actionOut]); err != nil {
		return nil, err
	}
	if r.hiddenOut >= 0 {
		copy(r.inputs[r.hiddenIdx], r.outputs[r.hiddenOut])
	}
	if r.cellOut >= 0 {
		copy(r.inputs[r.cellIdx], r.outputs[r.cellOut])
	}
	return r.action, nil
}

// Hidden returns the live hidden-state buffer bound to the model.
func (r *Recurrent) Hidden() []float32 { return r.inputs[r.hiddenIdx] }

// Cell returns the live cell-state buffer bound to the model.
func (r *Recurrent) Cell() []float32 { return r.inputs[r.cellIdx] }

func (r *Recurrent) InputWidth() int  { return r.width }
func (r *Recurrent) OutputWidth() int { return len(r.action) }
func (r *Recurrent) Close() error     { return r.m.Close() }
