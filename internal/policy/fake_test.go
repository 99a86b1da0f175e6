package policy

import (
	"fmt"

	"github.com/banshee-data/w4control/internal/policy/model"
)

// fakeModel is an in-memory model whose forward pass is a test callback.
type fakeModel struct {
	ins, outs []model.TensorInfo
	inB, outB []model.Binding
	step      func(f *fakeModel)
	runErr    error
	closed    bool
	runs      int
}

func tensor(name string, shape ...int64) model.TensorInfo {
	return model.TensorInfo{Name: name, Shape: shape}
}

func (f *fakeModel) Inputs() []model.TensorInfo  { return f.ins }
func (f *fakeModel) Outputs() []model.TensorInfo { return f.outs }

func (f *fakeModel) Bind(inputs, outputs []model.Binding) error {
	for _, b := range append(append([]model.Binding{}, inputs...), outputs...) {
		if len(b.Data) != model.Elements(b.Shape) {
			return fmt.Errorf("binding %s: %d elements for shape %v", b.Name, len(b.Data), b.Shape)
		}
	}
	f.inB, f.outB = inputs, outputs
	return nil
}

func (f *fakeModel) Run() error {
	if f.runErr != nil {
		return f.runErr
	}
	f.runs++
	if f.step != nil {
		f.step(f)
	}
	return nil
}

func (f *fakeModel) Close() error {
	f.closed = true
	return nil
}

func (f *fakeModel) in(name string) []float32 {
	for _, b := range f.inB {
		if b.Name == name {
			return b.Data
		}
	}
	return nil
}

func (f *fakeModel) out(name string) []float32 {
	for _, b := range f.outB {
		if b.Name == name {
			return b.Data
		}
	}
	return nil
}
