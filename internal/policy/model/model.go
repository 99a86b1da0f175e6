// Package model describes a loaded network artifact independently of the
// inference backend that executes it.
package model

import "fmt"

// TensorInfo is a declared model input or output. Unknown dimensions are
// reported as values <= 0.
type TensorInfo struct {
	Name  string
	Shape []int64
}

// Rank is the number of declared dimensions.
func (t TensorInfo) Rank() int { return len(t.Shape) }

// Last returns the trailing dimension, or -1 for a scalar.
func (t TensorInfo) Last() int64 {
	if len(t.Shape) == 0 {
		return -1
	}
	return t.Shape[len(t.Shape)-1]
}

// Materialize returns the shape with unknown dimensions replaced by 1. A
// scalar materializes as [1].
func (t TensorInfo) Materialize() []int64 {
	if len(t.Shape) == 0 {
		return []int64{1}
	}
	out := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		if d > 0 {
			out[i] = d
		} else {
			out[i] = 1
		}
	}
	return out
}

func (t TensorInfo) String() string {
	return fmt.Sprintf("%s%v", t.Name, t.Shape)
}

// Elements returns the element count of shape.
func Elements(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// Binding attaches a caller-owned buffer to a named tensor. len(Data) must
// equal Elements(Shape).
type Binding struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Model is a loaded artifact. Bind is called once with the buffers that
// every later Run reads from and writes into.
type Model interface {
	Inputs() []TensorInfo
	Outputs() []TensorInfo
	Bind(inputs, outputs []Binding) error
	Run() error
	Close() error
}
