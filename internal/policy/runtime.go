// Package policy runs trained networks for the control loop. The declared
// input and output tensors of an artifact are discovered at load time, so no
// architecture details are hardcoded here.
package policy

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/policy/dense"
	"github.com/banshee-data/w4control/internal/policy/model"
	"github.com/banshee-data/w4control/internal/policy/ortmodel"
)

// Runtime maps a state vector to a normalized action in [-1, 1].
//
// The slice returned by Inference is owned by the runtime and overwritten by
// the next call.
type Runtime interface {
	Inference(state []float64) ([]float64, error)
	// InputWidth is the required state length.
	InputWidth() int
	// OutputWidth is the length of the returned action.
	OutputWidth() int
	Close() error
}

// Kind selects the runtime variant.
type Kind string

const (
	KindFeedforward Kind = "mlp"
	KindRecurrent   Kind = "lstm"
)

// ParseKind accepts the profile spelling of a policy type.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mlp", "feedforward":
		return KindFeedforward, nil
	case "lstm", "recurrent":
		return KindRecurrent, nil
	default:
		return "", faults.Configf("unsupported policy_type %q", s)
	}
}

// SupportedExtensions lists the artifact formats Open understands.
var SupportedExtensions = []string{".onnx", ".json"}

// Open loads an artifact with the backend matching its extension.
func Open(path string) (model.Model, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		m, err := ortmodel.Open(path)
		if err != nil {
			return nil, err
		}
		return m, nil
	case ".json":
		m, err := dense.Open(path)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, faults.Configf("policy_path must be one of %v, got %q", SupportedExtensions, filepath.Ext(path))
	}
}

// Load opens path and wraps it in the runtime selected by kind.
func Load(path string, kind Kind) (Runtime, error) {
	m, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy %s: %w", path, err)
	}
	var rt Runtime
	switch kind {
	case KindFeedforward:
		rt, err = NewFeedforward(m)
	case KindRecurrent:
		rt, err = NewRecurrent(m)
	default:
		err = faults.Configf("unsupported policy kind %q", kind)
	}
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to bind policy %s: %w", path, err)
	}
	return rt, nil
}

// checkDeclared rejects artifacts with no inputs or outputs.
func checkDeclared(m model.Model) error {
	if len(m.Inputs()) == 0 {
		return faults.Configf("model declares no inputs")
	}
	if len(m.Outputs()) == 0 {
		return faults.Configf("model declares no outputs")
	}
	return nil
}

// featureWidth returns the fixed trailing dimension of t.
func featureWidth(t model.TensorInfo) (int, error) {
	w := t.Last()
	if w <= 0 {
		return 0, faults.Configf("dynamic or unknown state dimension on %s; export the model with a fixed last input dimension", t)
	}
	return int(w), nil
}

func loadState(dst []float32, src []float64) {
	for i, v := range src {
		dst[i] = float32(v)
	}
}

// clampInto writes src clipped to [-1, 1] into dst. Non-finite outputs are
// rejected so they never reach the actuators.
func clampInto(dst []float64, src []float32) error {
	for i, v := range src {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("policy output %d is not finite: %v", i, f)
		}
		dst[i] = math.Max(-1, math.Min(1, f))
	}
	return nil
}

func bindingsFor(infos []model.TensorInfo) ([]model.Binding, [][]float32) {
	binds := make([]model.Binding, len(infos))
	bufs := make([][]float32, len(infos))
	for i, info := range infos {
		shape := info.Materialize()
		bufs[i] = make([]float32, model.Elements(shape))
		binds[i] = model.Binding{Name: info.Name, Shape: shape, Data: bufs[i]}
	}
	return binds, bufs
}
