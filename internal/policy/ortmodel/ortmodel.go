// Package ortmodel executes ONNX artifacts through ONNX Runtime.
package ortmodel

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/banshee-data/w4control/internal/policy/model"
)

// LibraryEnv names the environment variable consulted for the shared library
// path when SetLibraryPath was not called.
const LibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

var (
	envOnce sync.Once
	envErr  error
	libPath string
)

// SetLibraryPath sets the onnxruntime shared library location. It must be
// called before the first Open.
func SetLibraryPath(path string) { libPath = path }

func initEnvironment() error {
	envOnce.Do(func() {
		if libPath == "" {
			libPath = os.Getenv(LibraryEnv)
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if !ort.IsInitialized() {
			envErr = ort.InitializeEnvironment()
		}
	})
	return envErr
}

// Model is an ONNX artifact whose session is created on Bind.
type Model struct {
	path    string
	inputs  []model.TensorInfo
	outputs []model.TensorInfo

	session *ort.AdvancedSession
	inT     []*ort.Tensor[float32]
	outT    []*ort.Tensor[float32]
	inB     []model.Binding
	outB    []model.Binding
}

// Open reads the declared inputs and outputs of the artifact at path. Only
// float32 tensors are supported.
func Open(path string) (*Model, error) {
	if err := initEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model signature: %w", err)
	}
	m := &Model{path: path}
	if m.inputs, err = convert(ins); err != nil {
		return nil, err
	}
	if m.outputs, err = convert(outs); err != nil {
		return nil, err
	}
	return m, nil
}

func convert(infos []ort.InputOutputInfo) ([]model.TensorInfo, error) {
	out := make([]model.TensorInfo, 0, len(infos))
	for _, info := range infos {
		if info.OrtValueType != ort.ONNXTypeTensor {
			return nil, fmt.Errorf("tensor %q is not a tensor value (%v)", info.Name, info.OrtValueType)
		}
		if info.DataType != ort.TensorElementDataTypeFloat {
			return nil, fmt.Errorf("tensor %q has element type %v, only float32 is supported", info.Name, info.DataType)
		}
		out = append(out, model.TensorInfo{Name: info.Name, Shape: append([]int64(nil), info.Dimensions...)})
	}
	return out, nil
}

func (m *Model) Inputs() []model.TensorInfo  { return m.inputs }
func (m *Model) Outputs() []model.TensorInfo { return m.outputs }

// Bind creates one tensor per binding and a single-threaded sequential
// session over them.
func (m *Model) Bind(inputs, outputs []model.Binding) error {
	if m.session != nil {
		return fmt.Errorf("model already bound")
	}
	inNames, inVals, inT, err := tensors(inputs)
	if err != nil {
		return err
	}
	outNames, outVals, outT, err := tensors(outputs)
	if err != nil {
		destroy(inT)
		return err
	}

	sess, err := newSession(m.path, inNames, outNames, inVals, outVals)
	if err != nil {
		destroy(inT)
		destroy(outT)
		return err
	}
	m.session, m.inT, m.outT, m.inB, m.outB = sess, inT, outT, inputs, outputs
	return nil
}

// newSession creates a single-threaded sequential session. Tests replace it.
var newSession = func(path string, inNames, outNames []string, in, out []ort.Value) (*ort.AdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set inter-op threads: %w", err)
	}
	s, err := ort.NewAdvancedSession(path, inNames, outNames, in, out, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

func tensors(bs []model.Binding) ([]string, []ort.Value, []*ort.Tensor[float32], error) {
	names := make([]string, len(bs))
	vals := make([]ort.Value, len(bs))
	ts := make([]*ort.Tensor[float32], len(bs))
	for i, b := range bs {
		t, err := ort.NewTensor(ort.NewShape(b.Shape...), b.Data)
		if err != nil {
			destroy(ts[:i])
			return nil, nil, nil, fmt.Errorf("failed to create tensor %q: %w", b.Name, err)
		}
		names[i], vals[i], ts[i] = b.Name, t, t
	}
	return names, vals, ts, nil
}

func destroy(ts []*ort.Tensor[float32]) {
	for _, t := range ts {
		if t != nil {
			t.Destroy()
		}
	}
}

// Run executes the session. Tensors normally share memory with the bound
// buffers, in which case the copies below are no-ops on identical ranges.
func (m *Model) Run() error {
	if m.session == nil {
		return fmt.Errorf("model run before bind")
	}
	for i, t := range m.inT {
		copy(t.GetData(), m.inB[i].Data)
	}
	if err := m.session.Run(); err != nil {
		return err
	}
	for i, t := range m.outT {
		copy(m.outB[i].Data, t.GetData())
	}
	return nil
}

// Close releases the session and its tensors.
func (m *Model) Close() error {
	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	destroy(m.inT)
	destroy(m.outT)
	m.inT, m.outT = nil, nil
	return err
}
