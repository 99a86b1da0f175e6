// Package channel names the observation and action quantities exchanged
// between the hardware layer, the state builder and the policy runtime.
package channel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/w4control/internal/faults"
)

// Built-in channel names.
const (
	DofPos     = "dof_pos"
	DofVel     = "dof_vel"
	LinVel     = "lin_vel"
	AngVel     = "ang_vel"
	ProjGrav   = "proj_grav"
	LastAction = "last_action"
	HeightMap  = "height_map"
	// Command has no registered length; each profile declares its own.
	Command = "command"
)

// NominalHeight is the height map reading reported before a real height
// source is attached.
const NominalHeight = 0.6128

// DefaultLengths returns the declared lengths of the built-in channels.
func DefaultLengths() map[string]int {
	return map[string]int{
		DofPos:     12,
		DofVel:     16,
		LinVel:     3,
		AngVel:     3,
		ProjGrav:   3,
		LastAction: 16,
		HeightMap:  144,
	}
}

// Registry maps channel names to their immutable lengths.
type Registry struct {
	lengths map[string]int
}

// NewRegistry returns a registry pre-populated with DefaultLengths.
func NewRegistry() *Registry {
	return &Registry{lengths: DefaultLengths()}
}

// Register declares a channel. Re-registering a name with the same length is
// a no-op; a different length is rejected.
func (r *Registry) Register(name string, length int) error {
	if name == "" {
		return faults.Configf("channel name must not be empty")
	}
	if name == Command {
		return faults.Configf("%q is sized per profile and cannot be registered", Command)
	}
	if length <= 0 {
		return faults.Configf("channel %q length must be positive, got %d", name, length)
	}
	if existing, ok := r.lengths[name]; ok {
		if existing != length {
			return faults.Configf("channel %q already registered with length %d, got %d", name, existing, length)
		}
		return nil
	}
	r.lengths[name] = length
	return nil
}

// Len returns the declared length of name.
func (r *Registry) Len(name string) (int, bool) {
	n, ok := r.lengths[name]
	return n, ok
}

// ActionLen is the length of the last_action channel, which is also the
// number of actuated motors.
func (r *Registry) ActionLen() int {
	return r.lengths[LastAction]
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.lengths))
	for k := range r.lengths {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the length of name for a profile with the given command
// length, or a config error listing the valid names.
func (r *Registry) Resolve(name string, commandLen int) (int, error) {
	if name == Command {
		return commandLen, nil
	}
	if n, ok := r.lengths[name]; ok {
		return n, nil
	}
	valid := append(r.Names(), Command)
	sort.Strings(valid)
	return 0, faults.Configf("unknown observation key %q, valid keys: %s", name, strings.Join(valid, ", "))
}

// Frame is a name to reading mapping. Slices are pre-sized by their owner and
// overwritten in place.
type Frame map[string][]float64

// NewFrame allocates a zeroed frame for every channel of r. lin_vel is left
// out since no board reports it, and height_map starts at NominalHeight.
func NewFrame(r *Registry) Frame {
	f := make(Frame, len(r.lengths))
	for name, n := range r.lengths {
		buf := make([]float64, n)
		if name == HeightMap {
			for i := range buf {
				buf[i] = NominalHeight
			}
		}
		f[name] = buf
	}
	delete(f, LinVel)
	return f
}

// Clone returns a deep copy of f.
func (f Frame) Clone() Frame {
	out := make(Frame, len(f))
	for k, v := range f {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// String renders f in a stable order for logs.
func (f Frame) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%.3f", k, f[k])
	}
	return b.String()
}
