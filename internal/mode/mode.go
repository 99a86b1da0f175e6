// Package mode describes policy modes: which channels feed a network, how
// they are scaled and stacked, and which network runs.
package mode

import (
	"fmt"

	"github.com/banshee-data/w4control/internal/channel"
	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/policy"
)

// Valid mode ids.
const (
	MinID = 1
	MaxID = 16
)

// Profile is a fully validated mode. Scale holds one vector per referenced
// channel, including command when the profile uses it.
type Profile struct {
	ID            int
	Stacked       []string
	NonStacked    []string
	StackSize     int
	Scale         map[string][]float64
	CommandLength int
	ActionScale   []float64
	PolicyType    policy.Kind
	PolicyPath    string
	Policy        policy.Runtime
}

// FrameLen is the length of one stacked frame.
func (p *Profile) FrameLen(r *channel.Registry) int {
	n := 0
	for _, name := range p.Stacked {
		l, _ := r.Resolve(name, p.CommandLength)
		n += l
	}
	return n
}

// StateLen is the full state vector length:
// sum(stacked) * StackSize + sum(non-stacked).
func (p *Profile) StateLen(r *channel.Registry) int {
	n := p.FrameLen(r) * p.StackSize
	for _, name := range p.NonStacked {
		l, _ := r.Resolve(name, p.CommandLength)
		n += l
	}
	return n
}

// Validate checks p against the channel registry. It does not look at the
// policy handle beyond its widths; see DryRun.
func (p *Profile) Validate(r *channel.Registry) error {
	if p.ID < MinID || p.ID > MaxID {
		return faults.Configf("mode id must be in [%d, %d], got %d", MinID, MaxID, p.ID)
	}
	if p.StackSize < 1 {
		return faults.Configf("mode %d: stack_size must be >= 1, got %d", p.ID, p.StackSize)
	}
	if p.CommandLength < 0 {
		return faults.Configf("mode %d: command length must be >= 0, got %d", p.ID, p.CommandLength)
	}
	seen := make(map[string]bool)
	for _, list := range [][]string{p.Stacked, p.NonStacked} {
		for _, name := range list {
			if seen[name] {
				return faults.Configf("mode %d: channel %q listed twice", p.ID, name)
			}
			seen[name] = true
			n, err := r.Resolve(name, p.CommandLength)
			if err != nil {
				return fmt.Errorf("mode %d: %w", p.ID, err)
			}
			if got := len(p.Scale[name]); got != n {
				return faults.Configf("mode %d: scale for %q has length %d, channel length is %d", p.ID, name, got, n)
			}
		}
	}
	if got, want := len(p.ActionScale), r.ActionLen(); got != want {
		return faults.Configf("mode %d: action scale has length %d, expected %d", p.ID, got, want)
	}
	if p.Policy != nil {
		if got, want := p.Policy.InputWidth(), p.StateLen(r); got != want {
			return faults.Configf("mode %d: policy expects a state of %d, profile builds %d", p.ID, got, want)
		}
		if got, want := p.Policy.OutputWidth(), r.ActionLen(); got != want {
			return faults.Configf("mode %d: policy output length %d, expected %d", p.ID, got, want)
		}
	}
	return nil
}

// DryRun runs the policy once on a zero state and checks the action length.
// It advances a recurrent policy's hidden state, so callers reload such
// policies afterwards.
func (p *Profile) DryRun(r *channel.Registry) error {
	if p.Policy == nil {
		return faults.Configf("mode %d: no policy loaded", p.ID)
	}
	out, err := p.Policy.Inference(make([]float64, p.StateLen(r)))
	if err != nil {
		return faults.Configf("mode %d: policy inference failed; the state length may not match the model input: %v", p.ID, err)
	}
	if got, want := len(out), r.ActionLen(); got != want {
		return faults.Configf("mode %d: policy inference output length mismatch: got %d, expected %d (%s length)", p.ID, got, want, channel.LastAction)
	}
	return nil
}

// Registry is an ordered set of profiles keyed by id. It is owned by the
// control loop root and passed to the state builder.
type Registry struct {
	profiles []*Profile
}

// NewRegistry returns a registry holding profiles in order.
func NewRegistry(profiles ...*Profile) *Registry {
	r := &Registry{}
	for _, p := range profiles {
		r.Add(p)
	}
	return r
}

// Add registers p. A profile with the same id is replaced in place, keeping
// its position.
func (r *Registry) Add(p *Profile) {
	for i, existing := range r.profiles {
		if existing.ID == p.ID {
			r.profiles[i] = p
			return
		}
	}
	r.profiles = append(r.profiles, p)
}

// Get returns the profile registered under id.
func (r *Registry) Get(id int) (*Profile, bool) {
	for _, p := range r.profiles {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []int {
	ids := make([]int, len(r.profiles))
	for i, p := range r.profiles {
		ids[i] = p.ID
	}
	return ids
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int { return len(r.profiles) }

// Close releases every loaded policy.
func (r *Registry) Close() error {
	var first error
	for _, p := range r.profiles {
		if p.Policy == nil {
			continue
		}
		if err := p.Policy.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
