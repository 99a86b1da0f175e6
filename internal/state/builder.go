// Package state turns observations, operator commands and the previous
// action into the fixed-layout vector a policy consumes.
//
// The stacked region holds the last StackSize frames, most recent first.
// A channel missing from the observations holds its previous value in the
// stacked region and is left untouched in the non-stacked region.
package state

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/w4control/internal/channel"
	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/mode"
)

// Command is the operator input consumed by BuildState. ModeID 0 keeps the
// active mode; a nil Vector is treated as a missing command channel.
type Command struct {
	ModeID int
	Vector []float64
}

type slot struct {
	name  string
	off   int
	n     int
	scale []float64
}

// Builder owns the state vector and the retained last action. It is not
// safe for concurrent use.
type Builder struct {
	channels *channel.Registry
	modes    *mode.Registry
	active   *mode.Profile

	stacked    []slot
	nonStacked []slot
	frameLen   int
	depth      int

	state      []float64
	frame      []float64
	lastAction []float64
	scaled     []float64
}

// NewBuilder returns a builder with no active mode.
func NewBuilder(channels *channel.Registry, modes *mode.Registry) *Builder {
	n := channels.ActionLen()
	return &Builder{
		channels:   channels,
		modes:      modes,
		lastAction: make([]float64, n),
		scaled:     make([]float64, n),
	}
}

// AddMode validates p and registers it. Replacing the active mode
// re-activates it so the new layout takes effect.
func (b *Builder) AddMode(p *mode.Profile) error {
	if err := p.Validate(b.channels); err != nil {
		return err
	}
	b.modes.Add(p)
	if b.active != nil && b.active.ID == p.ID {
		b.SetMode(p.ID)
	}
	return nil
}

// Active returns the active profile, or nil.
func (b *Builder) Active() *mode.Profile { return b.active }

// SetMode activates the profile registered under id and rebuilds the cached
// layout, zeroing the state and action buffers. Unknown ids are ignored; the
// return value reports whether a profile was activated.
func (b *Builder) SetMode(id int) bool {
	p, ok := b.modes.Get(id)
	if !ok {
		return false
	}
	b.active = p
	b.depth = p.StackSize
	b.stacked = b.layout(p, p.Stacked, 0)
	b.frameLen = 0
	for _, s := range b.stacked {
		b.frameLen += s.n
	}
	b.nonStacked = b.layout(p, p.NonStacked, b.frameLen*b.depth)

	total := b.frameLen * b.depth
	for _, s := range b.nonStacked {
		total += s.n
	}
	b.state = make([]float64, total)
	b.frame = make([]float64, b.frameLen)
	clear(b.lastAction)
	clear(b.scaled)
	return true
}

func (b *Builder) layout(p *mode.Profile, names []string, off int) []slot {
	slots := make([]slot, 0, len(names))
	for _, name := range names {
		n, _ := b.channels.Resolve(name, p.CommandLength)
		slots = append(slots, slot{name: name, off: off, n: n, scale: p.Scale[name]})
		off += n
	}
	return slots
}

func (b *Builder) source(s slot, obs channel.Frame, cmd Command) []float64 {
	switch s.name {
	case channel.LastAction:
		return b.lastAction
	case channel.Command:
		return cmd.Vector
	default:
		return obs[s.name]
	}
}

func (b *Builder) check(slots []slot, obs channel.Frame, cmd Command) error {
	for _, s := range slots {
		if src := b.source(s, obs, cmd); src != nil && len(src) != s.n {
			return faults.Usagef("channel %q has length %d, expected %d", s.name, len(src), s.n)
		}
	}
	return nil
}

// BuildState writes the state vector for this tick and returns it. The
// returned slice is owned by the builder and rewritten by the next call.
// prevScaledAction, when non-nil, replaces the retained last action. A mode
// id in cmd activates that mode only when it differs from the active one.
func (b *Builder) BuildState(obs channel.Frame, cmd Command, prevScaledAction []float64) ([]float64, error) {
	if cmd.ModeID != 0 && (b.active == nil || cmd.ModeID != b.active.ID) {
		b.SetMode(cmd.ModeID)
	}
	if b.active == nil {
		return nil, faults.Usagef("no active mode; call SetMode first")
	}
	if prevScaledAction != nil && len(prevScaledAction) != len(b.lastAction) {
		return nil, faults.Usagef("previous action must have length %d, got %d", len(b.lastAction), len(prevScaledAction))
	}
	if err := b.check(b.stacked, obs, cmd); err != nil {
		return nil, err
	}
	if err := b.check(b.nonStacked, obs, cmd); err != nil {
		return nil, err
	}
	if prevScaledAction != nil {
		copy(b.lastAction, prevScaledAction)
	}

	for _, s := range b.stacked {
		dst := b.frame[s.off : s.off+s.n]
		if src := b.source(s, obs, cmd); src != nil {
			floats.MulTo(dst, src, s.scale)
		} else {
			copy(dst, b.state[s.off:s.off+s.n])
		}
	}
	if b.depth > 1 {
		copy(b.state[b.frameLen:b.frameLen*b.depth], b.state[:b.frameLen*(b.depth-1)])
	}
	copy(b.state[:b.frameLen], b.frame)

	for _, s := range b.nonStacked {
		if src := b.source(s, obs, cmd); src != nil {
			floats.MulTo(b.state[s.off:s.off+s.n], src, s.scale)
		}
	}
	return b.state, nil
}

// SelectAction runs the active policy on state, stores the raw output as
// the last action and returns it multiplied by the action scale. The
// returned slice is owned by the builder.
func (b *Builder) SelectAction(state []float64) ([]float64, error) {
	if b.active == nil {
		return nil, faults.Usagef("no active mode; call SetMode first")
	}
	if b.active.Policy == nil {
		return nil, faults.Usagef("mode %d has no policy loaded", b.active.ID)
	}
	raw, err := b.active.Policy.Inference(state)
	if err != nil {
		return nil, fmt.Errorf("mode %d inference: %w", b.active.ID, err)
	}
	if len(raw) != len(b.lastAction) {
		return nil, fmt.Errorf("mode %d: policy returned %d actions, expected %d", b.active.ID, len(raw), len(b.lastAction))
	}
	floats.MulTo(b.scaled, raw, b.active.ActionScale)
	copy(b.lastAction, raw)
	return b.scaled, nil
}

// LastAction returns the retained unscaled action.
func (b *Builder) LastAction() []float64 { return b.lastAction }
