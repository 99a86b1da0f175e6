package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/w4control/internal/channel"
	"github.com/banshee-data/w4control/internal/faults"
)

type stubPolicy struct {
	in, out int
	closed  bool
}

func (s *stubPolicy) Inference(state []float64) ([]float64, error) { return make([]float64, s.out), nil }
func (s *stubPolicy) InputWidth() int                               { return s.in }
func (s *stubPolicy) OutputWidth() int                              { return s.out }
func (s *stubPolicy) Close() error {
	s.closed = true
	return nil
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func walkProfile() *Profile {
	return &Profile{
		ID:            1,
		Stacked:       []string{channel.AngVel, channel.ProjGrav, channel.LastAction},
		NonStacked:    []string{channel.Command},
		StackSize:     3,
		CommandLength: 3,
		Scale: map[string][]float64{
			channel.AngVel:     ones(3),
			channel.ProjGrav:   ones(3),
			channel.LastAction: ones(16),
			channel.Command:    ones(3),
		},
		ActionScale: ones(16),
	}
}

func TestProfile_StateLen(t *testing.T) {
	t.Parallel()

	r := channel.NewRegistry()
	p := walkProfile()
	assert.Equal(t, 22, p.FrameLen(r))
	assert.Equal(t, 22*3+3, p.StateLen(r))
}

func TestProfile_Validate(t *testing.T) {
	t.Parallel()

	r := channel.NewRegistry()
	require.NoError(t, walkProfile().Validate(r))

	tests := []struct {
		name   string
		mutate func(p *Profile)
		want   string
	}{
		{"id zero", func(p *Profile) { p.ID = 0 }, "mode id must be in [1, 16]"},
		{"id too big", func(p *Profile) { p.ID = 17 }, "mode id must be in [1, 16]"},
		{"stack size", func(p *Profile) { p.StackSize = 0 }, "stack_size must be >= 1"},
		{"unknown channel", func(p *Profile) { p.Stacked = append(p.Stacked, "foot_contact") }, "unknown observation key"},
		{"duplicate", func(p *Profile) { p.NonStacked = append(p.NonStacked, channel.AngVel) }, "listed twice"},
		{"scale length", func(p *Profile) { p.Scale[channel.AngVel] = ones(2) }, `scale for "ang_vel" has length 2`},
		{"command scale", func(p *Profile) { p.CommandLength = 4 }, `scale for "command" has length 3`},
		{"action scale", func(p *Profile) { p.ActionScale = ones(12) }, "action scale has length 12"},
		{"last action scale", func(p *Profile) { delete(p.Scale, channel.LastAction) }, `scale for "last_action" has length 0`},
		{"policy input", func(p *Profile) { p.Policy = &stubPolicy{in: 10, out: 16} }, "policy expects a state of 10"},
		{"policy output", func(p *Profile) { p.Policy = &stubPolicy{in: 69, out: 12} }, "policy output length 12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := walkProfile()
			tt.mutate(p)
			err := p.Validate(r)
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestProfile_DryRun(t *testing.T) {
	t.Parallel()

	r := channel.NewRegistry()
	p := walkProfile()
	assert.ErrorIs(t, p.DryRun(r), faults.ErrConfig)

	p.Policy = &stubPolicy{in: 69, out: 16}
	assert.NoError(t, p.DryRun(r))

	p.Policy = &stubPolicy{in: 69, out: 8}
	assert.ErrorContains(t, p.DryRun(r), "output length mismatch: got 8, expected 16")
}

func TestRegistry_AddReplacesInPlace(t *testing.T) {
	t.Parallel()

	a, b, c := walkProfile(), walkProfile(), walkProfile()
	b.ID, c.ID = 2, 3
	r := NewRegistry(a, b, c)
	assert.Equal(t, []int{1, 2, 3}, r.IDs())

	b2 := walkProfile()
	b2.ID = 2
	b2.StackSize = 5
	r.Add(b2)

	assert.Equal(t, []int{1, 2, 3}, r.IDs())
	assert.Equal(t, 3, r.Len())
	got, ok := r.Get(2)
	require.True(t, ok)
	assert.Same(t, b2, got)

	_, ok = r.Get(9)
	assert.False(t, ok)
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()

	a, b := walkProfile(), walkProfile()
	b.ID = 2
	sp := &stubPolicy{}
	a.Policy = sp
	r := NewRegistry(a, b)
	require.NoError(t, r.Close())
	assert.True(t, sp.closed)
}
