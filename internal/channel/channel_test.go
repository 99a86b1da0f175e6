package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/w4control/internal/faults"
)

func TestRegistry_Defaults(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for name, want := range DefaultLengths() {
		got, ok := r.Len(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	assert.Equal(t, 16, r.ActionLen())
}

func TestRegistry_RegisterIsImmutable(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register("foot_contact", 4))
	require.NoError(t, r.Register("foot_contact", 4))

	err := r.Register("foot_contact", 5)
	assert.ErrorIs(t, err, faults.ErrConfig)
	n, _ := r.Len("foot_contact")
	assert.Equal(t, 4, n)

	assert.ErrorIs(t, r.Register(DofPos, 6), faults.ErrConfig)
	assert.ErrorIs(t, r.Register(Command, 3), faults.ErrConfig)
	assert.ErrorIs(t, r.Register("x", 0), faults.ErrConfig)
	assert.ErrorIs(t, r.Register("", 1), faults.ErrConfig)
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	n, err := r.Resolve(Command, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = r.Resolve(HeightMap, 3)
	require.NoError(t, err)
	assert.Equal(t, 144, n)

	_, err = r.Resolve("joint_torque", 3)
	require.ErrorIs(t, err, faults.ErrConfig)
	assert.Contains(t, err.Error(), "ang_vel, command, dof_pos")
}

func TestNewFrame(t *testing.T) {
	t.Parallel()

	f := NewFrame(NewRegistry())
	assert.Len(t, f[DofPos], 12)
	assert.Len(t, f[DofVel], 16)
	assert.Len(t, f[LastAction], 16)
	assert.NotContains(t, f, LinVel)
	for _, v := range f[HeightMap] {
		assert.Equal(t, NominalHeight, v)
	}

	c := f.Clone()
	c[AngVel][0] = 1
	assert.Equal(t, 0.0, f[AngVel][0])
}
