package hardware

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafetyMonitor_Link(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	m := NewSafetyMonitor(&cfg)

	m.ObserveLink(false)
	m.ObserveLink(false)
	assert.Zero(t, m.Disconnected())

	for i := 0; i < 9; i++ {
		m.ObserveLink(true)
	}
	_, trip := m.LinkViolation()
	assert.False(t, trip)
	m.ObserveLink(true)
	reason, trip := m.LinkViolation()
	assert.True(t, trip)
	assert.Contains(t, reason, "connection timeout")

	m.ObserveLink(false)
	assert.Zero(t, m.Disconnected())
	for i := 0; i < 10; i++ {
		m.MissedRequest()
	}
	_, trip = m.LinkViolation()
	assert.True(t, trip, "10 missed requests at 20ms reach 200ms")
	m.RequestsOK()
	assert.Zero(t, m.Missed())
	_, trip = m.LinkViolation()
	assert.False(t, trip)
	assert.Equal(t, 200*time.Millisecond, cfg.Timeout)
}

func TestSafetyMonitor_NonFinite(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	m := NewSafetyMonitor(&cfg)
	pos := make([]float64, NumJoints)
	vel := make([]float64, NumMotors)
	vel[ActionIndex(3)] = math.NaN()
	reason, trip := m.JointViolation(pos, vel)
	assert.True(t, trip)
	assert.Contains(t, reason, cfg.JointNames[3])
}

func TestIndexMapping(t *testing.T) {
	t.Parallel()

	want := []int{0, 1, 2, 3, 4, 5, 8, 9, 10, 11, 12, 13}
	for j, i := range want {
		assert.Equal(t, i, ActionIndex(j))
		assert.Equal(t, j, JointIndex(i))
	}
	for _, i := range []int{6, 7, 14, 15} {
		assert.True(t, IsWheel(i))
	}
	assert.False(t, IsWheel(13))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"offsets length", func(c *Config) { c.Offsets = c.Offsets[:3] }},
		{"negative id", func(c *Config) { c.FrontIDs[2] = -1 }},
		{"empty range", func(c *Config) { c.MinPos[4] = 3 }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"threshold", func(c *Config) { c.VelocityThreshold = 0 }},
		{"negative settle", func(c *Config) { c.SettleMargin = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	s, err := ParseSide("front")
	assert.NoError(t, err)
	assert.Equal(t, Front, s)
	_, err = ParseSide("middle")
	assert.Error(t, err)
}
