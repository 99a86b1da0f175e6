package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/w4control/internal/faults"
)

func TestReading_Parse(t *testing.T) {
	t.Parallel()

	ids := []int{1, 2}
	tests := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"primary delimiter", "OK <REQ>\nM1 p=0.5 v=-1 t=0\nM2 p=1 v=2 t=3\n", ""},
		{"legacy delimiter", "OK <REQ>\nM1 p:0.5 v:-1 t:0\nM2 p:1 v:2 t:3\n", ""},
		{"single line", "OK <REQ> M1 p=0.5 v=-1 t=0; M2 p=1 v=2 t=3", ""},
		{"extra motor ignored", "OK <REQ>\nM1 p=0.5 v=-1 t=0\nM2 p=1 v=2 t=3\nM12 p=9 v=9 t=9\n", ""},
		{"missing marker", "M1 p=0.5 v=-1 t=0\nM2 p=1 v=2 t=3\n", "lacks"},
		{"missing motor", "OK <REQ>\nM1 p=0.5 v=-1 t=0\n", "M2 missing from reply"},
		{"missing field", "OK <REQ>\nM1 p=0.5 v=-1\nM2 p=1 v=2 t=3\n", "M1 missing a p, v or t field"},
		{"N value", "OK <REQ>\nM1 p=N v=-1 t=0\nM2 p=1 v=2 t=3\n", "not available"},
		{"bad number", "OK <REQ>\nM1 p=0.5 v=fast t=0\nM2 p=1 v=2 t=3\n", "M1 v"},
		{"M20 is not M2", "OK <REQ>\nM1 p=0.5 v=-1 t=0\nM20 p=1 v=2 t=3\n", "M2 missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReading(ids)
			err := r.parse(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, faults.ErrTransport)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []float64{0.5, 1}, r.pos)
			assert.Equal(t, []float64{-1, 2}, r.vel)
			assert.Equal(t, []float64{0, 3}, r.tau)
		})
	}
}

func TestReading_ParseIMU(t *testing.T) {
	t.Parallel()

	r := newReading([]int{9})
	require.NoError(t, r.parse("OK <REQ>\nM9 p=0 v=0 t=0\nIMU gx=0.1 gy=0.2 gz=0.3 pgx=0 pgy=0 pgz=-1\n"))
	assert.True(t, r.hasIMU())
	assert.Equal(t, [6]float64{0.1, 0.2, 0.3, 0, 0, -1}, r.imu)

	require.NoError(t, r.parse("OK <REQ>\nM9 p=0 v=0 t=0\n"))
	assert.False(t, r.hasIMU(), "IMU block is optional")

	err := r.parse("OK <REQ>\nM9 p=0 v=0 t=0\nIMU gx=N gy=0 gz=0 pgx=0 pgy=0 pgz=-1\n")
	assert.ErrorContains(t, err, "IMU gx")
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	ids := []int{1, 2}
	tests := []struct {
		name string
		in   string
		want statusReport
	}{
		{"nominal", "OK <STATUS>\nM1 pattern:2\nM2 pattern:2\nEMERGENCY value:off\n", statusReport{}},
		{"primary delimiter", "OK <STATUS>\nM1 pattern=2\nM2 pattern=2\n", statusReport{}},
		{"no marker", "M1 pattern:2\nM2 pattern:2\n", statusReport{Disconnected: true}},
		{"missing motor", "OK <STATUS>\nM1 pattern:2\n", statusReport{Disconnected: true}},
		{"missing pattern", "OK <STATUS>\nM1 pattern:2\nM2 mode:run\n", statusReport{Disconnected: true}},
		{"wrong pattern", "OK <STATUS>\nM1 pattern:2\nM2 pattern:1\n", statusReport{Disconnected: true}},
		{"emergency", "OK <STATUS>\nM1 pattern:2\nM2 pattern:2\nEMERGENCY value:on\n", statusReport{Emergency: true}},
		{"emergency without marker", "EMERGENCY value:on", statusReport{Disconnected: true, Emergency: true}},
		{"empty", "", statusReport{Disconnected: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseStatus(tt.in, ids, make([]int, len(ids)))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_DoesNotAllocate(t *testing.T) {
	r := newReading([]int{1, 2})
	in := "OK <REQ>\nM1 p=0.5 v=-1 t=0\nM2 p=1 v=2 t=3\nIMU gx=0.1 gy=0.2 gz=0.3 pgx=0 pgy=0 pgz=-1\n"
	pattern := make([]int, 2)
	status := "OK <STATUS>\nM1 pattern:2\nM2 pattern:2\nEMERGENCY value:off\n"
	allocs := testing.AllocsPerRun(100, func() {
		_ = r.parse(in)
		_ = parseStatus(status, r.ids, pattern)
	})
	assert.Zero(t, allocs)
}
