package command

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/banshee-data/w4control/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPendant_Run(t *testing.T) {
	r, w := io.Pipe()
	p := NewPendant(r, Command{Command: state.Command{ModeID: 1, Vector: []float64{0, 0}}}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	_, err := io.WriteString(w, "CMD 0.5 -0.5\nbogus\nCMD mode=2\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return at EOF")
	}

	var got Command
	p.Read(&got)
	assert.Equal(t, 2, got.ModeID)
	assert.Equal(t, []float64{0.5, -0.5}, got.Vector)
	assert.Equal(t, 1, p.Rejected())
	require.NoError(t, p.Close())
}

func TestPendant_StopRequests(t *testing.T) {
	r, w := io.Pipe()
	p := NewPendant(r, Command{}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	_, err := io.WriteString(w, "ESTOP\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, <-done)

	var got Command
	p.Read(&got)
	assert.True(t, got.EStop)
	assert.False(t, got.Sleep)
	require.NoError(t, p.Close())
}

func TestPendant_Cancel(t *testing.T) {
	r, w := io.Pipe()
	p := NewPendant(r, Command{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// Closing the port releases the reader goroutine.
	require.NoError(t, p.Close())
	require.NoError(t, w.Close())
}
