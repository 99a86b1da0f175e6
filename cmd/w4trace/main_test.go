package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banshee-data/w4control/internal/control"
	"github.com/banshee-data/w4control/internal/recorder"
)

func recordRun(t *testing.T, db *recorder.DB, n int) string {
	t.Helper()
	start := time.Unix(1700000000, 0)
	w, err := db.StartRun(context.Background(), recorder.RunInfo{StartedAt: start, ControlHz: 50}, recorder.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		w.RecordTick(control.Tick{
			Seq:     uint64(i),
			At:      start.Add(time.Duration(i) * 20 * time.Millisecond),
			Elapsed: time.Duration(i) * time.Millisecond,
			ModeID:  1,
			Action:  []float64{float64(i) / float64(n), -0.5},
			Overrun: i == n,
		})
	}
	w.RecordStop(start.Add(time.Second), "robot sleeping")
	require.NoError(t, w.Close())
	return w.RunID()
}

func TestSummarize(t *testing.T) {
	ticks := []recorder.TickRecord{
		{Seq: 1, Elapsed: 4 * time.Millisecond, ModeID: 2},
		{Seq: 2, Elapsed: 2 * time.Millisecond, ModeID: 1},
		{Seq: 3, Elapsed: 30 * time.Millisecond, ModeID: 2, Overrun: true},
	}
	s := summarize(ticks)
	assert.Equal(t, 3, s.Ticks)
	assert.Equal(t, 1, s.Overruns)
	assert.Equal(t, []int{1, 2}, s.Modes)
	assert.InDelta(t, 12.0, s.MeanMs, 1e-9)
	assert.InDelta(t, 4.0, s.P50Ms, 1e-9)
	assert.InDelta(t, 30.0, s.MaxMs, 1e-9)
	assert.Contains(t, s.String(), "overruns=1")

	assert.Equal(t, summary{}, summarize(nil))
}

func TestPlotRun(t *testing.T) {
	dir := t.TempDir()
	db, err := recorder.Open(filepath.Join(dir, "flight.db"))
	require.NoError(t, err)
	defer db.Close()
	id := recordRun(t, db, 10)

	var out bytes.Buffer
	require.NoError(t, plotRun(context.Background(), db, "", dir, true, &out))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "stopped: robot sleeping")

	for _, name := range []string{"_timing.png", "_actions.png", ".html"} {
		info, err := os.Stat(filepath.Join(dir, "run_"+shortID(id)+name))
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	err = plotRun(context.Background(), db, "missing", dir, false, &out)
	assert.ErrorIs(t, err, recorder.ErrNoRun)
}

func TestPlotRun_NoTicks(t *testing.T) {
	dir := t.TempDir()
	db, err := recorder.Open(filepath.Join(dir, "flight.db"))
	require.NoError(t, err)
	defer db.Close()
	id := recordRun(t, db, 0)

	assert.Error(t, plotRun(context.Background(), db, id, dir, false, &bytes.Buffer{}))
	_, err = renderHTML(recorder.Run{ID: id}, nil, dir)
	assert.Error(t, err)
}

func TestRenderHTML_Contents(t *testing.T) {
	dir := t.TempDir()
	ticks := []recorder.TickRecord{
		{Seq: 1, Elapsed: time.Millisecond, Action: []float64{0.1, 0.2}},
		{Seq: 2, Elapsed: 2 * time.Millisecond, Action: []float64{0.3}},
	}
	path, err := renderHTML(recorder.Run{ID: "0123456789", ControlHz: 50}, ticks, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run_01234567.html"), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "Tick Time")
	assert.Contains(t, string(b), "a1")
}

func TestListRuns(t *testing.T) {
	db, err := recorder.Open(filepath.Join(t.TempDir(), "flight.db"))
	require.NoError(t, err)
	defer db.Close()
	id := recordRun(t, db, 3)

	var out bytes.Buffer
	require.NoError(t, listRuns(context.Background(), db, &out))
	assert.Contains(t, out.String(), "RUN")
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "robot sleeping")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "01234567", shortID("0123456789"))
}
