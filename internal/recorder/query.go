package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoRun is returned when a run id is unknown.
var ErrNoRun = errors.New("no such run")

// Run is a recorded run.
type Run struct {
	ID        string
	StartedAt time.Time
	Version   string
	GitSHA    string
	ControlHz float64
	// StoppedAt is zero when the run was not closed cleanly.
	StoppedAt  time.Time
	StopReason string
	Dropped    uint64
	Ticks      int
	Overruns   int
}

// TickRecord is a recorded control tick.
type TickRecord struct {
	Seq     uint64
	At      time.Time
	Elapsed time.Duration
	ModeID  int
	Overrun bool
	Action  []float64
}

const runColumns = `r.run_id, r.started_at_ns, r.version, r.git_sha, r.control_hz, r.stopped_at_ns, r.stop_reason, r.dropped_ticks,
	(SELECT COUNT(*) FROM ticks t WHERE t.run_id = r.run_id),
	(SELECT COUNT(*) FROM ticks t WHERE t.run_id = r.run_id AND t.overrun = 1)`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r         Run
		started   int64
		stoppedAt sql.NullInt64
		reason    sql.NullString
		dropped   int64
	)
	if err := s.Scan(&r.ID, &started, &r.Version, &r.GitSHA, &r.ControlHz, &stoppedAt, &reason, &dropped, &r.Ticks, &r.Overruns); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started)
	if stoppedAt.Valid {
		r.StoppedAt = time.Unix(0, stoppedAt.Int64)
	}
	r.StopReason = reason.String
	r.Dropped = uint64(dropped)
	return r, nil
}

// Runs lists all runs, newest first.
func (db *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs r ORDER BY r.started_at_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run. An empty id selects the newest run.
func (db *DB) GetRun(ctx context.Context, id string) (Run, error) {
	var row *sql.Row
	if id == "" {
		row = db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r ORDER BY r.started_at_ns DESC LIMIT 1`)
	} else {
		row = db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r WHERE r.run_id = ?`, id)
	}
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		if id == "" {
			return Run{}, fmt.Errorf("%w: database has no runs", ErrNoRun)
		}
		return Run{}, fmt.Errorf("%w: %s", ErrNoRun, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

// Ticks returns the ticks of a run in sequence order.
func (db *DB) Ticks(ctx context.Context, runID string) ([]TickRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT seq, at_ns, elapsed_ns, mode_id, overrun, action FROM ticks WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()
	var ticks []TickRecord
	for rows.Next() {
		var (
			t       TickRecord
			seq     int64
			at      int64
			elapsed int64
			action  string
		)
		if err := rows.Scan(&seq, &at, &elapsed, &t.ModeID, &t.Overrun, &action); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		if err := json.Unmarshal([]byte(action), &t.Action); err != nil {
			return nil, fmt.Errorf("tick %d action: %w", seq, err)
		}
		t.Seq = uint64(seq)
		t.At = time.Unix(0, at)
		t.Elapsed = time.Duration(elapsed)
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}
