package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/w4control/internal/control"
	"github.com/banshee-data/w4control/internal/monitoring"
	"github.com/banshee-data/w4control/internal/version"
)

const (
	// DefaultQueue is the number of ticks buffered between the control loop
	// and the database writer.
	DefaultQueue = 1024
	batchSize    = 64
)

// RunInfo describes a run at the time it starts.
type RunInfo struct {
	StartedAt time.Time
	ControlHz float64
}

type tickRow struct {
	seq     uint64
	at      int64
	elapsed int64
	modeID  int
	overrun bool
	action  []float64
}

// Writer records one run. It implements control.Recorder: ticks are queued
// and written by a background goroutine, and dropped when the queue is full.
type Writer struct {
	db    *DB
	runID string
	log   *zap.Logger

	queue   chan tickRow
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64

	mu      sync.Mutex
	closed  bool
	stopped bool
	stopAt  time.Time
	reason  string

	closeOnce sync.Once
	closeErr  error
}

var _ control.Recorder = (*Writer)(nil)

// Option configures a Writer.
type Option func(*writerOptions)

type writerOptions struct {
	queue int
	log   *zap.Logger
}

// WithQueue sets the queue length. Values below 1 are ignored.
func WithQueue(n int) Option {
	return func(o *writerOptions) {
		if n > 0 {
			o.queue = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *writerOptions) { o.log = l } }

// StartRun inserts a run row and starts the background writer.
func (db *DB) StartRun(ctx context.Context, info RunInfo, opts ...Option) (*Writer, error) {
	o := writerOptions{queue: DefaultQueue, log: monitoring.L()}
	for _, opt := range opts {
		opt(&o)
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at_ns, version, git_sha, control_hz) VALUES (?, ?, ?, ?, ?)`,
		id, info.StartedAt.UnixNano(), version.Version, version.GitSHA, info.ControlHz)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	w := &Writer{
		db:    db,
		runID: id,
		log:   o.log.With(zap.String("run_id", id)),
		queue: make(chan tickRow, o.queue),
		done:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// RunID returns the id of the run being recorded.
func (w *Writer) RunID() string { return w.runID }

// Dropped returns the number of ticks discarded because the queue was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Written returns the number of ticks committed to the database.
func (w *Writer) Written() uint64 { return w.written.Load() }

// RecordTick queues t. The action is copied. Ticks after Close are ignored.
func (w *Writer) RecordTick(t control.Tick) {
	row := tickRow{
		seq:     t.Seq,
		at:      t.At.UnixNano(),
		elapsed: int64(t.Elapsed),
		modeID:  t.ModeID,
		overrun: t.Overrun,
		action:  append([]float64(nil), t.Action...),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- row:
	default:
		w.dropped.Add(1)
	}
}

// RecordStop remembers why the run ended. It is written on Close. Only the
// first call counts.
func (w *Writer) RecordStop(at time.Time, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.stopAt = at
	w.reason = reason
}

func (w *Writer) run() {
	defer close(w.done)
	batch := make([]tickRow, 0, batchSize)
	for row := range w.queue {
		batch = append(batch[:0], row)
	fill:
		for len(batch) < batchSize {
			select {
			case r, ok := <-w.queue:
				if !ok {
					break fill
				}
				batch = append(batch, r)
			default:
				break fill
			}
		}
		if err := w.flush(batch); err != nil {
			w.dropped.Add(uint64(len(batch)))
			w.log.Warn("recorder write failed", zap.Int("ticks", len(batch)), zap.Error(err))
		}
	}
}

func (w *Writer) flush(batch []tickRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(`INSERT INTO ticks (run_id, seq, at_ns, elapsed_ns, mode_id, overrun, action) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range batch {
		action, err := json.Marshal(r.action)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(w.runID, int64(r.seq), r.at, r.elapsed, r.modeID, r.overrun, string(action)); err != nil {
			return fmt.Errorf("insert tick %d: %w", r.seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.written.Add(uint64(len(batch)))
	return nil
}

// Close drains the queue, then writes the stop reason and drop count. It
// does not close the database.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		stopAt, reason := w.stopAt, w.reason
		w.mu.Unlock()
		<-w.done

		var at sql.NullInt64
		if !stopAt.IsZero() {
			at = sql.NullInt64{Int64: stopAt.UnixNano(), Valid: true}
		}
		_, err := w.db.Exec(`UPDATE runs SET stopped_at_ns = ?, stop_reason = ?, dropped_ticks = ? WHERE run_id = ?`,
			at, sql.NullString{String: reason, Valid: reason != ""}, int64(w.dropped.Load()), w.runID)
		if err != nil {
			w.closeErr = fmt.Errorf("finish run %s: %w", w.runID, err)
			return
		}
		w.log.Info("run recorded", zap.Uint64("ticks", w.written.Load()), zap.Uint64("dropped", w.dropped.Load()))
	})
	return w.closeErr
}
