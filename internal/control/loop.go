// Package control runs the fixed-rate sense, infer, act cycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/w4control/internal/channel"
	"github.com/banshee-data/w4control/internal/command"
	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/hardware"
	"github.com/banshee-data/w4control/internal/monitoring"
	"github.com/banshee-data/w4control/internal/mode"
	"github.com/banshee-data/w4control/internal/state"
	"github.com/banshee-data/w4control/internal/timeutil"
)

// Robot is the hardware side of the loop. *hardware.Interface implements it.
type Robot interface {
	GetObs(ctx context.Context) (channel.Frame, error)
	DoAction(ctx context.Context, action []float64, torqueCtrl bool) error
	CheckSafety(ctx context.Context) error
	EStop(ctx context.Context, reason string) error
	Sleep(ctx context.Context) error
	State() hardware.State
}

// Policy turns observations into actions. *state.Builder implements it.
type Policy interface {
	BuildState(obs channel.Frame, cmd state.Command, prevScaledAction []float64) ([]float64, error)
	SelectAction(state []float64) ([]float64, error)
	Active() *mode.Profile
}

// Tick describes one completed cycle. Action is owned by the loop and only
// valid during the Recorder call.
type Tick struct {
	Seq     uint64
	At      time.Time
	Elapsed time.Duration
	ModeID  int
	Action  []float64
	Overrun bool
}

// Recorder observes the loop. Calls are made from the loop goroutine and
// must not block.
type Recorder interface {
	RecordTick(t Tick)
	RecordStop(at time.Time, reason string)
}

// Config sets the loop rate and actuation options.
type Config struct {
	Hz            float64
	TorqueControl bool
	// DryRun runs the policy without sending actions.
	DryRun bool
	// CheckSafety runs Robot.CheckSafety at the end of every tick. Set it
	// when DoAction does not check the envelope itself, and for dry runs.
	CheckSafety bool
	// MaxTicks stops the loop, putting the robot to sleep, after that many
	// ticks. Zero runs until stopped.
	MaxTicks uint64
}

// Loop runs Config.Hz cycles per second on one goroutine.
type Loop struct {
	robot  Robot
	policy Policy
	src    command.Source
	cfg    Config
	period time.Duration

	clock timeutil.Clock
	log   *zap.Logger
	rec   Recorder

	cmd command.Command

	ticks    atomic.Uint64
	overruns atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used for pacing.
func WithClock(c timeutil.Clock) Option { return func(l *Loop) { l.clock = c } }

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option { return func(l *Loop) { l.log = log } }

// WithRecorder attaches a recorder.
func WithRecorder(r Recorder) Option { return func(l *Loop) { l.rec = r } }

// New validates cfg and returns a loop.
func New(robot Robot, policy Policy, src command.Source, cfg Config, opts ...Option) (*Loop, error) {
	if !(cfg.Hz > 0) {
		return nil, faults.Configf("control rate must be greater than 0, got %v", cfg.Hz)
	}
	l := &Loop{
		robot:  robot,
		policy: policy,
		src:    src,
		cfg:    cfg,
		period: time.Duration(float64(time.Second) / cfg.Hz),
		clock:  timeutil.RealClock{},
		log:    monitoring.L(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Period is the tick period.
func (l *Loop) Period() time.Duration { return l.period }

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() uint64 { return l.ticks.Load() }

// Overruns returns the number of ticks that missed their deadline.
func (l *Loop) Overruns() uint64 { return l.overruns.Load() }

// Run cycles until the robot is put to sleep, an error occurs or ctx is
// done. Every exit other than sleep stops the boards first. A sleep
// request returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("control loop starting", zap.Float64("hz", l.cfg.Hz), zap.Duration("period", l.period),
		zap.Bool("dry_run", l.cfg.DryRun), zap.Bool("torque", l.cfg.TorqueControl),
		zap.Bool("check_safety", l.cfg.CheckSafety))
	next := l.clock.Now().Add(l.period)
	for {
		start := l.clock.Now()
		action, err := l.step(ctx)
		if err != nil {
			return l.stop(ctx, err)
		}
		seq := l.ticks.Add(1)

		now := l.clock.Now()
		remaining := next.Sub(now)
		overrun := remaining <= 0
		if l.rec != nil {
			t := Tick{Seq: seq, At: start, Elapsed: now.Sub(start), Action: action, Overrun: overrun}
			if p := l.policy.Active(); p != nil {
				t.ModeID = p.ID
			}
			l.rec.RecordTick(t)
		}
		if l.cfg.MaxTicks > 0 && seq >= l.cfg.MaxTicks {
			return l.stop(ctx, l.robot.Sleep(ctx))
		}

		if overrun {
			l.overruns.Add(1)
			l.log.Warn("control loop overrun", zap.Uint64("tick", seq), zap.Duration("late", -remaining))
			next = l.clock.Now().Add(l.period)
			continue
		}
		if err := l.clock.Sleep(ctx, remaining); err != nil {
			return l.stop(ctx, err)
		}
		next = next.Add(l.period)
	}
}

// step runs one cycle and returns the action sent.
func (l *Loop) step(ctx context.Context) ([]float64, error) {
	l.src.Read(&l.cmd)
	if l.cmd.Sleep {
		return nil, l.robot.Sleep(ctx)
	}
	if l.cmd.EStop {
		return nil, l.robot.EStop(ctx, "E-stop: operator request")
	}
	obs, err := l.robot.GetObs(ctx)
	if err != nil {
		return nil, err
	}
	st, err := l.policy.BuildState(obs, l.cmd.Command, nil)
	if err != nil {
		return nil, fmt.Errorf("build state: %w", err)
	}
	action, err := l.policy.SelectAction(st)
	if err != nil {
		return nil, fmt.Errorf("select action: %w", err)
	}
	if !l.cfg.DryRun {
		if err := l.robot.DoAction(ctx, action, l.cfg.TorqueControl); err != nil {
			return action, err
		}
	}
	if l.cfg.CheckSafety {
		return action, l.robot.CheckSafety(ctx)
	}
	return action, nil
}

// stop leaves the loop. A nil err is treated as sleep.
func (l *Loop) stop(ctx context.Context, err error) error {
	at := l.clock.Now()
	if err == nil || errors.Is(err, faults.ErrSleep) {
		l.log.Info("leaving control loop: robot sleeping", zap.Uint64("ticks", l.Ticks()))
		l.record(at, faults.ErrSleep.Error())
		return nil
	}
	if !l.robot.State().Terminal() {
		reason := "E-stop: control loop error: " + err.Error()
		if ctx.Err() != nil {
			reason = "E-stop: control loop interrupted"
		}
		_ = l.robot.EStop(context.WithoutCancel(ctx), reason)
	}
	l.log.Error("control loop stopped", zap.Uint64("ticks", l.Ticks()), zap.Error(err))
	l.record(at, err.Error())
	return err
}

func (l *Loop) record(at time.Time, reason string) {
	if l.rec != nil {
		l.rec.RecordStop(at, reason)
	}
}
