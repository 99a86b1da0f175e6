package hardware

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/w4control/internal/channel"
	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/monitoring"
	"github.com/banshee-data/w4control/internal/timeutil"
)

// State is the supervisor state. EmergencyStopped and Sleeping are terminal.
type State int32

const (
	WaitingForHardware State = iota
	Ready
	EmergencyStopped
	Sleeping
)

func (s State) String() string {
	switch s {
	case WaitingForHardware:
		return "waiting_for_hardware"
	case Ready:
		return "ready"
	case EmergencyStopped:
		return "emergency_stopped"
	case Sleeping:
		return "sleeping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s can never be left.
func (s State) Terminal() bool { return s == EmergencyStopped || s == Sleeping }

var sides = [2]Side{Front, Rear}

// Option configures an Interface.
type Option func(*Interface)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c timeutil.Clock) Option { return func(h *Interface) { h.clock = c } }

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option { return func(h *Interface) { h.log = l } }

// WithRegistry sizes the observation frame from r instead of the defaults.
func WithRegistry(r *channel.Registry) Option { return func(h *Interface) { h.frame = channel.NewFrame(r) } }

// Interface drives both boards. Apart from State and Stats its methods must
// be called from a single goroutine.
type Interface struct {
	cfg    Config
	boards [2]Board
	ids    [2][]int
	clock  timeutil.Clock
	log    *zap.Logger

	state atomic.Int32
	// stop is the error returned by every call once the state is terminal.
	stop error

	safety   *SafetyMonitor
	frame    channel.Frame
	readings [2]*reading
	replies  [2]string
	reqErr   [2]error
	pattern  [2][]int
	cmds     [2]MotorCommand

	kp, kd   []float64
	gainsSet bool

	disconnected atomic.Int64
	missed       atomic.Int64
}

// New validates cfg and blocks until both boards are started and report a
// fault-free status, or until cfg.StartDeadline elapses.
func New(ctx context.Context, cfg Config, front, rear Board, opts ...Option) (*Interface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Configf("hardware: %v", err)
	}
	h := &Interface{
		cfg:    cfg,
		boards: [2]Board{front, rear},
		ids:    [2][]int{cfg.FrontIDs, cfg.RearIDs},
		clock:  timeutil.RealClock{},
		log:    monitoring.L(),
		kp:     make([]float64, NumMotors),
		kd:     make([]float64, NumMotors),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.frame == nil {
		h.frame = channel.NewFrame(channel.NewRegistry())
	}
	h.safety = NewSafetyMonitor(&h.cfg)
	for _, side := range sides {
		h.readings[side] = newReading(h.ids[side])
		h.pattern[side] = make([]int, len(h.ids[side]))
		h.cmds[side] = newMotorCommand(h.ids[side])
	}
	h.state.Store(int32(WaitingForHardware))

	if err := h.wait(ctx); err != nil {
		return nil, err
	}
	h.state.Store(int32(Ready))
	h.log.Info("hardware ready", zap.Ints("front", cfg.FrontIDs), zap.Ints("rear", cfg.RearIDs))
	return h, nil
}

func (h *Interface) wait(ctx context.Context) error {
	deadline := h.clock.Now().Add(h.cfg.StartDeadline)
	for attempt := 1; h.clock.Now().Before(deadline); attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for hardware: %w", err)
		}
		errF := h.boards[Front].Start(ctx, h.ids[Front])
		errR := h.boards[Rear].Start(ctx, h.ids[Rear])
		ready := errF == nil && errR == nil
		if ready {
			for _, side := range sides {
				rep := h.pollStatus(ctx, side)
				if rep.Disconnected || rep.Emergency {
					ready = false
				}
			}
		}
		if !ready {
			h.log.Debug("boards not ready", zap.Int("attempt", attempt),
				zap.NamedError("front", errF), zap.NamedError("rear", errR))
			if err := h.clock.Sleep(ctx, h.cfg.StartRetry); err != nil {
				return fmt.Errorf("waiting for hardware: %w", err)
			}
			continue
		}
		if err := h.clock.Sleep(ctx, h.cfg.SettleMargin); err != nil {
			return fmt.Errorf("waiting for hardware: %w", err)
		}
		return nil
	}
	return faults.Transportf("motor start timeout after %s", h.cfg.StartDeadline)
}

// State returns the current supervisor state. It is safe for concurrent use.
func (h *Interface) State() State { return State(h.state.Load()) }

// Stats is a snapshot of the link counters.
type Stats struct {
	State        State
	Disconnected time.Duration
	Missed       int
}

// Stats returns the link counters. It is safe for concurrent use.
func (h *Interface) Stats() Stats {
	return Stats{
		State:        h.State(),
		Disconnected: time.Duration(h.disconnected.Load()),
		Missed:       int(h.missed.Load()),
	}
}

func (h *Interface) publish() {
	h.disconnected.Store(int64(h.safety.Disconnected()))
	h.missed.Store(int64(h.safety.Missed()))
}

// Frame returns the observation frame. It is overwritten by every GetObs.
func (h *Interface) Frame() channel.Frame { return h.frame }

func (h *Interface) terminal() error {
	if h.State().Terminal() {
		return h.stop
	}
	return nil
}

// SetGains validates and stores the PD gains. Wheel channels must have a
// zero position gain. On error the previous gains are kept.
func (h *Interface) SetGains(kp, kd []float64) error {
	if len(kp) != NumMotors || len(kd) != NumMotors {
		return faults.Usagef("kp and kd must have %d entries, got %d and %d", NumMotors, len(kp), len(kd))
	}
	for i := range kp {
		if IsWheel(i) && kp[i] != 0 {
			return faults.Usagef("wheel motor kp must be zero at index %d, got %g", i, kp[i])
		}
	}
	for i := range kp {
		if !(kp[i] >= 0) || math.IsInf(kp[i], 0) {
			return faults.Usagef("kp must be non-negative and finite, got %g at index %d", kp[i], i)
		}
		if !(kd[i] >= 0) || math.IsInf(kd[i], 0) {
			return faults.Usagef("kd must be non-negative and finite, got %g at index %d", kd[i], i)
		}
	}
	copy(h.kp, kp)
	copy(h.kd, kd)
	h.gainsSet = true
	return nil
}

func (h *Interface) pollStatus(ctx context.Context, side Side) statusReport {
	s, err := h.boards[side].Status(ctx)
	if err != nil {
		h.log.Debug("status failed", zap.Stringer("board", side), zap.Error(err))
		return statusReport{Disconnected: true}
	}
	return parseStatus(s, h.ids[side], h.pattern[side])
}

// CheckSafety polls both boards' status, updates the link counters, trips on
// an emergency flag or a connection timeout, then reads a fresh observation
// so joint limits are enforced.
func (h *Interface) CheckSafety(ctx context.Context) error {
	if err := h.terminal(); err != nil {
		return err
	}
	var reps [2]statusReport
	for _, side := range sides {
		reps[side] = h.pollStatus(ctx, side)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h.safety.ObserveLink(reps[Front].Disconnected || reps[Rear].Disconnected)
	h.publish()

	for _, side := range sides {
		if reps[side].Emergency {
			return h.EStop(ctx, fmt.Sprintf("E-stop: emergency flag reported by %s board", side))
		}
	}
	if reason, trip := h.safety.LinkViolation(); trip {
		return h.EStop(ctx, reason)
	}
	_, err := h.GetObs(ctx)
	return err
}

// GetObs requests telemetry from both boards and parses it into the frame.
// A malformed reply is dropped for that board only and counted as a missed
// request; the frame keeps its previous values. Joint limits are checked on
// every call.
func (h *Interface) GetObs(ctx context.Context) (channel.Frame, error) {
	if err := h.terminal(); err != nil {
		return h.frame, err
	}
	h.request(ctx)
	if err := ctx.Err(); err != nil {
		return h.frame, err
	}

	valid := 0
	for _, side := range sides {
		err := h.reqErr[side]
		if err == nil {
			err = h.readings[side].parse(h.replies[side])
		}
		if err != nil {
			h.safety.MissedRequest()
			h.log.Debug("telemetry rejected", zap.Stringer("board", side), zap.Error(err))
			continue
		}
		h.apply(side)
		valid++
	}
	if valid == len(sides) {
		h.safety.RequestsOK()
	}
	h.publish()

	if reason, trip := h.safety.JointViolation(h.frame[channel.DofPos], h.frame[channel.DofVel]); trip {
		return h.frame, h.EStop(ctx, reason)
	}
	return h.frame, nil
}

// request fills replies and reqErr. In parallel mode a failure on one board
// cancels the other's request.
func (h *Interface) request(ctx context.Context) {
	if !h.cfg.ParallelRequests {
		for _, side := range sides {
			h.replies[side], h.reqErr[side] = h.boards[side].Request(ctx, h.ids[side])
		}
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, side := range sides {
		g.Go(func() error {
			h.replies[side], h.reqErr[side] = h.boards[side].Request(gctx, h.ids[side])
			return h.reqErr[side]
		})
	}
	_ = g.Wait()
}

func (h *Interface) apply(side Side) {
	r := h.readings[side]
	pos := h.frame[channel.DofPos]
	vel := h.frame[channel.DofVel]
	base := int(side) * MotorsPerBoard
	jbase := int(side) * LegJointsPerBoard
	for k := range r.ids {
		vel[base+k] = r.vel[k]
		if k < LegJointsPerBoard {
			pos[jbase+k] = r.pos[k] + h.cfg.Offsets[jbase+k]
		}
	}
	if side == h.cfg.IMUBoard && r.hasIMU() {
		copy(h.frame[channel.AngVel], r.imu[:3])
		copy(h.frame[channel.ProjGrav], r.imu[3:])
	}
}

// DoAction sends one action of NumMotors channels. Leg channels become
// position targets (action minus offset), wheel channels velocity targets.
// With torqueCtrl every channel is a raw torque target and the gains are
// not sent.
func (h *Interface) DoAction(ctx context.Context, action []float64, torqueCtrl bool) error {
	if err := h.terminal(); err != nil {
		return err
	}
	if !h.gainsSet {
		return faults.Usagef("kp and kd must be set before DoAction")
	}
	if len(action) != NumMotors {
		return faults.Usagef("action must have %d entries, got %d", NumMotors, len(action))
	}
	for i, v := range action {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return h.EStop(ctx, fmt.Sprintf("E-stop: non-finite action %v at channel %d", v, i))
		}
	}

	for _, side := range sides {
		cmd := &h.cmds[side]
		cmd.zero()
		base := int(side) * MotorsPerBoard
		for k := range cmd.IDs {
			i := base + k
			if torqueCtrl {
				cmd.Tau[k] = action[i]
				continue
			}
			if j := JointIndex(i); j >= 0 {
				cmd.Pos[k] = action[i] - h.cfg.Offsets[j]
			} else {
				cmd.Vel[k] = action[i]
			}
			cmd.Kp[k], cmd.Kd[k] = h.kp[i], h.kd[i]
		}
	}
	for _, side := range sides {
		if err := h.boards[side].OperationControl(ctx, h.cmds[side]); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			h.log.Warn("operation control failed", zap.Stringer("board", side), zap.Error(err))
		}
	}
	copy(h.frame[channel.LastAction], action)

	if h.cfg.SafetyCheckOnAction {
		return h.CheckSafety(ctx)
	}
	return nil
}

// stopBoards sends the emergency stop to both boards until each has
// acknowledged once. It ignores cancellation of ctx.
func (h *Interface) stopBoards(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	var acked [2]bool
	for attempt := 1; ; attempt++ {
		for _, side := range sides {
			if !acked[side] {
				acked[side] = h.boards[side].EmergencyStop(ctx, h.ids[side]) == nil
			}
		}
		if acked[Front] && acked[Rear] {
			return
		}
		if attempt%100 == 0 {
			h.log.Warn("emergency stop not acknowledged", zap.Int("attempt", attempt),
				zap.Bool("front", acked[Front]), zap.Bool("rear", acked[Rear]))
		}
		_ = h.clock.Sleep(ctx, h.cfg.EStopRetry)
	}
}

func (h *Interface) enter(s State, err error) {
	if h.State().Terminal() {
		return
	}
	h.stop = err
	h.state.Store(int32(s))
}

// EStop stops both boards, retrying every EStopRetry until both
// acknowledge, and enters EmergencyStopped. It always returns a
// *faults.SafetyTrip carrying reason.
func (h *Interface) EStop(ctx context.Context, reason string) error {
	h.stopBoards(ctx)
	trip := &faults.SafetyTrip{Reason: reason}
	h.enter(EmergencyStopped, trip)
	h.log.Error("emergency stop", zap.String("reason", trip.Error()))
	return trip
}

// Sleep stops both boards like EStop and enters Sleeping. It returns
// faults.ErrSleep, or the earlier error if the state was already terminal.
func (h *Interface) Sleep(ctx context.Context) error {
	h.stopBoards(ctx)
	h.enter(Sleeping, faults.ErrSleep)
	h.log.Info("sleeping")
	return h.stop
}
