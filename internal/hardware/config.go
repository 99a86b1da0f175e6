package hardware

import (
	"fmt"
	"math"
	"time"
)

// Layout of the two boards. Each board drives LegJointsPerBoard position
// controlled joints followed by wheel motors.
const (
	MotorsPerBoard    = 8
	LegJointsPerBoard = 6
	NumMotors         = 2 * MotorsPerBoard
	NumJoints         = 2 * LegJointsPerBoard
)

// Side names a board.
type Side int

const (
	Front Side = iota
	Rear
)

func (s Side) String() string {
	if s == Front {
		return "front"
	}
	return "rear"
}

// ParseSide accepts "front" or "rear".
func ParseSide(s string) (Side, error) {
	switch s {
	case "front":
		return Front, nil
	case "rear", "":
		return Rear, nil
	}
	return Rear, fmt.Errorf("unknown board %q, expected front or rear", s)
}

// DefaultJointNames lists the position-controlled joints in dof_pos order.
var DefaultJointNames = []string{
	"left_hip_f", "right_hip_f", "left_shoulder_f", "right_shoulder_f", "left_leg_f", "right_leg_f",
	"left_hip_r", "right_hip_r", "left_shoulder_r", "right_shoulder_r", "left_leg_r", "right_leg_r",
}

// Config holds the robot layout and the safety envelope.
type Config struct {
	FrontIDs []int
	RearIDs  []int

	JointNames []string
	// Offsets is added to reported joint positions and subtracted from
	// position targets, per joint.
	Offsets []float64
	MinPos  []float64
	MaxPos  []float64

	PositionMargin    float64 // rad, shrinks [MinPos, MaxPos]
	VelocityZone      float64 // rad, width of the near-limit zone
	VelocityThreshold float64 // rad/s

	Timeout       time.Duration
	PollPeriod    time.Duration
	StartDeadline time.Duration
	StartRetry    time.Duration
	SettleMargin  time.Duration
	EStopRetry    time.Duration

	// SafetyCheckOnAction re-runs CheckSafety at the end of DoAction.
	SafetyCheckOnAction bool
	// ParallelRequests issues the two board requests concurrently.
	ParallelRequests bool
	// IMUBoard is the board whose stream carries the inertial block.
	IMUBoard Side
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func span(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}

// DefaultConfig returns the stock robot layout and envelope.
func DefaultConfig() Config {
	return Config{
		FrontIDs:            span(1, MotorsPerBoard),
		RearIDs:             span(MotorsPerBoard+1, MotorsPerBoard),
		JointNames:          append([]string(nil), DefaultJointNames...),
		Offsets:             make([]float64, NumJoints),
		MinPos:              fill(NumJoints, -3.14),
		MaxPos:              fill(NumJoints, 3.14),
		PositionMargin:      0.1745,
		VelocityZone:        0.3491,
		VelocityThreshold:   8.7275,
		Timeout:             200 * time.Millisecond,
		PollPeriod:          20 * time.Millisecond,
		StartDeadline:       30 * time.Second,
		StartRetry:          100 * time.Millisecond,
		SettleMargin:        100 * time.Millisecond,
		EStopRetry:          10 * time.Millisecond,
		SafetyCheckOnAction: true,
		IMUBoard:            Rear,
	}
}

// Validate checks that the layout and envelope are usable.
func (c Config) Validate() error {
	if len(c.FrontIDs) != MotorsPerBoard || len(c.RearIDs) != MotorsPerBoard {
		return fmt.Errorf("each board needs %d motor ids, got front=%d rear=%d", MotorsPerBoard, len(c.FrontIDs), len(c.RearIDs))
	}
	seen := make(map[int]bool)
	for _, id := range append(append([]int(nil), c.FrontIDs...), c.RearIDs...) {
		if id <= 0 {
			return fmt.Errorf("motor id must be positive, got %d", id)
		}
		if seen[id] {
			return fmt.Errorf("motor id %d assigned twice", id)
		}
		seen[id] = true
	}
	for name, v := range map[string]int{
		"joint_names": len(c.JointNames),
		"offsets":     len(c.Offsets),
		"min_pos":     len(c.MinPos),
		"max_pos":     len(c.MaxPos),
	} {
		if v != NumJoints {
			return fmt.Errorf("%s must have %d entries, got %d", name, NumJoints, v)
		}
	}
	for i := 0; i < NumJoints; i++ {
		lo, hi := c.MinPos[i]+c.PositionMargin, c.MaxPos[i]-c.PositionMargin
		if math.IsNaN(lo) || math.IsNaN(hi) || lo >= hi {
			return fmt.Errorf("joint %s: empty allowed range [%.4f, %.4f]", c.JointNames[i], lo, hi)
		}
	}
	if c.PositionMargin < 0 || c.VelocityZone < 0 || c.VelocityThreshold <= 0 {
		return fmt.Errorf("margins must be non-negative and velocity threshold positive")
	}
	for name, d := range map[string]time.Duration{
		"timeout":        c.Timeout,
		"poll_period":    c.PollPeriod,
		"start_deadline": c.StartDeadline,
		"start_retry":    c.StartRetry,
		"estop_retry":    c.EStopRetry,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.SettleMargin < 0 {
		return fmt.Errorf("settle_margin must be non-negative, got %s", c.SettleMargin)
	}
	return nil
}

// ActionIndex maps joint j (0..11) to its motor channel (0..15).
func ActionIndex(j int) int {
	return (j/LegJointsPerBoard)*MotorsPerBoard + j%LegJointsPerBoard
}

// JointIndex maps motor channel i to its joint, or -1 for a wheel.
func JointIndex(i int) int {
	k := i % MotorsPerBoard
	if k >= LegJointsPerBoard {
		return -1
	}
	return (i/MotorsPerBoard)*LegJointsPerBoard + k
}

// IsWheel reports whether motor channel i is velocity controlled.
func IsWheel(i int) bool { return JointIndex(i) < 0 }
