package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/banshee-data/w4control/internal/hardware"
)

// DefaultConfigPath is the path to the canonical robot defaults file.
const DefaultConfigPath = "config/robot.defaults.yaml"

// Stock board addresses.
const (
	DefaultFrontAddr = "192.168.10.10:5101"
	DefaultRearAddr  = "192.168.11.10:5101"
)

// DefaultControlHz is the stock control rate.
const DefaultControlHz = 50.0

// DefaultKp and DefaultKd are the stock per-motor gains, front board first.
// Wheels run with kp = 0.
var (
	DefaultKp = []float64{100, 100, 100, 100, 120, 120, 0, 0, 100, 100, 100, 100, 120, 120, 0, 0}
	DefaultKd = []float64{1.5, 1.5, 1.5, 1.5, 1.5, 1.5, 0.7, 0.7, 1.5, 1.5, 1.5, 1.5, 1.5, 1.5, 0.7, 0.7}
)

// RobotConfig is the robot file. Every field is optional; the Get* methods
// supply the stock value for anything left out.
type RobotConfig struct {
	FrontAddr *string `json:"front_addr,omitempty" yaml:"front_addr,omitempty"`
	RearAddr  *string `json:"rear_addr,omitempty" yaml:"rear_addr,omitempty"`
	FrontIDs  []int   `json:"front_ids,omitempty" yaml:"front_ids,omitempty"`
	RearIDs   []int   `json:"rear_ids,omitempty" yaml:"rear_ids,omitempty"`

	JointNames []string  `json:"joint_names,omitempty" yaml:"joint_names,omitempty"`
	Offsets    []float64 `json:"offsets,omitempty" yaml:"offsets,omitempty"`
	MinPos     []float64 `json:"min_pos,omitempty" yaml:"min_pos,omitempty"`
	MaxPos     []float64 `json:"max_pos,omitempty" yaml:"max_pos,omitempty"`

	PositionMargin    *float64 `json:"position_margin,omitempty" yaml:"position_margin,omitempty"`
	VelocityZone      *float64 `json:"velocity_zone,omitempty" yaml:"velocity_zone,omitempty"`
	VelocityThreshold *float64 `json:"velocity_threshold,omitempty" yaml:"velocity_threshold,omitempty"`

	// Durations are strings like "200ms".
	Timeout       *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PollPeriod    *string `json:"poll_period,omitempty" yaml:"poll_period,omitempty"`
	StartDeadline *string `json:"start_deadline,omitempty" yaml:"start_deadline,omitempty"`
	StartRetry    *string `json:"start_retry,omitempty" yaml:"start_retry,omitempty"`
	SettleMargin  *string `json:"settle_margin,omitempty" yaml:"settle_margin,omitempty"`
	EStopRetry    *string `json:"estop_retry,omitempty" yaml:"estop_retry,omitempty"`

	SafetyCheckOnAction *bool   `json:"safety_check_on_action,omitempty" yaml:"safety_check_on_action,omitempty"`
	ParallelRequests    *bool   `json:"parallel_requests,omitempty" yaml:"parallel_requests,omitempty"`
	IMUBoard            *string `json:"imu_board,omitempty" yaml:"imu_board,omitempty"`

	Kp            []float64 `json:"kp,omitempty" yaml:"kp,omitempty"`
	Kd            []float64 `json:"kd,omitempty" yaml:"kd,omitempty"`
	ControlHz     *float64  `json:"control_hz,omitempty" yaml:"control_hz,omitempty"`
	TorqueControl *bool     `json:"torque_control,omitempty" yaml:"torque_control,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// LoadRobotConfig loads and validates a robot file. Fields omitted from
// the file keep their stock values, so partial configs are safe.
func LoadRobotConfig(path string) (*RobotConfig, error) {
	cfg := &RobotConfig{}
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so it works from package tests. Panics if the file cannot be
// loaded; intended for test setup.
func MustLoadDefaultConfig() *RobotConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadRobotConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

// Validate checks the values that are set. Layout consistency is checked
// again by hardware.Config.Validate once defaults are filled in.
func (c *RobotConfig) Validate() error {
	for _, d := range []struct {
		name string
		v    *string
	}{
		{"timeout", c.Timeout},
		{"poll_period", c.PollPeriod},
		{"start_deadline", c.StartDeadline},
		{"start_retry", c.StartRetry},
		{"settle_margin", c.SettleMargin},
		{"estop_retry", c.EStopRetry},
	} {
		if err := checkDuration(d.name, d.v); err != nil {
			return err
		}
	}
	if c.IMUBoard != nil {
		if _, err := hardware.ParseSide(*c.IMUBoard); err != nil {
			return fmt.Errorf("imu_board: %w", err)
		}
	}
	if c.ControlHz != nil && *c.ControlHz <= 0 {
		return fmt.Errorf("control_hz must be positive, got %f", *c.ControlHz)
	}
	if c.Kp != nil && len(c.Kp) != hardware.NumMotors {
		return fmt.Errorf("kp must have %d entries, got %d", hardware.NumMotors, len(c.Kp))
	}
	if c.Kd != nil && len(c.Kd) != hardware.NumMotors {
		return fmt.Errorf("kd must have %d entries, got %d", hardware.NumMotors, len(c.Kd))
	}
	for _, v := range []struct {
		name string
		v    *float64
	}{
		{"position_margin", c.PositionMargin},
		{"velocity_zone", c.VelocityZone},
		{"velocity_threshold", c.VelocityThreshold},
	} {
		if v.v != nil && *v.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", v.name, *v.v)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func sliceOr[T any](v, def []T) []T {
	if v == nil {
		return slices.Clone(def)
	}
	return slices.Clone(v)
}

// GetFrontAddr returns the front board address or the default.
func (c *RobotConfig) GetFrontAddr() string {
	if c.FrontAddr == nil || *c.FrontAddr == "" {
		return DefaultFrontAddr
	}
	return *c.FrontAddr
}

// GetRearAddr returns the rear board address or the default.
func (c *RobotConfig) GetRearAddr() string {
	if c.RearAddr == nil || *c.RearAddr == "" {
		return DefaultRearAddr
	}
	return *c.RearAddr
}

// GetKp returns the per-motor position gains or the stock gains.
func (c *RobotConfig) GetKp() []float64 { return sliceOr(c.Kp, DefaultKp) }

// GetKd returns the per-motor damping gains or the stock gains.
func (c *RobotConfig) GetKd() []float64 { return sliceOr(c.Kd, DefaultKd) }

// GetControlHz returns the control rate or DefaultControlHz.
func (c *RobotConfig) GetControlHz() float64 { return floatOr(c.ControlHz, DefaultControlHz) }

// GetTorqueControl reports whether actions are sent as torques.
func (c *RobotConfig) GetTorqueControl() bool { return boolOr(c.TorqueControl, false) }

// Hardware builds the hardware layout, filling unset fields from
// hardware.DefaultConfig.
func (c *RobotConfig) Hardware() (hardware.Config, error) {
	def := hardware.DefaultConfig()
	out := hardware.Config{
		FrontIDs:            sliceOr(c.FrontIDs, def.FrontIDs),
		RearIDs:             sliceOr(c.RearIDs, def.RearIDs),
		JointNames:          sliceOr(c.JointNames, def.JointNames),
		Offsets:             sliceOr(c.Offsets, def.Offsets),
		MinPos:              sliceOr(c.MinPos, def.MinPos),
		MaxPos:              sliceOr(c.MaxPos, def.MaxPos),
		PositionMargin:      floatOr(c.PositionMargin, def.PositionMargin),
		VelocityZone:        floatOr(c.VelocityZone, def.VelocityZone),
		VelocityThreshold:   floatOr(c.VelocityThreshold, def.VelocityThreshold),
		Timeout:             durationOr(c.Timeout, def.Timeout),
		PollPeriod:          durationOr(c.PollPeriod, def.PollPeriod),
		StartDeadline:       durationOr(c.StartDeadline, def.StartDeadline),
		StartRetry:          durationOr(c.StartRetry, def.StartRetry),
		SettleMargin:        durationOr(c.SettleMargin, def.SettleMargin),
		EStopRetry:          durationOr(c.EStopRetry, def.EStopRetry),
		SafetyCheckOnAction: boolOr(c.SafetyCheckOnAction, def.SafetyCheckOnAction),
		ParallelRequests:    boolOr(c.ParallelRequests, def.ParallelRequests),
		IMUBoard:            def.IMUBoard,
	}
	if c.IMUBoard != nil {
		side, err := hardware.ParseSide(*c.IMUBoard)
		if err != nil {
			return hardware.Config{}, err
		}
		out.IMUBoard = side
	}
	if err := out.Validate(); err != nil {
		return hardware.Config{}, err
	}
	return out, nil
}
