package hardware

import (
	"fmt"
	"math"
	"time"
)

// SafetyMonitor tracks link health and evaluates joint limits. It never
// clears a trip; the Interface turns a reported violation into an e-stop.
type SafetyMonitor struct {
	cfg *Config

	disconnected time.Duration
	missed       int
}

// NewSafetyMonitor returns a monitor for the envelope in cfg.
func NewSafetyMonitor(cfg *Config) *SafetyMonitor {
	return &SafetyMonitor{cfg: cfg}
}

// ObserveLink records one status poll. A disconnected poll adds one poll
// period to the disconnection duration; a connected poll resets it.
func (m *SafetyMonitor) ObserveLink(disconnected bool) {
	if disconnected {
		m.disconnected += m.cfg.PollPeriod
	} else {
		m.disconnected = 0
	}
}

// MissedRequest counts a rejected or failed request.
func (m *SafetyMonitor) MissedRequest() { m.missed++ }

// RequestsOK resets the missed-request counter after a tick in which both
// boards delivered valid telemetry.
func (m *SafetyMonitor) RequestsOK() { m.missed = 0 }

// Disconnected returns the accumulated disconnection duration.
func (m *SafetyMonitor) Disconnected() time.Duration { return m.disconnected }

// Missed returns the missed-request count.
func (m *SafetyMonitor) Missed() int { return m.missed }

// LinkViolation reports a connection timeout, when the disconnection
// duration or the missed requests expressed as poll periods reach the
// timeout.
func (m *SafetyMonitor) LinkViolation() (string, bool) {
	silent := max(m.disconnected, time.Duration(m.missed)*m.cfg.PollPeriod)
	if silent >= m.cfg.Timeout {
		return fmt.Sprintf("E-stop: connection timeout (disconnected %s, missed requests %d, limit %s)",
			m.disconnected, m.missed, m.cfg.Timeout), true
	}
	return "", false
}

// JointViolation checks every joint of pos (dof_pos) against its limits
// using the matching entry of vel (dof_vel). It returns the first violation.
func (m *SafetyMonitor) JointViolation(pos, vel []float64) (string, bool) {
	c := m.cfg
	for j := 0; j < NumJoints && j < len(pos); j++ {
		p := pos[j]
		v := vel[ActionIndex(j)]
		lo := c.MinPos[j] + c.PositionMargin
		hi := c.MaxPos[j] - c.PositionMargin
		name := c.JointNames[j]

		if math.IsNaN(p) || math.IsNaN(v) {
			return fmt.Sprintf("E-stop: non-finite reading on %s (pos=%v, vel=%v)", name, p, v), true
		}
		if p < lo || p > hi {
			return fmt.Sprintf("E-stop: position limit exceeded on %s (pos=%.3f rad, allowed [%.3f, %.3f])",
				name, p, lo, hi), true
		}
		if p < lo+c.VelocityZone && v < -c.VelocityThreshold {
			return fmt.Sprintf("E-stop: excessive negative velocity near lower limit on %s (pos=%.3f rad, vel=%.3f rad/s)",
				name, p, v), true
		}
		if p >= hi-c.VelocityZone && v > c.VelocityThreshold {
			return fmt.Sprintf("E-stop: excessive positive velocity near upper limit on %s (pos=%.3f rad, vel=%.3f rad/s)",
				name, p, v), true
		}
	}
	return "", false
}
