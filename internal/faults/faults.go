// Package faults defines the error taxonomy shared by the control stack.
//
// Configuration errors are raised while profiles load and never mid-loop.
// Transport faults are absorbed into the safety counters. Usage errors are
// returned before any buffer or hardware side effect. Safety trips are always
// fatal and are only returned after both boards were commanded to stop.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks a malformed profile, scale table or policy artifact.
	ErrConfig = errors.New("config error")
	// ErrTransport marks malformed or missing board telemetry.
	ErrTransport = errors.New("transport fault")
	// ErrUsage marks a call made with invalid arguments or in the wrong state.
	ErrUsage = errors.New("usage error")
	// ErrSleep is returned once the robot has been put to sleep.
	ErrSleep = errors.New("robot sleeping")
)

// SafetyTrip reports a violated safety envelope. By the time a SafetyTrip is
// returned the actuators have already been commanded to stop.
type SafetyTrip struct {
	Reason string
}

func (e *SafetyTrip) Error() string {
	if e.Reason == "" {
		return "e-stop triggered"
	}
	return e.Reason
}

// Configf returns an error wrapping ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Usagef returns an error wrapping ErrUsage.
func Usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Transportf returns an error wrapping ErrTransport.
func Transportf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}

// IsSafetyTrip reports whether err is or wraps a *SafetyTrip.
func IsSafetyTrip(err error) bool {
	var trip *SafetyTrip
	return errors.As(err, &trip)
}
