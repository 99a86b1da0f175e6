// Package hardware talks to the two motor-controller boards, turns their
// telemetry into an observation frame and supervises the safety envelope.
// Any violation stops both boards before the error is returned.
package hardware

import "context"

// MotorCommand is one OperationControl datagram. All slices are indexed like
// IDs.
type MotorCommand struct {
	IDs []int
	Pos []float64
	Vel []float64
	Kp  []float64
	Kd  []float64
	Tau []float64
}

func newMotorCommand(ids []int) MotorCommand {
	n := len(ids)
	return MotorCommand{
		IDs: ids,
		Pos: make([]float64, n),
		Vel: make([]float64, n),
		Kp:  make([]float64, n),
		Kd:  make([]float64, n),
		Tau: make([]float64, n),
	}
}

func (c *MotorCommand) zero() {
	for i := range c.IDs {
		c.Pos[i], c.Vel[i], c.Kp[i], c.Kd[i], c.Tau[i] = 0, 0, 0, 0, 0
	}
}

// Board is the transport to one motor-controller board. Start and
// EmergencyStop return nil once the board acknowledged.
type Board interface {
	Start(ctx context.Context, ids []int) error
	Status(ctx context.Context) (string, error)
	Request(ctx context.Context, ids []int) (string, error)
	OperationControl(ctx context.Context, cmd MotorCommand) error
	EmergencyStop(ctx context.Context, ids []int) error
}
