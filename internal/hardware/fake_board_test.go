package hardware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// fakeBoard answers the board protocol from in-memory joint state.
type fakeBoard struct {
	mu sync.Mutex

	ids  []int
	pos  []float64
	vel  []float64
	imu  string
	emer bool

	startFailures int
	estopFailures int
	// status and reply override the generated datagrams when set.
	status string
	reply  string
	reqErr error

	starts, statuses, requests, estops int
	sent                               []MotorCommand
}

func newFakeBoard(ids []int) *fakeBoard {
	return &fakeBoard{
		ids: ids,
		pos: make([]float64, len(ids)),
		vel: make([]float64, len(ids)),
	}
}

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func (b *fakeBoard) Start(ctx context.Context, ids []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.startFailures > 0 {
		b.startFailures--
		return errors.New("no ack")
	}
	return nil
}

func (b *fakeBoard) Status(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses++
	if b.status != "" {
		return b.status, nil
	}
	var sb strings.Builder
	sb.WriteString("OK <STATUS>\n")
	for _, id := range b.ids {
		fmt.Fprintf(&sb, "M%d pattern:2\n", id)
	}
	if b.emer {
		sb.WriteString("EMERGENCY value:on\n")
	} else {
		sb.WriteString("EMERGENCY value:off\n")
	}
	return sb.String(), nil
}

func (b *fakeBoard) Request(ctx context.Context, ids []int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++
	if b.reqErr != nil {
		return "", b.reqErr
	}
	if b.reply != "" {
		return b.reply, nil
	}
	var sb strings.Builder
	sb.WriteString("OK <REQ>\n")
	for i, id := range b.ids {
		fmt.Fprintf(&sb, "M%d p=%s v=%s t=0\n", id, fmtFloat(b.pos[i]), fmtFloat(b.vel[i]))
	}
	sb.WriteString(b.imu)
	return sb.String(), nil
}

func (b *fakeBoard) OperationControl(ctx context.Context, cmd MotorCommand) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := MotorCommand{
		IDs: append([]int(nil), cmd.IDs...),
		Pos: append([]float64(nil), cmd.Pos...),
		Vel: append([]float64(nil), cmd.Vel...),
		Kp:  append([]float64(nil), cmd.Kp...),
		Kd:  append([]float64(nil), cmd.Kd...),
		Tau: append([]float64(nil), cmd.Tau...),
	}
	b.sent = append(b.sent, cp)
	return nil
}

func (b *fakeBoard) EmergencyStop(ctx context.Context, ids []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estops++
	if b.estopFailures > 0 {
		b.estopFailures--
		return errors.New("no ack")
	}
	return nil
}

func (b *fakeBoard) set(f func(b *fakeBoard)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}
