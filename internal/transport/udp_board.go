package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/hardware"
	"github.com/banshee-data/w4control/internal/monitoring"
)

// DefaultTimeout bounds one command/reply exchange.
const DefaultTimeout = 10 * time.Millisecond

// UDPBoard implements hardware.Board over a Socket. Exchanges are
// serialized; replies of another kind, left over from an earlier timed-out
// exchange, are discarded.
type UDPBoard struct {
	name    string
	sock    Socket
	timeout time.Duration
	log     *zap.Logger

	mu  sync.Mutex
	out []byte
	in  []byte
}

var _ hardware.Board = (*UDPBoard)(nil)

// Option configures a UDPBoard.
type Option func(*UDPBoard)

// WithTimeout sets the per-exchange reply timeout.
func WithTimeout(d time.Duration) Option { return func(b *UDPBoard) { b.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(b *UDPBoard) { b.log = l } }

// NewUDPBoard wraps a connected socket. name labels log lines.
func NewUDPBoard(name string, sock Socket, opts ...Option) *UDPBoard {
	b := &UDPBoard{
		name:    name,
		sock:    sock,
		timeout: DefaultTimeout,
		log:     monitoring.L(),
		out:     make([]byte, 0, 512),
		in:      make([]byte, MaxDatagram),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(zap.String("board", name))
	return b
}

// Dial connects to a board at addr ("host:port") with d.
func Dial(d Dialer, name, addr string, opts ...Option) (*UDPBoard, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s board address %q: %w", name, addr, err)
	}
	sock, err := d.DialUDP("udp", raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s board %s: %w", name, raddr, err)
	}
	return NewUDPBoard(name, sock, opts...), nil
}

// Close closes the socket.
func (b *UDPBoard) Close() error { return b.sock.Close() }

// exchange sends b.out and waits for a reply of the given kind. It returns
// the reply and whether it was an OK reply. The caller holds b.mu.
func (b *UDPBoard) exchange(ctx context.Context, kind string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	deadline := time.Now().Add(b.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if _, err := b.sock.Write(b.out); err != nil {
		return "", false, faults.Transportf("%s: send %s: %v", b.name, kind, err)
	}
	if err := b.sock.SetReadDeadline(deadline); err != nil {
		return "", false, faults.Transportf("%s: set deadline: %v", b.name, err)
	}
	for {
		n, err := b.sock.Read(b.in)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", false, ctxErr
			}
			if isTimeout(err) {
				return "", false, faults.Transportf("%s: no %s reply within %s", b.name, kind, b.timeout)
			}
			return "", false, faults.Transportf("%s: receive %s: %v", b.name, kind, err)
		}
		got, ok, valid := replyHeader(b.in[:n])
		if !valid || string(got) != kind {
			b.log.Debug("discarding unexpected reply", zap.String("want", kind), zap.ByteString("reply", b.in[:min(n, 64)]))
			continue
		}
		return string(b.in[:n]), ok, nil
	}
}

// ack runs an exchange that only needs an acknowledgement.
func (b *UDPBoard) ack(ctx context.Context, kind string) error {
	reply, ok, err := b.exchange(ctx, kind)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Transportf("%s: %s refused: %s", b.name, kind, reply)
	}
	return nil
}

// Start enables the motors in ids.
func (b *UDPBoard) Start(ctx context.Context, ids []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = appendIDs(b.out[:0], CmdStart, ids)
	return b.ack(ctx, CmdStart)
}

// Status returns the raw STATUS reply. An ERR reply is returned as is; it
// lacks the OK marker and reads as disconnected.
func (b *UDPBoard) Status(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out[:0], CmdStatus...)
	reply, _, err := b.exchange(ctx, CmdStatus)
	return reply, err
}

// Request returns the raw telemetry reply for ids.
func (b *UDPBoard) Request(ctx context.Context, ids []int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = appendIDs(b.out[:0], CmdRequest, ids)
	reply, _, err := b.exchange(ctx, CmdRequest)
	return reply, err
}

// OperationControl sends one set of motor targets.
func (b *UDPBoard) OperationControl(ctx context.Context, cmd hardware.MotorCommand) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = appendControl(b.out[:0], cmd)
	return b.ack(ctx, CmdControl)
}

// EmergencyStop disables the motors in ids.
func (b *UDPBoard) EmergencyStop(ctx context.Context, ids []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = appendIDs(b.out[:0], CmdEStop, ids)
	return b.ack(ctx, CmdEStop)
}
