package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// MockBoard is an in-process board that answers the wire grammar. It
// implements Socket, so a UDPBoard on top of it runs the full codec. Joint
// positions follow position targets with a first-order response.
type MockBoard struct {
	mu sync.Mutex

	name string
	ids  []int
	pos  []float64
	vel  []float64
	imu  bool
	// alpha is the fraction of the position error closed per CTRL.
	alpha float64
	dt    float64

	started   bool
	emergency bool
	closed    bool
	drop      int
	pending   [][]byte
	history   []Request
}

var _ Socket = (*MockBoard)(nil)

// NewMockBoard returns a simulated board driving ids. withIMU adds the
// inertial block to REQ replies.
func NewMockBoard(name string, ids []int, withIMU bool) *MockBoard {
	return &MockBoard{
		name:  name,
		ids:   append([]int(nil), ids...),
		pos:   make([]float64, len(ids)),
		vel:   make([]float64, len(ids)),
		imu:   withIMU,
		alpha: 0.2,
		dt:    0.02,
	}
}

// SetEmergency raises or clears the emergency flag reported by STATUS.
func (m *MockBoard) SetEmergency(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergency = on
}

// SetPosition places motor slot i at p.
func (m *MockBoard) SetPosition(i int, p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos[i] = p
}

// Drop discards the replies to the next n commands.
func (m *MockBoard) Drop(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop = n
}

// Started reports whether the motors are enabled.
func (m *MockBoard) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// History returns the decoded commands received so far.
func (m *MockBoard) History() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.history...)
}

// Write decodes one command and queues its reply.
func (m *MockBoard) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	req, err := ParseRequest(string(b))
	var reply []byte
	if err != nil {
		reply = fmt.Appendf(nil, "ERR <%s> %v", req.Kind, err)
	} else {
		m.history = append(m.history, req)
		reply = m.handle(req)
	}
	if m.drop > 0 {
		m.drop--
		return len(b), nil
	}
	m.pending = append(m.pending, reply)
	return len(b), nil
}

func (m *MockBoard) handle(req Request) []byte {
	switch req.Kind {
	case CmdStart:
		m.started = true
		return []byte("OK <START>")
	case CmdEStop:
		m.started = false
		for i := range m.vel {
			m.vel[i] = 0
		}
		return []byte("OK <ESTOP>")
	case CmdStatus:
		b := []byte("OK <STATUS>\n")
		pattern := 0
		if m.started {
			pattern = 2
		}
		for _, id := range m.ids {
			b = fmt.Appendf(b, "M%d pattern=%d\n", id, pattern)
		}
		if m.emergency {
			return append(b, "EMERGENCY value=on\n"...)
		}
		return append(b, "EMERGENCY value=off\n"...)
	case CmdRequest:
		b := []byte("OK <REQ>\n")
		for _, id := range req.IDs {
			i := m.slot(id)
			if i < 0 {
				continue
			}
			b = fmt.Appendf(b, "M%d p=%s v=%s t=0\n", id, fmtFloat(m.pos[i]), fmtFloat(m.vel[i]))
		}
		if m.imu {
			b = append(b, "IMU gx=0 gy=0 gz=0 pgx=0 pgy=0 pgz=-1\n"...)
		}
		return b
	case CmdControl:
		if !m.started {
			return []byte("ERR <CTRL> motors not started")
		}
		for _, c := range req.Controls {
			i := m.slot(c.ID)
			if i < 0 {
				continue
			}
			if c.Kp > 0 {
				next := m.pos[i] + m.alpha*(c.Pos-m.pos[i])
				m.vel[i] = (next - m.pos[i]) / m.dt
				m.pos[i] = next
			} else {
				m.vel[i] = c.Vel
			}
		}
		return []byte("OK <CTRL>")
	}
	return fmt.Appendf(nil, "ERR <%s> unsupported", req.Kind)
}

func (m *MockBoard) slot(id int) int {
	for i, v := range m.ids {
		if v == id {
			return i
		}
	}
	return -1
}

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'g', 6, 64) }

// Read returns the oldest queued reply, or a timeout when none is queued.
func (m *MockBoard) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if len(m.pending) == 0 {
		return 0, &net.OpError{Op: "read", Net: "pipe", Err: &timeoutError{}}
	}
	reply := m.pending[0]
	m.pending = m.pending[1:]
	return copy(b, reply), nil
}

// SetReadDeadline is a no-op; Read never blocks.
func (m *MockBoard) SetReadDeadline(time.Time) error { return nil }

// Close marks the board closed.
func (m *MockBoard) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// RemoteAddr names the simulated board.
func (m *MockBoard) RemoteAddr() net.Addr { return pipeAddr("mock-" + m.name) }
