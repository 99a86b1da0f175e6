package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/banshee-data/w4control/internal/channel"
	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/hardware"
	"github.com/banshee-data/w4control/internal/timeutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMockPair(cfg hardware.Config) (front, rear *MockBoard, fb, rb *UDPBoard) {
	front = NewMockBoard("front", cfg.FrontIDs, false)
	rear = NewMockBoard("rear", cfg.RearIDs, true)
	fb = NewUDPBoard("front", front, WithLogger(zap.NewNop()))
	rb = NewUDPBoard("rear", rear, WithLogger(zap.NewNop()))
	return front, rear, fb, rb
}

func TestUDPBoard_DrivesInterface(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := hardware.DefaultConfig()
	front, rear, fb, rb := newMockPair(cfg)
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	hw, err := hardware.New(ctx, cfg, fb, rb, hardware.WithClock(clock), hardware.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.True(t, front.Started())
	assert.True(t, rear.Started())

	obs, err := hw.GetObs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, -1}, obs[channel.ProjGrav])

	kp := make([]float64, hardware.NumMotors)
	kd := make([]float64, hardware.NumMotors)
	for i := range kp {
		kp[i], kd[i] = 100, 1
	}
	require.NoError(t, hw.SetGains(kp, kd))

	action := make([]float64, hardware.NumMotors)
	action[0] = 0.5
	action[6] = 2 // front wheel velocity
	require.NoError(t, hw.DoAction(ctx, action, false))

	obs = hw.Frame()
	assert.InDelta(t, 0.1, obs[channel.DofPos][0], 1e-9)
	assert.InDelta(t, 5.0, obs[channel.DofVel][0], 1e-6)

	var ctrl *Request
	for _, req := range front.History() {
		if req.Kind == CmdControl {
			ctrl = &req
		}
	}
	require.NotNil(t, ctrl)
	assert.Equal(t, 0.5, ctrl.Controls[0].Pos)
	assert.Equal(t, 100.0, ctrl.Controls[6].Kp)

	err = hw.EStop(ctx, "test")
	assert.True(t, faults.IsSafetyTrip(err))
	assert.False(t, front.Started())
	assert.False(t, rear.Started())
}

func TestUDPBoard_EmergencyFlagTrips(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := hardware.DefaultConfig()
	_, rear, fb, rb := newMockPair(cfg)
	hw, err := hardware.New(ctx, cfg, fb, rb, hardware.WithClock(timeutil.NewMockClock(time.Unix(0, 0))), hardware.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	rear.SetEmergency(true)
	err = hw.CheckSafety(ctx)
	require.True(t, faults.IsSafetyTrip(err))
	assert.Contains(t, err.Error(), "rear")
	assert.Equal(t, hardware.EmergencyStopped, hw.State())
}

func TestUDPBoard_Timeout(t *testing.T) {
	t.Parallel()

	sim := NewMockBoard("front", []int{1}, false)
	b := NewUDPBoard("front", sim, WithLogger(zap.NewNop()))
	sim.Drop(1)

	err := b.Start(context.Background(), []int{1})
	assert.ErrorIs(t, err, faults.ErrTransport)
	assert.Contains(t, err.Error(), "no START reply")

	require.NoError(t, b.Start(context.Background(), []int{1}))
}

func TestUDPBoard_Refused(t *testing.T) {
	t.Parallel()

	sim := NewMockBoard("front", []int{1}, false)
	b := NewUDPBoard("front", sim, WithLogger(zap.NewNop()))

	cmd := hardware.MotorCommand{IDs: []int{1}, Pos: []float64{0}, Vel: []float64{0}, Kp: []float64{0}, Kd: []float64{0}, Tau: []float64{0}}
	err := b.OperationControl(context.Background(), cmd)
	assert.ErrorIs(t, err, faults.ErrTransport)
	assert.Contains(t, err.Error(), "CTRL refused")
}

func TestUDPBoard_CancelledContext(t *testing.T) {
	t.Parallel()

	sim := NewMockBoard("front", []int{1}, false)
	b := NewUDPBoard("front", sim, WithLogger(zap.NewNop()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Request(ctx, []int{1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sim.History())
}

// scriptedSocket replays fixed datagrams regardless of what is written.
type scriptedSocket struct {
	mu      sync.Mutex
	replies []string
	written []string
}

func (s *scriptedSocket) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, string(b))
	return len(b), nil
}

func (s *scriptedSocket) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return 0, &net.OpError{Op: "read", Net: "pipe", Err: &timeoutError{}}
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return copy(b, r), nil
}

func (s *scriptedSocket) SetReadDeadline(time.Time) error { return nil }
func (s *scriptedSocket) Close() error                    { return nil }
func (s *scriptedSocket) RemoteAddr() net.Addr            { return pipeAddr("scripted") }

func TestUDPBoard_DiscardsStaleReplies(t *testing.T) {
	t.Parallel()

	sock := &scriptedSocket{replies: []string{
		"OK <STATUS>\nM1 pattern=2",
		"garbage",
		"OK <REQ>\nM1 p=0.5 v=0 t=0",
	}}
	b := NewUDPBoard("front", sock, WithLogger(zap.NewNop()))

	reply, err := b.Request(context.Background(), []int{1, 2})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "OK <REQ>"))
	assert.Equal(t, []string{"REQ 1,2"}, sock.written)
}

func TestUDPBoard_ErrStatusIsReturned(t *testing.T) {
	t.Parallel()

	sock := &scriptedSocket{replies: []string{"ERR <STATUS> bus fault"}}
	b := NewUDPBoard("front", sock, WithLogger(zap.NewNop()))

	reply, err := b.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ERR <STATUS> bus fault", reply)
}

func TestDial_Loopback(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, MaxDatagram)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := ParseRequest(string(buf[:n]))
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP([]byte("OK <"+req.Kind+">"), addr)
		}
	}()
	defer func() {
		conn.Close()
		wg.Wait()
	}()

	b, err := Dial(RealDialer{}, "front", conn.LocalAddr().String(), WithTimeout(time.Second), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Start(context.Background(), []int{1, 2}))
	require.NoError(t, b.EmergencyStop(context.Background(), []int{1, 2}))
}

func TestDial_BadAddress(t *testing.T) {
	t.Parallel()

	_, err := Dial(RealDialer{}, "front", "not an address", WithLogger(zap.NewNop()))
	assert.Error(t, err)

	_, err = Dial(failingDialer{}, "front", "127.0.0.1:5101")
	assert.ErrorContains(t, err, "dial front board")
}

type failingDialer struct{}

func (failingDialer) DialUDP(string, *net.UDPAddr) (Socket, error) {
	return nil, errors.New("no route")
}
