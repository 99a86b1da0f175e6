package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Replay serves board replies captured in a pcap or pcapng file. Each
// command is answered with the next captured reply of the same kind, so a
// recorded session can drive the controller without hardware. Acks that
// were not captured are synthesized.
type Replay struct {
	mu sync.Mutex

	name    string
	replies map[string][][]byte
	next    map[string]int
	loop    bool
	pending [][]byte
	closed  bool
}

var _ Socket = (*Replay)(nil)

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// LoadReplay reads the replies sent by board from a capture. A nil board
// address keeps every reply; a zero IP matches any host on board's port.
// With loop set the replies wrap around once exhausted.
func LoadReplay(path, name string, board *net.UDPAddr, loop bool) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()

	var r packetReader
	if pr, err := pcapgo.NewReader(f); err == nil {
		r = pr
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
		if ngErr != nil {
			return nil, fmt.Errorf("%s is neither pcap (%v) nor pcapng (%v)", path, err, ngErr)
		}
		r = ng
	}
	replies, err := readReplies(r, board)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture %s: %w", path, err)
	}
	return NewReplay(name, replies, loop), nil
}

// NewReplay serves replies grouped by kind.
func NewReplay(name string, replies map[string][][]byte, loop bool) *Replay {
	return &Replay{
		name:    name,
		replies: replies,
		next:    make(map[string]int),
		loop:    loop,
	}
}

func readReplies(r packetReader, board *net.UDPAddr) (map[string][][]byte, error) {
	out := make(map[string][][]byte)
	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if board != nil && !fromBoard(pkt, udp, board) {
			continue
		}
		kind, _, valid := replyHeader(udp.Payload)
		if !valid {
			continue
		}
		out[string(kind)] = append(out[string(kind)], bytes.Clone(udp.Payload))
	}
}

func fromBoard(pkt gopacket.Packet, udp *layers.UDP, board *net.UDPAddr) bool {
	if int(udp.SrcPort) != board.Port {
		return false
	}
	if board.IP == nil || board.IP.IsUnspecified() {
		return true
	}
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		return ip.SrcIP.Equal(board.IP)
	case *layers.IPv6:
		return ip.SrcIP.Equal(board.IP)
	}
	return false
}

// Len returns the number of captured replies of kind.
func (r *Replay) Len(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies[kind])
}

// Write queues the reply to one command.
func (r *Replay) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, net.ErrClosed
	}
	kind, _, _ := bytes.Cut(bytes.TrimSpace(b), []byte(" "))
	k := string(kind)
	captured := r.replies[k]
	i := r.next[k]
	switch {
	case i < len(captured):
		r.pending = append(r.pending, captured[i])
		r.next[k] = i + 1
	case r.loop && len(captured) > 0:
		r.pending = append(r.pending, captured[0])
		r.next[k] = 1
	case k == CmdStart || k == CmdControl || k == CmdEStop:
		r.pending = append(r.pending, []byte("OK <"+k+">"))
	}
	return len(b), nil
}

// Read returns the oldest queued reply, or a timeout when none is queued.
func (r *Replay) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, net.ErrClosed
	}
	if len(r.pending) == 0 {
		return 0, &net.OpError{Op: "read", Net: "pipe", Err: &timeoutError{}}
	}
	reply := r.pending[0]
	r.pending = r.pending[1:]
	return copy(b, reply), nil
}

// SetReadDeadline is a no-op; Read never blocks.
func (r *Replay) SetReadDeadline(time.Time) error { return nil }

// Close marks the replay closed.
func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// RemoteAddr names the replayed board.
func (r *Replay) RemoteAddr() net.Addr { return pipeAddr("replay-" + r.name) }
