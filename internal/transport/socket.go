// Package transport carries the board protocol over UDP. Each board is one
// connected socket; every command is a single ASCII datagram answered by a
// single reply datagram.
package transport

import (
	"errors"
	"net"
	"os"
	"time"
)

// Socket is a connected datagram socket. This abstraction lets the board
// client run against the simulator and pcap replays as well as real UDP.
type Socket interface {
	// Write sends one datagram.
	Write(b []byte) (int, error)
	// Read receives one datagram.
	Read(b []byte) (int, error)
	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error
	// Close closes the socket.
	Close() error
	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

// Dialer creates sockets connected to a board.
type Dialer interface {
	DialUDP(network string, raddr *net.UDPAddr) (Socket, error)
}

// RealDialer dials with net.DialUDP.
type RealDialer struct{}

// DialUDP connects a UDP socket to raddr.
func (RealDialer) DialUDP(network string, raddr *net.UDPAddr) (Socket, error) {
	conn, err := net.DialUDP(network, nil, raddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// isTimeout reports whether err is a read deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// timeoutError implements net.Error for in-process sockets.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// pipeAddr is the address of an in-process peer.
type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
