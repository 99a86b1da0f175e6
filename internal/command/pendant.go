package command

import (
	"bufio"
	"context"
	"io"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Pendant reads operator lines from a serial port and keeps the latest
// command for the control loop.
type Pendant struct {
	port io.ReadCloser
	log  *zap.Logger

	mu       sync.Mutex
	cur      Command
	rejected int
}

// NewPendant reads lines from port, starting from initial.
func NewPendant(port io.ReadCloser, initial Command, log *zap.Logger) *Pendant {
	p := &Pendant{port: port, log: log}
	initial.CopyTo(&p.cur)
	return p
}

// OpenPendant opens the serial device at path.
func OpenPendant(path string, opts PortOptions, initial Command, log *zap.Logger) (*Pendant, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return NewPendant(port, initial, log.With(zap.String("port", path))), nil
}

// Read copies the latest command into dst.
func (p *Pendant) Read(dst *Command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur.CopyTo(dst)
}

// Rejected returns the number of lines that failed to parse.
func (p *Pendant) Rejected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejected
}

func (p *Pendant) handle(line string) {
	u, err := ParseLine(line)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.rejected++
		p.log.Warn("pendant line rejected", zap.String("line", line), zap.Error(err))
		return
	}
	u.Apply(&p.cur)
	if u.EStop || u.Sleep {
		p.log.Info("pendant stop request", zap.Bool("estop", u.EStop), zap.Bool("sleep", u.Sleep))
	}
}

// Run reads lines until ctx is done or the port reaches EOF. The reader
// goroutine exits once the port is closed.
func (p *Pendant) Run(ctx context.Context) error {
	scan := bufio.NewScanner(p.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return err
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			p.handle(line)
		}
	}
}

// Close closes the port.
func (p *Pendant) Close() error { return p.port.Close() }
