package transport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/w4control/internal/hardware"
)

// Command keywords.
const (
	CmdStart   = "START"
	CmdStatus  = "STATUS"
	CmdRequest = "REQ"
	CmdControl = "CTRL"
	CmdEStop   = "ESTOP"
)

// MaxDatagram bounds a reply. Sixteen motors with full precision fields fit
// well within it.
const MaxDatagram = 4096

// appendIDs encodes "<kind> 1,2,3".
func appendIDs(b []byte, kind string, ids []int) []byte {
	b = append(b, kind...)
	for i, id := range ids {
		if i == 0 {
			b = append(b, ' ')
		} else {
			b = append(b, ',')
		}
		b = strconv.AppendInt(b, int64(id), 10)
	}
	return b
}

func appendFloat(b []byte, f float64) []byte {
	return strconv.AppendFloat(b, f, 'g', -1, 64)
}

// appendControl encodes "CTRL id,pos,vel,kp,kd,tau;id,...".
func appendControl(b []byte, cmd hardware.MotorCommand) []byte {
	b = append(b, CmdControl...)
	for i, id := range cmd.IDs {
		if i == 0 {
			b = append(b, ' ')
		} else {
			b = append(b, ';')
		}
		b = strconv.AppendInt(b, int64(id), 10)
		for _, f := range [...]float64{cmd.Pos[i], cmd.Vel[i], cmd.Kp[i], cmd.Kd[i], cmd.Tau[i]} {
			b = append(b, ',')
			b = appendFloat(b, f)
		}
	}
	return b
}

// replyHeader splits the first line of a reply, "OK <KIND>" or
// "ERR <KIND> ...", into its kind and outcome.
func replyHeader(reply []byte) (kind []byte, ok, valid bool) {
	line := reply
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	switch {
	case bytes.HasPrefix(line, []byte("OK <")):
		ok, line = true, line[len("OK <"):]
	case bytes.HasPrefix(line, []byte("ERR <")):
		line = line[len("ERR <"):]
	default:
		return nil, false, false
	}
	end := bytes.IndexByte(line, '>')
	if end <= 0 {
		return nil, false, false
	}
	return line[:end], ok, true
}

// Control is one motor entry of a decoded CTRL command.
type Control struct {
	ID                    int
	Pos, Vel, Kp, Kd, Tau float64
}

// Request is a decoded command datagram.
type Request struct {
	Kind     string
	IDs      []int
	Controls []Control
}

// ParseRequest decodes a command datagram. It is the board side of the
// grammar and is used by the simulator and in tests.
func ParseRequest(s string) (Request, error) {
	s = strings.TrimSpace(s)
	kind, rest, _ := strings.Cut(s, " ")
	req := Request{Kind: kind}
	switch kind {
	case CmdStatus:
		return req, nil
	case CmdStart, CmdRequest, CmdEStop:
		for _, f := range strings.Split(rest, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return req, fmt.Errorf("%s: bad motor id %q", kind, f)
			}
			req.IDs = append(req.IDs, id)
		}
		return req, nil
	case CmdControl:
		for _, entry := range strings.Split(rest, ";") {
			fields := strings.Split(entry, ",")
			if len(fields) != 6 {
				return req, fmt.Errorf("%s: entry %q has %d fields, expected 6", kind, entry, len(fields))
			}
			id, err := strconv.Atoi(fields[0])
			if err != nil {
				return req, fmt.Errorf("%s: bad motor id %q", kind, fields[0])
			}
			c := Control{ID: id}
			for i, dst := range []*float64{&c.Pos, &c.Vel, &c.Kp, &c.Kd, &c.Tau} {
				if *dst, err = strconv.ParseFloat(fields[i+1], 64); err != nil {
					return req, fmt.Errorf("%s: motor %d field %d: %w", kind, id, i+1, err)
				}
			}
			req.IDs = append(req.IDs, id)
			req.Controls = append(req.Controls, c)
		}
		return req, nil
	}
	return req, fmt.Errorf("unknown command %q", kind)
}
