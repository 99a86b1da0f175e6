// Package command supplies the operator command read by the control loop
// each tick: the command vector, the requested mode, and stop requests.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/w4control/internal/state"
)

// Command is one snapshot of operator input. EStop and Sleep latch once
// requested.
type Command struct {
	state.Command
	EStop bool
	Sleep bool
}

// CopyTo copies c into dst, reusing dst's vector storage.
func (c *Command) CopyTo(dst *Command) {
	dst.ModeID = c.ModeID
	dst.Vector = append(dst.Vector[:0], c.Vector...)
	dst.EStop = c.EStop
	dst.Sleep = c.Sleep
}

// Source is polled once per control tick.
type Source interface {
	Read(dst *Command)
}

// Static is a Source that always returns the same command.
type Static struct {
	Cmd Command
}

// Read copies the fixed command into dst.
func (s *Static) Read(dst *Command) { s.Cmd.CopyTo(dst) }

// Update is one parsed pendant line. ModeID 0 and a nil Vector leave the
// current values unchanged.
type Update struct {
	ModeID int
	Vector []float64
	EStop  bool
	Sleep  bool
}

// Apply folds u into c.
func (u Update) Apply(c *Command) {
	if u.ModeID != 0 {
		c.ModeID = u.ModeID
	}
	if u.Vector != nil {
		c.Vector = append(c.Vector[:0], u.Vector...)
	}
	c.EStop = c.EStop || u.EStop
	c.Sleep = c.Sleep || u.Sleep
}

// ParseLine decodes one pendant line:
//
//	CMD <v1> <v2> ... [mode=<id>]
//	ESTOP
//	SLEEP
//
// Blank lines and lines starting with # yield an empty update.
func ParseLine(line string) (Update, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return Update{}, nil
	}
	switch strings.ToUpper(fields[0]) {
	case "ESTOP":
		return Update{EStop: true}, nil
	case "SLEEP":
		return Update{Sleep: true}, nil
	case "CMD":
	default:
		return Update{}, fmt.Errorf("unknown pendant command %q", fields[0])
	}

	var u Update
	for _, f := range fields[1:] {
		if v, ok := strings.CutPrefix(f, "mode="); ok {
			id, err := strconv.Atoi(v)
			if err != nil || id <= 0 {
				return Update{}, fmt.Errorf("invalid mode id %q", v)
			}
			u.ModeID = id
			continue
		}
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Update{}, fmt.Errorf("invalid command value %q: %w", f, err)
		}
		u.Vector = append(u.Vector, x)
	}
	return u, nil
}
