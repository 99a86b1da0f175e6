package hardware

import (
	"errors"
	"strconv"
	"strings"

	"github.com/banshee-data/w4control/internal/faults"
)

// Reply markers.
const (
	StatusOK  = "OK <STATUS>"
	RequestOK = "OK <REQ>"
)

// NominalPattern is the status pattern a healthy motor reports.
const NominalPattern = 2

// imuKeys lists the inertial fields: gyro then projected gravity.
var imuKeys = [6]string{"gx", "gy", "gz", "pgx", "pgy", "pgz"}

// tokens walks s as whitespace, comma or semicolon separated fields without
// allocating.
type tokens struct {
	s string
	i int
}

func isSep(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ',' || c == ';'
}

func (t *tokens) next() (string, bool) {
	for t.i < len(t.s) && isSep(t.s[t.i]) {
		t.i++
	}
	if t.i >= len(t.s) {
		return "", false
	}
	start := t.i
	for t.i < len(t.s) && !isSep(t.s[t.i]) {
		t.i++
	}
	return t.s[start:t.i], true
}

// splitField splits key=value or the legacy key:value.
func splitField(tok string) (key, val string, ok bool) {
	if k := strings.IndexAny(tok, "=:"); k > 0 {
		return tok[:k], tok[k+1:], true
	}
	return "", "", false
}

// motorID returns n for a token of the form M<n> or M<n>:.
func motorID(tok string) (int, bool) {
	tok = strings.TrimSuffix(tok, ":")
	if len(tok) < 2 || tok[0] != 'M' {
		return 0, false
	}
	n := 0
	for i := 1; i < len(tok); i++ {
		c := tok[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func slotOf(ids []int, id int) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

const (
	seenP = 1 << iota
	seenV
	seenT
	seenAll = seenP | seenV | seenT
)

// reading is one parsed request reply. It is filled in place and only copied
// into the observation frame once the whole datagram validated.
type reading struct {
	ids  []int
	pos  []float64
	vel  []float64
	tau  []float64
	seen []uint8
	imu  [6]float64
	imuN uint8 // bitmask over imuKeys
}

func newReading(ids []int) *reading {
	n := len(ids)
	return &reading{
		ids:  ids,
		pos:  make([]float64, n),
		vel:  make([]float64, n),
		tau:  make([]float64, n),
		seen: make([]uint8, n),
	}
}

// hasIMU reports whether a complete inertial block was parsed.
func (r *reading) hasIMU() bool { return r.imuN == 1<<len(imuKeys)-1 }

// parse reads a REQ reply. It rejects the datagram when the success
// marker, a motor id, or one of its p, v, t fields is missing, when a value
// is N, or when a number does not parse.
func (r *reading) parse(s string) error {
	for i := range r.seen {
		r.seen[i] = 0
	}
	r.imuN = 0
	if !strings.Contains(s, RequestOK) {
		return faults.Transportf("reply lacks %q", RequestOK)
	}

	const inIMU = -2
	cur := -1
	tk := tokens{s: s}
	for {
		tok, ok := tk.next()
		if !ok {
			break
		}
		if id, isMotor := motorID(tok); isMotor {
			cur = slotOf(r.ids, id)
			continue
		}
		if tok == "IMU" || tok == "IMU:" {
			cur = inIMU
			continue
		}
		key, val, isField := splitField(tok)
		if !isField || cur == -1 {
			continue
		}
		if cur == inIMU {
			for k, name := range imuKeys {
				if key != name {
					continue
				}
				f, err := parseValue(val)
				if err != nil {
					return faults.Transportf("IMU %s: %v", key, err)
				}
				r.imu[k] = f
				r.imuN |= 1 << k
			}
			continue
		}
		var dst []float64
		var bit uint8
		switch key {
		case "p":
			dst, bit = r.pos, seenP
		case "v":
			dst, bit = r.vel, seenV
		case "t":
			dst, bit = r.tau, seenT
		default:
			continue
		}
		f, err := parseValue(val)
		if err != nil {
			return faults.Transportf("M%d %s: %v", r.ids[cur], key, err)
		}
		dst[cur] = f
		r.seen[cur] |= bit
	}

	for i, bits := range r.seen {
		if bits == 0 {
			return faults.Transportf("M%d missing from reply", r.ids[i])
		}
		if bits != seenAll {
			return faults.Transportf("M%d missing a p, v or t field", r.ids[i])
		}
	}
	return nil
}

var errMissingValue = errors.New("value not available (N)")

func parseValue(val string) (float64, error) {
	if val == "N" {
		return 0, errMissingValue
	}
	return strconv.ParseFloat(val, 64)
}

// statusReport is the outcome of parsing a STATUS reply.
type statusReport struct {
	Disconnected bool
	Emergency    bool
}

// parseStatus classifies a STATUS reply for the motors in ids. pattern is
// scratch space of len(ids).
func parseStatus(s string, ids []int, pattern []int) statusReport {
	var rep statusReport
	for i := range pattern {
		pattern[i] = -1
	}
	if !strings.Contains(s, StatusOK) {
		rep.Disconnected = true
	}

	const inEmergency = -2
	cur := -1
	tk := tokens{s: s}
	for {
		tok, ok := tk.next()
		if !ok {
			break
		}
		if id, isMotor := motorID(tok); isMotor {
			cur = slotOf(ids, id)
			if cur >= 0 && pattern[cur] < 0 {
				pattern[cur] = 0
			}
			continue
		}
		if tok == "EMERGENCY" || tok == "EMERGENCY:" {
			cur = inEmergency
			continue
		}
		key, val, isField := splitField(tok)
		if !isField || cur == -1 {
			continue
		}
		switch {
		case cur == inEmergency && key == "value":
			if strings.HasPrefix(val, "on") {
				rep.Emergency = true
			}
		case cur >= 0 && key == "pattern":
			n, err := strconv.Atoi(val)
			if err != nil {
				n = 0
			}
			pattern[cur] = n
		}
	}

	for _, p := range pattern {
		if p != NominalPattern {
			rep.Disconnected = true
		}
	}
	return rep
}
