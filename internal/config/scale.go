package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Scale is a per-channel multiplier written either as one number applied to
// every element or as a list with one entry per element. An absent scale
// means all ones.
type Scale struct {
	values []float64
	scalar bool
	set    bool
}

// ScalarScale returns a scale applying v to every element.
func ScalarScale(v float64) Scale { return Scale{values: []float64{v}, scalar: true, set: true} }

// ListScale returns an element-wise scale.
func ListScale(v ...float64) Scale { return Scale{values: v, set: true} }

// IsSet reports whether the scale was given.
func (s Scale) IsSet() bool { return s.set }

// Expand returns the scale as a vector of length n.
func (s Scale) Expand(n int) ([]float64, error) {
	out := make([]float64, n)
	switch {
	case !s.set:
		for i := range out {
			out[i] = 1
		}
	case s.scalar:
		for i := range out {
			out[i] = s.values[0]
		}
	default:
		if len(s.values) != n {
			return nil, fmt.Errorf("scale length mismatch, got: %d, expected: %d", len(s.values), n)
		}
		copy(out, s.values)
	}
	return out, nil
}

func (s *Scale) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = Scale{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*s = ScalarScale(f)
		return nil
	}
	var list []float64
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("scale must be a number or a list of numbers, got %s", b)
	}
	*s = ListScale(list...)
	return nil
}

func isNumberTag(tag string) bool { return tag == "!!int" || tag == "!!float" }

func (s *Scale) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.ShortTag() == "!!null" {
			*s = Scale{}
			return nil
		}
		if !isNumberTag(n.ShortTag()) {
			return fmt.Errorf("line %d: scale must be a number or a list of numbers, got %q", n.Line, n.Value)
		}
		var f float64
		if err := n.Decode(&f); err != nil {
			return err
		}
		*s = ScalarScale(f)
		return nil
	case yaml.SequenceNode:
		list := make([]float64, len(n.Content))
		for i, item := range n.Content {
			if item.Kind != yaml.ScalarNode || !isNumberTag(item.ShortTag()) {
				return fmt.Errorf("line %d: scale must contain only numbers; non-numeric element at index %d: %q", item.Line, i, item.Value)
			}
			if err := item.Decode(&list[i]); err != nil {
				return err
			}
		}
		*s = ListScale(list...)
		return nil
	}
	return fmt.Errorf("line %d: scale must be a number or a list of numbers", n.Line)
}
