package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/banshee-data/w4control/internal/channel"
	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/mode"
	"github.com/banshee-data/w4control/internal/policy"
)

// ProfileConfig is one mode as written in the profiles file.
type ProfileConfig struct {
	ID                 *int             `json:"id" yaml:"id"`
	StackedObsOrder    []string         `json:"stacked_obs_order" yaml:"stacked_obs_order"`
	NonStackedObsOrder []string         `json:"non_stacked_obs_order" yaml:"non_stacked_obs_order"`
	ObsScale           map[string]Scale `json:"obs_scale" yaml:"obs_scale"`
	ActionScale        Scale            `json:"action_scale" yaml:"action_scale"`
	// StackSize defaults to 1 and PolicyType to mlp.
	StackSize          *int             `json:"stack_size" yaml:"stack_size"`
	PolicyPath         string           `json:"policy_path" yaml:"policy_path"`
	PolicyType         string           `json:"policy_type" yaml:"policy_type"`
	CmdVectorLength    int              `json:"cmd_vector_length" yaml:"cmd_vector_length"`
}

// ProfilesFile is the top level of a profiles file. Channels declares
// extra observation channels beyond the built-in ones.
type ProfilesFile struct {
	Channels map[string]int  `json:"channels,omitempty" yaml:"channels,omitempty"`
	Modes    []ProfileConfig `json:"modes" yaml:"modes"`
}

// PolicyLoader opens a policy artifact. policy.Load is the default.
type PolicyLoader func(path string, kind policy.Kind) (policy.Runtime, error)

// Profile resolves c into a mode profile without loading the policy.
// Relative policy paths are taken from baseDir.
func (c *ProfileConfig) Profile(reg *channel.Registry, baseDir string) (*mode.Profile, error) {
	if c.ID == nil {
		return nil, faults.Configf("mode id is required")
	}
	stack := 1
	if c.StackSize != nil {
		stack = *c.StackSize
	}
	kind, err := policy.ParseKind(c.PolicyType)
	if err != nil {
		return nil, fmt.Errorf("mode %d: %w", *c.ID, err)
	}
	p := &mode.Profile{
		ID:            *c.ID,
		Stacked:       slices.Clone(c.StackedObsOrder),
		NonStacked:    slices.Clone(c.NonStackedObsOrder),
		StackSize:     stack,
		Scale:         make(map[string][]float64),
		CommandLength: c.CmdVectorLength,
		PolicyType:    kind,
	}
	if p.CommandLength < 0 {
		return nil, faults.Configf("mode %d: cmd_vector_length must be >= 0, got %d", p.ID, p.CommandLength)
	}

	for name := range c.ObsScale {
		if _, err := reg.Resolve(name, p.CommandLength); err != nil {
			return nil, fmt.Errorf("mode %d: obs_scale: %w", p.ID, err)
		}
	}
	for _, name := range append(slices.Clone(p.Stacked), p.NonStacked...) {
		n, err := reg.Resolve(name, p.CommandLength)
		if err != nil {
			return nil, fmt.Errorf("mode %d: %w", p.ID, err)
		}
		v, err := c.ObsScale[name].Expand(n)
		if err != nil {
			return nil, faults.Configf("mode %d: obs_scale[%q]: %v", p.ID, name, err)
		}
		p.Scale[name] = v
	}
	if p.ActionScale, err = c.ActionScale.Expand(reg.ActionLen()); err != nil {
		return nil, faults.Configf("mode %d: action_scale: %v", p.ID, err)
	}

	if c.PolicyPath == "" {
		return nil, faults.Configf("mode %d: policy_path is required", p.ID)
	}
	p.PolicyPath = c.PolicyPath
	if !filepath.IsAbs(p.PolicyPath) && baseDir != "" {
		p.PolicyPath = filepath.Join(baseDir, p.PolicyPath)
	}
	info, err := os.Stat(p.PolicyPath)
	if err != nil {
		return nil, faults.Configf("mode %d: policy_path %s: %v", p.ID, p.PolicyPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, faults.Configf("mode %d: policy_path %s is not a regular file", p.ID, p.PolicyPath)
	}
	ext := strings.ToLower(filepath.Ext(p.PolicyPath))
	if !slices.Contains(policy.SupportedExtensions, ext) {
		return nil, faults.Configf("mode %d: policy_path must be one of %v, got %q", p.ID, policy.SupportedExtensions, ext)
	}
	if err := p.Validate(reg); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadProfiles reads a profiles file, registers its channels, loads every
// policy and dry-runs it. The returned registry owns the loaded policies.
func LoadProfiles(path string) (*channel.Registry, *mode.Registry, error) {
	return LoadProfilesWith(path, policy.Load)
}

// LoadProfilesWith is LoadProfiles with a custom policy loader.
func LoadProfilesWith(path string, load PolicyLoader) (*channel.Registry, *mode.Registry, error) {
	var file ProfilesFile
	if err := decodeFile(path, &file); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", faults.ErrConfig, err)
	}
	channels := channel.NewRegistry()
	names := make([]string, 0, len(file.Channels))
	for name := range file.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := channels.Register(name, file.Channels[name]); err != nil {
			return nil, nil, err
		}
	}
	if len(file.Modes) == 0 {
		return nil, nil, faults.Configf("%s: no modes defined", path)
	}

	baseDir := filepath.Dir(path)
	modes := mode.NewRegistry()
	for i := range file.Modes {
		p, err := loadProfile(&file.Modes[i], channels, baseDir, load)
		if err == nil {
			if _, dup := modes.Get(p.ID); dup {
				p.Policy.Close()
				err = faults.Configf("mode %d defined twice", p.ID)
			}
		}
		if err != nil {
			modes.Close()
			return nil, nil, fmt.Errorf("%s: modes[%d]: %w", path, i, err)
		}
		modes.Add(p)
	}
	return channels, modes, nil
}

func loadProfile(c *ProfileConfig, channels *channel.Registry, baseDir string, load PolicyLoader) (*mode.Profile, error) {
	p, err := c.Profile(channels, baseDir)
	if err != nil {
		return nil, err
	}
	if p.Policy, err = load(p.PolicyPath, p.PolicyType); err != nil {
		return nil, fmt.Errorf("%w: mode %d: %w", faults.ErrConfig, p.ID, err)
	}
	if err := p.Validate(channels); err != nil {
		p.Policy.Close()
		return nil, err
	}
	if err := p.DryRun(channels); err != nil {
		p.Policy.Close()
		return nil, err
	}
	if p.PolicyType == policy.KindRecurrent {
		// The dry run advanced the hidden state; start from zeros.
		p.Policy.Close()
		if p.Policy, err = load(p.PolicyPath, p.PolicyType); err != nil {
			return nil, fmt.Errorf("%w: mode %d: %w", faults.ErrConfig, p.ID, err)
		}
	}
	return p, nil
}
