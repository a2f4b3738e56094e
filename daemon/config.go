//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon loads configuration, wires a topology.Graph and its
// sources/filters/sinks, and drives the process lifecycle described
// in spec.md §5 (scheduling, drain-mode shutdown).
package daemon

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/cernan-project/cernan/misc"
	"github.com/cernan-project/cernan/topology"
)

// duration wraps time.Duration so TOML values like "60s" or the
// reference's extended units ("1d", "2w") decode directly via
// misc.BetterParseDuration, the same UnmarshalText pattern as the
// reference's daemon/config.go.
type duration struct{ d time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := misc.BetterParseDuration(string(text))
	if err != nil {
		return err
	}
	d.d = parsed
	return nil
}

func (d duration) toDuration(def time.Duration) time.Duration {
	if d.d <= 0 {
		return def
	}
	return d.d
}

// Config is the top-level decoded configuration file (spec.md §6).
type Config struct {
	FlushInterval    duration `toml:"flush-interval"`
	DataDirectory    string   `toml:"data-directory"`
	ScriptsDirectory string   `toml:"scripts-directory"`
	MaxChannelBytes  int64    `toml:"max-channel-bytes"`
	SegmentBytes     int64    `toml:"segment-bytes"`
	InternalChannel  string   `toml:"internal-channel"`

	// LogFile/LogCycleInterval carry the reference's log-file
	// cycling forward (daemon/log.go); both optional, logging goes
	// to stderr when LogFile is empty.
	LogFile          string   `toml:"log-file"`
	LogCycleInterval duration `toml:"log-cycle-interval"`

	// Sources is keyed first by wire protocol ("statsd", "graphite",
	// "graphite-pickle", "native", "file", "self", "internal"), then by the
	// operator's name for that instance, matching spec.md §6's
	// "[sources.<proto>.<name>]" section layout. The "internal" proto
	// is special: only one instance may exist, and its node is named
	// by InternalChannel rather than "internal.<name>" (see
	// processInternalChannel and NodeSpecs).
	Sources map[string]map[string]*ConfigNode `toml:"sources"`
	Filters map[string]*ConfigNode            `toml:"filters"`
	Sinks   map[string]*ConfigNode            `toml:"sinks"`
	Tags    map[string]string                 `toml:"tags"`
}

// ConfigNode is the union of settings any source, filter, or sink
// might need; only the fields relevant to a node's Type/proto are
// read by the daemon package's node constructors. TOML simply leaves
// irrelevant fields at their zero value.
type ConfigNode struct {
	Forwards []string `toml:"forwards"`
	Enabled  *bool    `toml:"enabled"`
	BinWidth int64    `toml:"bin_width"`

	// Type selects the implementation for filters and sinks, whose
	// config sections are flat (no proto nesting the way sources
	// are). Ignored for sources, where the proto comes from the
	// outer map key instead.
	Type string `toml:"type"`

	ListenUDP string   `toml:"listen-udp"`
	ListenTCP string   `toml:"listen-tcp"`
	Listen    string   `toml:"listen"`
	Addr      string   `toml:"addr"`
	Timeout   duration `toml:"timeout"`
	Interval  duration `toml:"interval"`

	Path              string            `toml:"path"`
	Dir               string            `toml:"dir"`
	ConnectString     string            `toml:"connect-string"`
	Table             string            `toml:"table"`
	RenameTo          map[string]string `toml:"rename"`
	AddTags           map[string]string `toml:"add-tags"`

	// Tolerance/FlushTolerance/ParseLine configure the filters
	// supplemented from the original Rust implementation's
	// filter/delay_filter.rs, filter/flush_boundary_filter.rs and
	// filter/json_encode_filter.rs (SPEC_FULL.md §12).
	Tolerance      duration `toml:"tolerance"`
	FlushTolerance int      `toml:"flush-tolerance"`
	ParseLine      bool     `toml:"parse-line"`
}

func (n *ConfigNode) enabled() bool {
	return n.Enabled == nil || *n.Enabled
}

func (n *ConfigNode) binWidth() int64 {
	if n.BinWidth <= 0 {
		return 1
	}
	return n.BinWidth
}

// ReadConfig decodes a TOML config file. It does not validate;
// call Validate (or NodeSpecs, which calls it) afterward.
func ReadConfig(cfgPath string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(cfgPath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every top-level and per-node setting, collecting
// every failure via multierror rather than stopping at the first one
// — a refinement over the reference's first-error-wins processConfig
// chain (daemon/config.go), still organized the same way: one
// processXxx check per concern.
func (c *Config) Validate() error {
	var result error
	if err := c.processFlushInterval(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.processDataDirectory(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.processInternalChannel(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.processNodeNames(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// processInternalChannel defaults the internal self-stats channel's
// name (SPEC_FULL.md §12) and checks at most one "internal" source is
// declared: unlike every other proto, which can have many named
// instances forwarding to different places, there is only ever one
// internal channel per process.
func (c *Config) processInternalChannel() error {
	if c.InternalChannel == "" {
		c.InternalChannel = "_internal"
	}
	if len(c.Sources["internal"]) > 1 {
		return fmt.Errorf("at most one [sources.internal.*] section may be declared")
	}
	return nil
}

func (c *Config) processFlushInterval() error {
	if c.FlushInterval.d <= 0 {
		c.FlushInterval.d = 60 * time.Second
	}
	return nil
}

func (c *Config) processDataDirectory() error {
	if c.DataDirectory == "" {
		c.DataDirectory = os.Getenv("TMPDIR")
	}
	if c.DataDirectory == "" {
		return fmt.Errorf("data-directory empty and TMPDIR unset")
	}
	if info, err := os.Stat(c.DataDirectory); err != nil || !info.IsDir() {
		return fmt.Errorf("data-directory %q must exist: %v", c.DataDirectory, err)
	}
	return nil
}

func (c *Config) processNodeNames() error {
	var result error
	seen := map[string]bool{}
	mark := func(name string) {
		if seen[name] {
			result = multierror.Append(result, fmt.Errorf("duplicate node name %q", name))
		}
		seen[name] = true
	}
	for proto, byName := range c.Sources {
		for name := range byName {
			if proto == "internal" {
				mark(c.InternalChannel)
				continue
			}
			mark(proto + "." + name)
		}
	}
	for name := range c.Filters {
		mark(name)
	}
	for name := range c.Sinks {
		mark(name)
	}
	return result
}

// NodeSpecs validates the config and flattens it into the NodeSpec
// list topology.Build consumes. Source names are fully qualified as
// "<proto>.<name>" per spec.md §6; filter and sink sections are
// already flat.
func (c *Config) NodeSpecs() ([]*topology.NodeSpec, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var specs []*topology.NodeSpec
	for proto, byName := range c.Sources {
		for name, n := range byName {
			// The internal self-stats channel (SPEC_FULL.md §12) is
			// named by the top-level internal-channel setting, not by
			// "<proto>.<name>", so that every other node's "forwards"
			// list can target it under one stable, operator-chosen
			// name regardless of what TOML key it was declared under.
			nodeName := proto + "." + name
			if proto == "internal" {
				nodeName = c.InternalChannel
			}
			specs = append(specs, &topology.NodeSpec{
				Name:     nodeName,
				Kind:     topology.Source,
				Proto:    proto,
				Forwards: n.Forwards,
				Enabled:  n.enabled(),
				BinWidth: n.binWidth(),
			})
		}
	}
	for name, n := range c.Filters {
		specs = append(specs, &topology.NodeSpec{
			Name:     name,
			Kind:     topology.Filter,
			Proto:    n.Type,
			Forwards: n.Forwards,
			Enabled:  n.enabled(),
			BinWidth: n.binWidth(),
		})
	}
	for name, n := range c.Sinks {
		specs = append(specs, &topology.NodeSpec{
			Name:     name,
			Kind:     topology.Sink,
			Proto:    n.Type,
			Enabled:  n.enabled(),
			BinWidth: n.binWidth(),
		})
	}
	return specs, nil
}

// sourceNode looks up a source's raw ConfigNode, either by its fully
// qualified "<proto>.<name>" identifier, or, for the internal
// self-stats channel, by its configured internal-channel name.
func (c *Config) sourceNode(qualifiedName string) (proto string, n *ConfigNode, ok bool) {
	if qualifiedName == c.InternalChannel {
		for _, cn := range c.Sources["internal"] {
			return "internal", cn, true
		}
	}
	for p, byName := range c.Sources {
		prefix := p + "."
		if len(qualifiedName) > len(prefix) && qualifiedName[:len(prefix)] == prefix {
			if cn, exists := byName[qualifiedName[len(prefix):]]; exists {
				return p, cn, true
			}
		}
	}
	return "", nil, false
}
