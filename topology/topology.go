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

// Package topology builds the source/filter/sink DAG described by
// configuration, wires the disk-backed channels between nodes, and
// runs the flush pulser that drives every sink and filter's tick
// (spec.md §4.3).
package topology

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/cernan-project/cernan/hopper"
)

// NodeKind distinguishes the three roles a named node can take.
type NodeKind int

const (
	Source NodeKind = iota
	Filter
	Sink
)

func (k NodeKind) String() string {
	switch k {
	case Source:
		return "source"
	case Filter:
		return "filter"
	case Sink:
		return "sink"
	}
	return "unknown"
}

// NodeSpec is the declarative description of one node, as decoded
// from configuration.
type NodeSpec struct {
	Name     string
	Kind     NodeKind
	Proto    string // e.g. "statsd", "graphite", "native", "console", "whisper", "postgres"
	Forwards []string
	Enabled  bool
	BinWidth int64
}

// Graph is a fully validated, wired topology: every node's outbound
// channels are open Hopper instances ready for Enqueue/Reader.
type Graph struct {
	DataDir      string
	MaxBytes     int64
	SegmentBytes int64

	nodes map[string]*NodeSpec
	// channels[from][to] is the hopper channel carrying events from
	// node "from" to node "to" (fan-out: one channel per forward).
	channels map[string]map[string]*hopper.Hopper
}

// Build validates specs and opens one Hopper channel per (node,
// forward) edge. dataDir is the root directory under which each
// channel gets its own subdirectory, named "<from>__<to>".
func Build(specs []*NodeSpec, dataDir string, maxBytes, segmentBytes int64) (*Graph, error) {
	var result error

	byName := make(map[string]*NodeSpec, len(specs))
	for _, s := range specs {
		if _, dup := byName[s.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("duplicate node name %q", s.Name))
			continue
		}
		byName[s.Name] = s
	}

	nativeSources, nativeSinks := 0, 0
	for _, s := range specs {
		if !s.Enabled {
			continue
		}
		if s.Kind == Source && len(s.Forwards) == 0 {
			result = multierror.Append(result, fmt.Errorf("source %q has no forwards", s.Name))
		}
		if s.Kind == Filter && len(s.Forwards) == 0 {
			result = multierror.Append(result, fmt.Errorf("filter %q has no forwards", s.Name))
		}
		for _, fwd := range s.Forwards {
			if _, ok := byName[fwd]; !ok {
				result = multierror.Append(result, fmt.Errorf("node %q forwards to undeclared node %q", s.Name, fwd))
			}
		}
		if s.Proto == "native" {
			switch s.Kind {
			case Source:
				nativeSources++
			case Sink:
				nativeSinks++
			}
		}
	}
	if nativeSources > 1 {
		result = multierror.Append(result, fmt.Errorf("at most one native source is permitted, found %d", nativeSources))
	}
	if nativeSinks > 1 {
		result = multierror.Append(result, fmt.Errorf("at most one native sink is permitted, found %d", nativeSinks))
	}

	if err := detectCycles(specs, byName); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil {
		return nil, result
	}

	g := &Graph{
		DataDir:      dataDir,
		MaxBytes:     maxBytes,
		SegmentBytes: segmentBytes,
		nodes:        byName,
		channels:     make(map[string]map[string]*hopper.Hopper),
	}

	for _, s := range specs {
		if !s.Enabled {
			continue
		}
		for _, fwd := range s.Forwards {
			dir := filepath.Join(dataDir, fmt.Sprintf("%s__%s", s.Name, fwd))
			h, err := hopper.Open(s.Name+"->"+fwd, dir, maxBytes, segmentBytes, []string{fwd})
			if err != nil {
				return nil, fmt.Errorf("opening channel %s->%s: %w", s.Name, fwd, err)
			}
			if g.channels[s.Name] == nil {
				g.channels[s.Name] = make(map[string]*hopper.Hopper)
			}
			g.channels[s.Name][fwd] = h
		}
	}

	return g, nil
}

// detectCycles walks forward edges rejecting any cycle that does not
// terminate at a sink (a federation transmitter "sink" pointing back
// at a source across the network is not a graph cycle at all — it's
// two independent topologies — so the only cycle this can ever
// reject is a same-process filter loop).
func detectCycles(specs []*NodeSpec, byName map[string]*NodeSpec) error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(specs))
	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle detected in topology: %v -> %s", stack, name)
		}
		color[name] = gray
		n := byName[name]
		if n != nil && n.Kind != Sink {
			for _, fwd := range n.Forwards {
				if _, ok := byName[fwd]; !ok {
					continue // reported separately as an undeclared-target error
				}
				if err := visit(fwd, append(stack, name)); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	for _, s := range specs {
		if color[s.Name] == white {
			if err := visit(s.Name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Forward returns the outbound channel from "from" to "to", or nil if
// no such edge exists.
func (g *Graph) Forward(from, to string) *hopper.Hopper {
	m := g.channels[from]
	if m == nil {
		return nil
	}
	return m[to]
}

// Forwards returns every outbound channel from a node, in declaration
// order of the node's Forwards list.
func (g *Graph) Forwards(from string) []*hopper.Hopper {
	n := g.nodes[from]
	if n == nil {
		return nil
	}
	out := make([]*hopper.Hopper, 0, len(n.Forwards))
	for _, fwd := range n.Forwards {
		if h := g.Forward(from, fwd); h != nil {
			out = append(out, h)
		}
	}
	return out
}

// Inbound returns every channel whose downstream end is "to", in no
// particular order: a node's consumer loop needs all of them, not
// just one, since multiple upstream nodes may declare it as a
// forward.
func (g *Graph) Inbound(to string) []*hopper.Hopper {
	var out []*hopper.Hopper
	for _, m := range g.channels {
		if h, ok := m[to]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Node returns the spec for a declared node name.
func (g *Graph) Node(name string) *NodeSpec {
	return g.nodes[name]
}

// Channels returns every open channel in the graph, one per (from,
// to) edge, in no particular order. Used by the final drain-mode
// flush, which must reach every channel exactly like the periodic
// pulser does.
func (g *Graph) Channels() []*hopper.Hopper {
	var out []*hopper.Hopper
	for _, m := range g.channels {
		for _, h := range m {
			out = append(out, h)
		}
	}
	return out
}

// Close shuts down every channel in the graph.
func (g *Graph) Close() {
	for _, m := range g.channels {
		for _, h := range m {
			h.Close()
		}
	}
}
