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

package daemon

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/filter"
	"github.com/cernan-project/cernan/hopper"
	"github.com/cernan-project/cernan/sink"
	"github.com/cernan-project/cernan/source"
	"github.com/cernan-project/cernan/topology"
)

// quitting mirrors the reference's daemon.go global of the same
// name: not mutex protected, only ever set once during shutdown and
// read from goroutines that are winding down anyway, so a torn read
// costs at most one spurious "exited unexpectedly" log line, never a
// double-drain.
var quitting = false

// Flags holds the parsed command line, spec.md §6's CLI surface.
type Flags struct {
	ConfigPath string
	Verbosity  int
	Version    bool
}

type verbosityFlag struct{ n *int }

func (v verbosityFlag) String() string   { return "" }
func (v verbosityFlag) IsBoolFlag() bool { return true }
func (v verbosityFlag) Set(string) error { *v.n++; return nil }

// ParseFlags parses spec.md §6's CLI: -C/--config <path> (required),
// repeatable -v, -version.
func ParseFlags(args []string) (*Flags, error) {
	fs := flag.NewFlagSet("cernan", flag.ContinueOnError)
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "C", "", "path to config file")
	fs.StringVar(&f.ConfigPath, "config", "", "path to config file")
	fs.Var(verbosityFlag{&f.Verbosity}, "v", "increase verbosity, repeatable")
	fs.BoolVar(&f.Version, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if !f.Version && f.ConfigPath == "" {
		return nil, fmt.Errorf("-C/--config is required")
	}
	return f, nil
}

// Supervisor owns every running node in a built topology.Graph and
// drives spec.md §5's scheduling and drain-mode shutdown.
type Supervisor struct {
	cfg   *Config
	graph *topology.Graph

	pulser *topology.Pulser

	stopSources   []func()
	filterRunners []*filterRunner
	sinks         []*sink.Sink
	closers       []func() error

	eg       *errgroup.Group
	shutdown chan string

	logStop func()
}

// Init loads and validates cfgPath, builds the topology graph, and
// constructs (but does not start) every node.
func Init(cfgPath string) (*Supervisor, error) {
	log.SetPrefix(fmt.Sprintf("[%d] ", os.Getpid()))

	cfg, err := ReadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	specs, err := cfg.NodeSpecs()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logStop := func() {}
	if cfg.LogFile != "" {
		logStop = logFileCycler(cfg.LogFile, cfg.LogCycleInterval.toDuration(0))
	}

	graph, err := topology.Build(specs, cfg.DataDirectory, cfg.MaxChannelBytes, cfg.SegmentBytes)
	if err != nil {
		logStop()
		return nil, fmt.Errorf("building topology: %w", err)
	}

	s := &Supervisor{cfg: cfg, graph: graph, logStop: logStop, shutdown: make(chan string, 1)}
	if err := s.buildNodes(specs); err != nil {
		graph.Close()
		logStop()
		return nil, err
	}
	s.pulser = topology.NewPulser(graph, cfg.FlushInterval.toDuration(60*time.Second))

	return s, nil
}

func (s *Supervisor) buildNodes(specs []*topology.NodeSpec) error {
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		switch spec.Kind {
		case topology.Source:
			if err := s.buildSource(spec); err != nil {
				return err
			}
		case topology.Filter:
			if err := s.buildFilter(spec); err != nil {
				return err
			}
		case topology.Sink:
			if err := s.buildSink(spec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Supervisor) buildSource(spec *topology.NodeSpec) error {
	proto, n, ok := s.cfg.sourceNode(spec.Name)
	if !ok {
		return fmt.Errorf("source %q: config node missing", spec.Name)
	}
	forwards := s.graph.Forwards(spec.Name)

	var start func() error
	var stop func()

	switch proto {
	case "statsd":
		src := &source.Statsd{Node: spec.Name, ListenUDP: n.ListenUDP, ListenTCP: n.ListenTCP, Timeout: n.Timeout.toDuration(0)}
		for _, h := range forwards {
			src.Forwards = append(src.Forwards, h)
		}
		start, stop = src.Start, src.Stop
	case "graphite":
		src := &source.GraphiteText{Node: spec.Name, ListenUDP: n.ListenUDP, ListenTCP: n.ListenTCP, Timeout: n.Timeout.toDuration(0)}
		for _, h := range forwards {
			src.Forwards = append(src.Forwards, h)
		}
		start, stop = src.Start, src.Stop
	case "graphite-pickle":
		src := &source.GraphitePickle{Node: spec.Name, Listen: n.Listen, Timeout: n.Timeout.toDuration(0)}
		for _, h := range forwards {
			src.Forwards = append(src.Forwards, h)
		}
		start, stop = src.Start, src.Stop
	case "native":
		src := &source.Native{Node: spec.Name, Listen: n.Listen}
		for _, h := range forwards {
			src.Forwards = append(src.Forwards, h)
		}
		start, stop = src.Start, src.Stop
	case "file":
		src := &source.FileTail{Node: spec.Name, Path: n.Path}
		for _, h := range forwards {
			src.Forwards = append(src.Forwards, h)
		}
		start, stop = src.Start, src.Stop
	case "self":
		src := &source.Self{Node: spec.Name, Interval: n.Interval.toDuration(10 * time.Second)}
		for _, h := range forwards {
			src.Forwards = append(src.Forwards, h)
		}
		start, stop = func() error { src.Start(); return nil }, src.Stop
	case "internal":
		// Channels/Sinks close over s rather than snapshot its slices
		// now: buildSource for "internal" runs before any sink node is
		// built, since NodeSpecs lists every source ahead of the
		// filters and sinks and buildNodes visits specs in that order.
		is := &internalStats{
			Node:     spec.Name,
			Interval: n.Interval.toDuration(10 * time.Second),
			Channels: s.graph.Channels,
			Sinks:    func() []*sink.Sink { return s.sinks },
		}
		for _, h := range forwards {
			is.Forwards = append(is.Forwards, h)
		}
		start, stop = func() error { is.Start(); return nil }, is.Stop
	default:
		return fmt.Errorf("source %q: unknown proto %q", spec.Name, proto)
	}

	if err := start(); err != nil {
		return fmt.Errorf("starting source %q: %w", spec.Name, err)
	}
	s.stopSources = append(s.stopSources, stop)
	return nil
}

func (s *Supervisor) buildFilter(spec *topology.NodeSpec) error {
	n := s.cfg.Filters[spec.Name]
	if n == nil {
		return fmt.Errorf("filter %q: config node missing", spec.Name)
	}

	var f filter.Filter
	switch n.Type {
	case "", "noop":
		f = filter.Noop{}
	case "rename":
		f = &filter.Rename{Names: n.RenameTo}
	case "tagadder":
		f = &filter.TagAdder{Tags: n.AddTags}
	case "delay":
		f = &filter.Delay{Tolerance: n.Tolerance.toDuration(time.Minute)}
	case "flushboundary":
		f = &filter.FlushBoundary{Tolerance: n.FlushTolerance}
	case "collectdscrub":
		f = filter.CollectdScrub{}
	case "jsonencode":
		f = &filter.JSONEncode{ParseLine: n.ParseLine}
	default:
		return fmt.Errorf("filter %q: unknown type %q", spec.Name, n.Type)
	}

	inbound := s.graph.Inbound(spec.Name)
	if len(inbound) == 0 {
		return fmt.Errorf("filter %q has no inbound forwards", spec.Name)
	}
	fr := &filterRunner{name: spec.Name, f: f, outbound: s.graph.Forwards(spec.Name)}
	s.filterRunners = append(s.filterRunners, fr)
	fr.readers = make([]*hopper.Reader, 0, len(inbound))
	for _, h := range inbound {
		fr.readers = append(fr.readers, h.Reader(spec.Name))
	}
	return nil
}

func (s *Supervisor) buildSink(spec *topology.NodeSpec) error {
	n := s.cfg.Sinks[spec.Name]
	if n == nil {
		return fmt.Errorf("sink %q: config node missing", spec.Name)
	}

	var eg sink.Egress
	switch n.Type {
	case "console":
		eg = sink.NewConsole()
	case "graphite":
		eg = sink.NewGraphite(n.Addr)
	case "whisper":
		eg = sink.NewWhisper(n.Dir)
	case "postgres":
		pg, err := sink.NewPostgres(n.ConnectString, n.Table)
		if err != nil {
			return fmt.Errorf("sink %q: %w", spec.Name, err)
		}
		eg = pg
	case "native":
		eg = sink.NewNative(n.Addr)
	case "prometheus":
		pr := sink.NewPrometheus(n.Listen)
		if err := pr.Start(); err != nil {
			return fmt.Errorf("sink %q: %w", spec.Name, err)
		}
		eg = pr
	default:
		return fmt.Errorf("sink %q: unknown type %q", spec.Name, n.Type)
	}
	if c, ok := eg.(interface{ Close() error }); ok {
		s.closers = append(s.closers, c.Close)
	}

	inbound := s.graph.Inbound(spec.Name)
	if len(inbound) == 0 {
		return fmt.Errorf("sink %q has no inbound forwards", spec.Name)
	}
	b := buckets.New(spec.BinWidth, buckets.DefaultEpsilon, 0)
	var mu *sync.Mutex
	if len(inbound) > 1 {
		mu = &sync.Mutex{}
	}
	for _, h := range inbound {
		sk := sink.NewSink(spec.Name, h.Reader(spec.Name), b, eg)
		sk.Mu = mu
		s.sinks = append(s.sinks, sk)
	}
	return nil
}

// filterRunner drains every inbound reader declared for one filter
// node, applying the same Filter instance and fanning the result out
// to every outbound channel (spec.md §4.4). Multiple readers safely
// share one Filter because the built-in filters only read config-time
// maps or use filter.StateCache, which is its own lock's problem, not
// this loop's.
type filterRunner struct {
	name     string
	f        filter.Filter
	readers  []*hopper.Reader
	outbound []*hopper.Hopper
}

// loop drains r until it errors or yields the drain-mode final flush.
// Like sink.Sink.Run, exit is driven by the event stream rather than
// by racing stopCh against the reader: by the time anything closes
// stopCh the final flush is already durably enqueued, so stopping on
// that signal instead of on the event itself could skip it.
func (fr *filterRunner) loop(r *hopper.Reader) error {
	for {
		e, err := r.Next()
		if err != nil {
			return fmt.Errorf("filter[%s]: reader: %w", fr.name, err)
		}
		final := e.IsFinalFlush()
		for _, out := range filter.Apply(fr.f, e) {
			for _, h := range fr.outbound {
				if err := h.Enqueue(out.Clone()); err != nil {
					log.Printf("filter[%s]: enqueue: %v", fr.name, err)
				}
			}
		}
		if err := r.Commit(); err != nil {
			log.Printf("filter[%s]: commit: %v", fr.name, err)
		}
		if final {
			return nil
		}
	}
}

// Run starts every node and blocks until a shutdown signal or a
// node's unsolicited exit (spec.md §7 category 6: fatal channel
// loss), then drains and returns.
func (s *Supervisor) Run() error {
	s.eg = &errgroup.Group{}
	s.pulser.Start()

	reportFatal := func(name string, err error) error {
		if !quitting && err != nil {
			select {
			case s.shutdown <- fmt.Sprintf("%s: %v", name, err):
			default:
			}
		}
		return err
	}

	for _, fr := range s.filterRunners {
		for _, r := range fr.readers {
			fr, r := fr, r
			s.eg.Go(func() error { return reportFatal("filter "+fr.name, fr.loop(r)) })
		}
	}
	for _, sk := range s.sinks {
		sk := sk
		s.eg.Go(func() error {
			sk.Run()
			return nil
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("daemon: received %v, entering drain mode", sig)
	case reason := <-s.shutdown:
		log.Printf("daemon: %s, draining", reason)
	}

	quitting = true
	s.Drain()
	return s.eg.Wait()
}

// Shutdown requests drain-mode shutdown the same way a SIGINT/SIGTERM
// would, without going through the OS signal machinery. Exists so
// tests (and a future admin endpoint) can trigger the same path a
// real signal does.
func (s *Supervisor) Shutdown(reason string) {
	select {
	case s.shutdown <- reason:
	default:
	}
}

// Drain implements spec.md §5's shutdown protocol: stop accepting new
// input, enqueue a final unconditional flush on every channel, then
// wait for the sinks to wind down on their own once they have
// processed it (Run's errgroup wait covers the filters as well) —
// their loops exit on the event itself (see
// filterRunner.loop and sink.Sink.Run), not on an externally-closed
// signal, so there is no race between enqueuing the final flush and
// telling a node to stop.
func (s *Supervisor) Drain() {
	for _, stop := range s.stopSources {
		stop()
	}
	s.pulser.Stop()

	final := event.NewTimerFlush(math.MaxInt64)
	for _, h := range s.graph.Channels() {
		if err := h.Enqueue(final.Clone()); err != nil {
			log.Printf("daemon: drain: enqueue final flush: %v", err)
		}
	}

	for _, sk := range s.sinks {
		sk.Stop()
	}
}

// Finish releases resources after Run returns: closes egress clients,
// closes the topology graph, and restores stderr logging.
func (s *Supervisor) Finish() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			log.Printf("daemon: closing egress: %v", err)
		}
	}
	s.graph.Close()
	closeLogFile()
	s.logStop()
}
