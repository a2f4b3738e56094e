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

// Package source implements the adapter contract that turns bytes
// arriving on the wire into event.Events pushed into a node's forward
// channels (spec.md §4.5).
package source

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/graceful"
	"github.com/cernan-project/cernan/misc"
)

// pusher is the minimal shape a source needs to fan an event out:
// topology.Graph.Forwards returns *hopper.Hopper values, which satisfy
// this directly; tests supply fakes. Blocking on a full channel is
// the backpressure contract from spec.md §4.5.
type pusher interface {
	Enqueue(*event.Event) error
}

// Statsd is a UDP/TCP statsd-text listener. It parses each line as
// "name:value|type[|@rate][|#tag1:v1,tag2:v2]" and enqueues the
// decoded Telemetry into every forward.
type Statsd struct {
	Node     string
	ListenUDP string
	ListenTCP string
	Forwards []pusher
	Timeout  time.Duration

	udpConn  net.PacketConn
	tcpLis   *graceful.Listener
	errCount int64
}

// Start launches the UDP and/or TCP listeners in background
// goroutines, returning once both (whichever is non-blank) are bound.
func (s *Statsd) Start() error {
	if s.ListenUDP != "" {
		addr, err := net.ResolveUDPAddr("udp", s.ListenUDP)
		if err != nil {
			return fmt.Errorf("source: statsd: resolve udp %s: %w", s.ListenUDP, err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("source: statsd: listen udp %s: %w", s.ListenUDP, err)
		}
		s.udpConn = conn
		go s.serveUDP(conn)
	}
	if s.ListenTCP != "" {
		l, err := net.Listen("tcp", s.ListenTCP)
		if err != nil {
			return fmt.Errorf("source: statsd: listen tcp %s: %w", s.ListenTCP, err)
		}
		s.tcpLis = graceful.NewListener(l)
		go s.serveTCP(s.tcpLis)
	}
	return nil
}

func (s *Statsd) Stop() {
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLis != nil {
		s.tcpLis.Close()
	}
}

func (s *Statsd) serveUDP(conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			s.handleLine(line)
		}
	}
}

func (s *Statsd) serveTCP(l *graceful.Listener) {
	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				time.Sleep(tempDelay)
				continue
			}
			return
		}
		tempDelay = 0
		go s.handleConn(conn)
	}
}

func (s *Statsd) handleConn(conn net.Conn) {
	defer conn.Close()
	if s.Timeout != 0 {
		conn.SetDeadline(time.Now().Add(s.Timeout))
	}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		s.handleLine(scanner.Text())
		if s.Timeout != 0 {
			conn.SetDeadline(time.Now().Add(s.Timeout))
		}
	}
}

func (s *Statsd) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t, err := parseStatsdLine(line)
	if err != nil {
		s.errCount++
		log.Printf("source: statsd[%s]: %v", s.Node, err)
		return
	}
	t.TimestampS = time.Now().Unix()
	for _, fwd := range s.Forwards {
		if err := fwd.Enqueue(event.NewTelemetry(t)); err != nil {
			log.Printf("source: statsd[%s]: enqueue: %v", s.Node, err)
		}
	}
}

// ErrorCount reports how many packets failed to parse since start.
func (s *Statsd) ErrorCount() int64 { return s.errCount }

// parseStatsdLine parses "name:value|type[|@rate][|#tag1:v1,tag2:v2]".
// Grounded on tgres's statsd.ParseStatsdPacket, extended with the
// "#tags" suffix and the leading-sign delta-gauge convention
// (spec.md §6): "g+5"/"g-5" adjust the prior gauge value rather than
// replacing it outright.
func parseStatsdLine(packet string) (*event.Telemetry, error) {
	parts := strings.SplitN(packet, ":", 2)
	if len(parts) < 1 || parts[0] == "" {
		return nil, fmt.Errorf("invalid packet: %q", packet)
	}
	name := misc.SanitizeMetricName(parts[0])
	if len(parts) == 1 {
		return &event.Telemetry{Name: name, Tags: event.NewTags(), Kind: event.Counter, Value: 1, SampleRate: 1}, nil
	}

	fields := strings.Split(parts[1], "|")
	if len(fields) < 2 {
		return nil, fmt.Errorf("invalid packet: %q", packet)
	}

	var value float64
	if n, err := fmt.Sscanf(fields[0], "%f", &value); n != 1 || err != nil {
		return nil, fmt.Errorf("cannot parse value: %q", packet)
	}

	typ := fields[1]
	sampleRate := 1.0
	tags := event.NewTags()

	for _, extra := range fields[2:] {
		switch {
		case strings.HasPrefix(extra, "@"):
			if n, err := fmt.Sscanf(extra, "@%f", &sampleRate); n != 1 || err != nil {
				return nil, fmt.Errorf("bad sample rate: %q", packet)
			}
		case strings.HasPrefix(extra, "#"):
			for _, kv := range strings.Split(extra[1:], ",") {
				if kv == "" {
					continue
				}
				kvParts := strings.SplitN(kv, ":", 2)
				if len(kvParts) == 2 {
					tags.Set(misc.SanitizeTagKey(kvParts[0]), misc.SanitizeTagValue(kvParts[1]))
				} else {
					tags.Set(misc.SanitizeTagKey(kvParts[0]), "")
				}
			}
		}
	}

	kind, err := statsdKind(typ, fields[0])
	if err != nil {
		return nil, fmt.Errorf("%v: %q", err, packet)
	}

	return &event.Telemetry{
		Name:       name,
		Tags:       tags,
		Kind:       kind,
		Value:      value,
		SampleRate: sampleRate,
	}, nil
}

// statsdKind maps a statsd type token (and the raw value field, to
// detect the gauge leading-sign convention) to a Kind. "s" (statsd
// sets) has no Kind equivalent in cernan's aggregation model, so it
// is mapped to Raw and carries its member value through unaggregated
// (documented in DESIGN.md).
func statsdKind(typ, rawValue string) (event.Kind, error) {
	switch typ {
	case "c":
		return event.Counter, nil
	case "g":
		if len(rawValue) > 0 && (rawValue[0] == '+' || rawValue[0] == '-') {
			return event.GaugeDelta, nil
		}
		return event.GaugeAbsolute, nil
	case "ms":
		return event.Timer, nil
	case "h":
		return event.Histogram, nil
	case "s":
		return event.Raw, nil
	default:
		return 0, fmt.Errorf("invalid metric type: %q", typ)
	}
}
