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

package source

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/graceful"
	"github.com/cernan-project/cernan/misc"
)

// GraphiteText listens for the carbon plaintext protocol, "name value
// timestamp\n", on TCP and/or UDP. Grounded on tgres's
// graphiteTextServiceManager (daemon/graphite_text.go): bufio.Scanner
// over a net.Conn, graceful.Listener for SIGHUP-safe restarts.
type GraphiteText struct {
	Node      string
	ListenUDP string
	ListenTCP string
	Forwards  []pusher
	Timeout   time.Duration

	udpConn  net.PacketConn
	tcpLis   *graceful.Listener
	errCount int64
}

func (g *GraphiteText) Start() error {
	if g.ListenUDP != "" {
		addr, err := net.ResolveUDPAddr("udp", g.ListenUDP)
		if err != nil {
			return fmt.Errorf("source: graphite: resolve udp %s: %w", g.ListenUDP, err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("source: graphite: listen udp %s: %w", g.ListenUDP, err)
		}
		g.udpConn = conn
		go g.handle(conn)
	}
	if g.ListenTCP != "" {
		l, err := net.Listen("tcp", g.ListenTCP)
		if err != nil {
			return fmt.Errorf("source: graphite: listen tcp %s: %w", g.ListenTCP, err)
		}
		g.tcpLis = graceful.NewListener(l)
		go g.serveTCP(g.tcpLis)
	}
	return nil
}

func (g *GraphiteText) Stop() {
	if g.udpConn != nil {
		g.udpConn.Close()
	}
	if g.tcpLis != nil {
		g.tcpLis.Close()
	}
}

func (g *GraphiteText) serveTCP(l *graceful.Listener) {
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
		go g.handle(conn)
	}
}

func (g *GraphiteText) handle(conn net.Conn) {
	defer conn.Close()
	if g.Timeout != 0 {
		conn.SetDeadline(time.Now().Add(g.Timeout))
	}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		g.handleLine(scanner.Text())
		if g.Timeout != 0 {
			conn.SetDeadline(time.Now().Add(g.Timeout))
		}
	}
}

func (g *GraphiteText) handleLine(line string) {
	t, err := parseGraphiteLine(line)
	if err != nil {
		g.errCount++
		log.Printf("source: graphite[%s]: %v", g.Node, err)
		return
	}
	for _, fwd := range g.Forwards {
		if err := fwd.Enqueue(event.NewTelemetry(t)); err != nil {
			log.Printf("source: graphite[%s]: enqueue: %v", g.Node, err)
		}
	}
}

func (g *GraphiteText) ErrorCount() int64 { return g.errCount }

// parseGraphiteLine parses "name value timestamp". A timestamp of -1
// (per graphite-project/carbon#54) means "now". Carbon has no kind
// marker, so every point lands as Raw (last-write-wins within a bin,
// spec.md §3's raw kind).
func parseGraphiteLine(line string) (*event.Telemetry, error) {
	var (
		name  string
		value float64
		ts    int64
	)
	if n, err := fmt.Sscanf(line, "%s %f %d", &name, &value, &ts); n != 3 || err != nil {
		return nil, fmt.Errorf("cannot parse graphite line: %q", line)
	}
	if ts == -1 {
		ts = time.Now().Unix()
	}
	return &event.Telemetry{
		Name:       misc.SanitizeMetricName(name),
		Tags:       event.NewTags(),
		Kind:       event.Raw,
		TimestampS: ts,
		Value:      value,
		SampleRate: 1,
	}, nil
}
