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

package sink

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
)

// Graphite forwards every emission as a carbon plaintext line, "name
// value timestamp\n", to a downstream graphite-compatible relay. One
// TCP connection is opened lazily and reused across flushes;
// Send/SendLogs treat any write error as a failure the Sink's retry
// loop should back off and re-attempt (the connection is dropped so
// the next attempt redials).
type Graphite struct {
	Addr    string
	Timeout time.Duration

	conn net.Conn
}

func NewGraphite(addr string) *Graphite {
	return &Graphite{Addr: addr, Timeout: 5 * time.Second}
}

func (g *Graphite) Name() string { return "graphite" }

func (g *Graphite) dial() error {
	if g.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", g.Addr, g.Timeout)
	if err != nil {
		return err
	}
	g.conn = conn
	return nil
}

func (g *Graphite) Send(emissions []buckets.Emission) error {
	if err := g.dial(); err != nil {
		return err
	}
	w := bufio.NewWriter(g.conn)
	for _, em := range emissions {
		if em.Kind == event.Histogram || em.Kind == event.Timer {
			if err := g.writeSketch(w, em); err != nil {
				g.reset()
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s %.6f %d\n", em.Name, em.Value, em.BinStartS); err != nil {
			g.reset()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		g.reset()
		return err
	}
	return nil
}

func (g *Graphite) writeSketch(w *bufio.Writer, em buckets.Emission) error {
	suffixes := map[string]float64{
		"count": float64(em.Sketch.Count()),
		"sum":   em.Sketch.Sum(),
		"min":   em.Sketch.Min(),
		"max":   em.Sketch.Max(),
		"p50":   em.Sketch.Query(0.5),
		"p90":   em.Sketch.Query(0.9),
		"p99":   em.Sketch.Query(0.99),
	}
	for suffix, v := range suffixes {
		if _, err := fmt.Fprintf(w, "%s.%s %.6f %d\n", em.Name, suffix, v, em.BinStartS); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graphite) SendLogs(logs []*event.LogLine) error {
	// The carbon plaintext protocol has no log-line representation;
	// cernan's graphite sink is metrics-only, same scope as upstream
	// graphite relays.
	return nil
}

func (g *Graphite) reset() {
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
}

func (g *Graphite) Close() error {
	if g.conn != nil {
		err := g.conn.Close()
		g.conn = nil
		return err
	}
	return nil
}
