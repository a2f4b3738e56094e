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
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	pickle "github.com/hydrogen18/stalecucumber"

	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/graceful"
	"github.com/cernan-project/cernan/misc"
)

// GraphitePickle listens on TCP for carbon's pickle batch protocol:
// a u32 big-endian length, then that many bytes of a pickled list of
// (name, (timestamp, value)) tuples. Grounded on tgres's
// graphitePickleServiceManager (daemon/graphite_pickle.go).
type GraphitePickle struct {
	Node     string
	Listen   string
	Forwards []pusher
	Timeout  time.Duration

	lis      *graceful.Listener
	errCount int64
}

func (g *GraphitePickle) Start() error {
	l, err := net.Listen("tcp", g.Listen)
	if err != nil {
		return fmt.Errorf("source: graphite-pickle: listen %s: %w", g.Listen, err)
	}
	g.lis = graceful.NewListener(l)
	go g.serve(g.lis)
	return nil
}

func (g *GraphitePickle) Stop() {
	if g.lis != nil {
		g.lis.Close()
	}
}

func (g *GraphitePickle) serve(l *graceful.Listener) {
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

func (g *GraphitePickle) handle(conn net.Conn) {
	defer conn.Close()
	if g.Timeout != 0 {
		conn.SetDeadline(time.Now().Add(g.Timeout))
	}

	for {
		var length uint32
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			return
		}

		buf := make([]byte, length)
		if _, err := readFull(conn, buf); err != nil {
			return
		}

		if g.Timeout != 0 {
			conn.SetDeadline(time.Now().Add(g.Timeout))
		}

		points, err := decodePickleBatch(buf)
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed") {
				g.errCount++
				log.Printf("source: graphite-pickle[%s]: %v", g.Node, err)
			}
			return
		}
		for _, t := range points {
			for _, fwd := range g.Forwards {
				if err := fwd.Enqueue(event.NewTelemetry(t)); err != nil {
					log.Printf("source: graphite-pickle[%s]: enqueue: %v", g.Node, err)
				}
			}
		}
	}
}

func (g *GraphitePickle) ErrorCount() int64 { return g.errCount }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// decodePickleBatch unpickles a list of (name, (timestamp, value))
// tuples, tolerating an integer-typed value the way the reference
// implementation does (pickle.Int with a pickle.Float fallback).
func decodePickleBatch(buf []byte) ([]*event.Telemetry, error) {
	items, err := pickle.ListOrTuple(pickle.Unpickle(bytes.NewBuffer(buf)))
	if err != nil {
		return nil, err
	}

	var out []*event.Telemetry
	for _, item := range items {
		pair, err := pickle.ListOrTuple(item, nil)
		if err != nil {
			return nil, err
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("item wrong length: %d", len(pair))
		}
		name, err := pickle.String(pair[0], nil)
		if err != nil {
			return nil, err
		}
		dp, err := pickle.ListOrTuple(pair[1], nil)
		if err != nil {
			return nil, err
		}
		if len(dp) != 2 {
			return nil, fmt.Errorf("dp wrong length: %d", len(dp))
		}
		ts, err := pickle.Int(dp[0], nil)
		if err != nil {
			return nil, err
		}
		value, err := pickle.Float(dp[1], nil)
		if err != nil {
			if intValue, intErr := pickle.Int(dp[1], nil); intErr == nil {
				value = float64(intValue)
			} else {
				return nil, err
			}
		}
		out = append(out, &event.Telemetry{
			Name:       misc.SanitizeMetricName(name),
			Tags:       event.NewTags(),
			Kind:       event.Raw,
			TimestampS: ts,
			Value:      value,
			SampleRate: 1,
		})
	}
	return out, nil
}
