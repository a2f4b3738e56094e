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
	"net"
	"time"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/wire"
)

// Native forwards to another cernan instance's native source over
// the framed protobuf protocol (spec.md §6): "federation is merely
// another sink that forwards to another instance." Since the sink
// only ever sees already-aggregated Emissions (not raw Telemetry),
// each emission is re-expressed as a Telemetry with Persist set so
// the receiving instance's buckets treat it as an authoritative
// point rather than re-aggregating partial data.
type Native struct {
	Addr    string
	Timeout time.Duration

	conn net.Conn
}

func NewNative(addr string) *Native {
	return &Native{Addr: addr, Timeout: 5 * time.Second}
}

func (n *Native) Name() string { return "native" }

func (n *Native) dial() error {
	if n.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", n.Addr, n.Timeout)
	if err != nil {
		return err
	}
	n.conn = conn
	return nil
}

func (n *Native) Send(emissions []buckets.Emission) error {
	if len(emissions) == 0 {
		return nil
	}
	if err := n.dial(); err != nil {
		return err
	}

	events := make([]*event.Event, 0, len(emissions))
	for _, em := range emissions {
		value := em.Value
		if em.Kind == event.Histogram || em.Kind == event.Timer {
			value = em.Sketch.Sum()
		}
		events = append(events, event.NewTelemetry(&event.Telemetry{
			Name:       em.Name,
			Tags:       em.Tags,
			Kind:       em.Kind,
			TimestampS: em.BinStartS,
			Value:      value,
			Persist:    true,
			SampleRate: 1,
		}))
	}

	body := wire.EncodePayload(events)
	if err := wire.WriteFrame(n.conn, body); err != nil {
		n.reset()
		return err
	}
	return nil
}

func (n *Native) SendLogs(logs []*event.LogLine) error {
	if len(logs) == 0 {
		return nil
	}
	if err := n.dial(); err != nil {
		return err
	}
	events := make([]*event.Event, 0, len(logs))
	for _, l := range logs {
		events = append(events, event.NewLogLine(l))
	}
	body := wire.EncodePayload(events)
	if err := wire.WriteFrame(n.conn, body); err != nil {
		n.reset()
		return err
	}
	return nil
}

func (n *Native) reset() {
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

func (n *Native) Close() error {
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}
