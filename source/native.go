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
	"log"
	"net"
	"time"

	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/graceful"
	"github.com/cernan-project/cernan/wire"
)

// MaxHops caps how many times an event may be re-forwarded across
// federated native links before being dropped, guarding against a
// misconfigured federation loop (a federation sink is a topology
// terminus per spec.md §4.2, but nothing stops two independent
// instances from pointing at each other).
const MaxHops = 16

// Native listens on a TCP socket for the native protocol (spec.md
// §6): a stream of u32-length-prefixed protobuf Payload frames, each
// containing a batch of events forwarded from another cernan
// instance's federation sink.
type Native struct {
	Node     string
	Listen   string
	Forwards []pusher

	lis      *graceful.Listener
	errCount int64
}

func (n *Native) Start() error {
	l, err := net.Listen("tcp", n.Listen)
	if err != nil {
		return err
	}
	n.lis = graceful.NewListener(l)
	go n.serve(n.lis)
	return nil
}

func (n *Native) Stop() {
	if n.lis != nil {
		n.lis.Close()
	}
}

func (n *Native) serve(l *graceful.Listener) {
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
		go n.handle(conn)
	}
}

func (n *Native) handle(conn net.Conn) {
	defer conn.Close()
	for {
		body, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		events, err := wire.DecodePayload(body)
		if err != nil {
			n.errCount++
			log.Printf("source: native[%s]: decode: %v", n.Node, err)
			continue
		}
		for _, e := range events {
			if e.Variant == event.VariantTelemetry {
				if e.Telemetry.Hops >= MaxHops {
					continue
				}
				e.Telemetry.Hops++
			}
			for _, fwd := range n.Forwards {
				if err := fwd.Enqueue(e.Clone()); err != nil {
					log.Printf("source: native[%s]: enqueue: %v", n.Node, err)
				}
			}
		}
	}
}

func (n *Native) ErrorCount() int64 { return n.errCount }
