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
	"net"
	"testing"
	"time"

	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/wire"
)

func Test_Native_HandleDecodesFramesAndForwards(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	a := &fakePusher{}
	nsrc := &Native{Node: "native-in", Forwards: []pusher{a}}
	go nsrc.handle(server)

	body := wire.EncodePayload([]*event.Event{
		event.NewTelemetry(&event.Telemetry{Name: "x", Tags: event.NewTags(), Kind: event.Counter, Value: 1}),
	})
	if err := wire.WriteFrame(client, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(a.got) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(a.got) != 1 || a.got[0].Telemetry.Name != "x" {
		t.Fatalf("expected the forwarded telemetry, got %+v", a.got)
	}
}

func Test_Native_DropsEventsAtMaxHops(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	a := &fakePusher{}
	nsrc := &Native{Node: "native-in", Forwards: []pusher{a}}
	go nsrc.handle(server)

	body := wire.EncodePayload([]*event.Event{
		event.NewTelemetry(&event.Telemetry{Name: "looped", Tags: event.NewTags(), Kind: event.Counter, Value: 1, Hops: MaxHops}),
	})
	if err := wire.WriteFrame(client, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	client.Close()

	time.Sleep(50 * time.Millisecond)
	if len(a.got) != 0 {
		t.Errorf("expected the looped event to be dropped at MaxHops, got %+v", a.got)
	}
}
