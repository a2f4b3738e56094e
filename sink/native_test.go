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
	"testing"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/wire"
)

func Test_Native_SendWritesAFrameTheOtherSideCanDecode(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	n := &Native{conn: client}

	done := make(chan error, 1)
	go func() { done <- n.Send([]buckets.Emission{
		{Name: "cpu", Tags: event.NewTags().Set("host", "a"), Kind: event.Counter, BinStartS: 10, Value: 5},
	}) }()

	body, err := wire.ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	events, err := wire.DecodePayload(body)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(events) != 1 || events[0].Telemetry.Name != "cpu" || events[0].Telemetry.Value != 5 || !events[0].Telemetry.Persist {
		t.Fatalf("got %+v", events)
	}
}
