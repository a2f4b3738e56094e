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
	"testing"
	"time"

	"github.com/cernan-project/cernan/event"
)

func Test_ParseGraphiteLine_Basic(t *testing.T) {
	tel, err := parseGraphiteLine("servers.web1.load 0.5 1577836800")
	if err != nil {
		t.Fatalf("parseGraphiteLine: %v", err)
	}
	if tel.Name != "servers.web1.load" || tel.Value != 0.5 || tel.TimestampS != 1577836800 || tel.Kind != event.Raw {
		t.Errorf("got %+v", tel)
	}
}

func Test_ParseGraphiteLine_NegativeOneTimestampMeansNow(t *testing.T) {
	before := time.Now().Unix()
	tel, err := parseGraphiteLine("x 1 -1")
	if err != nil {
		t.Fatalf("parseGraphiteLine: %v", err)
	}
	if tel.TimestampS < before {
		t.Errorf("TimestampS = %d, want >= %d (now)", tel.TimestampS, before)
	}
}

func Test_ParseGraphiteLine_MalformedErrors(t *testing.T) {
	if _, err := parseGraphiteLine("not a valid line"); err == nil {
		t.Errorf("expected an error for a malformed line")
	}
}

func Test_GraphiteText_HandleLineEnqueuesToEveryForward(t *testing.T) {
	a, b := &fakePusher{}, &fakePusher{}
	g := &GraphiteText{Node: "graphite-in", Forwards: []pusher{a, b}}
	g.handleLine("servers.web1.load 0.5 1577836800")

	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected 1 event on each forward, got %d and %d", len(a.got), len(b.got))
	}
}

func Test_GraphiteText_HandleLineCountsErrorsWithoutHalting(t *testing.T) {
	a := &fakePusher{}
	g := &GraphiteText{Node: "graphite-in", Forwards: []pusher{a}}
	g.handleLine("garbage")
	g.handleLine("ok 1 -1")

	if g.ErrorCount() != 1 {
		t.Errorf("ErrorCount() = %d, want 1", g.ErrorCount())
	}
	if len(a.got) != 1 {
		t.Errorf("expected the good line to still be enqueued, got %d events", len(a.got))
	}
}
