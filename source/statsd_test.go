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

	"github.com/cernan-project/cernan/event"
)

func Test_ParseStatsdLine_Counter(t *testing.T) {
	tel, err := parseStatsdLine("gorets:1|c|@0.1")
	if err != nil {
		t.Fatalf("parseStatsdLine: %v", err)
	}
	if tel.Name != "gorets" || tel.Kind != event.Counter || tel.Value != 1 || tel.SampleRate != 0.1 {
		t.Errorf("got %+v", tel)
	}
}

func Test_ParseStatsdLine_NoColonDefaultsToCounterOfOne(t *testing.T) {
	tel, err := parseStatsdLine("pageviews")
	if err != nil {
		t.Fatalf("parseStatsdLine: %v", err)
	}
	if tel.Kind != event.Counter || tel.Value != 1 {
		t.Errorf("got %+v", tel)
	}
}

func Test_ParseStatsdLine_AbsoluteGauge(t *testing.T) {
	tel, err := parseStatsdLine("temp:10|g")
	if err != nil {
		t.Fatalf("parseStatsdLine: %v", err)
	}
	if tel.Kind != event.GaugeAbsolute || tel.Value != 10 {
		t.Errorf("got %+v", tel)
	}
}

func Test_ParseStatsdLine_DeltaGaugeLeadingSign(t *testing.T) {
	tel, err := parseStatsdLine("temp:-5|g")
	if err != nil {
		t.Fatalf("parseStatsdLine: %v", err)
	}
	if tel.Kind != event.GaugeDelta || tel.Value != -5 {
		t.Errorf("got %+v", tel)
	}

	tel, err = parseStatsdLine("temp:+5|g")
	if err != nil {
		t.Fatalf("parseStatsdLine: %v", err)
	}
	if tel.Kind != event.GaugeDelta || tel.Value != 5 {
		t.Errorf("got %+v", tel)
	}
}

func Test_ParseStatsdLine_TagSuffix(t *testing.T) {
	tel, err := parseStatsdLine("req:1|c|#host:web1,region:us-east")
	if err != nil {
		t.Fatalf("parseStatsdLine: %v", err)
	}
	if v, _ := tel.Tags.Get("host"); v != "web1" {
		t.Errorf("host tag = %q, want web1", v)
	}
	if v, _ := tel.Tags.Get("region"); v != "us-east" {
		t.Errorf("region tag = %q, want us-east", v)
	}
}

func Test_ParseStatsdLine_SampleRateAndTagsCombined(t *testing.T) {
	tel, err := parseStatsdLine("req:1|c|@0.5|#host:web1")
	if err != nil {
		t.Fatalf("parseStatsdLine: %v", err)
	}
	if tel.SampleRate != 0.5 {
		t.Errorf("SampleRate = %v, want 0.5", tel.SampleRate)
	}
	if v, _ := tel.Tags.Get("host"); v != "web1" {
		t.Errorf("host tag = %q, want web1", v)
	}
}

func Test_ParseStatsdLine_TimerAndHistogram(t *testing.T) {
	if tel, err := parseStatsdLine("resp:42|ms"); err != nil || tel.Kind != event.Timer {
		t.Errorf("ms: got %+v, err %v", tel, err)
	}
	if tel, err := parseStatsdLine("resp:42|h"); err != nil || tel.Kind != event.Histogram {
		t.Errorf("h: got %+v, err %v", tel, err)
	}
}

func Test_ParseStatsdLine_InvalidTypeErrors(t *testing.T) {
	if _, err := parseStatsdLine("x:1|bogus"); err == nil {
		t.Errorf("expected an error for an unknown metric type")
	}
}

func Test_ParseStatsdLine_InvalidValueErrors(t *testing.T) {
	if _, err := parseStatsdLine("x:notanumber|c"); err == nil {
		t.Errorf("expected an error for a non-numeric value")
	}
}

type fakePusher struct {
	got []*event.Event
}

func (f *fakePusher) Enqueue(e *event.Event) error {
	f.got = append(f.got, e)
	return nil
}

func Test_Statsd_HandleLineEnqueuesToEveryForward(t *testing.T) {
	a, b := &fakePusher{}, &fakePusher{}
	s := &Statsd{Node: "statsd-in", Forwards: []pusher{a, b}}
	s.handleLine("gorets:3|c")

	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected 1 event on each forward, got %d and %d", len(a.got), len(b.got))
	}
	if a.got[0].Telemetry.Name != "gorets" {
		t.Errorf("Name = %q, want gorets", a.got[0].Telemetry.Name)
	}
}

func Test_Statsd_HandleLineCountsErrorsWithoutHalting(t *testing.T) {
	a := &fakePusher{}
	s := &Statsd{Node: "statsd-in", Forwards: []pusher{a}}
	s.handleLine("bad:1|nope")
	s.handleLine("gorets:1|c")

	if s.ErrorCount() != 1 {
		t.Errorf("ErrorCount() = %d, want 1", s.ErrorCount())
	}
	if len(a.got) != 1 {
		t.Errorf("expected the good line to still be enqueued, got %d events", len(a.got))
	}
}
