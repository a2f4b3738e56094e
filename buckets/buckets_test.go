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

package buckets

import (
	"testing"

	"github.com/cernan-project/cernan/event"
)

func telemetry(name string, kind event.Kind, ts int64, value float64) *event.Telemetry {
	return &event.Telemetry{Name: name, Tags: event.NewTags(), Kind: kind, TimestampS: ts, Value: value, SampleRate: 1}
}

// Scenario 1: a single counter at t=100, flush-interval=1, bin_width=1
// must emit {bin_start=100, value=1.0} once the window at t=101 closes.
func Test_CounterSingleBinEmission(t *testing.T) {
	b := New(1, DefaultEpsilon, 0)
	b.Ingest(telemetry("foo", event.Counter, 100, 1))

	out := b.Flush(101)
	if len(out) != 1 {
		t.Fatalf("Flush = %d emissions, want 1", len(out))
	}
	if out[0].BinStartS != 100 || out[0].Value != 1.0 {
		t.Errorf("emission = %+v, want bin_start=100 value=1.0", out[0])
	}
}

// Scenario 2: two deltas x:+3, x:-1 at t=0, then an absolute x:10 at
// t=1, bin_width=1: bin 0 emits x=2, bin 1 emits x=10, and bin 2 (no
// input) at flush t=3 still emits x=10 via the gauge overlay.
func Test_DeltaThenAbsoluteGaugeScenario(t *testing.T) {
	b := New(1, DefaultEpsilon, 0)
	b.Ingest(telemetry("x", event.GaugeDelta, 0, 3))
	b.Ingest(telemetry("x", event.GaugeDelta, 0, -1))
	b.Ingest(telemetry("x", event.GaugeAbsolute, 1, 10))

	out := b.Flush(3)

	byBin := map[int64]float64{}
	for _, e := range out {
		byBin[e.BinStartS] = e.Value
	}
	if byBin[0] != 2 {
		t.Errorf("bin 0 = %v, want 2", byBin[0])
	}
	if byBin[1] != 10 {
		t.Errorf("bin 1 = %v, want 10", byBin[1])
	}
	if byBin[2] != 10 {
		t.Errorf("bin 2 (sustained gauge, no input) = %v, want 10", byBin[2])
	}
}

func Test_CounterResetsAcrossBins(t *testing.T) {
	b := New(1, DefaultEpsilon, 0)
	b.Ingest(telemetry("c", event.Counter, 0, 5))
	out := b.Flush(1)
	if len(out) != 1 || out[0].Value != 5 {
		t.Fatalf("bin 0 emission = %+v, want value=5", out)
	}

	// No further counter activity: bin 1 should simply not appear,
	// since counters reset to absent rather than sustaining.
	out2 := b.Flush(2)
	for _, e := range out2 {
		if e.Name == "c" {
			t.Errorf("counter reappeared in a bin with no new data: %+v", e)
		}
	}
}

func Test_CounterSampleRateAdjustment(t *testing.T) {
	b := New(1, DefaultEpsilon, 0)
	tel := telemetry("hits", event.Counter, 0, 1)
	tel.SampleRate = 0.1
	b.Ingest(tel)

	out := b.Flush(1)
	if len(out) != 1 || out[0].Value != 10 {
		t.Fatalf("sample-rate-adjusted counter = %+v, want value=10", out)
	}
}

func Test_GaugeTTLExpiresOverlay(t *testing.T) {
	b := New(1, DefaultEpsilon, 5)
	b.Ingest(telemetry("g", event.GaugeAbsolute, 0, 1))

	out := b.Flush(1) // bin 0 real emission
	if len(out) != 1 {
		t.Fatalf("bin 0 = %+v, want 1 emission", out)
	}

	out = b.Flush(10) // bin up to 9; last update was at t=0, ttl=5s -> expired once age > 5
	for _, e := range out {
		if e.Name == "g" && e.BinStartS > 5 {
			t.Errorf("expired gauge re-emitted at bin %d: %+v", e.BinStartS, e)
		}
	}
}

func Test_TimerSketchQuantiles(t *testing.T) {
	b := New(1, DefaultEpsilon, 0)
	for i := 1; i <= 100; i++ {
		b.Ingest(telemetry("latency", event.Timer, 0, float64(i)))
	}
	out := b.Flush(1)
	if len(out) != 1 || out[0].Sketch == nil {
		t.Fatalf("timer emission = %+v, want a sketch", out)
	}
	s := out[0].Sketch
	if s.Count() != 100 {
		t.Errorf("Count() = %d, want 100", s.Count())
	}
	if s.Min() != 1 || s.Max() != 100 {
		t.Errorf("Min/Max = %v/%v, want 1/100", s.Min(), s.Max())
	}
	median := s.Query(0.5)
	if median < 40 || median > 60 {
		t.Errorf("Query(0.5) = %v, want roughly 50", median)
	}
}

func Test_EmissionOrderIsAscendingBinThenInsertion(t *testing.T) {
	b := New(1, DefaultEpsilon, 0)
	b.Ingest(telemetry("b", event.Counter, 1, 1))
	b.Ingest(telemetry("a", event.Counter, 0, 1))
	b.Ingest(telemetry("c", event.Counter, 0, 1))

	out := b.Flush(2)
	if len(out) != 3 {
		t.Fatalf("Flush = %d emissions, want 3", len(out))
	}
	if out[0].BinStartS != 0 || out[1].BinStartS != 0 || out[2].BinStartS != 1 {
		t.Fatalf("emissions not in ascending bin_start order: %+v", out)
	}
	if out[0].Name != "a" || out[1].Name != "c" {
		t.Errorf("bin 0 emissions not in insertion order: got %s, %s", out[0].Name, out[1].Name)
	}
}
