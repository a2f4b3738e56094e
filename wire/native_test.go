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

package wire

import (
	"bytes"
	"testing"

	"github.com/cernan-project/cernan/event"
)

func Test_EncodeDecodePayload_RoundTripsTelemetry(t *testing.T) {
	tel := &event.Telemetry{
		Name:       "cpu.load",
		Tags:       event.NewTags().Set("host", "web1").Set("region", "us-east"),
		Kind:       event.GaugeDelta,
		TimestampS: 1234567890,
		Value:      -3.5,
		Persist:    true,
		SampleRate: 0.25,
		Hops:       2,
	}
	in := []*event.Event{event.NewTelemetry(tel)}

	body := EncodePayload(in)
	out, err := DecodePayload(body)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	got := out[0].Telemetry
	if got.Name != tel.Name || got.Kind != tel.Kind || got.TimestampS != tel.TimestampS ||
		got.Value != tel.Value || got.Persist != tel.Persist || got.SampleRate != tel.SampleRate || got.Hops != tel.Hops {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, tel)
	}
	if v, _ := got.Tags.Get("host"); v != "web1" {
		t.Errorf("host tag = %q, want web1", v)
	}
	if v, _ := got.Tags.Get("region"); v != "us-east" {
		t.Errorf("region tag = %q, want us-east", v)
	}
}

func Test_EncodeDecodePayload_RoundTripsLogLine(t *testing.T) {
	l := &event.LogLine{
		Path:       "/var/log/app.log",
		Value:      "boom",
		TimestampS: 42,
		Tags:       event.NewTags().Set("env", "prod"),
		Fields:     map[string]string{"level": "error"},
	}
	body := EncodePayload([]*event.Event{event.NewLogLine(l)})
	out, err := DecodePayload(body)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	got := out[0].LogLine
	if got.Path != l.Path || got.Value != l.Value || got.TimestampS != l.TimestampS {
		t.Errorf("got %+v, want %+v", got, l)
	}
	if got.Fields["level"] != "error" {
		t.Errorf("Fields[level] = %q, want error", got.Fields["level"])
	}
}

func Test_EncodeDecodePayload_RoundTripsTimerFlush(t *testing.T) {
	body := EncodePayload([]*event.Event{event.NewTimerFlush(99)})
	out, err := DecodePayload(body)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !out[0].IsFlush() || out[0].Flush.WindowID != 99 {
		t.Errorf("got %+v, want flush with WindowID 99", out[0])
	}
}

func Test_EncodeDecodePayload_MultipleEventsPreserveOrder(t *testing.T) {
	in := []*event.Event{
		event.NewTelemetry(&event.Telemetry{Name: "a", Tags: event.NewTags(), Kind: event.Counter, Value: 1}),
		event.NewTimerFlush(1),
		event.NewTelemetry(&event.Telemetry{Name: "b", Tags: event.NewTags(), Kind: event.Counter, Value: 2}),
	}
	out, err := DecodePayload(EncodePayload(in))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(out) != 3 || out[0].Telemetry.Name != "a" || !out[1].IsFlush() || out[2].Telemetry.Name != "b" {
		t.Fatalf("order not preserved: %+v", out)
	}
}

func Test_WriteReadFrame_RoundTrips(t *testing.T) {
	body := EncodePayload([]*event.Event{event.NewTimerFlush(7)})
	var buf bytes.Buffer
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("frame body mismatch")
	}
}

func Test_ReadFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(&buf); err == nil {
		t.Errorf("expected an error for an oversized frame length")
	}
}
