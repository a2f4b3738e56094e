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
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
)

type fakeReader struct {
	mu        sync.Mutex
	events    []*event.Event
	pos       int
	committed int
	blockCh   chan struct{}
}

func (f *fakeReader) Next() (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pos >= len(f.events) {
		f.mu.Unlock()
		<-f.blockCh
		f.mu.Lock()
	}
	e := f.events[f.pos]
	f.pos++
	return e, nil
}

func (f *fakeReader) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = f.pos
	return nil
}

func newFakeReader(events ...*event.Event) *fakeReader {
	return &fakeReader{events: events, blockCh: make(chan struct{})}
}

type fakeEgress struct {
	mu        sync.Mutex
	sendCalls [][]buckets.Emission
	failUntil int
}

func (f *fakeEgress) Name() string { return "fake" }

func (f *fakeEgress) Send(emissions []buckets.Emission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendCalls) < f.failUntil {
		f.sendCalls = append(f.sendCalls, nil)
		return fmt.Errorf("injected failure")
	}
	f.sendCalls = append(f.sendCalls, emissions)
	return nil
}

func (f *fakeEgress) SendLogs(logs []*event.LogLine) error { return nil }

func Test_Sink_IngestsThenFlushesAndCommits(t *testing.T) {
	tel := &event.Telemetry{Name: "x", Tags: event.NewTags(), Kind: event.Counter, Value: 3, TimestampS: 0, SampleRate: 1}
	// The trailing final flush lets Run exit on its own once it is
	// processed, rather than relying on Stop to interrupt a reader
	// that would otherwise block forever waiting for more events.
	r := newFakeReader(event.NewTelemetry(tel), event.NewTimerFlush(1), event.NewTimerFlush(math.MaxInt64))
	eg := &fakeEgress{}
	s := NewSink("test", r, buckets.New(1, buckets.DefaultEpsilon, 0), eg)
	s.RetryBase = time.Millisecond

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()
	close(r.blockCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the final flush")
	}
	s.Stop()

	// The second (final) flush has nothing left to emit: the only bin
	// was already closed out by the first flush, so Send is not
	// called again for it.
	if len(eg.sendCalls) != 1 {
		t.Fatalf("expected exactly 1 Send call, got %d", len(eg.sendCalls))
	}
	ems := eg.sendCalls[0]
	if len(ems) != 1 || ems[0].Name != "x" || ems[0].Value != 3 {
		t.Fatalf("got %+v", ems)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed != 3 {
		t.Errorf("committed = %d, want 3 (all events consumed)", r.committed)
	}

	if flushes, _ := s.Stats(); flushes != 1 {
		t.Errorf("Stats() flushes = %d, want 1 (one successful Send)", flushes)
	}
}

func Test_Sink_RetriesOnEgressFailureWithoutCommitting(t *testing.T) {
	tel := &event.Telemetry{Name: "x", Tags: event.NewTags(), Kind: event.Counter, Value: 1, SampleRate: 1}
	r := newFakeReader(event.NewTelemetry(tel), event.NewTimerFlush(1), event.NewTimerFlush(math.MaxInt64))
	eg := &fakeEgress{failUntil: 2}
	s := NewSink("test", r, buckets.New(1, buckets.DefaultEpsilon, 0), eg)
	s.RetryBase = time.Millisecond
	s.RetryMax = 5 * time.Millisecond

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()
	close(r.blockCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the final flush")
	}
	s.Stop()

	if len(eg.sendCalls) < 3 {
		t.Fatalf("expected at least 3 Send attempts (2 failures + 1 success), got %d", len(eg.sendCalls))
	}
}

func Test_Sink_StatsZeroBeforeAnyFlush(t *testing.T) {
	s := NewSink("test", newFakeReader(), buckets.New(1, buckets.DefaultEpsilon, 0), &fakeEgress{})
	if flushes, avg := s.Stats(); flushes != 0 || avg != 0 {
		t.Errorf("Stats() on an unflushed sink = (%d, %v), want (0, 0)", flushes, avg)
	}
}

func Test_Console_SendFormatsCounterAndHistogram(t *testing.T) {
	var buf fakeWriter
	c := &Console{Out: &buf}

	sk := buckets.NewSketch(buckets.DefaultEpsilon)
	sk.Insert(10)
	sk.Insert(20)

	err := c.Send([]buckets.Emission{
		{Name: "hits", Tags: event.NewTags().Set("host", "a"), Kind: event.Counter, BinStartS: 5, Value: 3},
		{Name: "latency", Tags: event.NewTags(), Kind: event.Histogram, BinStartS: 5, Sketch: sk},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := buf.String()
	if !contains(out, "hits{host=a}") {
		t.Errorf("output missing tagged counter line: %q", out)
	}
	if !contains(out, "latency") || !contains(out, "count=2") {
		t.Errorf("output missing histogram summary: %q", out)
	}
}

type fakeWriter struct{ data []byte }

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}
func (w *fakeWriter) String() string { return string(w.data) }

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
