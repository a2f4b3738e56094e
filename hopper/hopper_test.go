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

package hopper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cernan-project/cernan/event"
)

func telemetry(n int) *event.Event {
	return event.NewTelemetry(&event.Telemetry{
		Name:  "metric",
		Tags:  event.NewTags().Set("seq", string(rune('0'+n))),
		Kind:  event.Counter,
		Value: float64(n),
	})
}

func Test_TwoReadersSeeSameOrderIndependently(t *testing.T) {
	dir := t.TempDir()
	h, err := Open("ch", dir, DefaultMaxBytes, DefaultSegmentBytes, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	const n = 5
	for i := 0; i < n; i++ {
		if err := h.Enqueue(telemetry(i)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	for _, name := range []string{"a", "b"} {
		r := h.Reader(name)
		if r == nil {
			t.Fatalf("Reader(%q) = nil", name)
		}
		for i := 0; i < n; i++ {
			e, err := r.Next()
			if err != nil {
				t.Fatalf("reader %s Next(%d): %v", name, i, err)
			}
			if e.Telemetry.Value != float64(i) {
				t.Errorf("reader %s event %d: Value = %v, want %v", name, i, e.Telemetry.Value, i)
			}
			if err := r.Commit(); err != nil {
				t.Fatalf("reader %s Commit(%d): %v", name, i, err)
			}
		}
	}
}

func Test_EnqueueBlocksWhenFullAndUnblocksAfterCommit(t *testing.T) {
	dir := t.TempDir()
	h, err := Open("ch", dir, DefaultMaxBytes, 1<<20, []string{"r"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if err := h.Enqueue(telemetry(0)); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	// Clamp capacity to exactly what is on disk now so the next
	// Enqueue has no room and must block until space is freed.
	h.mu.Lock()
	h.maxBytes = h.totalBytes
	h.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- h.Enqueue(telemetry(1))
	}()

	select {
	case <-done:
		t.Fatalf("second Enqueue returned before the channel had room")
	case <-time.After(100 * time.Millisecond):
		// expected: still blocked
	}

	r := h.Reader("r")
	e, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Telemetry.Value != 0 {
		t.Fatalf("Next() = %v, want 0", e.Telemetry.Value)
	}
	if err := r.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second Enqueue: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second Enqueue never unblocked after commit freed space")
	}
}

func Test_ReaderResumesFromCommittedCursorAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	h, err := Open("ch", dir, DefaultMaxBytes, DefaultSegmentBytes, []string{"r"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := h.Enqueue(telemetry(i)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	r := h.Reader("r")
	for i := 0; i < 2; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
	}
	if err := r.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := Open("ch", dir, DefaultMaxBytes, DefaultSegmentBytes, []string{"r"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()

	r2 := h2.Reader("r")
	e, err := r2.Next()
	if err != nil {
		t.Fatalf("Next after restart: %v", err)
	}
	if e.Telemetry.Value != 2 {
		t.Fatalf("Next() after restart = %v, want 2 (the uncommitted record)", e.Telemetry.Value)
	}
}

func Test_SegmentGCReclaimsFullyConsumedSegments(t *testing.T) {
	dir := t.TempDir()
	// Tiny segments so a handful of records rolls several times.
	h, err := Open("ch", dir, DefaultMaxBytes, 40, []string{"r"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	const n = 20
	for i := 0; i < n; i++ {
		if err := h.Enqueue(telemetry(i % 10)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	ids, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("expected enqueue to roll into multiple segments, got %d", len(ids))
	}

	r := h.Reader("r")
	for i := 0; i < n; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		if err := r.Commit(); err != nil {
			t.Fatalf("Commit(%d): %v", i, err)
		}
	}

	remaining, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments after drain: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected only the current write segment to remain, got %v", remaining)
	}
	if remaining[0] != h.writeSegID {
		t.Fatalf("remaining segment %d is not the write segment %d", remaining[0], h.writeSegID)
	}
}

// Test_ReaderRestartsFromEarliestSurvivorAfterSegmentDeletion covers
// spec.md §4.1's Failures: an operator deleting a reader's current
// segment out from under it is fatal to that segment, not to the
// reader — Next must recover on the earliest segment still on disk.
func Test_ReaderRestartsFromEarliestSurvivorAfterSegmentDeletion(t *testing.T) {
	dir := t.TempDir()
	// Tiny segments so the reader is still parked on an early one
	// when a later segment is rolled.
	h, err := Open("ch", dir, DefaultMaxBytes, 40, []string{"r"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	const n = 20
	for i := 0; i < n; i++ {
		if err := h.Enqueue(telemetry(i % 10)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	ids, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("expected enqueue to roll into multiple segments, got %d", len(ids))
	}

	r := h.Reader("r")
	// Delete the reader's current (earliest) segment before it has
	// read anything from it, simulating operator deletion.
	if err := os.Remove(segmentPath(dir, ids[0])); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	e, err := r.Next()
	if err != nil {
		t.Fatalf("Next after deleted segment: %v", err)
	}
	if e.Telemetry == nil {
		t.Fatalf("Next returned non-telemetry event: %+v", e)
	}

	r.mu.Lock()
	gotSeg := r.pos.segmentID
	r.mu.Unlock()
	if gotSeg != ids[1] {
		t.Fatalf("reader restarted at segment %d, want earliest survivor %d", gotSeg, ids[1])
	}
}

func Test_ManifestPersistsAndMergesReaderNames(t *testing.T) {
	dir := t.TempDir()
	if err := writeManifest(dir, []string{"a"}); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}

	h, err := Open("ch", dir, DefaultMaxBytes, DefaultSegmentBytes, []string{"b"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	names, err := readManifest(dir)
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["a"] || !found["b"] {
		t.Fatalf("merged manifest = %v, want both a and b present", names)
	}
	if h.Reader("a") == nil || h.Reader("b") == nil {
		t.Fatalf("expected both previously-declared and newly-declared readers to be registered")
	}
}

func Test_FillPercentTracksEnqueuedBytes(t *testing.T) {
	dir := t.TempDir()
	h, err := Open("ch", dir, 1<<10, 1<<20, []string{"a"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if got := h.FillPercent(); got != 0 {
		t.Fatalf("FillPercent on empty channel = %v, want 0", got)
	}
	if err := h.Enqueue(telemetry(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := h.FillPercent(); got <= 0 || got >= 100 {
		t.Fatalf("FillPercent after one record = %v, want in (0, 100)", got)
	}
}

func Test_SegmentRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "00000001.log")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payloads := [][]byte{[]byte("one"), []byte(""), []byte("three-longer-payload")}
	for _, p := range payloads {
		if _, err := writeRecord(f, p); err != nil {
			t.Fatalf("writeRecord: %v", err)
		}
	}
	f.Close()

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rf.Close()

	for i, want := range payloads {
		got, err := readRecord(rf)
		if err != nil {
			t.Fatalf("readRecord(%d): %v", i, err)
		}
		if string(got) != string(want) {
			t.Errorf("readRecord(%d) = %q, want %q", i, got, want)
		}
	}
}
