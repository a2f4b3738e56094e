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

// Package hopper is the disk-backed multi-reader FIFO that connects
// one producer (a source or filter) to one or more independent
// consumers (sinks and filters) without ever dropping an accepted
// item: when a consumer is slow the channel grows up to MaxBytes and
// Enqueue blocks, propagating back-pressure to the producer. See
// spec.md §4.1.
package hopper

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/cernan-project/cernan/event"
)

const (
	DefaultMaxBytes     int64 = 100 << 20 // 100 MiB, spec.md §3 default
	DefaultSegmentBytes int64 = 1 << 20   // 1 MiB, spec.md §4.1 default
)

var ErrClosed = fmt.Errorf("hopper: channel closed")

// Hopper is one channel directory: a single writer and a private
// cursor per registered reader.
type Hopper struct {
	Name string
	dir  string

	maxBytes     int64
	segmentBytes int64

	mu   sync.Mutex
	cond *sync.Cond

	writeSeg   *os.File
	writeSegID int64
	writeSize  int64
	totalBytes int64

	readers map[string]*Reader

	closed bool
}

// Open creates or reopens the channel directory dir, merging
// readerNames into the persisted manifest (readers are never removed
// from a running channel, only added, so a restart with one more sink
// configured does not orphan existing cursors).
func Open(name, dir string, maxBytes, segmentBytes int64, readerNames []string) (*Hopper, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if segmentBytes <= 0 {
		segmentBytes = DefaultSegmentBytes
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	onDisk, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	allNames := mergeReaderNames(readerNames, onDisk)
	if err := writeManifest(dir, allNames); err != nil {
		return nil, err
	}

	h := &Hopper{
		Name:         name,
		dir:          dir,
		maxBytes:     maxBytes,
		segmentBytes: segmentBytes,
		readers:      make(map[string]*Reader, len(allNames)),
	}
	h.cond = sync.NewCond(&h.mu)

	ids, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		ids = []int64{1}
	}
	for _, id := range ids {
		fi, err := os.Stat(segmentPath(dir, id))
		if err == nil {
			h.totalBytes += fi.Size()
		}
	}

	lastID := ids[len(ids)-1]
	f, err := os.OpenFile(segmentPath(dir, lastID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	h.writeSeg = f
	h.writeSegID = lastID
	h.writeSize = fi.Size()

	earliest := ids[0]
	for _, rn := range allNames {
		pos, err := loadCursor(dir, rn, earliest)
		if err != nil {
			return nil, err
		}
		h.readers[rn] = &Reader{
			h:         h,
			name:      rn,
			pos:       pos,
			committed: pos,
		}
	}

	return h, nil
}

// Reader returns the named reader, or nil if it was not declared at
// Open time. The set of readers per channel is fixed at topology
// build time, per spec.md §4.1.
func (h *Hopper) Reader(name string) *Reader {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readers[name]
}

// FillPercent reports how full this channel's on-disk footprint is
// relative to MaxBytes, 0-100. Used by the daemon's internal
// self-stats reporter (SPEC_FULL.md §12) to expose back-pressure
// before a slow consumer actually blocks Enqueue.
func (h *Hopper) FillPercent() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxBytes <= 0 {
		return 0
	}
	return float64(h.totalBytes) / float64(h.maxBytes) * 100
}

// Enqueue durably appends e, blocking while the channel's on-disk size
// is at or above MaxBytes. It never drops — the sole back-pressure
// policy is block-on-full (spec.md §4.1, §3 invariants).
func (h *Hopper) Enqueue(e *event.Event) error {
	payload, err := event.Encode(e)
	if err != nil {
		return err
	}
	recLen := int64(4 + len(payload))

	h.mu.Lock()
	for !h.closed && h.totalBytes+recLen > h.maxBytes {
		h.cond.Wait()
	}
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}

	if h.writeSize+recLen > h.segmentBytes && h.writeSize > 0 {
		if err := h.rollSegment(); err != nil {
			h.mu.Unlock()
			return err
		}
	}

	n, err := writeRecord(h.writeSeg, payload)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.writeSize += int64(n)
	h.totalBytes += int64(n)
	h.cond.Broadcast()
	h.mu.Unlock()
	return nil
}

// rollSegment closes the current segment and opens the next one. Must
// be called with h.mu held.
func (h *Hopper) rollSegment() error {
	if err := h.writeSeg.Close(); err != nil {
		return err
	}
	h.writeSegID++
	f, err := os.OpenFile(segmentPath(h.dir, h.writeSegID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	h.writeSeg = f
	h.writeSize = 0

	h.sweepLocked()
	return nil
}

// Close stops accepting new Enqueue calls and wakes any readers
// blocked waiting for data, so they can observe the channel closing.
func (h *Hopper) Close() error {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	err := h.writeSeg.Close()
	h.mu.Unlock()
	return err
}

// Sweep deletes segment files that every registered reader's
// committed cursor is entirely past. It is safe to call concurrently
// with Enqueue/Next/Commit.
func (h *Hopper) Sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked()
}

func (h *Hopper) sweepLocked() {
	if len(h.readers) == 0 {
		return // nothing has committed to anything yet; nothing is safe to delete
	}
	minSeg := int64(-1)
	for _, r := range h.readers {
		r.mu.Lock()
		seg := r.committed.segmentID
		r.mu.Unlock()
		if minSeg == -1 || seg < minSeg {
			minSeg = seg
		}
	}
	ids, err := listSegments(h.dir)
	if err != nil {
		return
	}
	removed := false
	for _, id := range ids {
		if id >= minSeg || id == h.writeSegID {
			continue
		}
		path := segmentPath(h.dir, id)
		fi, statErr := os.Stat(path)
		if err := os.Remove(path); err != nil {
			log.Printf("hopper(%s): sweep: remove segment %d: %v", h.Name, id, err)
			continue
		}
		if statErr == nil {
			h.totalBytes -= fi.Size()
		}
		removed = true
	}
	if removed {
		h.cond.Broadcast() // wake any Enqueue blocked on a full channel
	}
}
