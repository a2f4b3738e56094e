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
	"errors"
	"io"
	"log"
	"os"
	"sync"

	"github.com/cernan-project/cernan/event"
)

// Reader is one consumer's private cursor into a Hopper. Two readers
// never share a read position or an open file descriptor: each reads
// the same segment files independently and commits its own progress
// (spec.md §4.1 "multiple independent consumers").
type Reader struct {
	h    *Hopper
	name string

	mu        sync.Mutex
	pos       position // next record to be returned by Next
	committed position // last position persisted by Commit
	seg       *os.File // currently open segment for reading, or nil
	segID     int64
}

// Next blocks until a record is available at the reader's current
// position and returns its decoded Event, advancing the in-memory
// position. It does not persist progress — call Commit once the event
// has been durably handed off downstream (spec.md §4.1's ownership
// rule: "an item is not removed from a reader's responsibility until
// that reader commits it").
func (r *Reader) Next() (*event.Event, error) {
	for {
		r.mu.Lock()
		if r.seg == nil || r.segID != r.pos.segmentID {
			if err := r.openSegmentLocked(r.pos.segmentID); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					r.mu.Unlock()
					if r.restartFromEarliestSurvivor(err) {
						continue
					}
					return nil, err
				}
				r.mu.Unlock()
				return nil, err
			}
		}
		if _, err := r.seg.Seek(r.pos.offset, 0); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		payload, err := readRecord(r.seg)
		if err == nil {
			r.pos.offset += int64(4 + len(payload))
			r.mu.Unlock()
			return event.Decode(payload)
		}
		r.mu.Unlock()

		if err == errShortRecord {
			// A torn write at the tail of the current write segment:
			// wait for more bytes to be appended, same as a clean EOF.
			if r.waitForMore() {
				continue
			}
			return nil, ErrClosed
		}
		if err != io.EOF {
			return nil, err
		}
		// Clean EOF. If a later segment already exists, this one is
		// exhausted — advance past it. Otherwise park until signaled.
		next, ok := r.advanceSegmentIfAny()
		if ok {
			r.mu.Lock()
			r.pos = position{segmentID: next, offset: 0}
			r.mu.Unlock()
			continue
		}
		if r.waitForMore() {
			continue
		}
		return nil, ErrClosed
	}
}

// openSegmentLocked opens segment id for reading. Must be called with
// r.mu held.
func (r *Reader) openSegmentLocked(id int64) error {
	if r.seg != nil {
		r.seg.Close()
	}
	f, err := os.Open(segmentPath(r.h.dir, id))
	if err != nil {
		return err
	}
	r.seg = f
	r.segID = id
	return nil
}

// restartFromEarliestSurvivor handles a missing segment (operator
// deletion, spec.md §4.1's Failures): it re-lists the hopper's
// directory and, if any segment still exists, repositions the reader
// at the earliest surviving one and reports true so Next retries.
// Every event between the deleted segment and the survivor is lost to
// this reader — logged here since Next has no other path to surface
// it — but the reader itself keeps running rather than dying. It
// reports false only if the directory is now completely empty of
// segments, which Next treats the same as any other open error.
func (r *Reader) restartFromEarliestSurvivor(cause error) bool {
	ids, err := listSegments(r.h.dir)
	if err != nil || len(ids) == 0 {
		return false
	}
	earliest := ids[0] // listSegments returns ids sorted ascending
	log.Printf("hopper: reader %q: segment %d missing (%v), restarting from earliest surviving segment %d",
		r.name, r.pos.segmentID, cause, earliest)
	r.mu.Lock()
	r.pos = position{segmentID: earliest, offset: 0}
	r.mu.Unlock()
	return true
}

// advanceSegmentIfAny reports whether a segment after the reader's
// current one exists on disk.
func (r *Reader) advanceSegmentIfAny() (int64, bool) {
	ids, err := listSegments(r.h.dir)
	if err != nil {
		return 0, false
	}
	r.mu.Lock()
	cur := r.pos.segmentID
	r.mu.Unlock()
	for _, id := range ids {
		if id > cur {
			return id, true
		}
	}
	return 0, false
}

// waitForMore blocks on the hopper's condition variable until a
// writer appends or rolls a segment, or the channel is closed. It
// returns false once the channel is closed and there is nothing left
// for this reader.
func (r *Reader) waitForMore() bool {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	if r.h.closed {
		return r.hasUnreadLocked()
	}
	r.h.cond.Wait()
	return true
}

// hasUnreadLocked reports whether the write segment has bytes past
// the reader's current position. Must be called with h.mu held.
func (r *Reader) hasUnreadLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos.segmentID == r.h.writeSegID && r.pos.offset < r.h.writeSize
}

// Commit persists the reader's current in-memory position, making it
// durable: on restart the reader resumes from here, never earlier
// (spec.md §4.1's delivery guarantee — at-least-once, never
// at-most-once).
func (r *Reader) Commit() error {
	r.mu.Lock()
	p := r.pos
	r.mu.Unlock()

	if err := saveCursor(r.h.dir, r.name, p); err != nil {
		return err
	}

	r.mu.Lock()
	r.committed = p
	r.mu.Unlock()

	r.h.Sweep()
	return nil
}
