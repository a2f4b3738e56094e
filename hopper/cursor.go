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
	"fmt"
	"os"
	"path/filepath"
)

const cursorsDir = "cursors"

// position is a reader's place in the channel: the segment it is in
// and the byte offset within that segment.
type position struct {
	segmentID int64
	offset    int64
}

func cursorPath(dir, readerName string) string {
	return filepath.Join(dir, cursorsDir, readerName)
}

// loadCursor reads a reader's persisted position. A reader with no
// cursor file yet starts at the earliest surviving segment, offset 0.
func loadCursor(dir, readerName string, earliestSegment int64) (position, error) {
	f, err := os.Open(cursorPath(dir, readerName))
	if err != nil {
		if os.IsNotExist(err) {
			return position{segmentID: earliestSegment}, nil
		}
		return position{}, err
	}
	defer f.Close()

	var p position
	if _, err := fmt.Fscanf(f, "%d %d", &p.segmentID, &p.offset); err != nil {
		// A corrupt cursor file is treated the same as a missing one:
		// resume from the earliest surviving segment rather than fail
		// the whole channel, since a reader restart must always make
		// forward progress (at-least-once, never stuck).
		return position{segmentID: earliestSegment}, nil
	}
	return p, nil
}

// saveCursor persists a reader's committed position. Writes go
// through a temp file + rename so a crash mid-write never leaves a
// cursor file that parses to a position ahead of where the reader
// actually committed (which would silently drop undelivered events).
func saveCursor(dir, readerName string, p position) error {
	cdir := filepath.Join(dir, cursorsDir)
	if err := os.MkdirAll(cdir, 0755); err != nil {
		return err
	}
	tmp := cursorPath(dir, readerName) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d %d", p.segmentID, p.offset); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, cursorPath(dir, readerName))
}
