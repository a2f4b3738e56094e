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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentExt = ".log"

// segmentPath returns the path of segment id within dir, e.g.
// dir/00000001.log.
func segmentPath(dir string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", id, segmentExt))
}

// listSegments returns the sorted segment ids present in dir.
func listSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int64
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), segmentExt) {
			continue
		}
		base := strings.TrimSuffix(ent.Name(), segmentExt)
		id, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			continue // not one of ours, ignore
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// writeRecord appends a length-prefixed record to w and returns the
// number of bytes written.
func writeRecord(w io.Writer, payload []byte) (int, error) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	n1, err := w.Write(lenBuf[:])
	if err != nil {
		return n1, err
	}
	n2, err := w.Write(payload)
	return n1 + n2, err
}

// readRecord reads one length-prefixed record from r at the current
// offset. It returns io.EOF if there is no more data, and
// errShortRecord if a length header was read but fewer than that many
// payload bytes are available (a record truncated by a process crash
// mid-write, per spec §4.1's failure handling: the reader stops at
// the first short or malformed record).
func readRecord(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errShortRecord
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errShortRecord
	}
	return payload, nil
}

var errShortRecord = fmt.Errorf("hopper: short or malformed record at segment tail")
