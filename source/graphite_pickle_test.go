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

import "testing"

func Test_DecodePickleBatch_RejectsGarbage(t *testing.T) {
	if _, err := decodePickleBatch([]byte("not a pickle")); err == nil {
		t.Errorf("expected an error for non-pickle input")
	}
}

func Test_DecodePickleBatch_EmptyListYieldsNoPoints(t *testing.T) {
	// Pickle protocol 0 for an empty list: '(' MARK, 'l' LIST, '.' STOP.
	empty := []byte("(l.")
	points, err := decodePickleBatch(empty)
	if err != nil {
		t.Fatalf("decodePickleBatch: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("got %d points, want 0", len(points))
	}
}
