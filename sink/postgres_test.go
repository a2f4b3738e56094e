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
	"testing"

	"github.com/cernan-project/cernan/event"
)

func Test_TagsFingerprint_StableRegardlessOfInsertionOrder(t *testing.T) {
	a := event.NewTags().Set("b", "2").Set("a", "1")
	b := event.NewTags().Set("a", "1").Set("b", "2")

	if tagsFingerprint(a) != tagsFingerprint(b) {
		t.Errorf("fingerprints differ: %q vs %q", tagsFingerprint(a), tagsFingerprint(b))
	}
}

func Test_TagsFingerprint_EmptyOrNilIsEmptyString(t *testing.T) {
	if tagsFingerprint(nil) != "" {
		t.Errorf("nil tags fingerprint = %q, want empty", tagsFingerprint(nil))
	}
	if tagsFingerprint(event.NewTags()) != "" {
		t.Errorf("empty tags fingerprint = %q, want empty", tagsFingerprint(event.NewTags()))
	}
}
