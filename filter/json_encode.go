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

package filter

import (
	"encoding/json"
	"time"

	"github.com/cernan-project/cernan/event"
)

// JSONEncode rewrites a LogLine's Value to a JSON object merging, in
// order of precedence: the parsed line itself (if ParseLine is set
// and Value is a valid JSON object), the line's Fields, and metadata
// this filter derives (time, path, tags) — the first source to set a
// given key wins, later sources fill in whatever is left. Metrics
// pass through untouched.
//
// Grounded on the original implementation's
// filter/json_encode_filter.rs, which instead emits a brand new Raw
// byte-stream event so that downstream stages need not understand
// LogLine at all; this repo has no such byte-oriented event variant
// (event.Event is Telemetry/LogLine/TimerFlush only, spec.md §4), so
// the encoded JSON is carried as the LogLine's own Value — sinks and
// filters downstream already handle LogLine, and now simply see its
// Value as a JSON document instead of free text.
type JSONEncode struct {
	Noop
	ParseLine bool
}

func (j *JSONEncode) ProcessLog(p *Payload) {
	ls := p.Logs()
	if len(ls) == 0 {
		return
	}
	l := ls[0]

	metadata := map[string]interface{}{
		"time": time.Unix(l.TimestampS, 0).UTC().Format(time.RFC3339),
		"path": l.Path,
		"tags": tagsToMap(l.Tags),
	}

	value := map[string]interface{}{}
	parsed := false
	if j.ParseLine {
		var v interface{}
		if err := json.Unmarshal([]byte(l.Value), &v); err == nil {
			if obj, ok := v.(map[string]interface{}); ok {
				value = obj
				parsed = true
			}
		}
	}
	if !parsed {
		value["message"] = l.Value
	}

	merged := mergeInto(value, l.Fields)
	merged = mergeInto(merged, metadata)

	encoded, err := json.Marshal(merged)
	if err != nil {
		// json.Marshal only fails on unsupported types (channels,
		// funcs); merged is built entirely from strings and maps of
		// strings, so this path is unreachable in practice, but
		// leaving the line unscrubbed is safer than panicking.
		return
	}
	l.Value = string(encoded)
}

func tagsToMap(tags *event.Tags) map[string]interface{} {
	out := map[string]interface{}{}
	if tags == nil {
		return out
	}
	for _, k := range tags.Keys() {
		if v, ok := tags.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// mergeInto adds every key from src not already present in dst,
// mirroring the original's merge_objects: earlier sources win, later
// ones only fill gaps. Works against both map[string]string (Fields)
// and map[string]interface{} (metadata) sources.
func mergeInto(dst map[string]interface{}, src interface{}) map[string]interface{} {
	switch s := src.(type) {
	case map[string]string:
		for k, v := range s {
			if _, ok := dst[k]; !ok {
				dst[k] = v
			}
		}
	case map[string]interface{}:
		for k, v := range s {
			if _, ok := dst[k]; !ok {
				dst[k] = v
			}
		}
	}
	return dst
}
