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

// Package event defines the single in-flight representation that
// flows between sources, filters and sinks: Event. Every node in the
// data plane topology speaks this type and nothing else.
package event

import (
	"fmt"
	"math"
)

// Kind is the closed set of metric aggregation kinds a Telemetry
// event can carry. See Buckets in the buckets package for how each
// Kind is aggregated within a bin and reset across bins.
type Kind int

const (
	Counter Kind = iota
	GaugeAbsolute
	GaugeDelta
	Timer
	Histogram
	Raw
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case GaugeAbsolute:
		return "gauge"
	case GaugeDelta:
		return "gauge+/-"
	case Timer:
		return "timer"
	case Histogram:
		return "histogram"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Tags is an ordered string->string mapping. Order is insertion
// order and is preserved across Merge, per the invariant that new
// keys are appended and existing keys keep their original position.
type Tags struct {
	keys   []string
	values map[string]string
}

// NewTags returns an empty, ready to use Tags.
func NewTags() *Tags {
	return &Tags{values: make(map[string]string)}
}

// Set inserts or updates a key. Existing keys keep their position;
// new keys are appended.
func (t *Tags) Set(key, value string) *Tags {
	if t.values == nil {
		t.values = make(map[string]string)
	}
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = value
	return t
}

// Get returns the value for key and whether it was present.
func (t *Tags) Get(key string) (string, bool) {
	if t.values == nil {
		return "", false
	}
	v, ok := t.values[key]
	return v, ok
}

// Len returns the number of tags.
func (t *Tags) Len() int {
	return len(t.keys)
}

// Keys returns the tag keys in insertion order. The caller must not
// mutate the returned slice.
func (t *Tags) Keys() []string {
	return t.keys
}

// Clone returns a deep copy, safe to hand to another goroutine.
func (t *Tags) Clone() *Tags {
	if t == nil {
		return NewTags()
	}
	c := &Tags{
		keys:   append([]string(nil), t.keys...),
		values: make(map[string]string, len(t.values)),
	}
	for k, v := range t.values {
		c.values[k] = v
	}
	return c
}

// Merge returns a new Tags with other's keys appended after t's,
// existing keys in t are overwritten in place (keeping t's ordering),
// new keys from other are appended in other's order. This is the
// "stable under merge" invariant from the data model.
func (t *Tags) Merge(other *Tags) *Tags {
	result := t.Clone()
	if other == nil {
		return result
	}
	for _, k := range other.keys {
		result.Set(k, other.values[k])
	}
	return result
}

// Equal reports set-equality of (key,value) pairs, ignoring order.
func (t *Tags) Equal(other *Tags) bool {
	if t.Len() != other.Len() {
		return false
	}
	for _, k := range t.keys {
		ov, ok := other.values[k]
		if !ok || ov != t.values[k] {
			return false
		}
	}
	return true
}

// Fingerprint returns a canonical string suitable for use as a map
// key, stable regardless of the order tags were inserted in (sorted),
// distinct from the ordered Keys() used for emission.
func (t *Tags) Fingerprint() string {
	sorted := append([]string(nil), t.keys...)
	sortStrings(sorted)
	s := ""
	for _, k := range sorted {
		s += k + "\x00" + t.values[k] + "\x01"
	}
	return s
}

func sortStrings(s []string) {
	// small, allocation-free insertion sort: tag counts per event are
	// tiny (single digits), not worth importing sort for.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Telemetry is a metric data point.
type Telemetry struct {
	Name       string
	Tags       *Tags
	Kind       Kind
	TimestampS int64
	Value      float64
	Persist    bool
	SampleRate float64 // statsd sample rate, 1.0 if not applicable
	Hops       int     // federation forwarding guard, see source/native.go
}

// LogLine is a line of log text with associated metadata.
type LogLine struct {
	Path       string
	Value      string
	TimestampS int64
	Tags       *Tags
	Fields     map[string]string
}

// TimerFlush is the synthetic pulse that closes bins. WindowID is the
// "now" the flush represents: buckets emit every bin whose
// [bin_start, bin_start+bin_width) interval has fully elapsed as of
// WindowID.
type TimerFlush struct {
	WindowID int64
}

// Variant identifies which of the three Event payloads is set.
type Variant int

const (
	VariantTelemetry Variant = iota
	VariantLogLine
	VariantTimerFlush
)

// Event is the sum type that flows through every channel. Exactly one
// of Telemetry/LogLine/Flush is non-nil, matching Variant.
type Event struct {
	Variant   Variant
	Telemetry *Telemetry
	LogLine   *LogLine
	Flush     *TimerFlush
}

func NewTelemetry(t *Telemetry) *Event {
	return &Event{Variant: VariantTelemetry, Telemetry: t}
}

func NewLogLine(l *LogLine) *Event {
	return &Event{Variant: VariantLogLine, LogLine: l}
}

func NewTimerFlush(windowID int64) *Event {
	return &Event{Variant: VariantTimerFlush, Flush: &TimerFlush{WindowID: windowID}}
}

func (e *Event) IsFlush() bool {
	return e.Variant == VariantTimerFlush
}

// IsFinalFlush reports whether this is the unconditional, end-of-time
// flush drain mode enqueues on every channel during shutdown (spec.md
// §5). A node that reads one knows no further events follow it on
// this channel and may wind down once it has processed it.
func (e *Event) IsFinalFlush() bool {
	return e.Variant == VariantTimerFlush && e.Flush.WindowID == math.MaxInt64
}

// Clone performs the immutable-clone-per-outbound-channel required by
// the fan-out invariant: each forward gets its own Event so that one
// consumer's in-place filter mutation cannot leak into another's.
func (e *Event) Clone() *Event {
	switch e.Variant {
	case VariantTelemetry:
		tCopy := *e.Telemetry
		tCopy.Tags = e.Telemetry.Tags.Clone()
		return &Event{Variant: VariantTelemetry, Telemetry: &tCopy}
	case VariantLogLine:
		lCopy := *e.LogLine
		lCopy.Tags = e.LogLine.Tags.Clone()
		if e.LogLine.Fields != nil {
			lCopy.Fields = make(map[string]string, len(e.LogLine.Fields))
			for k, v := range e.LogLine.Fields {
				lCopy.Fields[k] = v
			}
		}
		return &Event{Variant: VariantLogLine, LogLine: &lCopy}
	default:
		fCopy := *e.Flush
		return &Event{Variant: VariantTimerFlush, Flush: &fCopy}
	}
}
