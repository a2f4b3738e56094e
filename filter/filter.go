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

// Package filter implements the scriptable transform stage between a
// source and a sink (spec.md §4.4): a node with tick/process_metric/
// process_log behavior, operating on a Payload of metrics and logs
// accumulated from one inbound Event.
package filter

import (
	"log"

	"github.com/cernan-project/cernan/event"
)

// Filter is the adapter contract every filter implementation
// satisfies. Tick is invoked once per TimerFlush, before the flush is
// forwarded; ProcessMetric/ProcessLog are invoked once per inbound
// Telemetry/LogLine, with a Payload containing exactly that one item.
type Filter interface {
	Tick(p *Payload)
	ProcessMetric(p *Payload)
	ProcessLog(p *Payload)
}

// Payload is the mutable view a Filter's callbacks operate on. Index
// 1 is the first metric/log; negative indices count from the end, as
// in "metric at index -1" meaning the last one. A callback may append
// new metrics/logs, which are enqueued downstream alongside whatever
// survives from the original payload.
type Payload struct {
	metrics []*event.Telemetry
	logs    []*event.LogLine
}

func newMetricPayload(t *event.Telemetry) *Payload {
	return &Payload{metrics: []*event.Telemetry{t}}
}

func newLogPayload(l *event.LogLine) *Payload {
	return &Payload{logs: []*event.LogLine{l}}
}

func (p *Payload) resolveMetricIndex(i int) int {
	if i < 0 {
		i = len(p.metrics) + i + 1
	}
	return i - 1
}

func (p *Payload) resolveLogIndex(i int) int {
	if i < 0 {
		i = len(p.logs) + i + 1
	}
	return i - 1
}

// MetricName returns the name of the metric at index i (1-based,
// negative counts from the end), or "" if out of range.
func (p *Payload) MetricName(i int) string {
	idx := p.resolveMetricIndex(i)
	if idx < 0 || idx >= len(p.metrics) {
		return ""
	}
	return p.metrics[idx].Name
}

// SetMetricName renames the metric at index i, if it exists.
func (p *Payload) SetMetricName(i int, name string) {
	idx := p.resolveMetricIndex(i)
	if idx < 0 || idx >= len(p.metrics) {
		return
	}
	p.metrics[idx].Name = name
}

// Tags returns the tags of the metric at index i, or an empty Tags if
// out of range.
func (p *Payload) Tags(i int) *event.Tags {
	idx := p.resolveMetricIndex(i)
	if idx < 0 || idx >= len(p.metrics) {
		return event.NewTags()
	}
	return p.metrics[idx].Tags
}

// SetTags replaces the tags of the metric at index i, if it exists.
func (p *Payload) SetTags(i int, tags *event.Tags) {
	idx := p.resolveMetricIndex(i)
	if idx < 0 || idx >= len(p.metrics) {
		return
	}
	p.metrics[idx].Tags = tags
}

// AppendMetric adds a new metric to the payload, to be enqueued
// downstream alongside whatever else remains after the callback
// returns.
func (p *Payload) AppendMetric(t *event.Telemetry) {
	p.metrics = append(p.metrics, t)
}

// AppendLog adds a new log line to the payload.
func (p *Payload) AppendLog(l *event.LogLine) {
	p.logs = append(p.logs, l)
}

// DropMetric removes the metric at index i from the payload so it is
// not forwarded downstream.
func (p *Payload) DropMetric(i int) {
	idx := p.resolveMetricIndex(i)
	if idx < 0 || idx >= len(p.metrics) {
		return
	}
	p.metrics = append(p.metrics[:idx], p.metrics[idx+1:]...)
}

// DropLog removes the log line at index i from the payload so it is
// not forwarded downstream.
func (p *Payload) DropLog(i int) {
	idx := p.resolveLogIndex(i)
	if idx < 0 || idx >= len(p.logs) {
		return
	}
	p.logs = append(p.logs[:idx], p.logs[idx+1:]...)
}

// Metrics returns every surviving metric in the payload.
func (p *Payload) Metrics() []*event.Telemetry { return p.metrics }

// Logs returns every surviving log line in the payload.
func (p *Payload) Logs() []*event.LogLine { return p.logs }

// Apply runs f against e and returns the Events to enqueue downstream:
// for Telemetry/LogLine, whatever remains of the payload after the
// callback (possibly expanded, possibly emptied); for TimerFlush,
// whatever Tick appended to its payload (e.g. FlushBoundary
// releasing events it held across prior flushes), followed by the
// flush itself, unconditionally. A callback that panics is treated as
// a processing failure: it is logged and the payload is discarded,
// but a flush is still forwarded (spec.md §4.4).
func Apply(f Filter, e *event.Event) (out []*event.Event) {
	switch e.Variant {
	case event.VariantTelemetry:
		p := newMetricPayload(e.Telemetry)
		if !safeCall(func() { f.ProcessMetric(p) }) {
			return nil
		}
		for _, m := range p.metrics {
			out = append(out, event.NewTelemetry(m))
		}
		for _, l := range p.logs {
			out = append(out, event.NewLogLine(l))
		}
		return out

	case event.VariantLogLine:
		p := newLogPayload(e.LogLine)
		if !safeCall(func() { f.ProcessLog(p) }) {
			return nil
		}
		for _, m := range p.metrics {
			out = append(out, event.NewTelemetry(m))
		}
		for _, l := range p.logs {
			out = append(out, event.NewLogLine(l))
		}
		return out

	case event.VariantTimerFlush:
		p := &Payload{}
		safeCall(func() { f.Tick(p) })
		for _, m := range p.metrics {
			out = append(out, event.NewTelemetry(m))
		}
		for _, l := range p.logs {
			out = append(out, event.NewLogLine(l))
		}
		return append(out, e)
	}
	return nil
}

func safeCall(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("filter: callback panicked, discarding payload: %v", r)
			ok = false
		}
	}()
	fn()
	return true
}
