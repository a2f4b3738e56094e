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
	"sync/atomic"
	"time"
)

// Delay drops any metric or log whose timestamp is Tolerance or more
// away from wall-clock now, in either direction: too far in
// the past (a clock-skewed or replayed source) or too far in the
// future (a clock running fast). Flushes always pass through
// unconditionally. Grounded on the original implementation's
// filter/delay_filter.rs, with its four package-level AtomicUsize
// counters replaced by per-instance atomic fields — there is normally
// exactly one Delay filter per topology node, so there is nothing to
// gain from making the counters process-global the way the original
// does.
type Delay struct {
	Noop
	Tolerance time.Duration

	// Now is overridden in tests; nil uses time.Now.
	Now func() time.Time

	rejectedMetrics int64
	acceptedMetrics int64
	rejectedLogs    int64
	acceptedLogs    int64
}

func (d *Delay) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Delay) outOfTolerance(timestampS int64) bool {
	delta := d.now().Unix() - timestampS
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Second >= d.Tolerance
}

func (d *Delay) ProcessMetric(p *Payload) {
	ts := int64(0)
	if m := p.Metrics(); len(m) > 0 {
		ts = m[0].TimestampS
	}
	if d.outOfTolerance(ts) {
		atomic.AddInt64(&d.rejectedMetrics, 1)
		p.DropMetric(1)
		return
	}
	atomic.AddInt64(&d.acceptedMetrics, 1)
}

func (d *Delay) ProcessLog(p *Payload) {
	ts := int64(0)
	if l := p.Logs(); len(l) > 0 {
		ts = l[0].TimestampS
	}
	if d.outOfTolerance(ts) {
		atomic.AddInt64(&d.rejectedLogs, 1)
		p.DropLog(1)
		return
	}
	atomic.AddInt64(&d.acceptedLogs, 1)
}

// RejectedMetrics reports how many metrics this filter has dropped
// for falling outside its tolerance window.
func (d *Delay) RejectedMetrics() int64 { return atomic.LoadInt64(&d.rejectedMetrics) }

// AcceptedMetrics reports how many metrics this filter has passed through.
func (d *Delay) AcceptedMetrics() int64 { return atomic.LoadInt64(&d.acceptedMetrics) }

// RejectedLogs reports how many log lines this filter has dropped
// for falling outside its tolerance window.
func (d *Delay) RejectedLogs() int64 { return atomic.LoadInt64(&d.rejectedLogs) }

// AcceptedLogs reports how many log lines this filter has passed through.
func (d *Delay) AcceptedLogs() int64 { return atomic.LoadInt64(&d.acceptedLogs) }
