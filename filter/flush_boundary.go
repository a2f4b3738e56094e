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
	"sort"

	"github.com/cernan-project/cernan/event"
)

// FlushBoundary holds metrics and logs at their original timestamp
// for Tolerance flushes before releasing them, reducing the chance
// that a burst arriving close to a flush boundary gets split across
// two bins. Grounded on the original implementation's
// filter/flush_boundary_filter.rs: events with the same timestamp
// share a hold, a hold's age increments once per Tick, and it is
// released once its age exceeds Tolerance.
type FlushBoundary struct {
	Tolerance int

	holds []*boundaryHold
}

type boundaryHold struct {
	timestampS int64
	age        int
	metrics    []*event.Telemetry
	logs       []*event.LogLine
}

func (f *FlushBoundary) holdFor(timestampS int64) *boundaryHold {
	for _, h := range f.holds {
		if h.timestampS == timestampS {
			return h
		}
	}
	h := &boundaryHold{timestampS: timestampS}
	f.holds = append(f.holds, h)
	sort.Slice(f.holds, func(i, j int) bool { return f.holds[i].timestampS < f.holds[j].timestampS })
	return h
}

func (f *FlushBoundary) ProcessMetric(p *Payload) {
	ms := p.Metrics()
	if len(ms) == 0 {
		return
	}
	h := f.holdFor(ms[0].TimestampS)
	h.metrics = append(h.metrics, ms[0])
	p.DropMetric(1)
}

func (f *FlushBoundary) ProcessLog(p *Payload) {
	ls := p.Logs()
	if len(ls) == 0 {
		return
	}
	h := f.holdFor(ls[0].TimestampS)
	h.logs = append(h.logs, ls[0])
	p.DropLog(1)
}

func (f *FlushBoundary) Tick(p *Payload) {
	kept := f.holds[:0]
	for _, h := range f.holds {
		h.age++
		if h.age > f.Tolerance {
			for _, m := range h.metrics {
				p.AppendMetric(m)
			}
			for _, l := range h.logs {
				p.AppendLog(l)
			}
			continue
		}
		kept = append(kept, h)
	}
	f.holds = kept
}
