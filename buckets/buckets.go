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

// Package buckets is the aggregation engine: it bins Telemetry events
// by (name, tags, kind, bin_start_s) and, on flush, emits one
// aggregate Telemetry per bin per key in ascending bin order (spec.md
// §4.2).
package buckets

import (
	"math"
	"sync"

	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/intern"
)

// Emission is one aggregated data point produced by Flush.
type Emission struct {
	Name      string
	Tags      *event.Tags
	Kind      event.Kind
	BinStartS int64
	Value     float64
	Sketch    *Sketch // set only for Timer/Histogram
	Synthetic bool    // true if this is a sustained-gauge emission with no new data in this bin
}

type entryKey struct {
	name string
	kind event.Kind
	fp   uint64 // intern.Store(tags.Fingerprint()), not the fingerprint itself
}

type entry struct {
	name   string
	tags   *event.Tags
	kind   event.Kind
	value  float64
	sketch *Sketch
}

type bin struct {
	order   []entryKey
	entries map[entryKey]*entry
}

func newBin() *bin {
	return &bin{entries: make(map[entryKey]*entry)}
}

// gaugeState is the persistent overlay for absolute gauges: the last
// observed value survives flushes until replaced or expired by
// gauge-TTL (spec.md §3, §4.2 step 3).
type gaugeState struct {
	name        string
	tags        *event.Tags
	value       float64
	lastUpdateS int64
}

// Buckets accumulates Events for a single sink (or filter stage) and
// produces ordered emissions on each TimerFlush.
type Buckets struct {
	binWidth int64
	epsilon  float64
	gaugeTTL int64 // seconds; 0 means gauges never expire (spec.md default)

	mu sync.Mutex

	bins map[int64]*bin

	// nextBin is the earliest bin_start not yet handed to Flush.
	// Tracking it separately from the live bins map lets a quiet bin
	// with zero ingested events still be visited, so an absolute
	// gauge's overlay can sustain across it (spec.md §4.2 step 3).
	nextBin     int64
	haveNextBin bool

	absoluteGauges map[entryKey]*gaugeState
	deltaCarry     map[entryKey]float64
}

// New returns an empty Buckets. binWidth must be >= 1 second.
// gaugeTTLSeconds <= 0 means gauges persist forever, per spec.md's
// stated default.
func New(binWidth int64, epsilon float64, gaugeTTLSeconds int64) *Buckets {
	if binWidth < 1 {
		binWidth = 1
	}
	return &Buckets{
		binWidth:       binWidth,
		epsilon:        epsilon,
		gaugeTTL:       gaugeTTLSeconds,
		bins:           make(map[int64]*bin),
		absoluteGauges: make(map[entryKey]*gaugeState),
		deltaCarry:     make(map[entryKey]float64),
	}
}

func binStart(ts, width int64) int64 {
	if width <= 0 {
		width = 1
	}
	q := ts / width
	if ts%width != 0 && ts < 0 {
		q--
	}
	return q * width
}

// keyFor interns the tag fingerprint rather than storing it inline:
// the same series (name+tags combination) is looked up on every
// single Ingest call for as long as it keeps reporting, so collapsing
// its fingerprint to a uint64 once and comparing/hashing that instead
// of the raw string pays for itself immediately on any long-running
// series. Grounded on the original's metric::TagMap, which interns
// tag keys/values the same way for the same reason (src/cache/string.rs).
func keyFor(name string, kind event.Kind, tags *event.Tags) entryKey {
	return entryKey{name: name, kind: kind, fp: intern.Store(tags.Fingerprint())}
}

// Ingest folds one Telemetry event into the bin its timestamp belongs
// to, per the aggregation rules in spec.md §3.
func (b *Buckets) Ingest(t *event.Telemetry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bs := binStart(t.TimestampS, b.binWidth)
	bn, ok := b.bins[bs]
	if !ok {
		bn = newBin()
		b.bins[bs] = bn
	}
	if !b.haveNextBin {
		b.nextBin = bs
		b.haveNextBin = true
	} else if bs < b.nextBin {
		b.nextBin = bs
	}

	k := keyFor(t.Name, t.Kind, t.Tags)
	e, ok := bn.entries[k]
	if !ok {
		e = &entry{name: t.Name, tags: t.Tags.Clone(), kind: t.Kind}
		bn.entries[k] = e
		bn.order = append(bn.order, k)
	}

	switch t.Kind {
	case event.Counter:
		rate := t.SampleRate
		if rate <= 0 {
			rate = 1
		}
		e.value += t.Value / rate

	case event.GaugeAbsolute:
		e.value = t.Value
		gs, ok := b.absoluteGauges[k]
		if !ok {
			gs = &gaugeState{name: t.Name, tags: t.Tags.Clone()}
			b.absoluteGauges[k] = gs
		}
		gs.value = t.Value
		gs.lastUpdateS = t.TimestampS

	case event.GaugeDelta:
		prior := b.deltaCarry[k]
		e.value = prior + t.Value
		b.deltaCarry[k] = e.value

	case event.Timer, event.Histogram:
		if e.sketch == nil {
			e.sketch = NewSketch(b.epsilon)
		}
		e.sketch.Insert(t.Value)

	case event.Raw:
		e.value = t.Value
	}
}

// Flush determines every bin whose interval has fully elapsed as of
// windowID (bin_start + bin_width <= windowID), removes them from the
// live set, and returns their emissions in ascending bin_start order,
// ties broken by key insertion order within the bin. Absolute gauges
// that did not receive a point in an emitted bin are re-emitted at
// their overlay value (spec.md §4.2 steps 1-3).
func (b *Buckets) Flush(windowID int64) []Emission {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.haveNextBin {
		return nil
	}

	if windowID == math.MaxInt64 {
		// The drain-mode final flush closes every bin still holding
		// data and stops after the last of them.
		windowID = b.nextBin
		for bs := range b.bins {
			if bs+b.binWidth > windowID {
				windowID = bs + b.binWidth
			}
		}
	}

	var out []Emission
	for b.nextBin+b.binWidth <= windowID {
		bs := b.nextBin
		b.nextBin += b.binWidth

		emittedGauge := make(map[entryKey]bool)
		if bn, ok := b.bins[bs]; ok {
			delete(b.bins, bs)
			for _, k := range bn.order {
				e := bn.entries[k]
				em := Emission{Name: e.name, Tags: e.tags, Kind: e.kind, BinStartS: bs}
				switch e.kind {
				case event.Timer, event.Histogram:
					em.Sketch = e.sketch
				default:
					em.Value = e.value
				}
				out = append(out, em)
				if e.kind == event.GaugeAbsolute {
					emittedGauge[k] = true
				}
			}
		}

		for k, gs := range b.absoluteGauges {
			if emittedGauge[k] || gs.lastUpdateS > bs {
				continue
			}
			if b.gaugeTTL > 0 && bs-gs.lastUpdateS > b.gaugeTTL {
				delete(b.absoluteGauges, k)
				continue
			}
			out = append(out, Emission{
				Name: gs.name, Tags: gs.tags, Kind: event.GaugeAbsolute,
				BinStartS: bs, Value: gs.value, Synthetic: true,
			})
		}
	}
	return out
}

// Reset discards all in-flight bins and overlays without emitting
// them.
func (b *Buckets) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bins = make(map[int64]*bin)
	b.haveNextBin = false
	b.nextBin = 0
	b.absoluteGauges = make(map[entryKey]*gaugeState)
	b.deltaCarry = make(map[entryKey]float64)
}

// ActiveBins reports how many distinct bin_start values currently hold
// unflushed data, for the memory-bound accounting in spec.md §4.2.
func (b *Buckets) ActiveBins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bins)
}
