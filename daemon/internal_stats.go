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

package daemon

import (
	"fmt"
	"time"

	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/hopper"
	"github.com/cernan-project/cernan/sink"
)

// internalStats periodically samples the running topology's own
// back-pressure and throughput and re-injects them as telemetry,
// mirroring source.Self's host/runtime reporting but for the pipeline
// itself: channel fill percent exposes back-pressure before a slow
// consumer actually blocks Enqueue, and sink flush count/duration
// exposes egress health. Grounded on the reference's
// receiver.reportStatCount/reportStatGauge, which fed the receiver's
// own queue depth and flush timing back in as metrics rather than
// leaving them as log lines only an operator tailing the log can see.
type internalStats struct {
	Node     string
	Interval time.Duration
	Forwards []*hopper.Hopper

	// Channels and Sinks are resolved lazily, at sample time, rather
	// than captured once at construction: buildNodes walks Config's
	// maps in Go's randomized iteration order, so the node wired to
	// this source may be built before every sink exists. By the time
	// the first tick fires, Init has long since returned and every
	// node is in place.
	Channels func() []*hopper.Hopper
	Sinks    func() []*sink.Sink

	stopCh chan struct{}
}

func (is *internalStats) Start() {
	if is.Interval <= 0 {
		is.Interval = 10 * time.Second
	}
	is.stopCh = make(chan struct{})
	go is.run()
}

func (is *internalStats) Stop() {
	if is.stopCh != nil {
		close(is.stopCh)
	}
}

func (is *internalStats) run() {
	ticker := time.NewTicker(is.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-is.stopCh:
			return
		case <-ticker.C:
			is.sample()
		}
	}
}

func (is *internalStats) sample() {
	now := time.Now().Unix()

	if is.Channels != nil {
		for _, h := range is.Channels() {
			is.emitGauge(fmt.Sprintf("cernan.channel.%s.fill_percent", h.Name), h.FillPercent(), now)
		}
	}
	if is.Sinks != nil {
		for _, sk := range is.Sinks() {
			flushes, avg := sk.Stats()
			is.emitGauge(fmt.Sprintf("cernan.sink.%s.flush_count", sk.Node), float64(flushes), now)
			is.emitGauge(fmt.Sprintf("cernan.sink.%s.flush_duration_ms", sk.Node), float64(avg.Milliseconds()), now)
		}
	}
}

func (is *internalStats) emitGauge(name string, value float64, ts int64) {
	t := &event.Telemetry{
		Name:       name,
		Tags:       event.NewTags(),
		Kind:       event.GaugeAbsolute,
		TimestampS: ts,
		Value:      value,
		SampleRate: 1,
	}
	for _, fwd := range is.Forwards {
		fwd.Enqueue(event.NewTelemetry(t))
	}
}
