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

import (
	goruntime "runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/graceful"
)

// Self periodically emits process/host telemetry about cernan
// itself: Go runtime memory stats plus host CPU/memory percentages.
// Grounded on tgres's receiver.reportRuntime, generalized from
// process-memory-only to gopsutil/v3's broader host metrics so the
// self-monitoring telemetry earns its place as its own source node
// rather than a side effect buried in the receiver.
type Self struct {
	Node     string
	Interval time.Duration
	Forwards []pusher

	stopCh chan struct{}
}

func (s *Self) Start() {
	if s.Interval <= 0 {
		s.Interval = 5 * time.Second
	}
	s.stopCh = make(chan struct{})
	go s.run()
}

func (s *Self) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
	}
}

func (s *Self) run() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Self) sample() {
	now := time.Now().Unix()

	var memStats goruntime.MemStats
	goruntime.ReadMemStats(&memStats)
	s.emitGauge("cernan.runtime.mem.alloc", float64(memStats.Alloc), now)
	s.emitGauge("cernan.runtime.goroutines", float64(goruntime.NumGoroutine()), now)

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.emitGauge("cernan.host.cpu.percent", percents[0], now)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.emitGauge("cernan.host.mem.used_percent", vm.UsedPercent, now)
	}
	s.emitGauge("cernan.net.tcp_connections", float64(graceful.OpenConnections()), now)
}

func (s *Self) emitGauge(name string, value float64, ts int64) {
	t := &event.Telemetry{
		Name:       name,
		Tags:       event.NewTags(),
		Kind:       event.GaugeAbsolute,
		TimestampS: ts,
		Value:      value,
		SampleRate: 1,
	}
	for _, fwd := range s.Forwards {
		fwd.Enqueue(event.NewTelemetry(t))
	}
}
