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

package topology

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cernan-project/cernan/event"
)

// Pulser emits TimerFlush(now_s) into every channel in the graph
// every flushInterval, the single scheduler thread described in
// spec.md §4.3. A rate.Limiter caps how fast it can catch up after a
// stall, mirroring the reference dsFlusher's flushLimiter
// (receiver/flusher.go) rather than letting a slow resume burst every
// channel at once.
type Pulser struct {
	g        *Graph
	interval time.Duration
	limiter  *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPulser constructs a pulser over every channel currently open in
// g. interval <= 0 falls back to spec.md's 60s default.
func NewPulser(g *Graph, interval time.Duration) *Pulser {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Pulser{
		g:        g,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(4), 4),
	}
}

// Start launches the pulser loop in the background.
func (p *Pulser) Start() {
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.run()
}

func (p *Pulser) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.pulse(now.Unix())
		}
	}
}

func (p *Pulser) pulse(windowID int64) {
	flush := event.NewTimerFlush(windowID)
	for from, forwards := range p.g.channels {
		for to, h := range forwards {
			if err := p.limiter.Wait(context.Background()); err != nil {
				log.Printf("topology: pulser: rate limiter: %v", err)
			}
			if err := h.Enqueue(flush.Clone()); err != nil {
				log.Printf("topology: pulser: enqueue flush %s->%s: %v", from, to, err)
			}
		}
	}
}

// Stop halts the pulser and waits for its goroutine to exit.
func (p *Pulser) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}
