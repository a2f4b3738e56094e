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

package hopper

import (
	"log"
	"sync"
	"time"
)

// wrkCtl/wController mirror the start/stop bookkeeping used throughout
// this codebase's background workers: onEnter/onExit track the
// worker's presence in a WaitGroup, onStarted releases the caller of
// Start once the worker's first iteration is underway.
type wrkCtl struct {
	wg, startWg *sync.WaitGroup
	id          string
}

func (w *wrkCtl) ident() string { return w.id }
func (w *wrkCtl) onEnter()      { w.wg.Add(1) }
func (w *wrkCtl) onExit()       { w.wg.Done() }
func (w *wrkCtl) onStarted()    { w.startWg.Done() }

// Sweeper periodically reclaims segments that every reader has moved
// past, so that a channel with slow-but-not-stalled consumers doesn't
// rely solely on the lazy sweep that happens inline on segment roll
// (spec.md §4.1's "segments are garbage collected once every
// registered reader has committed past their end").
type Sweeper struct {
	h        *Hopper
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper constructs a background sweeper for h. It does nothing
// until Start is called.
func NewSweeper(h *Hopper, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{h: h, interval: interval}
}

// Start launches the sweeper loop and returns once it has run at
// least once.
func (s *Sweeper) Start() {
	s.stopCh = make(chan struct{})
	var startWg sync.WaitGroup
	startWg.Add(1)
	s.wg.Add(1)
	go s.run(&wrkCtl{wg: &s.wg, startWg: &startWg, id: "hopper-sweeper:" + s.h.Name}, &startWg)
	startWg.Wait()
}

func (s *Sweeper) run(ctl *wrkCtl, startWg *sync.WaitGroup) {
	defer ctl.onExit()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.h.Sweep()
	ctl.onStarted()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.h.Sweep()
		}
	}
}

// Stop halts the sweeper and waits for its goroutine to exit.
func (s *Sweeper) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("hopper(%s): sweeper stopped", s.h.Name)
}
