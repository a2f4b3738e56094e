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

// Package sink implements the consumer side of the data plane
// (spec.md §4.5): one reader per sink, a private Buckets instance,
// and an egress client. The main loop never runs concurrently with
// itself, so a sink's Buckets never needs locking against its own
// ingest/flush calls — only hopper.Reader/Hopper guard the shared
// on-disk channel.
package sink

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
)

// Egress is the adapter contract a sink's transport implements:
// durably hand off a batch of bucket emissions (Send) or, for raw
// passthrough sinks that bypass aggregation, a batch of log lines
// (SendLogs). Name identifies the egress in logs.
type Egress interface {
	Name() string
	Send(emissions []buckets.Emission) error
	SendLogs(logs []*event.LogLine) error
}

// Reader is the subset of hopper.Reader a sink drives.
type Reader interface {
	Next() (*event.Event, error)
	Commit() error
}

// Sink drains one channel, aggregates data events into Buckets,
// and hands emissions to Egress on every flush. Spec.md §4.5's retry
// rule: on egress failure the cursor is not committed and the sink
// retries with capped exponential backoff; the channel backs up as
// designed since nothing else is waiting on this reader's progress.
type Sink struct {
	Node    string
	Reader  Reader
	Buckets *buckets.Buckets
	Egress  Egress

	RetryBase time.Duration
	RetryMax  time.Duration
	// MaxRetries <= 0 means retry forever (spec.md's at-least-once
	// default); a positive value drops the batch after that many
	// failed attempts rather than stalling the channel forever.
	MaxRetries int

	egressLimiter *rate.Limiter

	// Mu serializes Buckets and Egress access when more than one
	// Sink shares both, e.g. a config with several forwards into the
	// same sink name: topology gives each inbound edge its own
	// channel and reader, but spec.md's "each sink's buckets are
	// private" invariant means those readers must fold into one
	// Buckets rather than each keeping their own. The daemon package
	// wires this up; a standalone Sink driving its one Reader leaves
	// it nil and pays no locking cost.
	Mu *sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}

	pendingLogs []*event.LogLine

	// flushCount/flushNanos accumulate successful-egress counts and
	// durations for the daemon's internal self-stats reporter
	// (SPEC_FULL.md §12); atomic because that reporter samples them
	// from a different goroutine than Run's.
	flushCount uint64
	flushNanos int64
}

// Stats returns the cumulative number of successful egress calls and
// their mean duration, for the daemon's internal self-stats reporter.
func (s *Sink) Stats() (flushes uint64, avgDuration time.Duration) {
	flushes = atomic.LoadUint64(&s.flushCount)
	if flushes == 0 {
		return 0, 0
	}
	total := atomic.LoadInt64(&s.flushNanos)
	return flushes, time.Duration(total / int64(flushes))
}

func (s *Sink) lock() {
	if s.Mu != nil {
		s.Mu.Lock()
	}
}

func (s *Sink) unlock() {
	if s.Mu != nil {
		s.Mu.Unlock()
	}
}

// NewSink constructs a Sink with spec.md §7.4's default backoff
// (100ms base, doubling, capped at 30s) and a rate limiter bounding
// how often a persistently-failing egress is retried, mirroring the
// reference's dsFlusher.flushLimiter.
func NewSink(node string, r Reader, b *buckets.Buckets, e Egress) *Sink {
	return &Sink{
		Node:          node,
		Reader:        r,
		Buckets:       b,
		Egress:        e,
		RetryBase:     100 * time.Millisecond,
		RetryMax:      30 * time.Second,
		egressLimiter: rate.NewLimiter(rate.Limit(10), 10),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Run drives the main loop until Stop forces an early exit (an
// in-progress retry backoff is interrupted) or the channel is closed
// and fully drained, or the drain-mode final flush (spec.md §5) has
// been processed. Exit is driven by the event stream itself, never by
// racing Stop's signal against the reader: the final flush is already
// durably enqueued by the time anything calls Stop, so the only
// correct place to stop is right after handling it.
func (s *Sink) Run() {
	defer close(s.doneCh)
	for {
		// A missing segment (operator deletion, spec.md §4.1's
		// Failures) is not fatal here: Reader.Next already restarts
		// itself from the earliest surviving segment and keeps
		// blocking for more data. Next only ever returns an error
		// once nothing is left to read from at all — the channel was
		// closed and fully drained, or every segment on disk is gone
		// — which is genuinely terminal for this sink's loop.
		e, err := s.Reader.Next()
		if err != nil {
			log.Printf("sink[%s]: reader closed: %v", s.Node, err)
			return
		}

		switch e.Variant {
		case event.VariantTelemetry:
			// The cursor is deliberately NOT committed here: the bin
			// this point lands in lives only in the in-memory Buckets
			// until a flush durably hands it to Egress. Committing
			// early would let a crash between ingest and flush lose
			// the point while still marking it as consumed.
			s.lock()
			s.Buckets.Ingest(e.Telemetry)
			s.unlock()
		case event.VariantLogLine:
			s.pendingLogs = append(s.pendingLogs, e.LogLine)
			if !s.flushLogsWithRetry() {
				return
			}
		case event.VariantTimerFlush:
			s.lock()
			emissions := s.Buckets.Flush(e.Flush.WindowID)
			s.unlock()
			if !s.sendWithRetry(emissions) {
				return
			}
			if e.IsFinalFlush() {
				return
			}
		}
	}
}

// Stop interrupts an in-progress retry backoff, which makes Run
// return, and then waits for Run to return. It does not interrupt a
// Run blocked in Reader.Next.
func (s *Sink) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sink) sendWithRetry(emissions []buckets.Emission) bool {
	if len(emissions) == 0 {
		if err := s.Reader.Commit(); err != nil {
			log.Printf("sink[%s]: commit: %v", s.Node, err)
		}
		return true
	}
	attempt := 0
	backoff := s.RetryBase
	for {
		s.egressLimiter.Wait(context.Background())
		start := time.Now()
		s.lock()
		err := s.Egress.Send(emissions)
		s.unlock()
		if err == nil {
			atomic.AddUint64(&s.flushCount, 1)
			atomic.AddInt64(&s.flushNanos, int64(time.Since(start)))
			if err := s.Reader.Commit(); err != nil {
				log.Printf("sink[%s]: commit: %v", s.Node, err)
			}
			return true
		} else {
			attempt++
			log.Printf("sink[%s]: egress %s failed (attempt %d): %v", s.Node, s.Egress.Name(), attempt, err)
			if s.MaxRetries > 0 && attempt >= s.MaxRetries {
				log.Printf("sink[%s]: dropping batch of %d emissions after %d retries", s.Node, len(emissions), attempt)
				if err := s.Reader.Commit(); err != nil {
					log.Printf("sink[%s]: commit: %v", s.Node, err)
				}
				return true
			}
			select {
			case <-s.stopCh:
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.RetryMax {
				backoff = s.RetryMax
			}
		}
	}
}

func (s *Sink) flushLogsWithRetry() bool {
	logs := s.pendingLogs
	attempt := 0
	backoff := s.RetryBase
	for {
		s.egressLimiter.Wait(context.Background())
		start := time.Now()
		s.lock()
		err := s.Egress.SendLogs(logs)
		s.unlock()
		if err == nil {
			atomic.AddUint64(&s.flushCount, 1)
			atomic.AddInt64(&s.flushNanos, int64(time.Since(start)))
			s.pendingLogs = nil
			if err := s.Reader.Commit(); err != nil {
				log.Printf("sink[%s]: commit: %v", s.Node, err)
			}
			return true
		} else {
			attempt++
			log.Printf("sink[%s]: egress %s failed (attempt %d): %v", s.Node, s.Egress.Name(), attempt, err)
			if s.MaxRetries > 0 && attempt >= s.MaxRetries {
				s.pendingLogs = nil
				if err := s.Reader.Commit(); err != nil {
					log.Printf("sink[%s]: commit: %v", s.Node, err)
				}
				return true
			}
			select {
			case <-s.stopCh:
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.RetryMax {
				backoff = s.RetryMax
			}
		}
	}
}
