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

// cernan-replay inspects a hopper channel directory on disk, printing
// the events currently queued there. It is the operational equivalent
// of the reference's whisper import tools: a one-off utility that
// reads the durable on-disk format directly rather than going through
// a running daemon.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/cernan-project/cernan/event"
	"github.com/cernan-project/cernan/hopper"
)

func main() {
	dir := flag.String("dir", "", "channel directory to inspect (the <from>__<to> directory under data-directory)")
	readerName := flag.String("reader", "cernan-replay", "reader name to register for this inspection")
	limit := flag.Int("limit", 0, "stop after this many events (0 = no limit)")
	consume := flag.Bool("consume", false, "commit the reader's cursor as events are printed, permanently draining them; "+
		"without this flag the channel is left untouched and a later run sees the same events again")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "cernan-replay: -dir is required")
		os.Exit(2)
	}

	if err := run(*dir, *readerName, *limit, *consume); err != nil {
		fmt.Fprintf(os.Stderr, "cernan-replay: %v\n", err)
		os.Exit(1)
	}
}

func run(dir, readerName string, limit int, consume bool) error {
	h, err := hopper.Open("replay", dir, 0, 0, []string{readerName})
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	// Closing right after Open freezes the channel to a snapshot of
	// what is on disk right now: Reader.Next returns hopper.ErrClosed
	// once it catches up, instead of blocking forever waiting for a
	// writer that this read-only inspection has no business waiting
	// on.
	if err := h.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dir, err)
	}

	r := h.Reader(readerName)
	if r == nil {
		return fmt.Errorf("reader %q not registered", readerName)
	}

	n := 0
	for limit <= 0 || n < limit {
		e, err := r.Next()
		if errors.Is(err, hopper.ErrClosed) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading event %d: %w", n, err)
		}
		printEvent(n, e)
		n++
		if consume {
			if err := r.Commit(); err != nil {
				return fmt.Errorf("committing after event %d: %w", n, err)
			}
		}
	}
	fmt.Printf("cernan-replay: %d event(s)\n", n)
	return nil
}

func printEvent(n int, e *event.Event) {
	switch e.Variant {
	case event.VariantTelemetry:
		t := e.Telemetry
		fmt.Printf("%d\ttelemetry\tname=%s kind=%s value=%v ts=%d tags=%d\n", n, t.Name, t.Kind, t.Value, t.TimestampS, t.Tags.Len())
	case event.VariantLogLine:
		l := e.LogLine
		fmt.Printf("%d\tlog\tpath=%s ts=%d value=%q\n", n, l.Path, l.TimestampS, l.Value)
	case event.VariantTimerFlush:
		fmt.Printf("%d\tflush\twindow=%d final=%v\n", n, e.Flush.WindowID, e.IsFinalFlush())
	}
}
