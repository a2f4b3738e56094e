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

package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	whisper "github.com/kisielk/whisper-go/whisper"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
)

// Whisper persists emissions into one .wsp round-robin file per
// metric name, created on first write. Grounded on the reference
// whisper_import tool's file-per-series layout (cmd/whisper_import),
// but writing forward instead of backfilling: every emitted bin
// becomes one Update call rather than a bulk historical import.
type Whisper struct {
	Dir               string
	ArchiveInfo       []whisper.ArchiveInfo
	AggregationMethod whisper.AggregationMethod
	XFilesFactor      float32

	mu    sync.Mutex
	files map[string]*whisper.Whisper
}

func NewWhisper(dir string) *Whisper {
	return &Whisper{
		Dir: dir,
		ArchiveInfo: []whisper.ArchiveInfo{
			{SecondsPerPoint: 1, Points: 3600},
			{SecondsPerPoint: 60, Points: 10080},
		},
		AggregationMethod: whisper.AggregationAverage,
		XFilesFactor:      0.5,
		files:             make(map[string]*whisper.Whisper),
	}
}

func (w *Whisper) Name() string { return "whisper" }

func (w *Whisper) fileFor(name string) (*whisper.Whisper, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if f, ok := w.files[name]; ok {
		return f, nil
	}

	path := filepath.Join(w.Dir, name+".wsp")
	if _, err := os.Stat(path); err == nil {
		f, err := whisper.Open(path)
		if err != nil {
			return nil, err
		}
		w.files[name] = f
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := whisper.Create(path, w.ArchiveInfo, whisper.CreateOptions{
		XFilesFactor:      w.XFilesFactor,
		AggregationMethod: w.AggregationMethod,
	})
	if err != nil {
		return nil, err
	}
	w.files[name] = f
	return f, nil
}

func (w *Whisper) Send(emissions []buckets.Emission) error {
	for _, em := range emissions {
		value := em.Value
		if em.Kind == event.Histogram || em.Kind == event.Timer {
			value = em.Sketch.Sum() / float64(maxInt64(em.Sketch.Count(), 1))
		}
		f, err := w.fileFor(em.Name)
		if err != nil {
			return fmt.Errorf("sink: whisper: open %s: %w", em.Name, err)
		}
		if err := f.Update(whisper.Point{Timestamp: uint32(em.BinStartS), Value: value}); err != nil {
			return fmt.Errorf("sink: whisper: update %s: %w", em.Name, err)
		}
	}
	return nil
}

func (w *Whisper) SendLogs(logs []*event.LogLine) error {
	// Whisper has no text representation; the whisper sink is for
	// metric series only.
	return nil
}

func (w *Whisper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
