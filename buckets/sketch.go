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

package buckets

import (
	"bytes"
	"encoding/gob"

	"github.com/beorn7/perks/quantile"
)

// DefaultEpsilon is the globally fixed rank-error parameter
// recommended in the data model (spec.md §3).
const DefaultEpsilon = 0.001

// targetedQuantiles are the quantiles every sink in this repo queries
// (sink/console.go, sink/graphite.go): p50, p90, p99. perks'
// NewTargeted biases its compression toward exactly these ranks,
// which is the CKMS family's intended usage (Cormode, Korn,
// Muthukrishnan, Srivastava's "targeted" biased-quantiles variant) as
// opposed to the unbiased Greenwald-Khanna summary, which would need
// every rank equally precise at the cost of a larger summary.
var targetedQuantiles = []float64{0.5, 0.9, 0.99}

// Sketch is a biased streaming quantile estimator in the CKMS family,
// wrapping github.com/beorn7/perks/quantile.Stream for the
// rank-estimation invariant (insert/compress/query) and adding the
// exact O(1) Count/Sum/Min/Max that perks does not track, since the
// hopper's disk-backed segments and every sink in this repo need
// those alongside the quantile estimate. It carries no reference to
// the series it summarizes and is safe to serialize with
// GobEncode/GobDecode.
type Sketch struct {
	epsilon float64
	n       int64
	sum     float64
	min     float64
	max     float64
	stream  *quantile.Stream
}

// NewSketch returns an empty sketch with the given rank-error
// parameter. epsilon <= 0 falls back to DefaultEpsilon.
func NewSketch(epsilon float64) *Sketch {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	targets := make(map[float64]float64, len(targetedQuantiles))
	for _, q := range targetedQuantiles {
		targets[q] = epsilon
	}
	return &Sketch{epsilon: epsilon, stream: quantile.NewTargeted(targets)}
}

// Insert adds one observation to the sketch.
func (s *Sketch) Insert(v float64) {
	if s.n == 0 {
		s.min, s.max = v, v
	} else {
		if v < s.min {
			s.min = v
		}
		if v > s.max {
			s.max = v
		}
	}
	s.sum += v
	s.n++
	s.stream.Insert(v)
}

// Query returns an estimate of the value at quantile phi (0 <= phi <=
// 1), within rank error Epsilon*Count() of the true order statistic
// at the quantiles registered in targetedQuantiles; other phi values
// degrade gracefully toward the nearest registered target, the same
// tradeoff perks' own Prometheus Summary callers accept. It returns 0
// if the sketch has seen no observations.
func (s *Sketch) Query(phi float64) float64 {
	if s.n == 0 {
		return 0
	}
	if phi <= 0 {
		return s.min
	}
	if phi >= 1 {
		return s.max
	}
	return s.stream.Query(phi)
}

// Count is the number of observations inserted into the sketch.
func (s *Sketch) Count() int64 { return s.n }

// Sum is the running total of observations inserted into the sketch.
func (s *Sketch) Sum() float64 { return s.sum }

// Min is the smallest observation inserted into the sketch.
func (s *Sketch) Min() float64 { return s.min }

// Max is the largest observation inserted into the sketch.
func (s *Sketch) Max() float64 { return s.max }

// gobSketch mirrors Sketch's unexported fields, plus the perks
// Stream's exported Samples(), in a shape gob can reflect over
// directly; perks.Stream itself has no exported fields to encode.
type gobSketch struct {
	Epsilon float64
	N       int64
	Sum     float64
	Min     float64
	Max     float64
	Samples quantile.Samples
}

func (s *Sketch) GobEncode() ([]byte, error) {
	buf := &bytes.Buffer{}
	gs := gobSketch{
		Epsilon: s.epsilon,
		N:       s.n,
		Sum:     s.sum,
		Min:     s.min,
		Max:     s.max,
		Samples: s.stream.Samples(),
	}
	if err := gob.NewEncoder(buf).Encode(gs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Sketch) GobDecode(b []byte) error {
	var gs gobSketch
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&gs); err != nil {
		return err
	}
	s.epsilon, s.n, s.sum, s.min, s.max = gs.Epsilon, gs.N, gs.Sum, gs.Min, gs.Max
	targets := make(map[float64]float64, len(targetedQuantiles))
	for _, q := range targetedQuantiles {
		targets[q] = s.epsilon
	}
	s.stream = quantile.NewTargeted(targets)
	s.stream.Merge(gs.Samples)
	return nil
}
