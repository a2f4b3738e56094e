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
	"io"
	"os"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
)

// Console prints every emission to a writer (stdout by default). It
// exists for development convenience, same role as the original
// console sink: an at-most-once egress that never fails, so the sink
// commits its cursor right after the write.
type Console struct {
	Out io.Writer
}

func NewConsole() *Console {
	return &Console{Out: os.Stdout}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(emissions []buckets.Emission) error {
	for _, em := range emissions {
		if em.Kind == event.Histogram || em.Kind == event.Timer {
			fmt.Fprintf(c.Out, "%s%s %s bin=%d count=%d sum=%.4f p50=%.4f p99=%.4f\n",
				em.Name, tagSuffix(em.Tags), em.Kind, em.BinStartS,
				em.Sketch.Count(), em.Sketch.Sum(), em.Sketch.Query(0.5), em.Sketch.Query(0.99))
			continue
		}
		synthetic := ""
		if em.Synthetic {
			synthetic = " (sustained)"
		}
		fmt.Fprintf(c.Out, "%s%s %s bin=%d value=%.4f%s\n",
			em.Name, tagSuffix(em.Tags), em.Kind, em.BinStartS, em.Value, synthetic)
	}
	return nil
}

func (c *Console) SendLogs(logs []*event.LogLine) error {
	for _, l := range logs {
		fmt.Fprintf(c.Out, "%s%s %s\n", l.Path, tagSuffix(l.Tags), l.Value)
	}
	return nil
}

func tagSuffix(t *event.Tags) string {
	if t == nil || t.Len() == 0 {
		return ""
	}
	s := ""
	for _, k := range t.Keys() {
		v, _ := t.Get(k)
		s += fmt.Sprintf(",%s=%s", k, v)
	}
	return "{" + s[1:] + "}"
}
