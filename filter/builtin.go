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

package filter

// Noop forwards every metric and log unchanged; tick does nothing.
// Useful as a topology placeholder and as the base to embed when only
// one of the three callbacks needs overriding.
type Noop struct{}

func (Noop) Tick(*Payload)          {}
func (Noop) ProcessMetric(*Payload) {}
func (Noop) ProcessLog(*Payload)    {}

// Rename rewrites the name of every metric passing through it via a
// caller-supplied lookup, leaving anything not found in the map
// untouched.
type Rename struct {
	Noop
	Names map[string]string
}

func (r *Rename) ProcessMetric(p *Payload) {
	if to, ok := r.Names[p.MetricName(1)]; ok {
		p.SetMetricName(1, to)
	}
}

// TagAdder adds a fixed set of tags to every metric passing through
// it, not overwriting any tag already present. Log lines pass through
// unchanged.
type TagAdder struct {
	Noop
	Tags map[string]string
}

func (a *TagAdder) ProcessMetric(p *Payload) {
	tags := p.Tags(1)
	for k, v := range a.Tags {
		if _, ok := tags.Get(k); !ok {
			tags.Set(k, v)
		}
	}
	p.SetTags(1, tags)
}
