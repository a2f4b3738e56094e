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
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cernan-project/cernan/buckets"
	"github.com/cernan-project/cernan/event"
)

// Prometheus exposes the most recently flushed bin's emissions over
// HTTP in Prometheus's text exposition format, rather than pushing
// them anywhere: Prometheus (and client_golang) is pull-based, so this
// Egress's only job between scrapes is to hold the latest snapshot
// ready, same as the original implementation's sink/prometheus.rs
// holds its own point-in-time map for whatever scraper calls next.
type Prometheus struct {
	Listen string

	mu       sync.Mutex
	snapshot []buckets.Emission
	ln       net.Listener
	srv      *http.Server
}

func NewPrometheus(listen string) *Prometheus {
	return &Prometheus{Listen: listen}
}

func (p *Prometheus) Name() string { return "prometheus" }

// Start opens the listener and begins serving /metrics. Like the
// statsd/graphite sources' Start methods, the listener is bound here
// so a bad address fails fast during startup rather than on the first
// scrape.
func (p *Prometheus) Start() error {
	ln, err := net.Listen("tcp", p.Listen)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(p)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	p.ln = ln
	p.srv = &http.Server{Handler: mux}
	go p.srv.Serve(ln)
	return nil
}

func (p *Prometheus) Close() error {
	if p.srv == nil {
		return nil
	}
	return p.srv.Close()
}

// Send replaces the held snapshot; it never itself fails; a slow or
// absent scraper just means the next Send overwrites stale data, the
// same best-effort delivery the original's prometheus sink gives.
func (p *Prometheus) Send(emissions []buckets.Emission) error {
	p.mu.Lock()
	p.snapshot = emissions
	p.mu.Unlock()
	return nil
}

// SendLogs is a no-op: Prometheus's data model has no place for log
// lines, so a "prometheus" sink wired to a log-carrying forward simply
// drops them, the same silent-discard the original gives any sink fed
// a variant it cannot represent.
func (p *Prometheus) SendLogs(logs []*event.LogLine) error { return nil }

// Describe intentionally registers nothing: the metric set varies
// scrape to scrape with whatever names have been seen, which is
// exactly the "unchecked collector" case client_golang's own
// documentation carves out of the normal Describe/Collect contract.
func (p *Prometheus) Describe(ch chan<- *prometheus.Desc) {}

func (p *Prometheus) Collect(ch chan<- prometheus.Metric) {
	p.mu.Lock()
	snapshot := p.snapshot
	p.mu.Unlock()

	for _, em := range snapshot {
		name := sanitizePromName(em.Name)
		labelNames, labelValues := tagLabels(em.Tags)

		switch em.Kind {
		case event.Histogram, event.Timer:
			if em.Sketch == nil {
				continue
			}
			countDesc := prometheus.NewDesc(name+"_count", "number of observations in the bin", labelNames, nil)
			ch <- mustConst(countDesc, prometheus.CounterValue, float64(em.Sketch.Count()), labelValues)
			sumDesc := prometheus.NewDesc(name+"_sum", "sum of observations in the bin", labelNames, nil)
			ch <- mustConst(sumDesc, prometheus.CounterValue, em.Sketch.Sum(), labelValues)
			for _, q := range []float64{0.5, 0.9, 0.99} {
				qNames := append(append([]string{}, labelNames...), "quantile")
				qValues := append(append([]string{}, labelValues...), strconv.FormatFloat(q, 'g', -1, 64))
				qDesc := prometheus.NewDesc(name, "quantile summary of the bin's observations", qNames, nil)
				ch <- mustConst(qDesc, prometheus.GaugeValue, em.Sketch.Query(q), qValues)
			}
		case event.Counter:
			desc := prometheus.NewDesc(name, "counter", labelNames, nil)
			ch <- mustConst(desc, prometheus.CounterValue, em.Value, labelValues)
		default:
			desc := prometheus.NewDesc(name, "gauge", labelNames, nil)
			ch <- mustConst(desc, prometheus.GaugeValue, em.Value, labelValues)
		}
	}
}

func mustConst(desc *prometheus.Desc, vt prometheus.ValueType, value float64, labelValues []string) prometheus.Metric {
	m, err := prometheus.NewConstMetric(desc, vt, value, labelValues...)
	if err != nil {
		return prometheus.NewInvalidMetric(desc, err)
	}
	return m
}

var promNameDisallowed = regexp.MustCompile(`[^a-zA-Z0-9_:]`)

// sanitizePromName rewrites a dotted/hyphenated metric name (the
// convention every other sink in this package accepts as-is) into the
// `[a-zA-Z_:][a-zA-Z0-9_:]*` charset Prometheus requires, replacing
// every disallowed character with an underscore rather than dropping
// it, so distinct names are less likely to collide.
func sanitizePromName(name string) string {
	out := promNameDisallowed.ReplaceAllString(name, "_")
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

func tagLabels(t *event.Tags) (names, values []string) {
	if t == nil || t.Len() == 0 {
		return nil, nil
	}
	for _, k := range t.Keys() {
		v, _ := t.Get(k)
		names = append(names, sanitizePromName(k))
		values = append(values, v)
	}
	return names, values
}
