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

import "regexp"

// collectdNamePattern matches collectd's graphite-bridge naming
// convention, "collectd<.|@><host>.<rest>", and captures the host
// segment so CollectdScrub can drop it.
var collectdNamePattern = regexp.MustCompile(`^(collectd)[@.]([[:alnum:]_-]+)(.*)`)

// CollectdScrub strips the per-host segment collectd's graphite
// bridge inserts into metric names (e.g.
// "collectd.ip-10-1-21-239.interface-lo.if_errors.tx" becomes
// "collectd.interface-lo.if_errors.tx"), so the same metric from
// every host lands in one series instead of fragmenting one series
// per hostname. Grounded on the original implementation's
// filter/collectd_scrub.rs.
type CollectdScrub struct {
	Noop
}

func (CollectdScrub) ProcessMetric(p *Payload) {
	if scrubbed, ok := ScrubCollectdName(p.MetricName(1)); ok {
		p.SetMetricName(1, scrubbed)
	}
}

// ScrubCollectdName returns name with its collectd host segment
// removed, and whether name matched the collectd naming convention at
// all (non-collectd names are returned unmodified by the caller).
func ScrubCollectdName(name string) (string, bool) {
	m := collectdNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1] + m[3], true
}
