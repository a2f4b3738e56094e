//
// Copyright 2015 Gregory Trubetskoy. All Rights Reserved.
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

// Package misc holds the small text-munging helpers shared by more
// than one source adapter: metric/tag name scrubbing and the
// reference's extended TOML duration suffixes (daemon.duration).
package misc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	sanitizeRegexSpace       = regexp.MustCompile(`\s+`)
	sanitizeRegexSlash       = regexp.MustCompile("/")
	sanitizeRegexNonAlphaNum = regexp.MustCompile(`[^a-zA-Z_\-0-9\.]`)

	// tagRegexNonAlphaNum is looser than sanitizeRegexNonAlphaNum: tag
	// values (unlike metric names) legitimately contain colons in the
	// wild (IPv6 addresses, free-form labels), so colons are kept; every
	// other character outside [a-zA-Z_\-0-9.], commas included, is
	// scrubbed.
	tagRegexNonAlphaNum = regexp.MustCompile(`[^a-zA-Z_\-0-9\.:]`)
)

// SanitizeMetricName collapses whitespace to underscores, slashes to
// hyphens, and drops everything else outside [a-zA-Z_\-0-9.], so a
// statsd/graphite-supplied name is always safe to use as a bucket key
// and a wire field.
func SanitizeMetricName(name string) string {
	name = sanitizeRegexSpace.ReplaceAllString(name, "_")
	name = sanitizeRegexSlash.ReplaceAllString(name, "-")
	return sanitizeRegexNonAlphaNum.ReplaceAllString(name, "")
}

// SanitizeTagKey applies the same scrubbing as SanitizeMetricName: a
// tag key is used as a bucket/fingerprint component the same way a
// metric name is, so it needs the same guarantee.
func SanitizeTagKey(key string) string {
	return SanitizeMetricName(key)
}

// SanitizeTagValue scrubs a tag value with tagRegexNonAlphaNum's
// looser rule, preserving colons (IPv6 addresses, "key:value" free
// text) that SanitizeMetricName would otherwise strip.
func SanitizeTagValue(value string) string {
	value = sanitizeRegexSpace.ReplaceAllString(value, "_")
	return tagRegexNonAlphaNum.ReplaceAllString(value, "")
}

// BetterParseDuration extends time.ParseDuration with the reference's
// "d" (day), "w" (week), "y" (year), "min", "hour" and "mon" suffixes,
// used by daemon.duration.UnmarshalText to decode config values like
// "60s" or "2w".
func BetterParseDuration(s string) (time.Duration, error) {

	if strings.HasSuffix(s, "min") {
		s = s[0 : len(s)-2] // min -> m
	} else if strings.HasSuffix(s, "hour") {
		s = s[0 : len(s)-3] // hour -> h
	} else if strings.HasSuffix(s, "mon") {
		fd, err := strconv.ParseFloat(s[0:len(s)-3], 64)
		if err != nil {
			return 0, err
		}
		s = fmt.Sprintf("%vh", fd*30*24)
	}
	if d, err := time.ParseDuration(s); err != nil {
		if strings.HasPrefix(err.Error(), "time: unknown unit ") {
			d, _ := strconv.ParseInt(s[0:len(s)-1], 10, 64)
			switch s[len(s)-1] {
			case 'd':
				return time.Duration(d*24) * time.Hour, nil
			case 'w':
				return time.Duration(d*168) * time.Hour, nil
			case 'y':
				return time.Duration(d*8760) * time.Hour, nil
			}
		}
		return d, err
	} else {
		return d, nil
	}
}
