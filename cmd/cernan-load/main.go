//
// Copyright 2017 Gregory Trubetskoy. All Rights Reserved.
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

// cernan-load generates synthetic statsd traffic against a running
// cernan (or any statsd-speaking) listener, for stress testing a
// source/filter/sink pipeline end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"
)

func main() {
	target := flag.String("target", "127.0.0.1:8125", "host:port of the statsd UDP listener")
	perSec := flag.Int("rate", 1000, "counters per second to emit")
	nSeries := flag.Int("series", 100, "number of distinct series to cycle through")
	prefix := flag.String("prefix", "cernan.load", "metric name prefix")
	duration := flag.Duration("for", 0, "stop after this long (0 = run forever)")
	flag.Parse()

	conn, err := net.Dial("udp", *target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cernan-load: dial %s: %v\n", *target, err)
		os.Exit(1)
	}
	defer conn.Close()

	b := &blaster{conn: conn, nSeries: *nSeries, prefix: *prefix, span: 600 * time.Second, limiter: rate.NewLimiter(rate.Limit(*perSec), *perSec)}

	var stop <-chan time.Time
	if *duration > 0 {
		stop = time.After(*duration)
	}
	b.run(stop)
}

type blaster struct {
	conn    net.Conn
	nSeries int
	prefix  string
	span    time.Duration
	limiter *rate.Limiter
}

// cycle emits one counter and one gauge data point for a randomly
// chosen series, mirroring the reference blaster's sinusoid-shaped
// synthetic load but over a real statsd wire connection rather than a
// direct in-process receiver call.
func (b *blaster) cycle() int {
	n := int64(rand.Int63n(int64(b.nSeries)))
	now := time.Now()
	offset := time.Duration(n*10) * time.Second
	y := sinTime(now.Add(offset), b.span) * 100

	name := fmt.Sprintf("%s.test.a%02d.b%02d.c%02d.d%02d", b.prefix, (n%10000000)/100000, (n%100000)/1000, (n%1000)/10, n%10)

	line := fmt.Sprintf("%s:%f|c\n%s.gauge:%f|g\n", name, 1.0, name, y)
	n2, err := b.conn.Write([]byte(line))
	if err != nil {
		log.Printf("cernan-load: write: %v", err)
		return 0
	}
	return n2
}

func (b *blaster) run(stop <-chan time.Time) {
	ctx := context.Background()
	cnt, tsz := 0, 0
	lastStat := time.Now()
	statPeriod := 10 * time.Second

	for {
		select {
		case <-stop:
			log.Printf("cernan-load: duration elapsed, exiting")
			return
		default:
		}

		if err := b.limiter.Wait(ctx); err != nil {
			log.Printf("cernan-load: limiter: %v", err)
			return
		}

		if sz := b.cycle(); sz > 0 {
			cnt++
			tsz += sz
		}

		if cnt%1000 == 0 && cnt > 0 {
			if elapsed := time.Since(lastStat); elapsed > statPeriod {
				log.Printf("cernan-load: count=%d per/sec=%.1f bytes/sec=%.0f", cnt, float64(cnt)/elapsed.Seconds(), float64(tsz)/elapsed.Seconds())
				cnt, tsz = 0, 0
				lastStat = time.Now()
			}
		}
	}
}

// sinTime returns a Y value tracing a sinusoid spanning span, the
// same shape the reference blaster uses to make load look like a
// plausible metric rather than uniform noise.
func sinTime(t time.Time, span time.Duration) float64 {
	seconds := span.Nanoseconds() / 1e9
	x := 2 * math.Pi / float64(seconds) * float64(t.Unix()%seconds)
	return math.Sin(x)
}
