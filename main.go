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

// Cernan is a telemetry and log aggregation daemon: it receives
// statsd, graphite and native wire traffic, aggregates it into
// quantile/counter/gauge bins, and hands the result off to console,
// graphite, whisper, postgres, or native egress sinks.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/cernan-project/cernan/daemon"
)

var (
	buildTime, gitRevision string
)

// Version is the release tag this binary was built from, set via
// -ldflags "-X main.Version=..." in release builds; left blank in a
// plain go build.
var Version string

func printVersion() {
	fmt.Printf("cernan version: %v\n", Version)
	if buildTime != "" {
		fmt.Printf("Build time: %v\n", buildTime)
	}
	if gitRevision != "" {
		fmt.Printf("Git revision: %v\n", gitRevision)
	}
}

func main() {
	flags, err := daemon.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if flags.Version {
		printVersion()
		return
	}

	sup, err := daemon.Init(flags.ConfigPath)
	if err != nil {
		// Config errors are fatal at startup (spec.md §7 category 1):
		// abort with exit code 2 and a diagnostic on stderr.
		fmt.Fprintf(os.Stderr, "cernan: %v\n", err)
		os.Exit(2)
	}

	runErr := sup.Run()
	sup.Finish()
	if runErr != nil {
		log.Printf("cernan: exiting after fatal error: %v", runErr)
		os.Exit(1)
	}
}
