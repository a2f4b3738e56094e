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

package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

var timeNow = func() time.Time {
	return time.Now()
}

var osRename = func(a, b string) error {
	return os.Rename(a, b)
}

// logFile is the currently open destination for log.SetOutput, or
// nil if logging still goes to stderr (no -log-file configured).
var logFile *os.File

var renameLogFile = func(logPath string) {
	logDir, name := filepath.Split(logPath)
	archived := filepath.Join(logDir, timeNow().Format(name+"-20060102_150405"))
	log.Printf("cycling log file, current one archived as '%s'", archived)
	osRename(logPath, archived)
}

var cycleLogFile = func(logPath string) {
	if logFile != nil {
		renameLogFile(logPath)
	}
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_SYNC, 0666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: unable to open log file %q: %v\n", logPath, err)
		os.Exit(1)
	}
	log.SetOutput(file)
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
}

// logFileCycler opens logPath, writes all further log output there,
// and renames-and-reopens it every cycle. The returned stop function
// halts periodic cycling and, on process exit, the daemon package
// restores stderr output and closes the file.
func logFileCycler(logPath string, cycle time.Duration) (stop func()) {
	cycleLogFile(logPath)

	if cycle <= 0 {
		return func() {}
	}

	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cycle)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				cycleLogFile(logPath)
			}
		}
	}()
	return func() { close(stopCh) }
}

// closeLogFile restores stderr logging, used during Finish().
func closeLogFile() {
	log.SetOutput(os.Stderr)
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
