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

package hopper

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

const manifestName = "manifest"

// readManifest returns the reader names declared for this channel at
// topology build time, or nil if no manifest exists yet.
func readManifest(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names, scanner.Err()
}

// writeManifest persists the declared reader set. It is rewritten in
// full each time the topology is built; readers are never removed
// from a running channel, only added.
func writeManifest(dir string, names []string) error {
	tmp := filepath.Join(dir, manifestName+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, n := range names {
		if _, err := w.WriteString(n + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, manifestName))
}

// mergeReaderNames unions declared with any readers already on disk,
// so that re-running topology build with an added reader doesn't
// orphan cursors belonging to readers from a previous build.
func mergeReaderNames(declared, onDisk []string) []string {
	seen := make(map[string]bool, len(declared)+len(onDisk))
	var out []string
	for _, n := range append(append([]string{}, onDisk...), declared...) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
