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

package event

import (
	"bytes"
	"encoding/gob"
)

// GobEncode/GobDecode give Tags a stable on-disk representation,
// the same approach the reference codebase uses for its own Command
// and Stat types: encode field by field rather than relying on gob's
// reflection over unexported state (Tags keeps its map and slice
// unexported). Event, Telemetry and LogLine have no such methods;
// Encode below writes them with gob's ordinary reflection, which uses
// these methods for their Tags fields.

func (t *Tags) GobEncode() ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(t.keys); err != nil {
		return nil, err
	}
	if err := enc.Encode(t.values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Tags) GobDecode(b []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&t.keys); err != nil {
		return err
	}
	return dec.Decode(&t.values)
}

// Encode serializes an Event for a hopper segment record. The native
// protocol does not use it; its payloads are built by package wire.
func Encode(e *Event) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := gob.NewEncoder(buf)
	check := func(err error) error { return err }
	if err := check(enc.Encode(e.Variant)); err != nil {
		return nil, err
	}
	switch e.Variant {
	case VariantTelemetry:
		if err := check(enc.Encode(e.Telemetry)); err != nil {
			return nil, err
		}
	case VariantLogLine:
		if err := check(enc.Encode(e.LogLine)); err != nil {
			return nil, err
		}
	case VariantTimerFlush:
		if err := check(enc.Encode(e.Flush)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (*Event, error) {
	dec := gob.NewDecoder(bytes.NewReader(b))
	e := &Event{}
	if err := dec.Decode(&e.Variant); err != nil {
		return nil, err
	}
	switch e.Variant {
	case VariantTelemetry:
		e.Telemetry = &Telemetry{}
		if err := dec.Decode(e.Telemetry); err != nil {
			return nil, err
		}
	case VariantLogLine:
		e.LogLine = &LogLine{}
		if err := dec.Decode(e.LogLine); err != nil {
			return nil, err
		}
	case VariantTimerFlush:
		e.Flush = &TimerFlush{}
		if err := dec.Decode(e.Flush); err != nil {
			return nil, err
		}
	}
	return e, nil
}
