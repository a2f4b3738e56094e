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

// Package wire implements the native protocol's wire format
// (spec.md §6): a length-prefixed protobuf-encoded Payload of
// batched events, exchanged between a federation sink and the next
// instance's native source. The schema is defined once here at the
// field level with protowire, the same level tgres's cluster.Msg
// writes its own gob framing by hand, rather than through generated
// .pb.go bindings. Decoding skips any field number it does not know,
// so unknown fields are ignored; they are not kept or re-encoded.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cernan-project/cernan/event"
)

func float64bits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat64(v uint64) float64 { return math.Float64frombits(v) }

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Field numbers for the wire schema. Stable across versions: new
// fields are added with new numbers, never by reusing a retired one.
const (
	fieldEventVariant  = 1
	fieldEventTelem    = 2
	fieldEventLog      = 3
	fieldEventFlushWin = 4

	fieldTelemName    = 1
	fieldTelemTag     = 2
	fieldTelemKind    = 3
	fieldTelemTS      = 4
	fieldTelemValue   = 5
	fieldTelemPersist = 6
	fieldTelemSample  = 7
	fieldTelemHops    = 8

	fieldLogPath   = 1
	fieldLogValue  = 2
	fieldLogTS     = 3
	fieldLogTag    = 4
	fieldLogField  = 5

	fieldTagKey   = 1
	fieldTagValue = 2

	fieldPayloadEvents = 1
)

const (
	variantTelemetry  = 0
	variantLogLine    = 1
	variantTimerFlush = 2
)

// EncodePayload serializes a batch of events into a protobuf Payload
// message body (no length prefix; see WriteFrame for the framed
// form sent over the wire).
func EncodePayload(events []*event.Event) []byte {
	var out []byte
	for _, e := range events {
		body := encodeEvent(e)
		out = protowire.AppendTag(out, fieldPayloadEvents, protowire.BytesType)
		out = protowire.AppendBytes(out, body)
	}
	return out
}

// DecodePayload parses a Payload message body back into events.
func DecodePayload(b []byte) ([]*event.Event, error) {
	var events []*event.Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldPayloadEvents || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		body, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		b = b[m:]
		e, err := decodeEvent(body)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func encodeEvent(e *event.Event) []byte {
	var out []byte
	switch e.Variant {
	case event.VariantTelemetry:
		out = protowire.AppendTag(out, fieldEventVariant, protowire.VarintType)
		out = protowire.AppendVarint(out, variantTelemetry)
		body := encodeTelemetry(e.Telemetry)
		out = protowire.AppendTag(out, fieldEventTelem, protowire.BytesType)
		out = protowire.AppendBytes(out, body)
	case event.VariantLogLine:
		out = protowire.AppendTag(out, fieldEventVariant, protowire.VarintType)
		out = protowire.AppendVarint(out, variantLogLine)
		body := encodeLogLine(e.LogLine)
		out = protowire.AppendTag(out, fieldEventLog, protowire.BytesType)
		out = protowire.AppendBytes(out, body)
	case event.VariantTimerFlush:
		out = protowire.AppendTag(out, fieldEventVariant, protowire.VarintType)
		out = protowire.AppendVarint(out, variantTimerFlush)
		out = protowire.AppendTag(out, fieldEventFlushWin, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(e.Flush.WindowID))
	}
	return out
}

func decodeEvent(b []byte) (*event.Event, error) {
	var (
		variant  int64 = -1
		telemB   []byte
		logB     []byte
		flushWin int64
		haveFlush bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldEventVariant && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			variant = int64(v)
			b = b[m:]
		case num == fieldEventTelem && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			telemB = body
			b = b[m:]
		case num == fieldEventLog && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			logB = body
			b = b[m:]
		case num == fieldEventFlushWin && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			flushWin = int64(v)
			haveFlush = true
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}

	switch variant {
	case variantTelemetry:
		t, err := decodeTelemetry(telemB)
		if err != nil {
			return nil, err
		}
		return event.NewTelemetry(t), nil
	case variantLogLine:
		l, err := decodeLogLine(logB)
		if err != nil {
			return nil, err
		}
		return event.NewLogLine(l), nil
	case variantTimerFlush:
		if !haveFlush {
			flushWin = 0
		}
		return event.NewTimerFlush(flushWin), nil
	default:
		return nil, fmt.Errorf("wire: unknown event variant %d", variant)
	}
}

func decodeTagKV(b []byte) (string, string, error) {
	var key, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldTagKey && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return "", "", protowire.ParseError(m)
			}
			key = s
			b = b[m:]
		case num == fieldTagValue && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return "", "", protowire.ParseError(m)
			}
			value = s
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", "", protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return key, value, nil
}

func encodeTelemetry(t *event.Telemetry) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldTelemName, protowire.BytesType)
	out = protowire.AppendString(out, t.Name)
	out = append(out, encodeTagsFor(fieldTelemTag, t.Tags)...)
	out = protowire.AppendTag(out, fieldTelemKind, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(int64(t.Kind)))
	out = protowire.AppendTag(out, fieldTelemTS, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(t.TimestampS))
	out = protowire.AppendTag(out, fieldTelemValue, protowire.Fixed64Type)
	out = protowire.AppendFixed64(out, float64bits(t.Value))
	out = protowire.AppendTag(out, fieldTelemPersist, protowire.VarintType)
	out = protowire.AppendVarint(out, boolVarint(t.Persist))
	out = protowire.AppendTag(out, fieldTelemSample, protowire.Fixed64Type)
	out = protowire.AppendFixed64(out, float64bits(t.SampleRate))
	out = protowire.AppendTag(out, fieldTelemHops, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(int64(t.Hops)))
	return out
}

func decodeTelemetry(b []byte) (*event.Telemetry, error) {
	t := &event.Telemetry{Tags: event.NewTags()}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldTelemName && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			t.Name = s
			b = b[m:]
		case num == fieldTelemTag && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			k, v, err := decodeTagKV(body)
			if err != nil {
				return nil, err
			}
			t.Tags.Set(k, v)
			b = b[m:]
		case num == fieldTelemKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			t.Kind = event.Kind(int64(v))
			b = b[m:]
		case num == fieldTelemTS && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			t.TimestampS = int64(v)
			b = b[m:]
		case num == fieldTelemValue && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			t.Value = bitsFloat64(v)
			b = b[m:]
		case num == fieldTelemPersist && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			t.Persist = v != 0
			b = b[m:]
		case num == fieldTelemSample && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			t.SampleRate = bitsFloat64(v)
			b = b[m:]
		case num == fieldTelemHops && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			t.Hops = int(int64(v))
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return t, nil
}

func encodeLogLine(l *event.LogLine) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldLogPath, protowire.BytesType)
	out = protowire.AppendString(out, l.Path)
	out = protowire.AppendTag(out, fieldLogValue, protowire.BytesType)
	out = protowire.AppendString(out, l.Value)
	out = protowire.AppendTag(out, fieldLogTS, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(l.TimestampS))
	out = append(out, encodeTagsFor(fieldLogTag, l.Tags)...)
	for k, v := range l.Fields {
		var kv []byte
		kv = protowire.AppendTag(kv, fieldTagKey, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, fieldTagValue, protowire.BytesType)
		kv = protowire.AppendString(kv, v)
		out = protowire.AppendTag(out, fieldLogField, protowire.BytesType)
		out = protowire.AppendBytes(out, kv)
	}
	return out
}

func decodeLogLine(b []byte) (*event.LogLine, error) {
	l := &event.LogLine{Tags: event.NewTags()}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldLogPath && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			l.Path = s
			b = b[m:]
		case num == fieldLogValue && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			l.Value = s
			b = b[m:]
		case num == fieldLogTS && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			l.TimestampS = int64(v)
			b = b[m:]
		case num == fieldLogTag && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			k, v, err := decodeTagKV(body)
			if err != nil {
				return nil, err
			}
			l.Tags.Set(k, v)
			b = b[m:]
		case num == fieldLogField && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			k, v, err := decodeTagKV(body)
			if err != nil {
				return nil, err
			}
			if l.Fields == nil {
				l.Fields = make(map[string]string)
			}
			l.Fields[k] = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return l, nil
}

// encodeTagsFor encodes t as repeated key/value entries under the
// field number a caller's message assigns to its tags (telemetry and
// log lines use different numbers for their own tags).
func encodeTagsFor(fieldNum protowire.Number, t *event.Tags) []byte {
	var out []byte
	if t == nil {
		return out
	}
	for _, k := range t.Keys() {
		v, _ := t.Get(k)
		var kv []byte
		kv = protowire.AppendTag(kv, fieldTagKey, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, fieldTagValue, protowire.BytesType)
		kv = protowire.AppendString(kv, v)
		out = protowire.AppendTag(out, fieldNum, protowire.BytesType)
		out = protowire.AppendBytes(out, kv)
	}
	return out
}
