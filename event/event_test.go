package event

import "testing"

func Test_TagsOrderPreservedAcrossMerge(t *testing.T) {
	a := NewTags().Set("host", "a").Set("region", "us")
	b := NewTags().Set("region", "eu").Set("az", "1")

	m := a.Merge(b)

	want := []string{"host", "region", "az"}
	got := m.Keys()
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i, k := range want {
		if got[i] != k {
			t.Errorf("Keys()[%d] = %q, want %q", i, got[i], k)
		}
	}
	if v, _ := m.Get("region"); v != "eu" {
		t.Errorf("region = %q, want eu (merge overwrites value in place)", v)
	}
}

func Test_TagsEqualIsSetEquality(t *testing.T) {
	a := NewTags().Set("x", "1").Set("y", "2")
	b := NewTags().Set("y", "2").Set("x", "1")
	if !a.Equal(b) {
		t.Errorf("Equal() = false for same pairs in different order, want true")
	}
	c := NewTags().Set("x", "1")
	if a.Equal(c) {
		t.Errorf("Equal() = true for different tag sets, want false")
	}
}

func Test_EventCloneIsIndependent(t *testing.T) {
	orig := NewTelemetry(&Telemetry{Name: "foo", Tags: NewTags().Set("a", "1"), Kind: Counter, Value: 1})
	clone := orig.Clone()
	clone.Telemetry.Name = "bar"
	clone.Telemetry.Tags.Set("a", "2")

	if orig.Telemetry.Name != "foo" {
		t.Errorf("mutating clone changed original Name")
	}
	if v, _ := orig.Telemetry.Tags.Get("a"); v != "1" {
		t.Errorf("mutating clone changed original Tags: got %q", v)
	}
}

func Test_EncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Event{
		NewTelemetry(&Telemetry{Name: "foo", Tags: NewTags().Set("host", "a"), Kind: Counter, TimestampS: 100, Value: 1, SampleRate: 1}),
		NewLogLine(&LogLine{Path: "/var/log/x", Value: "hello", TimestampS: 5, Tags: NewTags(), Fields: map[string]string{"level": "info"}}),
		NewTimerFlush(42),
	}
	for _, e := range cases {
		b, err := Encode(e)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Variant != e.Variant {
			t.Fatalf("Variant = %v, want %v", got.Variant, e.Variant)
		}
		switch e.Variant {
		case VariantTelemetry:
			if got.Telemetry.Name != e.Telemetry.Name || got.Telemetry.Value != e.Telemetry.Value {
				t.Errorf("Telemetry round-trip mismatch: got %+v, want %+v", got.Telemetry, e.Telemetry)
			}
			if v, _ := got.Telemetry.Tags.Get("host"); v != "a" {
				t.Errorf("Tags round-trip mismatch: got %q", v)
			}
		case VariantLogLine:
			if got.LogLine.Value != e.LogLine.Value || got.LogLine.Fields["level"] != "info" {
				t.Errorf("LogLine round-trip mismatch: got %+v", got.LogLine)
			}
		case VariantTimerFlush:
			if got.Flush.WindowID != e.Flush.WindowID {
				t.Errorf("Flush round-trip mismatch: got %+v", got.Flush)
			}
		}
	}
}
