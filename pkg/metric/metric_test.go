// Copyright 2026 The gVisor Authors.
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

package metric

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

var (
	testCounter = MustCreateNewUint64Metric("/metric_test/plain", true, "A counter without fields.")
	testFielded = MustCreateNewUint64Metric("/metric_test/fielded", false, "A counter with two fields.",
		NewField("stream", []string{"data", "instruction"}),
		NewField("size", []string{"4k", "2m", "1g"}))
)

func TestFieldMapperRoundTrip(t *testing.T) {
	m := testFielded.fieldMapper
	for key := 0; key < m.numFieldCombinations; key++ {
		if got := m.lookup(m.keyToMultiField(key)...); got != key {
			t.Errorf("lookup(keyToMultiField(%d)) = %d", key, got)
		}
	}
}

func TestIncrement(t *testing.T) {
	before := testFielded.Value("instruction", "2m")
	testFielded.Increment("instruction", "2m")
	testFielded.IncrementBy(4, "instruction", "2m")
	if got, want := testFielded.Value("instruction", "2m"), before+5; got != want {
		t.Errorf("Value = %d, want %d", got, want)
	}
	if got := testFielded.Value("data", "1g"); got != 0 {
		t.Errorf("unrelated field Value = %d, want 0", got)
	}
}

func TestRegistrationErrors(t *testing.T) {
	if _, err := NewUint64Metric("/metric_test/plain", true, "dup"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate registration: got %v, want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("/metric_test/nofield", true, "x", NewField("f", nil)); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("empty field: got %v, want %v", err, ErrFieldHasNoAllowedValues)
	}
	if _, err := NewUint64Metric("/metric_test/badfield", true, "x", NewField("f", []string{`a"b`})); !errors.Is(err, ErrFieldValueContainsIllegalChar) {
		t.Errorf("illegal char: got %v, want %v", err, ErrFieldValueContainsIllegalChar)
	}
}

func TestWritePrometheus(t *testing.T) {
	testCounter.IncrementBy(3)
	testFielded.Increment("data", "4k")

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("exposition does not parse: %v", err)
	}

	plain, ok := families["guestmmu_metric_test_plain"]
	if !ok {
		t.Fatalf("plain counter missing from %v", families)
	}
	if got, want := plain.GetMetric()[0].GetCounter().GetValue(), float64(testCounter.Value()); got != want {
		t.Errorf("plain counter = %v, want %v", got, want)
	}

	fielded, ok := families["guestmmu_metric_test_fielded"]
	if !ok {
		t.Fatalf("fielded counter missing")
	}
	if got, want := len(fielded.GetMetric()), 6; got != want {
		t.Fatalf("fielded counter has %d series, want %d", got, want)
	}
	var labels [][]string
	for _, m := range fielded.GetMetric() {
		var l []string
		for _, lp := range m.GetLabel() {
			l = append(l, lp.GetName()+"="+lp.GetValue())
		}
		sort.Strings(l)
		labels = append(labels, l)
	}
	want := [][]string{
		{"size=4k", "stream=data"},
		{"size=2m", "stream=data"},
		{"size=1g", "stream=data"},
		{"size=4k", "stream=instruction"},
		{"size=2m", "stream=instruction"},
		{"size=1g", "stream=instruction"},
	}
	if diff := cmp.Diff(want, labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestPrometheusName(t *testing.T) {
	for in, want := range map[string]string{
		"/tlb/lookups":     "guestmmu_tlb_lookups",
		"/jit/salt-rotate": "guestmmu_jit_salt_rotate",
		"plain":            "guestmmu_plain",
	} {
		if got := PrometheusName(in); got != want {
			t.Errorf("PrometheusName(%q) = %q, want %q", in, got, want)
		}
	}
}
