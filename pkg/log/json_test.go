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

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// Test that integers can be properly unmarshaled.
func TestUnmarshalFromInt(t *testing.T) {
	tcs := []struct {
		i    int
		want Level
	}{
		{0, Warning},
		{1, Info},
		{2, Debug},
	}

	for _, tc := range tcs {
		j, err := json.Marshal(tc.i)
		if err != nil {
			t.Errorf("error marshaling %v: %v", tc.i, err)
		}
		var lv Level
		if err := lv.UnmarshalJSON(j); err != nil {
			t.Errorf("error unmarshaling %v: %v", j, err)
		}
		if lv != tc.want {
			t.Errorf("marshal/unmarshal %v got %v want %v", tc.i, lv, tc.want)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Info, time.Unix(0, 0).UTC(), "tlb flush %s", "global")

	if len(tw.lines) == 0 {
		t.Fatalf("nothing written")
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", tw.lines[0], err)
	}
	if got.Level != Info {
		t.Errorf("level = %v, want %v", got.Level, Info)
	}
	if want := "tlb flush global"; got.Msg != want {
		t.Errorf("msg = %q, want %q", got.Msg, want)
	}
	if !strings.HasPrefix(got.Source, "json_test.go:") {
		t.Errorf("source = %q, want json_test.go:<line>", got.Source)
	}
	if want := `"level":"info"`; !strings.Contains(tw.lines[0], want) {
		t.Errorf("line %q does not contain %q", tw.lines[0], want)
	}
}

func TestUnmarshalLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
		ok   bool
	}{
		{in: `"warning"`, want: Warning, ok: true},
		{in: `"Debug"`, want: Debug, ok: true},
		{in: `"verbose"`},
		{in: `3`},
		{in: `info`},
	} {
		var lv Level
		err := lv.UnmarshalJSON([]byte(tc.in))
		if (err == nil) != tc.ok {
			t.Errorf("UnmarshalJSON(%s) = %v, want ok=%t", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && lv != tc.want {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", tc.in, lv, tc.want)
		}
	}
}
