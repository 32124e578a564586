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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/guestmmu/pkg/tlb"
	"gvisor.dev/guestmmu/xlat/flag"
)

func newFlagSet() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	testFlags := newFlagSet()
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.ToFlags(); len(got) != 0 {
		t.Errorf("default flags not set correctly for: %s", got)
	}
	if got, want := c.Geometry(), tlb.DefaultGeometry; got != want {
		t.Errorf("Geometry() = %+v, want %+v", got, want)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	if err := testFlags.Parse([]string{
		"--debug=true",
		"--log-format=json",
		"--ram-size=16777216",
		"--max-phys-bits=40",
		"--tlb-l2-ways=4",
		"--jit-entries=256",
		"--fault-log-interval=5s",
	}); err != nil {
		t.Fatal(err)
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug {
		t.Errorf("Debug=%v, want: %v", c.Debug, true)
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
	if want := uint64(16 << 20); c.RAMSize != want {
		t.Errorf("RAMSize=%#x, want: %#x", c.RAMSize, want)
	}
	if want := uint(40); c.MaxPhysBits != want {
		t.Errorf("MaxPhysBits=%v, want: %v", c.MaxPhysBits, want)
	}
	if want := 4; c.TLBL2Ways != want {
		t.Errorf("TLBL2Ways=%v, want: %v", c.TLBL2Ways, want)
	}
	opts := c.MMUOptions()
	if opts.JITEntries != 256 || opts.MaxPhysBits != 40 || opts.FaultLogInterval != 5*time.Second {
		t.Errorf("MMUOptions() = %+v", opts)
	}
}

func TestToFlags(t *testing.T) {
	testFlags := newFlagSet()
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	c.Debug = true
	c.LogFormat = "json"
	c.MaxPhysBits = 46
	c.JITEntries = 1024
	c.FaultLogInterval = 250 * time.Millisecond

	want := []string{
		"--log-format=json",
		"--debug=true",
		"--max-phys-bits=46",
		"--jit-entries=1024",
		"--fault-log-interval=250ms",
	}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
}

// TestToFlagsFromFlags checks that flags can be parsed back to the same config.
func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	orig, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	orig.Debug = true
	orig.RAMSize = 8 << 20
	orig.TLBSmallSets = 32
	orig.SaltSeed = 0xfeed

	testFlags = newFlagSet()
	if err := testFlags.Parse(orig.ToFlags()); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig, c); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value string
		error string
	}{
		{
			name:  "ram-size",
			value: "lots",
			error: "parse error",
		},
		{
			name:  "debug",
			value: "maybe",
			error: "parse error",
		},
		{
			name:  "fault-log-interval",
			value: "often",
			error: "parse error",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlagSet()
			if err := testFlags.Lookup(tc.name).Value.Set(tc.value); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("flag.Value.Set(invalid) wrong error reported: %v", err)
			}
		})
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "unaligned-ram",
			flags: map[string]string{"ram-size": "4097"},
			error: "multiple of the page size",
		},
		{
			name:  "narrow-phys",
			flags: map[string]string{"max-phys-bits": "20"},
			error: "out of range",
		},
		{
			name:  "ram-beyond-phys",
			flags: map[string]string{"max-phys-bits": "32", "ram-size": "8589934592"},
			error: "exceeds",
		},
		{
			name:  "jit-not-power-of-two",
			flags: map[string]string{"jit-entries": "100"},
			error: "power of two",
		},
		{
			name:  "tlb-sets",
			flags: map[string]string{"tlb-l2-sets": "3"},
			error: "set count",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlagSet()
			for name, val := range tc.flags {
				if err := testFlags.Lookup(name).Value.Set(val); err != nil {
					t.Errorf("%s=%q: %v", name, val, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error reported: %v", err)
			}
		})
	}
}

func TestOverride(t *testing.T) {
	testFlags := newFlagSet()
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Override(testFlags, "jit-entries", "512"); err != nil {
		t.Fatalf("Override(jit-entries) failed: %v", err)
	}
	if c.JITEntries != 512 {
		t.Errorf("JITEntries=%d, want: 512", c.JITEntries)
	}
	if err := c.Override(testFlags, "jit-entries", "3"); err == nil {
		t.Errorf("Override(jit-entries, 3) succeeded")
	}
	if err := c.Override(testFlags, "no-such-flag", "1"); err == nil {
		t.Errorf("Override(no-such-flag) succeeded")
	}
	if err := c.Override(testFlags, "config", "other.toml"); err == nil {
		t.Errorf("Override(config) succeeded")
	}
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xlat.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyFile(t *testing.T) {
	path := writeFile(t, `
[flags]
debug = true
jit-entries = 128
tlb-l2-ways = 16
fault-log-interval = "10s"
`)
	testFlags := newFlagSet()
	if err := testFlags.Parse([]string{"--config=" + path, "--jit-entries=2048"}); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	// Command line wins over the file.
	if c.JITEntries != 2048 {
		t.Errorf("JITEntries=%d, want: 2048", c.JITEntries)
	}
	if c.TLBL2Ways != 16 {
		t.Errorf("TLBL2Ways=%d, want: 16", c.TLBL2Ways)
	}
	if c.FaultLogInterval != 10*time.Second {
		t.Errorf("FaultLogInterval=%v, want: 10s", c.FaultLogInterval)
	}
}

func TestApplyFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		error    string
	}{
		{
			name:     "unknown-table",
			contents: "[machine]\nram = 1\n",
			error:    "unknown keys",
		},
		{
			name:     "unknown-flag",
			contents: "[flags]\nbogus = 1\n",
			error:    "not found",
		},
		{
			name:     "bad-value",
			contents: "[flags]\nram-size = \"big\"\n",
			error:    "parse error",
		},
		{
			name:     "syntax",
			contents: "[flags\n",
			error:    "reading config file",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.contents)
			testFlags := newFlagSet()
			if err := testFlags.Parse([]string{"--config=" + path}); err != nil {
				t.Fatal(err)
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error reported: %v", err)
			}
		})
	}
}
