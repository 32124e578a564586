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

package cmd

import (
	"context"
	"testing"
	"time"
)

func TestStress(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts stressOptions
	}{
		{
			name: "checkers-only",
			opts: stressOptions{checkers: 2, pages: 8},
		},
		{
			name: "contended",
			opts: stressOptions{writers: 4, checkers: 4, pages: 4},
		},
		{
			name: "single-page",
			opts: stressOptions{writers: 1, checkers: 2, pages: 1},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			res, err := runStress(ctx, tc.opts)
			if err != nil {
				t.Fatalf("runStress: %v", err)
			}
			if res.checks == 0 {
				t.Errorf("no checks ran")
			}
			if tc.opts.writers > 0 && res.writes == 0 {
				t.Errorf("no writes ran")
			}
		})
	}
}

func TestStressOptions(t *testing.T) {
	for _, o := range []stressOptions{
		{writers: 1, checkers: 0, pages: 8},
		{writers: -1, checkers: 1, pages: 8},
		{writers: 1, checkers: 1, pages: 0},
	} {
		if _, err := runStress(context.Background(), o); err == nil {
			t.Errorf("runStress(%+v) succeeded", o)
		}
	}
}
