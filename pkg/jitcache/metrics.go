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

package jitcache

import (
	"gvisor.dev/guestmmu/pkg/metric"
)

var (
	rotationsMetric = metric.MustCreateNewUint64Metric("/jit/salt_rotations", false, "Number of JIT translation cache salt rotations.")
	resolvesMetric  = metric.MustCreateNewUint64Metric("/jit/resolutions", false, "Number of JIT translation cache slow-path resolutions, by outcome.",
		metric.NewField("result", []string{"filled", "fault"}))
)
