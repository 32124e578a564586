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

package tlb

import (
	"gvisor.dev/guestmmu/pkg/metric"
)

var (
	lookupsMetric = metric.MustCreateNewUint64Metric("/tlb/lookups", false, "Number of TLB lookups, by stream and outcome.",
		metric.NewField("stream", []string{"data", "instruction"}),
		metric.NewField("result", []string{"l1_hit", "l2_hit", "miss"}))
	flushesMetric = metric.MustCreateNewUint64Metric("/tlb/invalidations", false, "Number of TLB invalidation operations, by scope.",
		metric.NewField("scope", []string{"page", "pcid", "nonglobal", "all"}))
)
