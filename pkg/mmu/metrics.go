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

package mmu

import (
	"gvisor.dev/guestmmu/pkg/metric"
)

var (
	translationsMetric = metric.MustCreateNewUint64Metric("/mmu/translations", false, "Number of successful translations, by source.",
		metric.NewField("source", []string{"identity", "tlb", "walk"}))
	faultsMetric = metric.MustCreateNewUint64Metric("/mmu/page_faults", false, "Number of page faults raised, by kind.",
		metric.NewField("kind", []string{"not_present", "protection", "reserved"}))
	rotationsMetric = metric.MustCreateNewUint64Metric("/mmu/salt_rotations", false, "Number of JIT cache salt rotations, by cause.",
		metric.NewField("cause", []string{"cr0", "cr3", "cr4", "efer", "maxphys", "flush", "cpl", "invlpg", "invpcid", "routing"}))
)
