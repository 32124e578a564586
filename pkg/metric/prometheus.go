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
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// namespace prefixes every exported metric name.
const namespace = "guestmmu"

// PrometheusName converts a registered metric name such as "/tlb/lookups"
// into a valid Prometheus metric name.
func PrometheusName(name string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, part := range strings.Split(strings.Trim(name, "/"), "/") {
		if part == "" {
			continue
		}
		b.WriteByte('_')
		for _, c := range part {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
				b.WriteRune(c)
			default:
				b.WriteByte('_')
			}
		}
	}
	return b.String()
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// exposition format. Metrics are written in name order; every field
// combination is written, including zero values.
func WritePrometheus(w io.Writer) error {
	mu.Lock()
	metrics := make([]*Uint64Metric, 0, len(allMetrics))
	for _, m := range allMetrics {
		metrics = append(metrics, m)
	}
	mu.Unlock()
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].name < metrics[j].name })

	bw := bufio.NewWriter(w)
	for _, m := range metrics {
		name := PrometheusName(m.name)
		fmt.Fprintf(bw, "# HELP %s %s\n", name, escapeHelp(m.description))
		fmt.Fprintf(bw, "# TYPE %s counter\n", name)
		for key := range m.fields {
			values := m.fieldMapper.keyToMultiField(key)
			bw.WriteString(name)
			if len(values) > 0 {
				bw.WriteByte('{')
				for i, v := range values {
					if i > 0 {
						bw.WriteByte(',')
					}
					fmt.Fprintf(bw, "%s=%q", m.fieldMapper.fields[i].name, v)
				}
				bw.WriteByte('}')
			}
			fmt.Fprintf(bw, " %d\n", m.fields[key].Load())
		}
	}
	return bw.Flush()
}

func escapeHelp(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "\n", `\n`)
}
