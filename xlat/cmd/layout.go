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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/guestmmu/pkg/jitcache"
	"gvisor.dev/guestmmu/xlat/config"
	"gvisor.dev/guestmmu/xlat/flag"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the JIT translation cache layout used by generated code"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout - prints context and entry offsets, entry flags, and the index mask for --jit-entries.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	for _, row := range []struct {
		name  string
		value uint64
	}{
		{"context.ram_base", uint64(jitcache.RAMBaseOffset)},
		{"context.salt", uint64(jitcache.SaltOffset)},
		{"context.index_mask", uint64(jitcache.IndexMaskOffset)},
		{"context.table", uint64(jitcache.TableOffset)},
		{"entry.size", uint64(jitcache.EntrySize)},
		{"entry.tag", uint64(jitcache.EntryTagOffset)},
		{"entry.data", uint64(jitcache.EntryDataOffset)},
		{"flag.read", jitcache.FlagRead},
		{"flag.write", jitcache.FlagWrite},
		{"flag.exec", jitcache.FlagExec},
		{"flag.is_ram", jitcache.FlagIsRAM},
		{"flag.code_watch", jitcache.FlagCodeWatch},
		{"flags_mask", jitcache.FlagsMask},
		{"fault_sentinel", jitcache.FaultSentinel},
		{"index_mask", uint64(conf.JITEntries - 1)},
	} {
		fmt.Fprintf(w, "%s\t%#x\n", row.name, row.value)
	}
	if err := w.Flush(); err != nil {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
