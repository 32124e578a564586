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
	"errors"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/guestmmu/pkg/metric"
	"gvisor.dev/guestmmu/xlat/cmd/util"
	"gvisor.dev/guestmmu/xlat/config"
	"gvisor.dev/guestmmu/xlat/flag"
	"gvisor.dev/guestmmu/xlat/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// metrics indicates that metrics are printed after the scenario.
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a guest paging scenario"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-metrics] <scenario.toml> - builds the guest described by the scenario file and runs its steps.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.metrics, "metrics", false, "print metrics in Prometheus format after the scenario.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := scenario.Load(f.Arg(0))
	if err != nil {
		util.Fatalf("loading scenario: %v", err)
	}
	m, err := scenario.NewMachine(s, conf.RAMSize, conf.MMUOptions())
	if err != nil {
		util.Fatalf("creating machine: %v", err)
	}
	defer m.Release()

	status := subcommands.ExitSuccess
	if err := m.Run(os.Stdout); err != nil {
		if !errors.Is(err, scenario.ErrExpectation) {
			util.Fatalf("running scenario: %v", err)
		}
		_ = util.Errorf("%v", err)
		status = subcommands.ExitFailure
	}
	st := m.Translator().Stats()
	util.Infof("%d translations, %d walks, %d faults, %d flushes, %d salt rotations",
		st.Translations, st.Walks, st.Faults, st.Flushes, st.SaltRotations)

	if r.metrics {
		if err := metric.WritePrometheus(os.Stdout); err != nil {
			util.Fatalf("writing metrics: %v", err)
		}
	}
	return status
}
