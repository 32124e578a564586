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
	"math/rand/v2"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/guestmmu/pkg/atomicbitops"
	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/log"
	"gvisor.dev/guestmmu/pkg/pageversion"
	"gvisor.dev/guestmmu/xlat/cmd/util"
	"gvisor.dev/guestmmu/xlat/flag"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOptions
}

type stressOptions struct {
	writers  int
	checkers int
	pages    uint64
	duration time.Duration
}

type stressResult struct {
	writes uint64
	checks uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "check page version tracking under concurrent guest writes"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs concurrent writers against compiled units and fails if a write goes unnoticed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.writers, "writers", 4, "number of goroutines writing random guest pages.")
	f.IntVar(&s.opts.checkers, "checkers", 4, "number of goroutines compiling units and checking them after writes.")
	f.Uint64Var(&s.opts.pages, "pages", 1024, "number of tracked guest pages.")
	f.DurationVar(&s.opts.duration, "duration", 5*time.Second, "how long to run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.duration)
	defer cancel()

	start := time.Now()
	res, err := runStress(ctx, s.opts)
	if err != nil {
		_ = util.Errorf("stress: %v", err)
		return subcommands.ExitFailure
	}
	util.Infof("%d writes, %d checks in %v, no missed writes", res.writes, res.checks, time.Since(start).Round(time.Millisecond))
	return subcommands.ExitSuccess
}

func (o *stressOptions) validate() error {
	if o.writers < 0 || o.checkers < 1 {
		return fmt.Errorf("need at least one checker and no negative writer count, got %d writers and %d checkers", o.writers, o.checkers)
	}
	if o.pages == 0 {
		return fmt.Errorf("no pages to track")
	}
	return nil
}

// runStress runs writers and checkers until ctx is done. Each checker
// repeatedly compiles a unit over a few pages, writes one of them, and
// verifies that both the snapshot and the installed unit are stale.
func runStress(ctx context.Context, o stressOptions) (stressResult, error) {
	if err := o.validate(); err != nil {
		return stressResult{}, err
	}
	tracker := pageversion.NewTracker(o.pages * guestarch.PageSize)
	cc := pageversion.NewCodeCache[int](tracker)
	progress := log.BasicRateLimitedLogger(time.Second)

	var writes, checks atomicbitops.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.writers; i++ {
		rng := rand.New(rand.NewPCG(uint64(i), 0))
		g.Go(func() error {
			for ctx.Err() == nil {
				paddr := rng.Uint64N(o.pages * guestarch.PageSize)
				tracker.OnGuestWrite(paddr, 1+rng.Uint64N(64))
				writes.Add(1)
			}
			return nil
		})
	}
	for i := 0; i < o.checkers; i++ {
		id := i
		rng := rand.New(rand.NewPCG(uint64(id), 1))
		g.Go(func() error {
			for ctx.Err() == nil {
				page := rng.Uint64N(o.pages)
				n := 1 + rng.Uint64N(min(4, o.pages-page))
				// Entries are unique per checker.
				entry := page*guestarch.PageSize + uint64(id)
				unit := &pageversion.Unit[int]{
					Handle:   id,
					Snapshot: tracker.Snapshot(page*guestarch.PageSize, n*guestarch.PageSize),
				}
				installed := cc.Install(entry, unit)

				victim := page + rng.Uint64N(n)
				tracker.OnGuestWrite(victim*guestarch.PageSize+rng.Uint64N(guestarch.PageSize), 1)
				if !tracker.IsStale(&unit.Snapshot) {
					return fmt.Errorf("checker %d: write to page %#x not observed by snapshot of pages [%#x, %#x)", id, victim, page, page+n)
				}
				if installed == pageversion.Accepted {
					if _, ok := cc.Lookup(entry); ok {
						return fmt.Errorf("checker %d: stale unit at %#x still valid", id, entry)
					}
				}
				if c := checks.Add(1); c%100000 == 0 {
					progress.Infof("Stress: %d checks, %d writes", c, writes.Load())
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return stressResult{writes: writes.Load(), checks: checks.Load()}, err
}
