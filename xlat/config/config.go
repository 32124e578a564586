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

// Package config provides basic infrastructure to set configuration settings
// for xlat. Each setting is defined as a command line flag and exposed as a
// field of Config. Settings may also be read from a TOML file.
package config

import (
	"fmt"
	"time"

	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/log"
	"gvisor.dev/guestmmu/pkg/mmu"
	"gvisor.dev/guestmmu/pkg/pagetables"
	"gvisor.dev/guestmmu/pkg/tlb"
)

// Config holds configuration that is not part of a scenario. Fields are set
// from flags of the same name.
type Config struct {
	// ConfigFile is the path of a TOML file with a [flags] table, applied
	// to flags not given on the command line.
	ConfigFile string `flag:"config"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows logs to go to stderr as well as the log file.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// RAMSize is the size of guest RAM in bytes.
	RAMSize uint64 `flag:"ram-size"`

	// MaxPhysBits is the guest physical address width.
	MaxPhysBits uint `flag:"max-phys-bits"`

	// TLB geometry.
	TLBSmallSets int `flag:"tlb-l1-4k-sets"`
	TLBSmallWays int `flag:"tlb-l1-4k-ways"`
	TLBLargeSets int `flag:"tlb-l1-large-sets"`
	TLBLargeWays int `flag:"tlb-l1-large-ways"`
	TLBL2Sets    int `flag:"tlb-l2-sets"`
	TLBL2Ways    int `flag:"tlb-l2-ways"`

	// JITEntries is the number of JIT translation cache entries.
	JITEntries int `flag:"jit-entries"`

	// SaltSeed seeds the JIT cache salt sequence.
	SaltSeed uint64 `flag:"salt-seed"`

	// FaultLogInterval limits how often page faults are logged.
	FaultLogInterval time.Duration `flag:"fault-log-interval"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.RAMSize == 0 || c.RAMSize%guestarch.PageSize != 0 {
		return fmt.Errorf("RAM size %#x must be a non-zero multiple of the page size", c.RAMSize)
	}
	if c.MaxPhysBits < 32 || c.MaxPhysBits > pagetables.DefaultMaxPhysBits {
		return fmt.Errorf("max-phys-bits %d out of range [32, %d]", c.MaxPhysBits, pagetables.DefaultMaxPhysBits)
	}
	if c.RAMSize > 1<<c.MaxPhysBits {
		return fmt.Errorf("RAM size %#x exceeds the %d-bit physical address space", c.RAMSize, c.MaxPhysBits)
	}
	if err := c.Geometry().Validate(); err != nil {
		return err
	}
	if c.JITEntries < 4 || c.JITEntries&(c.JITEntries-1) != 0 {
		return fmt.Errorf("jit-entries %d must be a power of two of at least 4", c.JITEntries)
	}
	if c.FaultLogInterval < 0 {
		return fmt.Errorf("fault-log-interval %v must not be negative", c.FaultLogInterval)
	}
	return nil
}

// Geometry returns the configured TLB geometry.
func (c *Config) Geometry() tlb.Geometry {
	return tlb.Geometry{
		L1Small: tlb.Shape{Sets: c.TLBSmallSets, Ways: c.TLBSmallWays},
		L1Large: tlb.Shape{Sets: c.TLBLargeSets, Ways: c.TLBLargeWays},
		L2:      tlb.Shape{Sets: c.TLBL2Sets, Ways: c.TLBL2Ways},
	}
}

// MMUOptions returns the translator options for this configuration.
func (c *Config) MMUOptions() mmu.Options {
	return mmu.Options{
		Geometry:         c.Geometry(),
		JITEntries:       c.JITEntries,
		SaltSeed:         c.SaltSeed,
		MaxPhysBits:      uint8(c.MaxPhysBits),
		FaultLogInterval: c.FaultLogInterval,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.LogFormat: %v", c.LogFormat)
	log.Infof("Config.Debug: %v", c.Debug)
	log.Infof("Config.RAMSize: %#x", c.RAMSize)
	log.Infof("Config.MaxPhysBits: %d", c.MaxPhysBits)
	log.Infof("Config.TLB: L1 4K %dx%d, L1 large %dx%d, L2 %dx%d",
		c.TLBSmallSets, c.TLBSmallWays, c.TLBLargeSets, c.TLBLargeWays, c.TLBL2Sets, c.TLBL2Ways)
	log.Infof("Config.JITEntries: %d", c.JITEntries)
	log.Infof("Config.SaltSeed: %#x", c.SaltSeed)
}
