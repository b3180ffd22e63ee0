// Package chipdef holds the chip descriptor data model (spec §3): a chip's
// cores, memory map and flash-algorithm names. Loading and saving a single
// descriptor (used by tests and by embedders that already know which chip
// they are attached to) lives here; the multi-thousand-entry chip-family
// registry with fuzzy name search is the excluded external collaborator
// (spec §1, §4.7).
package chipdef

import (
	"os"

	"github.com/mcuscope/dbgcore/pkg/coreapi"
	"github.com/mcuscope/dbgcore/pkg/errtag"
	"gopkg.in/yaml.v3"
)

// RegionKind classifies one entry of a chip's memory map.
type RegionKind string

const (
	RegionRAM     RegionKind = "ram"
	RegionFlash   RegionKind = "flash"
	RegionGeneric RegionKind = "generic"
)

// MemoryRegion is one ordered entry of a chip's memory map.
type MemoryRegion struct {
	Name   string     `yaml:"name"`
	Kind   RegionKind `yaml:"kind"`
	Start  uint64     `yaml:"start"`
	Length uint64     `yaml:"length"`
}

// Contains reports whether addr falls within this region.
func (r MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.Start+r.Length
}

// ARMAccessOptions are the architecture-specific attach parameters ARM
// cores need: the debug AP's index and the DP's port-select value.
type ARMAccessOptions struct {
	APIndex    uint8  `yaml:"ap_index"`
	PortSelect uint32 `yaml:"port_select"`
}

// CoreType tags which architecture/implementation a Core descriptor names.
type CoreType string

const (
	CoreCortexM0  CoreType = "cortex-m0"
	CoreCortexM0P CoreType = "cortex-m0plus"
	CoreCortexM3  CoreType = "cortex-m3"
	CoreCortexM4  CoreType = "cortex-m4"
	CoreCortexM7  CoreType = "cortex-m7"
	CoreCortexM33 CoreType = "cortex-m33"
	CoreRISCV     CoreType = "riscv"
	CoreAVR       CoreType = "avr"
)

// Architecture maps a CoreType to the coreapi.Architecture it implies.
func (t CoreType) Architecture() coreapi.Architecture {
	switch t {
	case CoreRISCV:
		return coreapi.ArchRISCV
	case CoreAVR:
		return coreapi.ArchAVR
	default:
		return coreapi.ArchARM
	}
}

// Core is one core entry in a Chip descriptor.
type Core struct {
	Name string   `yaml:"name"`
	Type CoreType `yaml:"type"`

	// ARM is populated only when Type.Architecture() == coreapi.ArchARM.
	ARM *ARMAccessOptions `yaml:"arm,omitempty"`
}

// Chip is the full descriptor: name, optional part id, ordered cores, an
// ordered memory map, and the set of named flash algorithms it supports.
type Chip struct {
	Name          string         `yaml:"name"`
	Part          string         `yaml:"part,omitempty"`
	Cores         []Core         `yaml:"cores"`
	MemoryMap     []MemoryRegion `yaml:"memory_map"`
	FlashAlgos    []string       `yaml:"flash_algorithms,omitempty"`
}

// RegionFor returns the memory region containing addr, if any.
func (c *Chip) RegionFor(addr uint64) (MemoryRegion, bool) {
	for _, r := range c.MemoryMap {
		if r.Contains(addr) {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

// Load reads a single chip descriptor from a YAML file.
func Load(path string) (*Chip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtag.Wrap(errtag.Other, err, "reading chip descriptor %s", path)
	}
	var c Chip
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errtag.Wrap(errtag.Parse, err, "parsing chip descriptor %s", path)
	}
	return &c, nil
}

// Save writes a single chip descriptor to a YAML file.
func Save(path string, c *Chip) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errtag.Wrap(errtag.Other, err, "encoding chip descriptor %s", c.Name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errtag.Wrap(errtag.Other, err, "writing chip descriptor %s", path)
	}
	return nil
}
