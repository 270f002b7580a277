// Package clint describes the core-local interruptor (timer and software
// interrupts) of a HiFive platform.
package clint

import (
	"fmt"

	"github.com/tinyrange/hifive/internal/fdt"
)

const (
	// DefaultBase is where the HiFive board maps the CLINT.
	DefaultBase = 0x2000000
	// Size covers msip, mtimecmp and mtime.
	Size = 0xc000
)

// Local interrupt causes wired to each hart.
const (
	causeMachineSoftware = 3
	causeMachineTimer    = 7
)

// CLINT is the core-local interruptor. It is wired directly to the per-hart
// interrupt controllers.
type CLINT struct {
	Base       uint64
	NumThreads int
}

// New returns a CLINT at base.
func New(base uint64) *CLINT {
	return &CLINT{Base: base}
}

func (c *CLINT) Name() string    { return "clint" }
func (c *CLINT) PIOAddr() uint64 { return c.Base }
func (c *CLINT) PIOSize() uint64 { return Size }

// DeviceTreeNode returns the clint node. harts holds the phandle of every
// hart's local interrupt controller, in hart order.
func (c *CLINT) DeviceTreeNode(s *fdt.State, harts []uint32) (fdt.Node, error) {
	if c.NumThreads != 0 && c.NumThreads != len(harts) {
		return fdt.Node{}, fmt.Errorf("clint: configured for %d threads, platform has %d harts", c.NumThreads, len(harts))
	}
	node, err := s.DeviceNode("clint", c.Base, Size)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("clint: %w", err)
	}
	var ext []uint32
	for _, h := range harts {
		ext = append(ext, h, causeMachineSoftware, h, causeMachineTimer)
	}
	node.Append(fdt.Words("interrupts-extended", ext...))
	node.AppendCompatible("riscv,clint0")
	return node, nil
}
