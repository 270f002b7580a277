// Package plic describes the platform-level interrupt controller that routes
// off-chip interrupt sources to hart contexts.
package plic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/hifive/internal/fdt"
)

const (
	// DefaultBase is where the HiFive board maps the controller.
	DefaultBase = 0xc000000
	// Size covers the priority, pending, enable and context registers.
	Size = 0x4000000
)

// Context interrupt causes.
const (
	causeSupervisorExternal = 9
	causeMachineExternal    = 11
)

// ErrSourcesNotAttached is returned when the node is requested before the
// platform has computed the number of sources.
var ErrSourcesNotAttached = errors.New("plic source count not attached")

// PLIC is the platform-level interrupt controller.
type PLIC struct {
	Base uint64
	// NumSources is the number of interrupt sources including the reserved
	// source 0. It is written by the platform before generation.
	NumSources uint32
	// HartConfig lists the privilege contexts of each hart, e.g. "MS,MS".
	HartConfig string
}

// New returns a PLIC at base.
func New(base uint64) *PLIC {
	return &PLIC{Base: base}
}

func (p *PLIC) Name() string    { return "plic" }
func (p *PLIC) PIOAddr() uint64 { return p.Base }
func (p *PLIC) PIOSize() uint64 { return Size }

// SetHarts gives every hart a machine and a supervisor context.
func (p *PLIC) SetHarts(n int) {
	p.HartConfig = machineSupervisor(n)
}

func machineSupervisor(n int) string {
	ctx := make([]string, n)
	for i := range ctx {
		ctx[i] = "MS"
	}
	return strings.Join(ctx, ",")
}

// contexts expands the hart config into interrupts-extended pairs.
func (p *PLIC) contexts(harts []uint32) ([]uint32, error) {
	config := p.HartConfig
	if config == "" {
		config = machineSupervisor(len(harts))
	}
	entries := strings.Split(config, ",")
	if len(entries) != len(harts) {
		return nil, fmt.Errorf("hart config %q lists %d harts, platform has %d", config, len(entries), len(harts))
	}
	var out []uint32
	for hart, modes := range entries {
		for _, m := range modes {
			switch m {
			case 'M':
				out = append(out, harts[hart], causeMachineExternal)
			case 'S':
				out = append(out, harts[hart], causeSupervisorExternal)
			default:
				return nil, fmt.Errorf("hart config %q: unknown mode %q", config, m)
			}
		}
	}
	return out, nil
}

// DeviceTreeNode returns the plic node and allocates the controller's
// phandle under Name().
func (p *PLIC) DeviceTreeNode(s *fdt.State, harts []uint32) (fdt.Node, error) {
	if p.NumSources == 0 {
		return fdt.Node{}, fmt.Errorf("plic: %w", ErrSourcesNotAttached)
	}
	ext, err := p.contexts(harts)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("plic: %w", err)
	}

	node, err := s.DeviceNode("plic", p.Base, Size)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("plic: %w", err)
	}
	intState := s.Child(fdt.WithAddrCells(0), fdt.WithInterruptCells(1))
	node.Append(intState.AddrCellsProperty(), intState.InterruptCellsProperty())

	handle, err := intState.Phandle(p.Name())
	if err != nil {
		return fdt.Node{}, fmt.Errorf("plic: %w", err)
	}
	node.SetPhandle(handle)
	node.Append(fdt.Words("riscv,ndev", p.NumSources-1))
	node.Append(fdt.Words("interrupts-extended", ext...))
	node.Append(fdt.Flag("interrupt-controller"))
	node.AppendCompatible("riscv,plic0")
	return node, nil
}
