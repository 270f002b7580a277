// Package pci describes the generic PCI host bridge of a platform and its
// device tree node.
package pci

import (
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/hifive/internal/fdt"
)

// PCI address space codes carried in bits 24-25 of phys.hi.
const (
	SpaceConfig uint32 = 0
	SpaceIO     uint32 = 1
	SpaceMemory uint32 = 2
)

const (
	// Window sizes advertised in ranges. They are fixed by the platform and
	// do not follow ConfSize.
	IOWindowSize     = 0x10000
	MemoryWindowSize = 0x40000000

	pciAddrCells      = 3
	pciSizeCells      = 2
	pciInterruptCells = 1

	maxBuses = 256
)

var (
	// ErrUnsupportedDeviceBits is returned for config spaces that are neither CAM nor ECAM.
	ErrUnsupportedDeviceBits = errors.New("no compatible string for config-space device bits")
	// ErrInterruptCountNotPowerOfTwo is returned when the interrupt slot count breaks the swizzle mask.
	ErrInterruptCountNotPowerOfTwo = errors.New("pci interrupt count should be a power of 2")
	// ErrInterruptWindowOverflow is returned when the slot sources run past the last 32-bit source.
	ErrInterruptWindowOverflow = errors.New("pci interrupt window exceeds the 32-bit source range")
)

// HostConfig describes the generic host bridge as seen by the device tree.
type HostConfig struct {
	ConfBase    uint64
	ConfSize    uint64
	DeviceBits  uint8
	PIOBase     uint64
	MemBase     uint64
	IntBase     uint32
	IntCount    uint32
	DMACoherent bool
}

// Address is a PCI unit address as used in ranges and interrupt-map.
type Address struct {
	Bus          uint32
	Device       uint32
	Function     uint32
	Register     uint32
	Space        uint32
	Aliased      bool
	Prefetchable bool
	Relocatable  bool
	Addr         uint64
}

// Hi returns the phys.hi metadata word.
func (a Address) Hi() uint32 {
	hi := a.Bus<<16 | a.Device<<11 | a.Function<<8 | a.Register | a.Space<<24
	if a.Aliased {
		hi |= 1 << 29
	}
	if a.Prefetchable {
		hi |= 1 << 30
	}
	if a.Relocatable {
		hi |= 1 << 31
	}
	return hi
}

// Cells encodes the address using the cell widths of s: one metadata word
// followed by AddrCells-1 words of address.
func (a Address) Cells(s *fdt.State) ([]uint32, error) {
	if s.AddrCells < 1 {
		return nil, fmt.Errorf("pci address needs at least one cell, scope has %d", s.AddrCells)
	}
	addr, err := fdt.EncodeCells(a.Addr, s.AddrCells-1)
	if err != nil {
		return nil, fmt.Errorf("pci address: %w", err)
	}
	return append([]uint32{a.Hi()}, addr...), nil
}

// Host is a generic PCI host bridge whose interrupts are routed through the
// platform interrupt controller.
type Host struct {
	cfg HostConfig
}

// NewHost wraps the supplied configuration.
func NewHost(cfg HostConfig) *Host {
	return &Host{cfg: cfg}
}

// Name implements platform.Device.
func (h *Host) Name() string { return "pci" }

// PIOAddr implements platform.Device; the host occupies its config space.
func (h *Host) PIOAddr() uint64 { return h.cfg.ConfBase }

// PIOSize implements platform.Device.
func (h *Host) PIOSize() uint64 { return h.cfg.ConfSize }

// Config returns the host configuration.
func (h *Host) Config() HostConfig { return h.cfg }

// InterruptWindow returns the platform sources reserved for the host,
// [base, base+count).
func (h *Host) InterruptWindow() (base, count uint32) {
	return h.cfg.IntBase, h.cfg.IntCount
}

// Compatible selects the compatible string for the config-space layout.
func (h *Host) Compatible() (string, error) {
	switch h.cfg.DeviceBits {
	case 8:
		return "pci-host-cam-generic", nil
	case 12:
		return "pci-host-ecam-generic", nil
	default:
		return "", fmt.Errorf("conf_device_bits=%d: %w", h.cfg.DeviceBits, ErrUnsupportedDeviceBits)
	}
}

// Validate checks the configuration errors that abort tree generation.
func (h *Host) Validate() error {
	if _, err := h.Compatible(); err != nil {
		return err
	}
	if n := h.cfg.IntCount; n == 0 || n&(n-1) != 0 {
		return fmt.Errorf("int_count=%d: %w", n, ErrInterruptCountNotPowerOfTwo)
	}
	if end := uint64(h.cfg.IntBase) + uint64(h.cfg.IntCount); end > math.MaxUint32 {
		return fmt.Errorf("int_base=%#x int_count=%d: %w", h.cfg.IntBase, h.cfg.IntCount, ErrInterruptWindowOverflow)
	}
	return nil
}

func (h *Host) busRange() []uint32 {
	// config space per bus: 32 devices x 8 functions x 2^DeviceBits bytes
	buses := h.cfg.ConfSize >> (uint(h.cfg.DeviceBits) + 8)
	if buses > maxBuses {
		buses = maxBuses
	}
	if buses == 0 {
		buses = 1
	}
	return []uint32{0, uint32(buses - 1)}
}

// DeviceTreeNode returns the "pci" node. parent is the scope of the bus the
// host sits on; interruptParent names the owner of the controller phandle
// that interrupt-map points at, which must already be allocated.
func (h *Host) DeviceTreeNode(parent *fdt.State, interruptParent string) (fdt.Node, error) {
	if err := h.Validate(); err != nil {
		return fdt.Node{}, fmt.Errorf("pci host: %w", err)
	}
	node, err := h.deviceTreeNode(parent, interruptParent)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("pci host: %w", err)
	}
	return node, nil
}

func (h *Host) deviceTreeNode(parent *fdt.State, interruptParent string) (fdt.Node, error) {
	state := parent.Child(
		fdt.WithAddrCells(pciAddrCells),
		fdt.WithSizeCells(pciSizeCells),
		fdt.WithInterruptCells(pciInterruptCells),
		fdt.WithCPUCells(1),
	)

	node := fdt.NewNode("pci")
	compatible, err := h.Compatible()
	if err != nil {
		return fdt.Node{}, err
	}
	node.AppendCompatible(compatible)
	node.Append(fdt.Strings("device_type", "pci"))
	node.Append(state.AddrCellsProperty(), state.SizeCellsProperty(), state.InterruptCellsProperty())
	node.Append(fdt.Words("bus-range", h.busRange()...))

	// own location, in the parent's cells
	reg, err := parent.Reg(h.cfg.ConfBase, h.cfg.ConfSize)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("reg: %w", err)
	}
	node.Append(fdt.Words("reg", reg...))

	ranges, err := h.ranges(state)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("ranges: %w", err)
	}
	node.Append(fdt.Words("ranges", ranges...))

	intParent, err := state.Phandles().Lookup(interruptParent)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("interrupt-map: %w", err)
	}
	intMap, err := h.interruptMap(state, intParent)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("interrupt-map: %w", err)
	}
	node.Append(fdt.Words("interrupt-map", intMap...))

	mask, err := h.interruptMapMask(state)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("interrupt-map-mask: %w", err)
	}
	node.Append(fdt.Words("interrupt-map-mask", mask...))

	if h.cfg.DMACoherent {
		node.Append(fdt.Flag("dma-coherent"))
	}
	return node, nil
}

func (h *Host) ranges(state *fdt.State) ([]uint32, error) {
	windows := []struct {
		space uint32
		base  uint64
		size  uint64
	}{
		{SpaceIO, h.cfg.PIOBase, IOWindowSize},
		{SpaceMemory, h.cfg.MemBase, MemoryWindowSize},
	}
	var out []uint32
	for _, w := range windows {
		child, err := Address{Space: w.space}.Cells(state)
		if err != nil {
			return nil, err
		}
		parentAddr, err := state.Parent().Address(w.base)
		if err != nil {
			return nil, err
		}
		size, err := state.Size(w.size)
		if err != nil {
			return nil, err
		}
		out = append(out, child...)
		out = append(out, parentAddr...)
		out = append(out, size...)
	}
	return out, nil
}

// interruptMap routes pin i+1 of slot i straight to source IntBase+i.
func (h *Host) interruptMap(state *fdt.State, intParent uint32) ([]uint32, error) {
	ref, err := state.CPURef(intParent)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for i := uint32(0); i < h.cfg.IntCount; i++ {
		addr, err := Address{Device: i}.Cells(state)
		if err != nil {
			return nil, err
		}
		pin, err := state.Interrupt(i + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, addr...)
		out = append(out, pin...)
		out = append(out, ref...)
		out = append(out, h.cfg.IntBase+i)
	}
	return out, nil
}

func (h *Host) interruptMapMask(state *fdt.State) ([]uint32, error) {
	addr, err := Address{Device: h.cfg.IntCount - 1}.Cells(state)
	if err != nil {
		return nil, err
	}
	pin, err := state.Interrupt(0)
	if err != nil {
		return nil, err
	}
	return append(addr, pin...), nil
}
