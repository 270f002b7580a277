// Package virtio describes virtio-mmio transports and their device tree nodes.
package virtio

import (
	"fmt"

	"github.com/tinyrange/hifive/internal/fdt"
)

// DefaultMMIOSize is the register window of one virtio-mmio transport.
const DefaultMMIOSize = 0x1000

// MMIO describes a virtio-mmio transport (block device, entropy source)
// wired to the external interrupt controller.
type MMIO struct {
	DeviceName string
	Base       uint64
	Size       uint64
	IRQ        uint32
}

// NewMMIO returns a transport with the default register window.
func NewMMIO(name string, base uint64, irq uint32) *MMIO {
	return &MMIO{DeviceName: name, Base: base, Size: DefaultMMIOSize, IRQ: irq}
}

func (m *MMIO) Name() string    { return m.DeviceName }
func (m *MMIO) PIOAddr() uint64 { return m.Base }

func (m *MMIO) PIOSize() uint64 {
	if m.Size == 0 {
		return DefaultMMIOSize
	}
	return m.Size
}

// InterruptID implements platform.InterruptSource.
func (m *MMIO) InterruptID() uint32 { return m.IRQ }

// DeviceTreeNode returns the virtio_mmio node.
func (m *MMIO) DeviceTreeNode(s *fdt.State, intParent uint32) (fdt.Node, error) {
	node, err := s.DeviceNode("virtio_mmio", m.Base, m.PIOSize())
	if err != nil {
		return fdt.Node{}, fmt.Errorf("%s: %w", m.DeviceName, err)
	}
	node.Append(fdt.Words("interrupts", m.IRQ))
	node.Append(fdt.Words("interrupt-parent", intParent))
	node.AppendCompatible("virtio,mmio")
	return node, nil
}
