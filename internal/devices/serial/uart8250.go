// Package serial describes the platform console UART.
package serial

import (
	"fmt"

	"github.com/tinyrange/hifive/internal/fdt"
)

const (
	// DefaultBase is where the HiFive board maps the console.
	DefaultBase = 0x10000000
	// UART8250Size covers the eight byte-wide 8250 registers.
	UART8250Size = 0x8
	// UART8250Clock is the reference clock advertised to the driver.
	UART8250Clock = 0x384000
)

// UART8250 describes the platform console. It does not carry its own
// interrupt id: the console raises the platform's console source, which is
// 0 when the console interrupt is routed over PCI instead.
type UART8250 struct {
	Base             uint64
	ConsoleInterrupt uint32
}

func (u *UART8250) Name() string    { return "uart" }
func (u *UART8250) PIOAddr() uint64 { return u.Base }
func (u *UART8250) PIOSize() uint64 { return UART8250Size }

// DeviceTreeNode returns the uart node. intParent is the phandle of the
// external interrupt controller.
func (u *UART8250) DeviceTreeNode(s *fdt.State, intParent uint32) (fdt.Node, error) {
	node, err := s.DeviceNode("uart", u.Base, UART8250Size)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("uart: %w", err)
	}
	if u.ConsoleInterrupt != 0 {
		node.Append(fdt.Words("interrupts", u.ConsoleInterrupt))
	}
	node.Append(fdt.Words("clock-frequency", UART8250Clock))
	if u.ConsoleInterrupt != 0 {
		node.Append(fdt.Words("interrupt-parent", intParent))
	}
	node.AppendCompatible("ns8250")
	return node, nil
}
