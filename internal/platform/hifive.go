package platform

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hifive/internal/devices/clint"
	"github.com/tinyrange/hifive/internal/devices/pci"
	"github.com/tinyrange/hifive/internal/devices/plic"
	"github.com/tinyrange/hifive/internal/devices/serial"
	"github.com/tinyrange/hifive/internal/devices/virtio"
)

const (
	DefaultISA               = "rv64imafdc"
	DefaultMMUType           = "riscv,sv48"
	DefaultTimebaseFrequency = 10000000
	DefaultMemoryBase        = 0x80000000
	DefaultMemorySize        = 0x80000000

	// DefaultConsoleInterrupt is the PLIC source the console raises.
	DefaultConsoleInterrupt = 0xa
)

// DefaultPCIHost is the generic host bridge of the HiFive board model.
func DefaultPCIHost() pci.HostConfig {
	return pci.HostConfig{
		ConfBase:    0x30000000,
		ConfSize:    256 << 20,
		DeviceBits:  12,
		PIOBase:     0x2f000000,
		MemBase:     0x40000000,
		IntBase:     0x10,
		IntCount:    4,
		DMACoherent: true,
	}
}

// HiFive is a SiFive HiFive style platform: CLINT and PLIC on chip, a
// console UART and virtio-mmio devices off chip, and a generic PCI host.
type HiFive struct {
	CLINT  *clint.CLINT
	PLIC   *plic.PLIC
	PCI    *pci.Host
	UART   *serial.UART8250
	VirtIO []*virtio.MMIO

	// Harts lists hart ids in the order their cpu nodes are emitted.
	Harts []uint32

	ISA               string
	MMUType           string
	TimebaseFrequency uint32
	MemoryBase        uint64
	MemorySize        uint64
	Bootargs          string

	Logger *slog.Logger
}

// NewHiFive returns the default board with the given number of harts.
func NewHiFive(harts int) *HiFive {
	p := &HiFive{
		CLINT:             clint.New(clint.DefaultBase),
		PLIC:              plic.New(plic.DefaultBase),
		PCI:               pci.NewHost(DefaultPCIHost()),
		UART:              &serial.UART8250{Base: serial.DefaultBase, ConsoleInterrupt: DefaultConsoleInterrupt},
		ISA:               DefaultISA,
		MMUType:           DefaultMMUType,
		TimebaseFrequency: DefaultTimebaseFrequency,
		MemoryBase:        DefaultMemoryBase,
		MemorySize:        DefaultMemorySize,
	}
	p.SetNumCores(harts)
	return p
}

// SetNumCores gives the platform harts 0..n-1, one CLINT thread per hart and
// a machine plus supervisor PLIC context per hart.
func (p *HiFive) SetNumCores(n int) {
	p.Harts = make([]uint32, n)
	for i := range p.Harts {
		p.Harts[i] = uint32(i)
	}
	p.CLINT.NumThreads = n
	p.PLIC.SetHarts(n)
}

func (p *HiFive) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Registry classifies the platform peripherals. It is rebuilt on every call
// so it always reflects the current topology.
func (p *HiFive) Registry() (*Registry, error) {
	if p.CLINT == nil || p.PLIC == nil || p.UART == nil || p.PCI == nil {
		return nil, fmt.Errorf("platform is missing clint, plic, uart or pci host")
	}
	r := NewRegistry()
	if err := r.AddOnChip(p.CLINT); err != nil {
		return nil, err
	}
	if err := r.AddOnChip(p.PLIC); err != nil {
		return nil, err
	}
	if err := r.AddOffChip(p.UART); err != nil {
		return nil, err
	}
	for _, dev := range p.VirtIO {
		if err := r.AddOffChip(dev); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// PCIWindowCollisions lists fixed sources that fall inside the PCI host's
// interrupt window. They are reported, not rejected.
func (p *HiFive) PCIWindowCollisions() ([]Collision, error) {
	r, err := p.Registry()
	if err != nil {
		return nil, err
	}
	base, count := p.PCI.InterruptWindow()
	return windowCollisions(p.UART.ConsoleInterrupt, base, count, r.OffChip()), nil
}

// AttachPLIC counts the external interrupt sources and stores the result on
// the PLIC. It must run before the tree is generated.
func (p *HiFive) AttachPLIC() (uint32, error) {
	r, err := p.Registry()
	if err != nil {
		return 0, err
	}
	base, count := p.PCI.InterruptWindow()
	offChip := r.OffChip()

	n, err := InterruptSources(p.UART.ConsoleInterrupt, base, count, offChip)
	if err != nil {
		return 0, err
	}
	p.PLIC.NumSources = n

	log := p.logger()
	for _, c := range windowCollisions(p.UART.ConsoleInterrupt, base, count, offChip) {
		log.Warn("interrupt source inside pci window",
			"device", c.Device,
			"source", fmt.Sprintf("%#x", c.InterruptID),
			"window", fmt.Sprintf("[%#x, %#x)", base, base+count))
	}
	log.Debug("plic sources attached", "count", n)
	return n, nil
}
