package platform

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/tinyrange/hifive/internal/devices/clint"
	"github.com/tinyrange/hifive/internal/devices/pci"
	"github.com/tinyrange/hifive/internal/devices/plic"
	"github.com/tinyrange/hifive/internal/devices/serial"
	"github.com/tinyrange/hifive/internal/devices/virtio"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk description of a platform.
type Config struct {
	Harts             int    `yaml:"harts,omitempty"`
	ISA               string `yaml:"isa,omitempty"`
	MMUType           string `yaml:"mmuType,omitempty"`
	TimebaseFrequency uint32 `yaml:"timebaseFrequency,omitempty"`
	Bootargs          string `yaml:"bootargs,omitempty"`

	Memory MemoryConfig   `yaml:"memory"`
	CLINT  BaseConfig     `yaml:"clint"`
	PLIC   BaseConfig     `yaml:"plic"`
	UART   UARTConfig     `yaml:"uart"`
	PCI    PCIConfig      `yaml:"pci"`
	VirtIO []VirtIOConfig `yaml:"virtio"`
}

type MemoryConfig struct {
	Base uint64 `yaml:"base,omitempty"`
	Size uint64 `yaml:"size,omitempty"`
}

type BaseConfig struct {
	Base uint64 `yaml:"base,omitempty"`
}

type UARTConfig struct {
	Base uint64 `yaml:"base,omitempty"`
	// ConsoleInterruptID is the source the console raises; 0 routes the
	// console interrupt over PCI instead.
	ConsoleInterruptID *uint32 `yaml:"consoleInterruptID,omitempty"`
}

// PCIConfig describes the host bridge. Fields where 0 is a value the host
// must reject are pointers so an explicit 0 is not mistaken for "unset".
type PCIConfig struct {
	ConfBase    uint64  `yaml:"confBase,omitempty"`
	ConfSize    uint64  `yaml:"confSize,omitempty"`
	DeviceBits  *uint8  `yaml:"deviceBits,omitempty"`
	PIOBase     uint64  `yaml:"pioBase,omitempty"`
	MemBase     uint64  `yaml:"memBase,omitempty"`
	IntBase     *uint32 `yaml:"intBase,omitempty"`
	IntCount    *uint32 `yaml:"intCount,omitempty"`
	DMACoherent *bool   `yaml:"dmaCoherent,omitempty"`
}

type VirtIOConfig struct {
	Name        string      `yaml:"name"`
	Base        uint64      `yaml:"base"`
	Size        uint64      `yaml:"size,omitempty"`
	InterruptID InterruptID `yaml:"interruptID"`
}

// InterruptID is either a fixed source or "auto".
type InterruptID struct {
	Auto  bool
	Value uint32
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (id *InterruptID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: interruptID must be a number or \"auto\"", node.Line)
	}
	if strings.EqualFold(node.Value, "auto") {
		*id = InterruptID{Auto: true}
		return nil
	}
	v, err := strconv.ParseUint(node.Value, 0, 32)
	if err != nil {
		return fmt.Errorf("line %d: interruptID %q: %w", node.Line, node.Value, err)
	}
	*id = InterruptID{Value: uint32(v)}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (id InterruptID) MarshalYAML() (any, error) {
	if id.Auto {
		return "auto", nil
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("%#x", id.Value)}, nil
}

func (c *Config) normalize() {
	if c.Harts == 0 {
		c.Harts = 1
	}
	if c.ISA == "" {
		c.ISA = DefaultISA
	}
	if c.MMUType == "" {
		c.MMUType = DefaultMMUType
	}
	if c.TimebaseFrequency == 0 {
		c.TimebaseFrequency = DefaultTimebaseFrequency
	}
	if c.Memory.Base == 0 {
		c.Memory.Base = DefaultMemoryBase
	}
	if c.Memory.Size == 0 {
		c.Memory.Size = DefaultMemorySize
	}
	if c.CLINT.Base == 0 {
		c.CLINT.Base = clint.DefaultBase
	}
	if c.PLIC.Base == 0 {
		c.PLIC.Base = plic.DefaultBase
	}
	if c.UART.Base == 0 {
		c.UART.Base = serial.DefaultBase
	}
	if c.UART.ConsoleInterruptID == nil {
		v := uint32(DefaultConsoleInterrupt)
		c.UART.ConsoleInterruptID = &v
	}

	def := DefaultPCIHost()
	if c.PCI.ConfBase == 0 {
		c.PCI.ConfBase = def.ConfBase
	}
	if c.PCI.ConfSize == 0 {
		c.PCI.ConfSize = def.ConfSize
	}
	if c.PCI.DeviceBits == nil {
		v := def.DeviceBits
		c.PCI.DeviceBits = &v
	}
	if c.PCI.PIOBase == 0 {
		c.PCI.PIOBase = def.PIOBase
	}
	if c.PCI.MemBase == 0 {
		c.PCI.MemBase = def.MemBase
	}
	if c.PCI.IntBase == nil {
		v := def.IntBase
		c.PCI.IntBase = &v
	}
	if c.PCI.IntCount == nil {
		v := def.IntCount
		c.PCI.IntCount = &v
	}
	if c.PCI.DMACoherent == nil {
		v := def.DMACoherent
		c.PCI.DMACoherent = &v
	}

	// A missing list gets the board's disk and entropy device; an explicit
	// empty list means none.
	if c.VirtIO == nil {
		c.VirtIO = []VirtIOConfig{
			{Name: "rng", Base: 0x10007000, InterruptID: InterruptID{Value: 0x9}},
			{Name: "disk", Base: 0x10008000, InterruptID: InterruptID{Value: 0x8}},
		}
	}
	c.VirtIO = slices.Clone(c.VirtIO)
	for i := range c.VirtIO {
		if c.VirtIO[i].Size == 0 {
			c.VirtIO[i].Size = virtio.DefaultMMIOSize
		}
	}
}

// DefaultConfig returns the normalized configuration of the stock board.
func DefaultConfig() Config {
	var c Config
	c.normalize()
	return c
}

// LoadConfig reads and normalizes a platform file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and normalizes a platform description.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse platform config: %w", err)
	}
	c.normalize()
	return c, nil
}

// WriteConfig writes c as YAML.
func WriteConfig(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Platform builds the topology described by c. Devices with an "auto"
// interrupt id get the lowest source not used by the console, the PCI
// window or any fixed id.
func (c Config) Platform() (*HiFive, error) {
	c.normalize()
	if c.Harts < 0 {
		return nil, fmt.Errorf("harts=%d: must be positive", c.Harts)
	}

	p := NewHiFive(c.Harts)
	p.ISA = c.ISA
	p.MMUType = c.MMUType
	p.TimebaseFrequency = c.TimebaseFrequency
	p.Bootargs = c.Bootargs
	p.MemoryBase = c.Memory.Base
	p.MemorySize = c.Memory.Size
	p.CLINT.Base = c.CLINT.Base
	p.PLIC.Base = c.PLIC.Base
	p.UART.Base = c.UART.Base
	p.UART.ConsoleInterrupt = *c.UART.ConsoleInterruptID
	p.PCI = pci.NewHost(pci.HostConfig{
		ConfBase:    c.PCI.ConfBase,
		ConfSize:    c.PCI.ConfSize,
		DeviceBits:  *c.PCI.DeviceBits,
		PIOBase:     c.PCI.PIOBase,
		MemBase:     c.PCI.MemBase,
		IntBase:     *c.PCI.IntBase,
		IntCount:    *c.PCI.IntCount,
		DMACoherent: *c.PCI.DMACoherent,
	})

	alloc := NewSourceAllocator(1, nil)
	alloc.Reserve(p.UART.ConsoleInterrupt)
	alloc.ReserveWindow(p.PCI.InterruptWindow())
	for _, v := range c.VirtIO {
		if !v.InterruptID.Auto {
			alloc.Reserve(v.InterruptID.Value)
		}
	}
	for _, v := range c.VirtIO {
		irq := v.InterruptID.Value
		if v.InterruptID.Auto {
			var err error
			if irq, err = alloc.Allocate(); err != nil {
				return nil, fmt.Errorf("virtio %q: %w", v.Name, err)
			}
		}
		dev := virtio.NewMMIO(v.Name, v.Base, irq)
		dev.Size = v.Size
		p.VirtIO = append(p.VirtIO, dev)
	}
	return p, nil
}
