package pci

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tinyrange/hifive/internal/fdt"
)

func hifiveHost() HostConfig {
	return HostConfig{
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

// socState returns the soc bus scope with a PLIC handle already allocated.
func socState(t *testing.T) (*fdt.State, uint32) {
	t.Helper()
	root := fdt.NewState(fdt.WithAddrCells(2), fdt.WithSizeCells(2), fdt.WithCPUCells(1))
	soc := root.Child()
	if _, err := soc.Phandle("cpu0"); err != nil {
		t.Fatalf("allocate cpu0: %v", err)
	}
	plic, err := soc.Phandle("plic")
	if err != nil {
		t.Fatalf("allocate plic: %v", err)
	}
	return soc, plic
}

func cells(t *testing.T, n fdt.Node, name string) []uint32 {
	t.Helper()
	p, ok := n.Property(name)
	if !ok {
		t.Fatalf("node %q has no %q property", n.Name, name)
	}
	c, err := p.Cells()
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return c
}

func TestAddressHi(t *testing.T) {
	tests := []struct {
		addr Address
		want uint32
	}{
		{Address{Space: SpaceIO}, 0x01000000},
		{Address{Space: SpaceMemory}, 0x02000000},
		{Address{Device: 3}, 0x1800},
		{Address{Bus: 1, Device: 2, Function: 3, Register: 0x10}, 0x00011310},
		{Address{Space: SpaceMemory, Prefetchable: true, Relocatable: true, Aliased: true}, 0xe2000000},
	}
	for _, tt := range tests {
		if got := tt.addr.Hi(); got != tt.want {
			t.Fatalf("%+v.Hi() = %#x, want %#x", tt.addr, got, tt.want)
		}
	}
}

func TestCompatibleSelection(t *testing.T) {
	for _, tt := range []struct {
		bits uint8
		want string
	}{
		{8, "pci-host-cam-generic"},
		{12, "pci-host-ecam-generic"},
	} {
		cfg := hifiveHost()
		cfg.DeviceBits = tt.bits
		got, err := NewHost(cfg).Compatible()
		if err != nil || got != tt.want {
			t.Fatalf("bits %d: %q, %v", tt.bits, got, err)
		}
	}
	for _, bits := range []uint8{0, 4, 10, 16} {
		cfg := hifiveHost()
		cfg.DeviceBits = bits
		soc, _ := socState(t)
		node, err := NewHost(cfg).DeviceTreeNode(soc, "plic")
		if !errors.Is(err, ErrUnsupportedDeviceBits) {
			t.Fatalf("bits %d: error %v", bits, err)
		}
		if !reflect.DeepEqual(node, fdt.Node{}) {
			t.Fatalf("bits %d: partial node returned: %+v", bits, node)
		}
	}
}

func TestNonPowerOfTwoInterruptCount(t *testing.T) {
	for _, count := range []uint32{0, 3, 5, 6, 12} {
		cfg := hifiveHost()
		cfg.IntCount = count
		soc, _ := socState(t)
		node, err := NewHost(cfg).DeviceTreeNode(soc, "plic")
		if !errors.Is(err, ErrInterruptCountNotPowerOfTwo) {
			t.Fatalf("count %d: error %v", count, err)
		}
		if node.Name != "" || len(node.Properties) != 0 {
			t.Fatalf("count %d: partial node returned", count)
		}
	}
}

func TestInterruptWindowOverflow(t *testing.T) {
	for _, tt := range []struct {
		base, count uint32
		ok          bool
	}{
		{0xfffffffc, 4, false},
		{0xffffffff, 1, false},
		{0xfffffffb, 4, true},
		{0x10, 4, true},
	} {
		cfg := hifiveHost()
		cfg.IntBase = tt.base
		cfg.IntCount = tt.count
		err := NewHost(cfg).Validate()
		if tt.ok {
			if err != nil {
				t.Fatalf("base %#x count %d: %v", tt.base, tt.count, err)
			}
			continue
		}
		if !errors.Is(err, ErrInterruptWindowOverflow) {
			t.Fatalf("base %#x count %d: error %v", tt.base, tt.count, err)
		}
		soc, _ := socState(t)
		if node, err := NewHost(cfg).DeviceTreeNode(soc, "plic"); err == nil || node.Name != "" {
			t.Fatalf("base %#x count %d: node emitted", tt.base, tt.count)
		}
	}
}

func TestRegUsesParentCells(t *testing.T) {
	soc, _ := socState(t)
	node, err := NewHost(hifiveHost()).DeviceTreeNode(soc, "plic")
	if err != nil {
		t.Fatalf("DeviceTreeNode: %v", err)
	}
	if got, want := cells(t, node, "reg"), []uint32{0, 0x30000000, 0, 0x10000000}; !reflect.DeepEqual(got, want) {
		t.Fatalf("reg = %#x, want %#x", got, want)
	}
	if got := cells(t, node, "#address-cells"); got[0] != 3 {
		t.Fatalf("#address-cells = %d", got[0])
	}
	if got := cells(t, node, "bus-range"); !reflect.DeepEqual(got, []uint32{0, 255}) {
		t.Fatalf("bus-range = %v", got)
	}
}

func TestRanges(t *testing.T) {
	soc, _ := socState(t)
	node, err := NewHost(hifiveHost()).DeviceTreeNode(soc, "plic")
	if err != nil {
		t.Fatalf("DeviceTreeNode: %v", err)
	}
	want := []uint32{
		0x01000000, 0, 0, // I/O, child
		0, 0x2f000000, // parent
		0, 0x10000, // size
		0x02000000, 0, 0,
		0, 0x40000000,
		0, 0x40000000,
	}
	if got := cells(t, node, "ranges"); !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges = %#x, want %#x", got, want)
	}
}

func TestInterruptMap(t *testing.T) {
	for _, count := range []uint32{1, 2, 4, 8, 16} {
		cfg := hifiveHost()
		cfg.IntCount = count
		soc, plic := socState(t)
		node, err := NewHost(cfg).DeviceTreeNode(soc, "plic")
		if err != nil {
			t.Fatalf("count %d: %v", count, err)
		}
		m := cells(t, node, "interrupt-map")
		const entry = 3 + 1 + 1 + 1
		if len(m) != int(count)*entry {
			t.Fatalf("count %d: interrupt-map has %d cells", count, len(m))
		}
		for slot := uint32(0); slot < count; slot++ {
			e := m[slot*entry : (slot+1)*entry]
			if e[0] != slot<<11 || e[1] != 0 || e[2] != 0 {
				t.Fatalf("slot %d: address %#x", slot, e[:3])
			}
			if e[3] != slot+1 {
				t.Fatalf("slot %d: pin %d", slot, e[3])
			}
			if e[4] != plic {
				t.Fatalf("slot %d: parent %d, want %d", slot, e[4], plic)
			}
			if e[5] != cfg.IntBase+slot {
				t.Fatalf("slot %d: source %#x", slot, e[5])
			}
		}

		mask := cells(t, node, "interrupt-map-mask")
		if want := []uint32{(count - 1) << 11, 0, 0, 0}; !reflect.DeepEqual(mask, want) {
			t.Fatalf("count %d: mask %#x, want %#x", count, mask, want)
		}
	}
}

func TestInterruptMapNeedsControllerPhandle(t *testing.T) {
	root := fdt.NewState(fdt.WithAddrCells(2), fdt.WithSizeCells(2))
	_, err := NewHost(hifiveHost()).DeviceTreeNode(root, "plic")
	if !errors.Is(err, fdt.ErrPhandleMissing) {
		t.Fatalf("error = %v, want ErrPhandleMissing", err)
	}
}

func TestDMACoherentFlag(t *testing.T) {
	for _, coherent := range []bool{true, false} {
		cfg := hifiveHost()
		cfg.DMACoherent = coherent
		soc, _ := socState(t)
		node, err := NewHost(cfg).DeviceTreeNode(soc, "plic")
		if err != nil {
			t.Fatalf("DeviceTreeNode: %v", err)
		}
		p, ok := node.Property("dma-coherent")
		if ok != coherent || (ok && !p.Flag) {
			t.Fatalf("coherent=%v: dma-coherent present=%v %+v", coherent, ok, p)
		}
	}
}

func TestCAMBusRange(t *testing.T) {
	cfg := hifiveHost()
	cfg.DeviceBits = 8
	cfg.ConfSize = 1 << 20
	soc, _ := socState(t)
	node, err := NewHost(cfg).DeviceTreeNode(soc, "plic")
	if err != nil {
		t.Fatalf("DeviceTreeNode: %v", err)
	}
	if got := cells(t, node, "bus-range"); !reflect.DeepEqual(got, []uint32{0, 15}) {
		t.Fatalf("bus-range = %v", got)
	}
	if p, _ := node.Property("compatible"); p.Strings[0] != "pci-host-cam-generic" {
		t.Fatalf("compatible = %v", p.Strings)
	}
}
