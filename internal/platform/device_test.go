package platform

import (
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/hifive/internal/devices/clint"
	"github.com/tinyrange/hifive/internal/devices/plic"
	"github.com/tinyrange/hifive/internal/devices/serial"
	"github.com/tinyrange/hifive/internal/devices/virtio"
)

func TestRegistryClassifies(t *testing.T) {
	r := NewRegistry()
	if err := r.AddOnChip(clint.New(clint.DefaultBase)); err != nil {
		t.Fatalf("add clint: %v", err)
	}
	if err := r.AddOnChip(plic.New(plic.DefaultBase)); err != nil {
		t.Fatalf("add plic: %v", err)
	}
	if err := r.AddOffChip(&serial.UART8250{Base: serial.DefaultBase, ConsoleInterrupt: 0xa}); err != nil {
		t.Fatalf("add uart: %v", err)
	}
	if err := r.AddOffChip(virtio.NewMMIO("rng", 0x10007000, 9)); err != nil {
		t.Fatalf("add rng: %v", err)
	}

	var names []string
	for _, e := range r.Entries() {
		names = append(names, e.Name)
	}
	if want := []string{"clint", "plic", "uart", "rng"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}

	off := r.OffChip()
	if off[0].HasInterrupt {
		t.Fatalf("uart resolved an interrupt source: %+v", off[0])
	}
	if !off[1].HasInterrupt || off[1].InterruptID != 9 {
		t.Fatalf("rng entry = %+v", off[1])
	}

	wantOn := []AddrRange{{clint.DefaultBase, clint.Size}, {plic.DefaultBase, plic.Size}}
	if got := r.OnChipRanges(); !reflect.DeepEqual(got, wantOn) {
		t.Fatalf("on-chip ranges = %#v, want %#v", got, wantOn)
	}
	wantOff := []AddrRange{{serial.DefaultBase, serial.UART8250Size}, {0x10007000, virtio.DefaultMMIOSize}}
	if got := r.OffChipRanges(); !reflect.DeepEqual(got, wantOff) {
		t.Fatalf("off-chip ranges = %#v, want %#v", got, wantOff)
	}
}

func TestRegistryRejects(t *testing.T) {
	tests := []struct {
		name string
		dev  *virtio.MMIO
		want string
	}{
		{"duplicate", virtio.NewMMIO("rng", 0x20000000, 1), "already registered"},
		{"unnamed", virtio.NewMMIO("", 0x20000000, 1), "no name"},
		{"overlap", virtio.NewMMIO("disk", 0x10007800, 1), "overlaps"},
		{"wrap", &virtio.MMIO{DeviceName: "top", Base: ^uint64(0) - 0x10, Size: 0x100}, "wraps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.AddOffChip(virtio.NewMMIO("rng", 0x10007000, 9)); err != nil {
				t.Fatalf("add rng: %v", err)
			}
			err := r.AddOffChip(tt.dev)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
			if len(r.Entries()) != 1 {
				t.Fatalf("rejected device was registered")
			}
		})
	}
}

func TestAddrRangeOverlaps(t *testing.T) {
	a := AddrRange{Base: 0x1000, Size: 0x1000}
	if a.Overlaps(AddrRange{Base: 0x2000, Size: 0x10}) {
		t.Fatalf("adjacent ranges overlap")
	}
	if !a.Overlaps(AddrRange{Base: 0x1fff, Size: 1}) {
		t.Fatalf("last byte not shared")
	}
}
