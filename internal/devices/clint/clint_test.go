package clint

import (
	"reflect"
	"testing"

	"github.com/tinyrange/hifive/internal/fdt"
)

func TestDeviceTreeNode(t *testing.T) {
	soc := fdt.NewState(fdt.WithAddrCells(2), fdt.WithSizeCells(2))
	c := New(DefaultBase)
	c.NumThreads = 2

	node, err := c.DeviceTreeNode(soc, []uint32{1, 2})
	if err != nil {
		t.Fatalf("DeviceTreeNode: %v", err)
	}
	if node.Name != "clint@2000000" {
		t.Fatalf("name = %q", node.Name)
	}
	reg, _ := node.Property("reg")
	if want := []uint32{0, 0x2000000, 0, 0xc000}; !reflect.DeepEqual(reg.U32, want) {
		t.Fatalf("reg = %#x", reg.U32)
	}
	ext, _ := node.Property("interrupts-extended")
	if want := []uint32{1, 3, 1, 7, 2, 3, 2, 7}; !reflect.DeepEqual(ext.U32, want) {
		t.Fatalf("interrupts-extended = %v", ext.U32)
	}
}

func TestThreadMismatch(t *testing.T) {
	c := New(DefaultBase)
	c.NumThreads = 4
	if _, err := c.DeviceTreeNode(fdt.NewState(fdt.WithAddrCells(2), fdt.WithSizeCells(2)), []uint32{1}); err == nil {
		t.Fatalf("expected thread count mismatch")
	}
}
