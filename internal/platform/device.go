// Package platform assembles the HiFive topology and generates its device
// tree.
package platform

import (
	"fmt"

	"github.com/tinyrange/hifive/internal/fdt"
)

// AddrRange is the MMIO window a device answers to.
type AddrRange struct {
	Base uint64
	Size uint64
}

// End returns the first address past the range.
func (r AddrRange) End() uint64 { return r.Base + r.Size }

// Overlaps reports whether r and o share an address.
func (r AddrRange) Overlaps(o AddrRange) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// Device is a memory-mapped peripheral.
type Device interface {
	Name() string
	PIOAddr() uint64
	PIOSize() uint64
}

// InterruptSource is implemented by devices that raise their own external
// interrupt source.
type InterruptSource interface {
	InterruptID() uint32
}

// OnChipDevice is wired straight to the per-hart interrupt controllers.
type OnChipDevice interface {
	Device
	DeviceTreeNode(s *fdt.State, harts []uint32) (fdt.Node, error)
}

// OffChipDevice interrupts through the external interrupt controller.
type OffChipDevice interface {
	Device
	DeviceTreeNode(s *fdt.State, intParent uint32) (fdt.Node, error)
}

// Entry is a registered device with its capabilities resolved.
type Entry struct {
	Name         string
	Range        AddrRange
	InterruptID  uint32
	HasInterrupt bool
}

func newEntry(d Device) Entry {
	e := Entry{
		Name:  d.Name(),
		Range: AddrRange{Base: d.PIOAddr(), Size: d.PIOSize()},
	}
	if src, ok := d.(InterruptSource); ok {
		e.InterruptID = src.InterruptID()
		e.HasInterrupt = true
	}
	return e
}

type onChipEntry struct {
	Entry
	dev OnChipDevice
}

type offChipEntry struct {
	Entry
	dev OffChipDevice
}

// Registry classifies peripherals as on-chip or off-chip and keeps them in
// registration order.
type Registry struct {
	onChip  []onChipEntry
	offChip []offChipEntry
	names   map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

func (r *Registry) check(d Device) (Entry, error) {
	if d == nil {
		return Entry{}, fmt.Errorf("device is nil")
	}
	e := newEntry(d)
	if e.Name == "" {
		return Entry{}, fmt.Errorf("device at %#x has no name", e.Range.Base)
	}
	if _, exists := r.names[e.Name]; exists {
		return Entry{}, fmt.Errorf("device %q already registered", e.Name)
	}
	if e.Range.Size == 0 {
		return Entry{}, fmt.Errorf("device %q has an empty address range", e.Name)
	}
	if e.Range.End() < e.Range.Base {
		return Entry{}, fmt.Errorf("device %q range %#x+%#x wraps", e.Name, e.Range.Base, e.Range.Size)
	}
	for _, other := range r.Entries() {
		if other.Range.Overlaps(e.Range) {
			return Entry{}, fmt.Errorf("device %q [%#x, %#x) overlaps %q [%#x, %#x)",
				e.Name, e.Range.Base, e.Range.End(), other.Name, other.Range.Base, other.Range.End())
		}
	}
	return e, nil
}

// AddOnChip registers a core-local peripheral.
func (r *Registry) AddOnChip(d OnChipDevice) error {
	e, err := r.check(d)
	if err != nil {
		return err
	}
	r.names[e.Name] = struct{}{}
	r.onChip = append(r.onChip, onChipEntry{Entry: e, dev: d})
	return nil
}

// AddOffChip registers a peripheral behind the external interrupt controller.
func (r *Registry) AddOffChip(d OffChipDevice) error {
	e, err := r.check(d)
	if err != nil {
		return err
	}
	r.names[e.Name] = struct{}{}
	r.offChip = append(r.offChip, offChipEntry{Entry: e, dev: d})
	return nil
}

// OnChip returns the on-chip entries in registration order.
func (r *Registry) OnChip() []Entry {
	out := make([]Entry, len(r.onChip))
	for i, e := range r.onChip {
		out[i] = e.Entry
	}
	return out
}

// OffChip returns the off-chip entries in registration order.
func (r *Registry) OffChip() []Entry {
	out := make([]Entry, len(r.offChip))
	for i, e := range r.offChip {
		out[i] = e.Entry
	}
	return out
}

// Entries returns on-chip entries followed by off-chip entries.
func (r *Registry) Entries() []Entry {
	return append(r.OnChip(), r.OffChip()...)
}

// OnChipRanges returns the address ranges of the on-chip peripherals.
func (r *Registry) OnChipRanges() []AddrRange {
	return ranges(r.OnChip())
}

// OffChipRanges returns the address ranges of the off-chip peripherals.
func (r *Registry) OffChipRanges() []AddrRange {
	return ranges(r.OffChip())
}

func ranges(entries []Entry) []AddrRange {
	out := make([]AddrRange, len(entries))
	for i, e := range entries {
		out[i] = e.Range
	}
	return out
}
