package fdt

import (
	"errors"
	"fmt"
)

var (
	// ErrCellOverflow is returned when a value does not fit the cell width of a scope.
	ErrCellOverflow = errors.New("value does not fit in cells")
	// ErrPhandleAllocated is returned when an owner asks for a second phandle.
	ErrPhandleAllocated = errors.New("phandle already allocated")
	// ErrPhandleMissing is returned when a referenced owner has no phandle yet.
	ErrPhandleMissing = errors.New("phandle not allocated")
)

// Phandles hands out node handles for one generation pass. Handles are unique
// across the whole tree and start at 1.
type Phandles struct {
	next   uint32
	owners map[string]uint32
	order  []string
}

// NewPhandles returns an empty phandle table.
func NewPhandles() *Phandles {
	return &Phandles{next: 1, owners: make(map[string]uint32)}
}

// Allocate assigns the next handle to owner. Each owner may allocate once.
func (p *Phandles) Allocate(owner string) (uint32, error) {
	if h, ok := p.owners[owner]; ok {
		return 0, fmt.Errorf("%s (phandle %d): %w", owner, h, ErrPhandleAllocated)
	}
	h := p.next
	p.next++
	p.owners[owner] = h
	p.order = append(p.order, owner)
	return h, nil
}

// Lookup returns the handle previously allocated to owner.
func (p *Phandles) Lookup(owner string) (uint32, error) {
	h, ok := p.owners[owner]
	if !ok {
		return 0, fmt.Errorf("%s: %w", owner, ErrPhandleMissing)
	}
	return h, nil
}

// Owners lists owners in allocation order.
func (p *Phandles) Owners() []string {
	return append([]string(nil), p.order...)
}

// State carries the cell widths in effect for one tree scope.
//
// AddrCells and SizeCells size the reg/ranges entries of the scope's
// children, InterruptCells sizes interrupt specifiers and CPUCells sizes a
// CPU reference. Child scopes share the phandle table of their root.
type State struct {
	AddrCells      uint8
	SizeCells      uint8
	InterruptCells uint8
	CPUCells       uint8

	parent   *State
	phandles *Phandles
}

// StateOption overrides a cell width on a new scope.
type StateOption func(*State)

// WithAddrCells sets #address-cells.
func WithAddrCells(n uint8) StateOption { return func(s *State) { s.AddrCells = n } }

// WithSizeCells sets #size-cells.
func WithSizeCells(n uint8) StateOption { return func(s *State) { s.SizeCells = n } }

// WithInterruptCells sets #interrupt-cells.
func WithInterruptCells(n uint8) StateOption { return func(s *State) { s.InterruptCells = n } }

// WithCPUCells sets the width of a CPU reference.
func WithCPUCells(n uint8) StateOption { return func(s *State) { s.CPUCells = n } }

// NewState returns a root scope with a fresh phandle table.
func NewState(opts ...StateOption) *State {
	s := &State{phandles: NewPhandles()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Child returns a nested scope that inherits every width from s unless
// overridden.
func (s *State) Child(opts ...StateOption) *State {
	c := &State{
		AddrCells:      s.AddrCells,
		SizeCells:      s.SizeCells,
		InterruptCells: s.InterruptCells,
		CPUCells:       s.CPUCells,
		parent:         s,
		phandles:       s.phandles,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Parent returns the enclosing scope, or nil for the root.
func (s *State) Parent() *State {
	return s.parent
}

// Phandles returns the table shared by every scope of the pass.
func (s *State) Phandles() *Phandles {
	return s.phandles
}

// Phandle allocates a handle for owner.
func (s *State) Phandle(owner string) (uint32, error) {
	return s.phandles.Allocate(owner)
}

// Address encodes v as AddrCells big-endian words.
func (s *State) Address(v uint64) ([]uint32, error) {
	return toCells(v, s.AddrCells, "address")
}

// Size encodes v as SizeCells big-endian words.
func (s *State) Size(v uint64) ([]uint32, error) {
	return toCells(v, s.SizeCells, "size")
}

// Reg encodes one (address, size) pair in this scope.
func (s *State) Reg(base, size uint64) ([]uint32, error) {
	addr, err := s.Address(base)
	if err != nil {
		return nil, err
	}
	sz, err := s.Size(size)
	if err != nil {
		return nil, err
	}
	return append(addr, sz...), nil
}

// Interrupt encodes an interrupt specifier as InterruptCells words.
func (s *State) Interrupt(v uint32) ([]uint32, error) {
	return toCells(uint64(v), s.InterruptCells, "interrupt specifier")
}

// CPURef encodes a controller or CPU reference as CPUCells words.
func (s *State) CPURef(h uint32) ([]uint32, error) {
	return toCells(uint64(h), s.CPUCells, "cpu reference")
}

// DeviceNode returns a "name@base" node whose reg is encoded in this scope,
// which must be the scope of the bus the device sits on.
func (s *State) DeviceNode(name string, base, size uint64) (Node, error) {
	reg, err := s.Reg(base, size)
	if err != nil {
		return Node{}, fmt.Errorf("%s@%x reg: %w", name, base, err)
	}
	n := NodeAt(name, base)
	n.Append(Words("reg", reg...))
	return n, nil
}

// AddrCellsProperty returns the #address-cells property of this scope.
func (s *State) AddrCellsProperty() Property {
	return Words("#address-cells", uint32(s.AddrCells))
}

// SizeCellsProperty returns the #size-cells property of this scope.
func (s *State) SizeCellsProperty() Property {
	return Words("#size-cells", uint32(s.SizeCells))
}

// InterruptCellsProperty returns the #interrupt-cells property of this scope.
func (s *State) InterruptCellsProperty() Property {
	return Words("#interrupt-cells", uint32(s.InterruptCells))
}

// EncodeCells splits v into big-endian 32-bit words, zero padded on the high
// end. Values wider than the requested cells are rejected.
func EncodeCells(v uint64, cells uint8) ([]uint32, error) {
	if v>>(32*uint(cells)) != 0 {
		return nil, fmt.Errorf("%#x in %d cells: %w", v, cells, ErrCellOverflow)
	}
	out := make([]uint32, cells)
	for i := range out {
		out[i] = uint32(v >> (32 * uint(int(cells)-1-i)))
	}
	return out, nil
}

func toCells(v uint64, cells uint8, what string) ([]uint32, error) {
	out, err := EncodeCells(v, cells)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return out, nil
}
