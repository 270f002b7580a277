package platform

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrSourceRange is returned when the sources in use do not fit the 32-bit
// source space of the external interrupt controller.
var ErrSourceRange = errors.New("interrupt sources exceed the 32-bit source range")

// InterruptSources returns the number of external interrupt sources the
// controller must implement: one past the highest source in use. The PCI
// host contributes the first source above its window, not a source of its
// own.
func InterruptSources(console, pciBase, pciCount uint32, offChip []Entry) (uint32, error) {
	srcs := []uint64{uint64(console), uint64(pciBase) + uint64(pciCount)}
	for _, e := range offChip {
		if e.HasInterrupt {
			srcs = append(srcs, uint64(e.InterruptID))
		}
	}
	n := slices.Max(srcs) + 1
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("source count %#x: %w", n, ErrSourceRange)
	}
	return uint32(n), nil
}

// Collision is a fixed source that falls inside the PCI interrupt window.
type Collision struct {
	Device      string
	InterruptID uint32
}

// windowCollisions lists every fixed source in [base, base+count).
func windowCollisions(console, base, count uint32, offChip []Entry) []Collision {
	in := func(id uint32) bool { return id >= base && id-base < count }
	var out []Collision
	if console != 0 && in(console) {
		out = append(out, Collision{Device: "console", InterruptID: console})
	}
	for _, e := range offChip {
		if e.HasInterrupt && in(e.InterruptID) {
			out = append(out, Collision{Device: e.Name, InterruptID: e.InterruptID})
		}
	}
	return out
}

type sourceWindow struct {
	base uint64
	end  uint64
}

// SourceAllocator hands out external interrupt sources, avoiding collisions
// with sources that are already spoken for.
type SourceAllocator struct {
	next     uint64
	reserved map[uint32]struct{}
	windows  []sourceWindow
}

// NewSourceAllocator returns an allocator starting at start. Source 0 is
// never handed out.
func NewSourceAllocator(start uint32, reserved []uint32) *SourceAllocator {
	r := make(map[uint32]struct{}, len(reserved)+1)
	r[0] = struct{}{}
	for _, v := range reserved {
		r[v] = struct{}{}
	}
	return &SourceAllocator{
		next:     uint64(start),
		reserved: r,
	}
}

// Reserve marks ids as taken.
func (a *SourceAllocator) Reserve(ids ...uint32) {
	for _, id := range ids {
		a.reserved[id] = struct{}{}
	}
}

// ReserveWindow marks [base, base+count) as taken.
func (a *SourceAllocator) ReserveWindow(base, count uint32) {
	if count == 0 {
		return
	}
	a.windows = append(a.windows, sourceWindow{base: uint64(base), end: uint64(base) + uint64(count)})
}

// window returns the end of the reserved window containing v, if any.
func (a *SourceAllocator) window(v uint64) (uint64, bool) {
	for _, w := range a.windows {
		if v >= w.base && v < w.end {
			return w.end, true
		}
	}
	return 0, false
}

// Allocate returns the lowest free source at or above the cursor.
func (a *SourceAllocator) Allocate() (uint32, error) {
	for a.next <= math.MaxUint32 {
		if end, ok := a.window(a.next); ok {
			a.next = end
			continue
		}
		v := uint32(a.next)
		a.next++
		if _, used := a.reserved[v]; used {
			continue
		}
		a.reserved[v] = struct{}{}
		return v, nil
	}
	return 0, fmt.Errorf("allocate source: %w", ErrSourceRange)
}
