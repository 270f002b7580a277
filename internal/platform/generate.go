package platform

import (
	"fmt"

	"github.com/tinyrange/hifive/internal/fdt"
)

// Tree is the result of one generation pass.
type Tree struct {
	Root     fdt.Node
	Phandles *fdt.Phandles
}

// DTB serializes the tree.
func (t *Tree) DTB() ([]byte, error) {
	return fdt.Build(t.Root)
}

// HartInterruptController returns the phandle owner name of a hart's local
// interrupt controller, where hart is the position in HiFive.Harts.
func HartInterruptController(hart int) string {
	return fmt.Sprintf("cpu%d/interrupt-controller", hart)
}

// HartPhandle returns the local interrupt controller phandle of a hart.
func (t *Tree) HartPhandle(hart int) (uint32, error) {
	return t.Phandles.Lookup(HartInterruptController(hart))
}

// generator holds the mutable state of one pass. A new one is created for
// every GenerateDeviceTree call.
type generator struct {
	p        *HiFive
	registry *Registry
	root     *fdt.State

	// hart is the index of the next cpu node annotateCPU will complete.
	hart        int
	hartHandles []uint32
}

// GenerateDeviceTree runs a full generation pass. On error no tree is
// returned.
func (p *HiFive) GenerateDeviceTree() (*Tree, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if _, err := p.AttachPLIC(); err != nil {
		return nil, fmt.Errorf("attach plic: %w", err)
	}
	registry, err := p.Registry()
	if err != nil {
		return nil, err
	}
	g := &generator{
		p:        p,
		registry: registry,
		root:     fdt.NewState(fdt.WithAddrCells(2), fdt.WithSizeCells(2), fdt.WithCPUCells(1)),
	}
	root, err := g.run()
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root, Phandles: g.root.Phandles()}, nil
}

// DTB generates and serializes the device tree.
func (p *HiFive) DTB() ([]byte, error) {
	tree, err := p.GenerateDeviceTree()
	if err != nil {
		return nil, err
	}
	return tree.DTB()
}

func (p *HiFive) validate() error {
	if len(p.Harts) == 0 {
		return fmt.Errorf("platform has no harts")
	}
	if p.PCI == nil {
		return fmt.Errorf("platform has no pci host")
	}
	if err := p.PCI.Validate(); err != nil {
		return fmt.Errorf("pci host: %w", err)
	}
	return nil
}

func (g *generator) run() (fdt.Node, error) {
	root := fdt.NewNode("")
	root.Append(g.root.AddrCellsProperty(), g.root.SizeCellsProperty())
	root.AppendCompatible("riscv-virtio")
	root.Append(fdt.Strings("model", "riscv-virtio,qemu"))

	root.AddChild(g.chosen())

	cpus, err := g.cpus()
	if err != nil {
		return fdt.Node{}, err
	}
	root.AddChild(cpus)

	mem, err := g.root.DeviceNode("memory", g.p.MemoryBase, g.p.MemorySize)
	if err != nil {
		return fdt.Node{}, fmt.Errorf("memory: %w", err)
	}
	mem.Properties = append([]fdt.Property{fdt.Strings("device_type", "memory")}, mem.Properties...)
	root.AddChild(mem)

	soc, err := g.soc()
	if err != nil {
		return fdt.Node{}, err
	}
	root.AddChild(soc)
	return root, nil
}

func (g *generator) chosen() fdt.Node {
	node := fdt.NewNode("chosen")
	if g.p.Bootargs != "" {
		node.Append(fdt.Strings("bootargs", g.p.Bootargs))
	}
	node.Append(fdt.Strings("stdout-path", fmt.Sprintf("/soc/uart@%x", g.p.UART.Base)))
	return node
}

func (g *generator) cpus() (fdt.Node, error) {
	state := g.root.Child(fdt.WithAddrCells(1), fdt.WithSizeCells(0))
	node := fdt.NewNode("cpus")
	node.Append(state.AddrCellsProperty(), state.SizeCellsProperty())
	node.Append(fdt.Words("timebase-frequency", g.p.TimebaseFrequency))

	for _, id := range g.p.Harts {
		cpu := fdt.NodeAt("cpu", uint64(id))
		cpu.Append(fdt.Strings("device_type", "cpu"))
		reg, err := state.Address(uint64(id))
		if err != nil {
			return fdt.Node{}, fmt.Errorf("cpu@%x reg: %w", id, err)
		}
		cpu.Append(fdt.Words("reg", reg...))
		if err := g.annotateCPU(&cpu); err != nil {
			return fdt.Node{}, err
		}
		node.AddChild(cpu)
	}
	return node, nil
}

// annotateCPU completes the cpu node of the next hart and gives its local
// interrupt controller a fresh phandle. Harts must be annotated in order.
func (g *generator) annotateCPU(cpu *fdt.Node) error {
	hart := g.hart
	g.hart++

	cpu.Append(
		fdt.Strings("mmu-type", g.p.MMUType),
		fdt.Strings("status", "okay"),
		fdt.Strings("riscv,isa", g.p.ISA),
	)
	cpu.AppendCompatible("riscv")

	intState := g.root.Child(fdt.WithInterruptCells(1))
	intc := fdt.NewNode("interrupt-controller")
	intc.Append(intState.InterruptCellsProperty(), fdt.Flag("interrupt-controller"))
	intc.AppendCompatible("riscv,cpu-intc")
	handle, err := intState.Phandle(HartInterruptController(hart))
	if err != nil {
		return fmt.Errorf("cpu %d: %w", hart, err)
	}
	intc.SetPhandle(handle)
	g.hartHandles = append(g.hartHandles, handle)

	cpu.AddChild(intc)
	return nil
}

func (g *generator) soc() (fdt.Node, error) {
	state := g.root.Child(fdt.WithAddrCells(2), fdt.WithSizeCells(2))
	node := fdt.NewNode("soc")
	node.Append(state.AddrCellsProperty(), state.SizeCellsProperty(), fdt.Flag("ranges"))
	node.AppendCompatible("simple-bus")

	for _, e := range g.registry.onChip {
		child, err := e.dev.DeviceTreeNode(state, g.hartHandles)
		if err != nil {
			return fdt.Node{}, err
		}
		node.AddChild(child)
	}

	// The PLIC node above allocated the handle; from here on it is only read.
	plicHandle, err := state.Phandles().Lookup(g.p.PLIC.Name())
	if err != nil {
		return fdt.Node{}, fmt.Errorf("external interrupt controller: %w", err)
	}
	for _, e := range g.registry.offChip {
		child, err := e.dev.DeviceTreeNode(state, plicHandle)
		if err != nil {
			return fdt.Node{}, err
		}
		node.AddChild(child)
	}

	pciNode, err := g.p.PCI.DeviceTreeNode(state, g.p.PLIC.Name())
	if err != nil {
		return fdt.Node{}, err
	}
	node.AddChild(pciNode)
	return node, nil
}
