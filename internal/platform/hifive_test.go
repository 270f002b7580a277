package platform_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tinyrange/hifive/internal/devices/pci"
	"github.com/tinyrange/hifive/internal/devices/virtio"
	"github.com/tinyrange/hifive/internal/fdt"
	"github.com/tinyrange/hifive/internal/platform"
)

func cellsOf(n fdt.Node, name string) []uint32 {
	p, ok := n.Property(name)
	Expect(ok).To(BeTrue(), "node %s has no %s", n.Name, name)
	c, err := p.Cells()
	Expect(err).NotTo(HaveOccurred())
	return c
}

func nodeAt(root fdt.Node, path string) fdt.Node {
	n, ok := root.Lookup(path)
	Expect(ok).To(BeTrue(), "no node at %s", path)
	return n
}

var _ = Describe("HiFive", func() {
	var p *platform.HiFive

	BeforeEach(func() {
		p = platform.NewHiFive(4)
		p.VirtIO = []*virtio.MMIO{
			virtio.NewMMIO("rng", 0x10007000, 9),
			virtio.NewMMIO("disk", 0x10008000, 8),
		}
	})

	Describe("phandle allocation", func() {
		It("should number harts before the PLIC", func() {
			tree, err := p.GenerateDeviceTree()
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 4; i++ {
				h, err := tree.HartPhandle(i)
				Expect(err).NotTo(HaveOccurred())
				Expect(h).To(Equal(uint32(i + 1)))
			}
			Expect(nodeAt(tree.Root, "soc/plic@c000000").Phandle).To(Equal(uint32(5)))
		})

		It("should emit every phandle exactly once", func() {
			tree, err := p.GenerateDeviceTree()
			Expect(err).NotTo(HaveOccurred())

			seen := map[uint32]string{}
			var walk func(n fdt.Node)
			walk = func(n fdt.Node) {
				if n.Phandle != 0 {
					Expect(seen).NotTo(HaveKey(n.Phandle))
					seen[n.Phandle] = n.Name
				}
				for _, c := range n.Children {
					walk(c)
				}
			}
			walk(tree.Root)
			Expect(seen).To(HaveLen(5))
		})
	})

	Describe("PLIC sources", func() {
		It("should cover the console, the PCI window and every device", func() {
			n, err := p.AttachPLIC()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(uint32(21)))
		})

		It("should grow with an off-chip device above the window", func() {
			p.VirtIO = append(p.VirtIO, virtio.NewMMIO("net", 0x10009000, 0x20))
			tree, err := p.GenerateDeviceTree()
			Expect(err).NotTo(HaveOccurred())
			Expect(cellsOf(nodeAt(tree.Root, "soc/plic@c000000"), "riscv,ndev")).To(Equal([]uint32{0x20}))
		})
	})

	Describe("PCI host", func() {
		It("should route each slot to consecutive sources", func() {
			tree, err := p.GenerateDeviceTree()
			Expect(err).NotTo(HaveOccurred())

			host := nodeAt(tree.Root, "soc/pci@30000000")
			m := cellsOf(host, "interrupt-map")
			Expect(m).To(HaveLen(4 * 6))
			for slot := uint32(0); slot < 4; slot++ {
				Expect(m[slot*6 : slot*6+6]).To(Equal([]uint32{slot << 11, 0, 0, slot + 1, 5, 0x10 + slot}))
			}
			Expect(cellsOf(host, "interrupt-map-mask")).To(Equal([]uint32{3 << 11, 0, 0, 0}))
		})

		It("should refuse a non power of two interrupt count", func() {
			cfg := platform.DefaultPCIHost()
			cfg.IntCount = 6
			p.PCI = pci.NewHost(cfg)

			tree, err := p.GenerateDeviceTree()
			Expect(err).To(MatchError(pci.ErrInterruptCountNotPowerOfTwo))
			Expect(tree).To(BeNil())
		})
	})

	Describe("serialization", func() {
		It("should produce identical blobs on every pass", func() {
			first, err := p.DTB()
			Expect(err).NotTo(HaveOccurred())
			second, err := p.DTB()
			Expect(err).NotTo(HaveOccurred())
			Expect(bytes.Equal(first, second)).To(BeTrue())
		})

		It("should decode back to the generated topology", func() {
			blob, err := p.DTB()
			Expect(err).NotTo(HaveOccurred())
			root, err := fdt.Parse(blob)
			Expect(err).NotTo(HaveOccurred())

			cpus := nodeAt(root, "cpus")
			Expect(cpus.Children).To(HaveLen(4))
			Expect(cellsOf(nodeAt(root, "soc/virtio_mmio@10007000"), "interrupts")).To(Equal([]uint32{9}))
		})
	})
})

var _ = Describe("Config", func() {
	It("should build a platform that generates", func() {
		c, err := platform.ParseConfig([]byte("harts: 2\nvirtio:\n  - {name: net, base: 0x10009000, interruptID: auto}\n"))
		Expect(err).NotTo(HaveOccurred())

		p, err := c.Platform()
		Expect(err).NotTo(HaveOccurred())
		Expect(p.VirtIO).To(HaveLen(1))
		Expect(p.VirtIO[0].IRQ).To(Equal(uint32(1)))

		tree, err := p.GenerateDeviceTree()
		Expect(err).NotTo(HaveOccurred())
		Expect(nodeAt(tree.Root, "soc/virtio_mmio@10009000").Name).To(Equal("virtio_mmio@10009000"))
	})
})
