package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Property describes a single device-tree property.
// Exactly one of the typed fields should be populated for a given property.
type Property struct {
	Name    string   `json:"name"`
	Strings []string `json:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty"`
}

// Strings returns a string-list property.
func Strings(name string, values ...string) Property {
	return Property{Name: name, Strings: values}
}

// Words returns a property made of 32-bit cells.
func Words(name string, values ...uint32) Property {
	return Property{Name: name, U32: values}
}

// Flag returns a property without a value.
func Flag(name string) Property {
	return Property{Name: name, Flag: true}
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Encode returns the on-wire value of the property.
func (p Property) Encode() ([]byte, error) {
	if p.DefinedCount() == 0 {
		return nil, fmt.Errorf("fdt property %q has no values", p.Name)
	}
	if p.DefinedCount() > 1 {
		return nil, fmt.Errorf("fdt property %q has multiple value kinds", p.Name)
	}
	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		data := make([]byte, 0, len(p.U32)*4)
		for _, v := range p.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
		return data, nil
	case "u64":
		data := make([]byte, 0, len(p.U64)*8)
		for _, v := range p.U64 {
			data = binary.BigEndian.AppendUint64(data, v)
		}
		return data, nil
	case "bytes":
		return append([]byte(nil), p.Bytes...), nil
	case "flag":
		return nil, nil
	default:
		return nil, fmt.Errorf("fdt property %q has unsupported kind %q", p.Name, p.Kind())
	}
}

// Cells decodes the property value as big-endian 32-bit cells.
func (p Property) Cells() ([]uint32, error) {
	if p.Kind() == "u32" {
		return p.U32, nil
	}
	data, err := p.Encode()
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("fdt property %q is %d bytes, not a multiple of 4", p.Name, len(data))
	}
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(data[i*4:])
	}
	return out, nil
}

// Node describes a device-tree node. Properties keep their insertion order.
type Node struct {
	Name       string     `json:"name"`
	Properties []Property `json:"properties,omitempty"`
	Children   []Node     `json:"children,omitempty"`
	Phandle    uint32     `json:"phandle,omitempty"`
}

// NewNode returns an empty node with the given name.
func NewNode(name string) Node {
	return Node{Name: name}
}

// NodeAt returns a node named "name@addr" in the usual unit-address form.
func NodeAt(name string, addr uint64) Node {
	return Node{Name: fmt.Sprintf("%s@%x", name, addr)}
}

// Append adds properties in order.
func (n *Node) Append(props ...Property) {
	n.Properties = append(n.Properties, props...)
}

// AppendCompatible adds a compatible string list.
func (n *Node) AppendCompatible(values ...string) {
	n.Append(Strings("compatible", values...))
}

// AddChild appends a child node.
func (n *Node) AddChild(child Node) {
	n.Children = append(n.Children, child)
}

// SetPhandle records the handle and emits it as the "phandle" property.
func (n *Node) SetPhandle(handle uint32) {
	n.Phandle = handle
	n.Append(Words("phandle", handle))
}

// Property returns the named property.
func (n Node) Property(name string) (Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Child returns the first direct child with the given name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// Lookup resolves a slash separated path relative to n, e.g. "soc/pci".
func (n Node) Lookup(path string) (Node, bool) {
	cur := n
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '/' {
			continue
		}
		if seg := path[start:i]; seg != "" {
			next, ok := cur.Child(seg)
			if !ok {
				return Node{}, false
			}
			cur = next
		}
		start = i + 1
	}
	return cur, true
}
