package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Parse for blobs that are not a valid FDT.
var ErrMalformed = errors.New("malformed fdt blob")

// Parse decodes an FDT blob back into a node tree. Property values are
// returned as raw bytes (or Flag for empty values) since the blob carries
// no type information.
func Parse(blob []byte) (Node, error) {
	if len(blob) < fdtHeaderSize {
		return Node{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(blob))
	}
	be := binary.BigEndian
	if magic := be.Uint32(blob[0:4]); magic != fdtMagic {
		return Node{}, fmt.Errorf("%w: bad magic %#x", ErrMalformed, magic)
	}
	total := be.Uint32(blob[4:8])
	offStruct := be.Uint32(blob[8:12])
	offStrings := be.Uint32(blob[12:16])
	if lastComp := be.Uint32(blob[24:28]); lastComp > fdtVersion {
		return Node{}, fmt.Errorf("%w: last compatible version %d", ErrMalformed, lastComp)
	}
	sizeStrings := be.Uint32(blob[32:36])
	sizeStruct := be.Uint32(blob[36:40])
	if uint64(total) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return Node{}, fmt.Errorf("%w: block offsets exceed total size %d", ErrMalformed, total)
	}

	p := &parser{
		data:    blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	p.skipNops()
	tok, err := p.token()
	if err != nil {
		return Node{}, err
	}
	if tok != fdtBeginNodeToken {
		return Node{}, fmt.Errorf("%w: structure block starts with token %#x", ErrMalformed, tok)
	}
	root, err := p.node()
	if err != nil {
		return Node{}, err
	}
	p.skipNops()
	if tok, err := p.token(); err != nil || tok != fdtEndToken {
		return Node{}, fmt.Errorf("%w: missing end token", ErrMalformed)
	}
	return root, nil
}

type parser struct {
	data    []byte
	strings []byte
	off     int
}

func (p *parser) token() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) skipNops() {
	for p.off+4 <= len(p.data) && binary.BigEndian.Uint32(p.data[p.off:]) == fdtNopToken {
		p.off += 4
	}
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}

func (p *parser) cstring(buf []byte, off int) (string, int, error) {
	if off > len(buf) {
		return "", 0, fmt.Errorf("%w: string offset %d out of range", ErrMalformed, off)
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("%w: unterminated string", ErrMalformed)
	}
	return string(buf[off : off+end]), off + end + 1, nil
}

// node parses a node body; the begin token has already been consumed.
func (p *parser) node() (Node, error) {
	name, next, err := p.cstring(p.data, p.off)
	if err != nil {
		return Node{}, err
	}
	p.off = next
	p.align()

	n := Node{Name: name}
	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtNopToken:
		case fdtPropToken:
			prop, err := p.property()
			if err != nil {
				return Node{}, fmt.Errorf("node %q: %w", name, err)
			}
			if prop.Name == "phandle" && len(prop.Bytes) == 4 {
				n.Phandle = binary.BigEndian.Uint32(prop.Bytes)
			}
			n.Properties = append(n.Properties, prop)
		case fdtBeginNodeToken:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			return n, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %#x in node %q", ErrMalformed, tok, name)
		}
	}
}

func (p *parser) property() (Property, error) {
	length, err := p.token()
	if err != nil {
		return Property{}, err
	}
	nameOff, err := p.token()
	if err != nil {
		return Property{}, err
	}
	if p.off+int(length) > len(p.data) {
		return Property{}, fmt.Errorf("%w: property value runs past the structure block", ErrMalformed)
	}
	name, _, err := p.cstring(p.strings, int(nameOff))
	if err != nil {
		return Property{}, err
	}
	prop := Property{Name: name}
	if length == 0 {
		prop.Flag = true
	} else {
		prop.Bytes = append([]byte(nil), p.data[p.off:p.off+int(length)]...)
	}
	p.off += int(length)
	p.align()
	return prop, nil
}
