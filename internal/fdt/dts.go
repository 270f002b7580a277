package fdt

import (
	"fmt"
	"io"
	"strings"
)

// DTSOptions controls FormatDTS.
type DTSOptions struct {
	// NodeName and PropName decorate names; nil leaves them unchanged.
	NodeName func(string) string
	PropName func(string) string
}

// FormatDTS writes the tree rooted at root in device tree source syntax.
func FormatDTS(w io.Writer, root Node, opts DTSOptions) error {
	if opts.NodeName == nil {
		opts.NodeName = func(s string) string { return s }
	}
	if opts.PropName == nil {
		opts.PropName = func(s string) string { return s }
	}
	var sb strings.Builder
	sb.WriteString("/dts-v1/;\n\n")
	if err := formatNode(&sb, root, 0, opts); err != nil {
		return err
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func formatNode(sb *strings.Builder, n Node, depth int, opts DTSOptions) error {
	indent := strings.Repeat("\t", depth)
	name := n.Name
	if depth == 0 && name == "" {
		name = "/"
	}
	fmt.Fprintf(sb, "%s%s {\n", indent, opts.NodeName(name))
	for _, p := range n.Properties {
		value, err := formatValue(p)
		if err != nil {
			return fmt.Errorf("node %q: %w", n.Name, err)
		}
		if value == "" {
			fmt.Fprintf(sb, "%s\t%s;\n", indent, opts.PropName(p.Name))
			continue
		}
		fmt.Fprintf(sb, "%s\t%s = %s;\n", indent, opts.PropName(p.Name), value)
	}
	for i, c := range n.Children {
		if i > 0 || len(n.Properties) > 0 {
			sb.WriteString("\n")
		}
		if err := formatNode(sb, c, depth+1, opts); err != nil {
			return err
		}
	}
	fmt.Fprintf(sb, "%s};\n", indent)
	return nil
}

func formatValue(p Property) (string, error) {
	switch p.Kind() {
	case "flag":
		return "", nil
	case "strings":
		return quoteStrings(p.Strings), nil
	case "bytes":
		if strs, ok := splitStrings(p.Bytes); ok {
			return quoteStrings(strs), nil
		}
	}
	if p.DefinedCount() > 1 {
		return "", fmt.Errorf("fdt property %q has multiple value kinds", p.Name)
	}
	data, err := p.Encode()
	if err != nil {
		return "", err
	}
	if len(data)%4 == 0 {
		cells, err := p.Cells()
		if err != nil {
			return "", err
		}
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = fmt.Sprintf("%#x", c)
		}
		return "<" + strings.Join(parts, " ") + ">", nil
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return "[" + strings.Join(parts, " ") + "]", nil
}

func quoteStrings(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(parts, ", ")
}

// splitStrings reports whether data is a list of printable NUL terminated strings.
func splitStrings(data []byte) ([]string, bool) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return nil, false
	}
	var out []string
	start := 0
	for i, b := range data {
		if b == 0 {
			if i == start {
				return nil, false
			}
			out = append(out, string(data[start:i]))
			start = i + 1
			continue
		}
		if b < 0x20 || b > 0x7e {
			return nil, false
		}
	}
	return out, true
}
