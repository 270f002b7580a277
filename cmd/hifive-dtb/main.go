package main

import (
	"bytes"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/hifive/internal/fdt"
	"github.com/tinyrange/hifive/internal/platform"
)

var (
	nodeStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Cyan)
	propStyle = ansi.Style{}.ForegroundColor(ansi.Yellow)
)

func highlight() fdt.DTSOptions {
	return fdt.DTSOptions{
		NodeName: func(s string) string { return nodeStyle.Styled(s) },
		PropName: func(s string) string { return propStyle.Styled(s) },
	}
}

func run() error {
	configPath := flag.String("config", "", "platform description (YAML); defaults to the stock board")
	output := flag.String("o", "", "write output to file instead of stdout")
	format := flag.String("format", "dtb", "output format: dtb or dts")
	decode := flag.String("decode", "", "print an existing blob as DTS and exit")
	writeConfig := flag.String("write-config", "", "write the effective platform description to file and exit")
	verbose := flag.Bool("v", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `hifive-dtb - generate the device tree of a HiFive platform

USAGE:
  hifive-dtb [flags]

FLAGS:
  -config FILE        Platform description (YAML). Without it the stock board is used
  -o FILE             Write output to FILE instead of stdout
  -format dtb|dts     Output format (default: dtb)
  -decode FILE        Print an existing blob as DTS
  -write-config FILE  Write the effective platform description and exit
  -v                  Enable debug logging

EXAMPLES:
  hifive-dtb -o hifive.dtb                   Stock board, one hart
  hifive-dtb -config board.yaml -format dts  Print the tree as source
  hifive-dtb -decode hifive.dtb              Inspect a generated blob
`)
	}
	flag.Parse()

	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *decode != "" {
		blob, err := os.ReadFile(*decode)
		if err != nil {
			return fmt.Errorf("read blob: %w", err)
		}
		root, err := fdt.Parse(blob)
		if err != nil {
			return fmt.Errorf("decode %s: %w", *decode, err)
		}
		return writeDTS(root, *output)
	}

	cfg := platform.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = platform.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		logger.Debug("loaded platform config", "path", *configPath, "harts", cfg.Harts)
	}

	if *writeConfig != "" {
		return platform.WriteConfig(*writeConfig, cfg)
	}

	p, err := cfg.Platform()
	if err != nil {
		return fmt.Errorf("build platform: %w", err)
	}
	p.Logger = logger

	tree, err := p.GenerateDeviceTree()
	if err != nil {
		return fmt.Errorf("generate device tree: %w", err)
	}
	logger.Debug("device tree generated", "phandles", len(tree.Phandles.Owners()))

	switch *format {
	case "dts":
		return writeDTS(tree.Root, *output)
	case "dtb":
		blob, err := tree.DTB()
		if err != nil {
			return fmt.Errorf("serialize device tree: %w", err)
		}
		if *output == "" {
			if term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("refusing to write a binary blob to a terminal; use -o or -format dts")
			}
			_, err = os.Stdout.Write(blob)
			return err
		}
		if err := os.WriteFile(*output, blob, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *output, err)
		}
		logger.Debug("wrote blob", "path", *output, "bytes", len(blob))
		return nil
	default:
		return fmt.Errorf("unknown format %q (want dtb or dts)", *format)
	}
}

func writeDTS(root fdt.Node, output string) error {
	if output != "" {
		var buf bytes.Buffer
		if err := fdt.FormatDTS(&buf, root, fdt.DTSOptions{}); err != nil {
			return err
		}
		if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", output, err)
		}
		return nil
	}

	opts := fdt.DTSOptions{}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		opts = highlight()
	}
	return fdt.FormatDTS(os.Stdout, root, opts)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hifive-dtb: %v\n", err)
		os.Exit(1)
	}
}
