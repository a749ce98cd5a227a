// Metac CLI - compiles and runs metac programs.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/metaclang/metac/pkg/bytecode"
	"github.com/metaclang/metac/pkg/codegen"
	"github.com/metaclang/metac/pkg/comptime"
	"github.com/metaclang/metac/pkg/config"
	"github.com/metaclang/metac/pkg/parser"
	"github.com/metaclang/metac/pkg/vm"
)

var log = commonlog.GetLogger("metac")

func main() {
	logLevel := flag.Int("log-level", 0, "Log verbosity (0 = quiet, 2 = debug)")
	parseOnly := flag.Bool("parse-only", false, "Stop after parsing")
	emit := flag.Bool("emit-bytecode", false, "Lower to bytecode without executing it")
	runFlag := flag.Bool("run", false, "Execute the produced bytecode")
	debug := flag.Bool("debug", false, "Dump the VM stack after every instruction")
	disasm := flag.Bool("disassemble", false, "Print the bytecode listing")
	outPath := flag.String("o", "", "Write the bytecode image to this file")
	configPath := flag.String("config", "", "Config file (default metac.toml if present)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: metac [options] file.mc\n\n")
		fmt.Fprintf(os.Stderr, "Compiles a metac source file, runs its compile-time calls, and\n")
		fmt.Fprintf(os.Stderr, "executes or writes the resulting bytecode.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  metac prog.mc                # Compile and run\n")
		fmt.Fprintf(os.Stderr, "  metac -emit-bytecode prog.mc # Compile only\n")
		fmt.Fprintf(os.Stderr, "  metac -o prog.mbc prog.mc    # Compile to a bytecode image\n")
		fmt.Fprintf(os.Stderr, "  metac -run prog.mbc          # Run a compiled image\n")
		fmt.Fprintf(os.Stderr, "  metac -disassemble prog.mc   # Show the bytecode listing\n")
	}
	flag.Parse()

	commonlog.Configure(*logLevel, nil)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	input := flag.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *debug {
		cfg.Debug = true
	}

	// A compiled image needs no pipeline, just the VM.
	if strings.HasSuffix(input, ".mbc") {
		data, err := os.ReadFile(input)
		if err != nil {
			fatal(err)
		}
		img, err := bytecode.UnmarshalImage(data)
		if err != nil {
			fatal(err)
		}
		if *disasm {
			fmt.Print(img.Disassemble(""))
		}
		os.Exit(execute(img, cfg))
	}

	source, err := readSource(input)
	if err != nil {
		fatal(err)
	}

	root, parseErrs := parser.Parse(source)
	if len(parseErrs) > 0 {
		for _, e := range parseErrs {
			fmt.Fprintf(os.Stderr, "%s: %v\n", input, e)
		}
		os.Exit(1)
	}
	if *parseOnly {
		return
	}

	opts := comptime.Options{
		Quota:     cfg.InstructionQuota,
		StackSize: cfg.StackSize,
	}
	if cfg.CachePath != "" {
		cache, err := comptime.OpenCache(cfg.CachePath)
		if err != nil {
			log.Warningf("compile-time cache disabled: %v", err)
		} else {
			defer cache.Close()
			opts.Cache = cache
		}
	}

	symt, err := comptime.Resolve(root, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", input, err)
		os.Exit(1)
	}

	img, err := codegen.LowerProgram(symt, root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", input, err)
		os.Exit(1)
	}

	if *disasm {
		fmt.Print(img.Disassemble(source))
	}
	if *outPath != "" {
		data, err := bytecode.MarshalImage(img)
		if err != nil {
			fatal(err)
		}
		if err := os.WriteFile(*outPath, data, 0o644); err != nil {
			fatal(err)
		}
		log.Infof("wrote %d bytes to %s", len(data), *outPath)
	}

	if *runFlag || (!*emit && *outPath == "" && !*disasm) {
		os.Exit(execute(img, cfg))
	}
}

// execute runs an image and turns its exit word into a process exit code.
func execute(img *bytecode.Image, cfg config.Config) int {
	machine := vm.New(img)
	if cfg.StackSize > 0 {
		machine.SetStackSize(cfg.StackSize)
	}
	machine.SetQuota(cfg.InstructionQuota)
	if cfg.Debug {
		machine.SetDebug(os.Stderr)
	}
	word, err := machine.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if word < 0 || word > 125 {
		return 1
	}
	return int(word)
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path, true)
	}
	return config.Load(config.DefaultPath, false)
}

func readSource(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
