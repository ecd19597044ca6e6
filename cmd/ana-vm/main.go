// ana-vm runs bytecode assembly programs and images.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/kolzuk/ana-language/asm"
	"github.com/kolzuk/ana-language/config"
	"github.com/kolzuk/ana-language/journal"
	"github.com/kolzuk/ana-language/server"
	"github.com/kolzuk/ana-language/vm"
	"github.com/kolzuk/ana-language/vm/image"
)

// verbosity counts repeated -v flags.
type verbosity int

func (v *verbosity) String() string   { return fmt.Sprint(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }
func (v *verbosity) Set(s string) error {
	if s == "true" {
		*v++
		return nil
	}
	var n int
	if _, err := fmt.Sscan(s, &n); err != nil {
		return fmt.Errorf("invalid verbosity %q", s)
	}
	*v = verbosity(n)
	return nil
}

func main() {
	var verbose verbosity
	configDir := flag.String("config", "", "Directory containing ana.toml (default: search upward from the working directory)")
	heapCap := flag.Int("heap", 0, "Heap capacity in cells (overrides [vm] heap_capacity)")
	entry := flag.String("entry", "", "Entry function (overrides [vm] entry)")
	heapAccess := flag.String("heap-access", "", "Out-of-range heap access policy: fatal or sentinel")
	flag.Var(&verbose, "v", "Increase log verbosity (repeatable)")
	disasm := flag.Bool("disasm", false, "Print the lowered program instead of running it")
	outPath := flag.String("o", "", "Write the program as a binary image to this path instead of running it")
	interactive := flag.Bool("i", false, "Start interactive REPL")
	serveMode := flag.Bool("serve", false, "Start the execution service (gRPC + Connect HTTP/JSON)")
	servePort := flag.Int("port", 0, "Execution service port (overrides [server] port)")
	lspMode := flag.Bool("lsp", false, "Start the language server on stdio")
	remote := flag.String("remote", "", "Run the program on an execution service at host:port")
	trace := flag.Bool("trace", false, "Trace every executed instruction to stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ana-vm [options] <program.ana | program.anai>\n\n")
		fmt.Fprintf(os.Stderr, "Loads a bytecode assembly file or image and runs its entry function.\n")
		fmt.Fprintf(os.Stderr, "The exit status is the entry function's return value.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ana-vm fact.ana                  # Run main\n")
		fmt.Fprintf(os.Stderr, "  ana-vm -heap 64 -trace fact.ana  # Small heap, trace execution\n")
		fmt.Fprintf(os.Stderr, "  ana-vm -disasm fact.ana          # Show lowered code\n")
		fmt.Fprintf(os.Stderr, "  ana-vm -o fact.anai fact.ana     # Compile to an image\n")
		fmt.Fprintf(os.Stderr, "  ana-vm -i                        # Start REPL\n")
		fmt.Fprintf(os.Stderr, "\nServices:\n")
		fmt.Fprintf(os.Stderr, "  ana-vm -serve -port 8080               # Execution service on :8080\n")
		fmt.Fprintf(os.Stderr, "  ana-vm -remote localhost:8080 fact.ana # Run on a remote service\n")
		fmt.Fprintf(os.Stderr, "  ana-vm -lsp                            # Language server on stdio\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override the file.
	if *heapCap > 0 {
		cfg.VM.HeapCapacity = *heapCap
	}
	if *entry != "" {
		cfg.VM.Entry = *entry
	}
	if *heapAccess != "" {
		cfg.VM.HeapAccess = *heapAccess
	}
	if *servePort > 0 {
		cfg.Server.Port = *servePort
	}
	if *trace {
		cfg.VM.Trace = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	configureLogging(cfg, int(verbose), *lspMode)

	if *lspMode {
		if err := server.NewLSP(cfg.VM.Entry).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "LSP error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *serveMode {
		if err := serve(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	paths := flag.Args()
	if *interactive || len(paths) == 0 {
		if err := runREPL(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if len(paths) > 1 {
		fmt.Fprintf(os.Stderr, "Error: expected one program, got %d\n", len(paths))
		os.Exit(1)
	}
	path := paths[0]

	if *remote != "" {
		code, err := runRemote(*remote, path, cfg, os.Stdout, os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(exitStatus(code))
	}

	prog, imageEntry, err := loadProgram(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitStatus(vm.ExitLoadError))
	}
	if *entry == "" && imageEntry != "" {
		cfg.VM.Entry = imageEntry
	}

	if *outPath != "" {
		if err := image.WriteFile(*outPath, prog, cfg.VM.Entry); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if verbose > 0 {
			fmt.Printf("Wrote %s (%d instructions)\n", *outPath, len(prog))
		}
		os.Exit(0)
	}

	if *disasm {
		ft, err := vm.Load(prog, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitStatus(vm.ExitLoadError))
		}
		fmt.Print(ft.Disassemble())
		os.Exit(0)
	}

	os.Exit(exitStatus(run(prog, cfg, os.Stdout)))
}

// exitStatus maps a return code to a process status the way the OS does.
func exitStatus(code int64) int {
	return int(code & 0xff)
}

// loadConfig reads ana.toml from dir, or searches upward from the working
// directory when dir is empty. A missing file yields the defaults.
func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// configureLogging sets the commonlog verbosity. The LSP owns stdout, so in
// that mode logs always go to a file or stderr.
func configureLogging(cfg *config.Config, extra int, lsp bool) {
	var path *string
	if cfg.Log.Path != "" {
		p := cfg.Log.Path
		if !filepath.IsAbs(p) && cfg.Dir != "" {
			p = filepath.Join(cfg.Dir, p)
		}
		path = &p
	}
	level := cfg.Log.Verbosity + extra
	if lsp && path == nil && level == 0 {
		level = 1
	}
	commonlog.Configure(level, path)
}

// loadProgram reads assembly text or an image. For images it also returns
// the entry function recorded in the file.
func loadProgram(path string) (vm.Program, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	if image.IsImage(data) {
		img, err := image.Unmarshal(data)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		prog, err := img.Program()
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		return prog, img.Entry, nil
	}
	prog, err := asm.ParseString(string(data))
	if err != nil {
		var list asm.ErrorList
		if errors.As(err, &list) {
			var b strings.Builder
			for _, e := range list {
				fmt.Fprintf(&b, "\n  %s: %s", path, e)
			}
			return nil, "", fmt.Errorf("%d syntax errors:%s", len(list), b.String())
		}
		return nil, "", err
	}
	return prog, "", nil
}

// run executes prog and returns the process exit code.
func run(prog vm.Program, cfg *config.Config, out io.Writer) int64 {
	opts, err := cfg.VMOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	opts = append(opts, vm.WithOutput(out))
	if cfg.VM.Trace {
		opts = append(opts, vm.WithTrace(os.Stderr))
	}

	machine, err := vm.New(prog, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return vm.ExitLoadError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := machine.RunContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return code
}

// serve runs the execution service until interrupted.
func serve(cfg *config.Config) error {
	opts := []server.ServerOption{
		server.WithExecOptions(execOptions(cfg)),
		server.WithRunTTL(cfg.RunTTL(), cfg.SweepInterval()),
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, server.WithJournal(j))
	}

	srv := server.New(opts...)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	return srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port))
}

func execOptions(cfg *config.Config) server.ExecOptions {
	opts := server.DefaultExecOptions()
	opts.HeapCapacity = cfg.VM.HeapCapacity
	opts.Entry = cfg.VM.Entry
	if policy, err := vm.ParseHeapAccess(cfg.VM.HeapAccess); err == nil {
		opts.HeapAccess = policy
	}
	opts.MaxFrames = cfg.VM.MaxFrames
	opts.InstructionLimit = cfg.VM.InstructionLimit
	opts.RunTimeout = cfg.RunTimeout()
	opts.MaxSourceBytes = cfg.Server.MaxSourceBytes
	return opts
}
