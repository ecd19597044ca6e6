package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/kolzuk/ana-language/asm"
	"github.com/kolzuk/ana-language/config"
	"github.com/kolzuk/ana-language/server"
	"github.com/kolzuk/ana-language/vm"
)

// session is the REPL state: the program typed so far and the settings it
// runs with.
type session struct {
	cfg    *config.Config
	out    io.Writer
	source strings.Builder
	depth  int    // open FUN_BEGIN blocks
	fn     string // function being entered
}

func newSession(cfg *config.Config, out io.Writer) *session {
	return &session{cfg: cfg, out: out}
}

// prompt reflects whether a function body is open.
func (s *session) prompt() string {
	if s.depth > 0 {
		return ".. "
	}
	return "ana> "
}

// handle processes one input line and reports whether the REPL should exit.
func (s *session) handle(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if s.depth == 0 && (trimmed == "exit" || trimmed == "quit") {
		return true
	}
	if strings.HasPrefix(trimmed, ":") {
		s.command(trimmed)
		return false
	}

	s.source.WriteString(line)
	s.source.WriteByte('\n')

	fields := asm.Fields(trimmed)
	if len(fields) == 0 {
		return false
	}
	op, ok := vm.LookupOpcode(fields[0].Text)
	if !ok {
		return false
	}
	switch op {
	case vm.OpFunBegin:
		s.depth++
		if len(fields) > 1 {
			s.fn = fields[1].Text
		}
	case vm.OpFunEnd:
		if s.depth > 0 {
			s.depth--
		}
		// Closing the entry function runs the program.
		if s.depth == 0 && s.fn == s.cfg.VM.Entry {
			s.run()
		}
		s.fn = ""
	}
	return false
}

func (s *session) command(cmd string) {
	name, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case ":help", ":h", ":?":
		fmt.Fprintln(s.out, "REPL Commands:")
		fmt.Fprintln(s.out, "  :help, :h, :?     Show this help")
		fmt.Fprintln(s.out, "  :run              Run the program entered so far")
		fmt.Fprintln(s.out, "  :check            Report diagnostics without running")
		fmt.Fprintln(s.out, "  :list             Show the program in canonical form")
		fmt.Fprintln(s.out, "  :disasm           Show the lowered program")
		fmt.Fprintln(s.out, "  :load <file>      Append an assembly file")
		fmt.Fprintln(s.out, "  :heap <cells>     Set the heap capacity")
		fmt.Fprintln(s.out, "  :entry <name>     Set the entry function")
		fmt.Fprintln(s.out, "  :clear            Discard the program")
		fmt.Fprintln(s.out, "  exit, quit        Exit REPL")
		fmt.Fprintln(s.out, "The program runs by itself when the entry function is closed with FUN_END.")
	case ":run":
		s.run()
	case ":check":
		_, _, diags := server.Diagnose(s.source.String(), s.cfg.VM.Entry)
		if len(diags) == 0 {
			fmt.Fprintln(s.out, "ok")
		}
		for _, d := range diags {
			fmt.Fprintf(s.out, "line %d: %s: %s\n", d.Line, d.Severity, d.Message)
		}
	case ":list":
		prog, err := asm.ParseString(s.source.String())
		if err != nil {
			fmt.Fprintf(s.out, "Parse error: %v\n", err)
			return
		}
		fmt.Fprint(s.out, asm.FormatString(prog))
	case ":disasm":
		ft, err := s.load()
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return
		}
		fmt.Fprint(s.out, ft.Disassemble())
	case ":load":
		data, err := os.ReadFile(arg)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return
		}
		s.source.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			s.source.WriteByte('\n')
		}
		fmt.Fprintf(s.out, "Loaded %s\n", arg)
	case ":heap":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			fmt.Fprintf(s.out, "Invalid heap capacity %q\n", arg)
			return
		}
		s.cfg.VM.HeapCapacity = n
		fmt.Fprintf(s.out, "Heap capacity: %d cells\n", n)
	case ":entry":
		if arg == "" {
			fmt.Fprintf(s.out, "Entry: %s\n", s.cfg.VM.Entry)
			return
		}
		s.cfg.VM.Entry = arg
	case ":clear":
		s.source.Reset()
		s.depth = 0
		s.fn = ""
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type :help for commands)\n", cmd)
	}
}

func (s *session) load() (*vm.FunctionTable, error) {
	prog, err := asm.ParseString(s.source.String())
	if err != nil {
		return nil, err
	}
	return vm.Load(prog, nil)
}

// run executes the buffer and prints the return code.
func (s *session) run() {
	prog, err := asm.ParseString(s.source.String())
	if err != nil {
		var list asm.ErrorList
		if errors.As(err, &list) {
			for _, e := range list {
				fmt.Fprintf(s.out, "Parse error: %s\n", e)
			}
			return
		}
		fmt.Fprintf(s.out, "Parse error: %v\n", err)
		return
	}
	opts, err := s.cfg.VMOptions()
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	opts = append(opts, vm.WithOutput(s.out))
	machine, err := vm.New(prog, opts...)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	code, err := machine.Run()
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	st := machine.Stats()
	fmt.Fprintf(s.out, "=> %d (%d instructions, %d GC cycles)\n", code, st.Instructions, st.GCCycles)
}

// runREPL reads assembly interactively.
func runREPL(cfg *config.Config) error {
	rl, err := readline.New("ana> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("ana bytecode REPL (type 'exit' to quit, ':help' for commands)")
	fmt.Println()

	s := newSession(cfg, rl.Stdout())
	for {
		rl.SetPrompt(s.prompt())
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			// io.EOF on Ctrl-D
			return nil
		}
		if s.handle(line) {
			return nil
		}
	}
}
