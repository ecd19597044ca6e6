package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kolzuk/ana-language/config"
	"github.com/kolzuk/ana-language/vm"
	"github.com/kolzuk/ana-language/vm/image"
)

const sumSource = `FUN_BEGIN main
    PUSH 3
    NEW_ARRAY
    ARRAY_STORE xs
    PUSH 10
    PUSH 0
    STORE_IN_INDEX xs
    PUSH 32
    PUSH 2
    STORE_IN_INDEX xs
    PUSH 0
    LOAD_FROM_INDEX xs
    PUSH 2
    LOAD_FROM_INDEX xs
    ADD
    PRINT
    PUSH 7
    RETURN
FUN_END
`

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Exit codes
// ---------------------------------------------------------------------------

func TestExitStatus(t *testing.T) {
	cases := []struct {
		code int64
		want int
	}{
		{0, 0},
		{7, 7},
		{vm.ExitAbort, 1},
		{vm.ExitLoadError, 255},
		{256, 0},
		{300, 44},
	}
	for _, tc := range cases {
		if got := exitStatus(tc.code); got != tc.want {
			t.Errorf("exitStatus(%d) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestVerbosityFlag(t *testing.T) {
	var v verbosity
	v.Set("true")
	v.Set("true")
	if v != 2 {
		t.Errorf("verbosity = %d, want 2", v)
	}
	if err := v.Set("4"); err != nil || v != 4 {
		t.Errorf("Set(4) = %v, verbosity %d", err, v)
	}
	if err := v.Set("loud"); err == nil {
		t.Error("Set(loud) should fail")
	}
}

// ---------------------------------------------------------------------------
// Loading and running
// ---------------------------------------------------------------------------

func TestLoadProgram_Assembly(t *testing.T) {
	path := writeFile(t, "sum.ana", []byte(sumSource))
	prog, entry, err := loadProgram(path)
	if err != nil {
		t.Fatalf("loadProgram: %v", err)
	}
	if entry != "" {
		t.Errorf("entry = %q, want empty for assembly", entry)
	}
	if len(prog) != 19 {
		t.Errorf("instructions = %d, want 19", len(prog))
	}
}

func TestLoadProgram_Image(t *testing.T) {
	src := writeFile(t, "sum.ana", []byte(sumSource))
	prog, _, err := loadProgram(src)
	if err != nil {
		t.Fatal(err)
	}
	data, err := image.Encode(prog, "main")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	path := writeFile(t, "sum.anai", data)

	got, entry, err := loadProgram(path)
	if err != nil {
		t.Fatalf("loadProgram(image): %v", err)
	}
	if entry != "main" {
		t.Errorf("entry = %q, want main", entry)
	}
	if len(got) != len(prog) {
		t.Errorf("instructions = %d, want %d", len(got), len(prog))
	}
}

func TestLoadProgram_SyntaxErrors(t *testing.T) {
	path := writeFile(t, "bad.ana", []byte("FUN_BEGIN main\n    PUSH x\n    POP\nFUN_END\n"))
	_, _, err := loadProgram(path)
	if err == nil {
		t.Fatal("expected syntax errors")
	}
	if !strings.Contains(err.Error(), "2 syntax errors") {
		t.Errorf("err = %v", err)
	}
}

func TestRun(t *testing.T) {
	path := writeFile(t, "sum.ana", []byte(sumSource))
	prog, _, err := loadProgram(path)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	code := run(prog, config.Default(), &out)
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	if out.String() != "42\n" {
		t.Errorf("output = %q, want %q", out.String(), "42\n")
	}
}

func TestRun_MissingEntry(t *testing.T) {
	cfg := config.Default()
	cfg.VM.Entry = "start"
	prog, _, err := loadProgram(writeFile(t, "sum.ana", []byte(sumSource)))
	if err != nil {
		t.Fatal(err)
	}
	if code := run(prog, cfg, &bytes.Buffer{}); code != vm.ExitLoadError {
		t.Errorf("exit code = %d, want %d", code, vm.ExitLoadError)
	}
}

func TestLoadConfig_Dir(t *testing.T) {
	dir := t.TempDir()
	data := "[vm]\nheap_capacity = 64\nentry = \"start\"\n"
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.VM.HeapCapacity != 64 || cfg.VM.Entry != "start" {
		t.Errorf("vm config = %+v", cfg.VM)
	}
}

func TestExecOptions(t *testing.T) {
	cfg := config.Default()
	cfg.VM.HeapAccess = "sentinel"
	cfg.VM.HeapCapacity = 128
	opts := execOptions(cfg)
	if opts.HeapAccess != vm.HeapAccessSentinel {
		t.Errorf("HeapAccess = %v, want sentinel", opts.HeapAccess)
	}
	if opts.HeapCapacity != 128 || opts.Entry != "main" {
		t.Errorf("opts = %+v", opts)
	}
}
