package image

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kolzuk/ana-language/vm"
)

func sampleProgram() vm.Program {
	b := vm.NewBuilder()
	b.FunBegin("main")
	b.Push(40).Push(2).Add().Print()
	b.Push(0).Return()
	b.FunEnd()
	return b.Build()
}

func TestImageFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.anai")
	prog := sampleProgram()

	if err := WriteFile(path, prog, "main"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	img, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if img.Entry != "main" || img.Version != Version {
		t.Errorf("header = %q v%d", img.Entry, img.Version)
	}

	got, err := img.Program()
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	var out bytes.Buffer
	machine, err := vm.New(got, vm.WithOutput(&out), vm.WithEntry(img.Entry))
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	if _, err := machine.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "42\n" {
		t.Errorf("output = %q, want 42", out.String())
	}
}

func TestImageDeterministic(t *testing.T) {
	a, err := Encode(sampleProgram(), "main")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(sampleProgram(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("encoding is not deterministic")
	}
}

func TestImageRejectsCorruption(t *testing.T) {
	img, err := New(sampleProgram(), "main")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("magic", func(t *testing.T) {
		if _, err := Unmarshal([]byte("FUN_BEGIN main")); !errors.Is(err, ErrBadMagic) {
			t.Errorf("err = %v, want ErrBadMagic", err)
		}
	})

	t.Run("checksum", func(t *testing.T) {
		tampered := *img
		tampered.Instructions = append([]Instruction(nil), img.Instructions...)
		tampered.Instructions[1].Operands = []string{"41"}
		data, err := Marshal(&tampered)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Unmarshal(data); !errors.Is(err, ErrChecksum) {
			t.Errorf("err = %v, want ErrChecksum", err)
		}
	})

	t.Run("version", func(t *testing.T) {
		future := *img
		future.Version = Version + 1
		data, err := Marshal(&future)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Unmarshal(data); !errors.Is(err, ErrVersion) {
			t.Errorf("err = %v, want ErrVersion", err)
		}
	})

	t.Run("opcode", func(t *testing.T) {
		bad, err := New(vm.Program{{Op: vm.Opcode(0xEE)}}, "main")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := bad.Program(); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("err = %v, want ErrInvalidCode", err)
		}
	})
}

func TestIsImage(t *testing.T) {
	data, _ := Encode(sampleProgram(), "main")
	if !IsImage(data) {
		t.Errorf("encoded image not detected")
	}
	if IsImage([]byte("; assembly\nFUN_BEGIN main\n")) {
		t.Errorf("assembly text detected as image")
	}
}
