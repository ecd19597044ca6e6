// Package image serializes bytecode programs to a CBOR-encoded file format.
package image

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/kolzuk/ana-language/vm"
)

// Magic prefixes every image file.
const Magic = "ANAI"

// Version is the current image format version.
const Version = 1

var (
	ErrBadMagic    = errors.New("image: bad magic")
	ErrVersion     = errors.New("image: unsupported version")
	ErrChecksum    = errors.New("image: checksum mismatch")
	ErrInvalidCode = errors.New("image: invalid opcode")
)

// Instruction is the wire form of vm.Instruction.
type Instruction struct {
	Op       uint8    `cbor:"1,keyasint"`
	Operands []string `cbor:"2,keyasint,omitempty"`
	Line     int      `cbor:"3,keyasint,omitempty"`
}

// Image is a serialized program plus the metadata needed to run it.
type Image struct {
	Magic        string        `cbor:"1,keyasint"`
	Version      int           `cbor:"2,keyasint"`
	Entry        string        `cbor:"3,keyasint"`
	Instructions []Instruction `cbor:"4,keyasint"`
	Checksum     [32]byte      `cbor:"5,keyasint"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// New builds an image for prog with the given entry function name.
func New(prog vm.Program, entry string) (*Image, error) {
	img := &Image{
		Magic:        Magic,
		Version:      Version,
		Entry:        entry,
		Instructions: make([]Instruction, len(prog)),
	}
	for i, in := range prog {
		img.Instructions[i] = Instruction{Op: uint8(in.Op), Operands: in.Operands, Line: in.Line}
	}
	sum, err := checksum(img.Instructions)
	if err != nil {
		return nil, err
	}
	img.Checksum = sum
	return img, nil
}

// Program converts the image back into a vm.Program.
func (img *Image) Program() (vm.Program, error) {
	prog := make(vm.Program, len(img.Instructions))
	for i, in := range img.Instructions {
		op := vm.Opcode(in.Op)
		if !op.Valid() {
			return nil, fmt.Errorf("instruction %d: 0x%02x: %w", i, in.Op, ErrInvalidCode)
		}
		prog[i] = vm.Instruction{Op: op, Operands: in.Operands, Line: in.Line}
	}
	return prog, nil
}

func checksum(code []Instruction) ([32]byte, error) {
	data, err := encMode.Marshal(code)
	if err != nil {
		return [32]byte{}, fmt.Errorf("image: encode instructions: %w", err)
	}
	return sha256.Sum256(data), nil
}

// Marshal encodes the image, prefixed with Magic.
func Marshal(img *Image) ([]byte, error) {
	body, err := encMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("image: marshal: %w", err)
	}
	return append([]byte(Magic), body...), nil
}

// Unmarshal decodes and verifies an image.
func Unmarshal(data []byte) (*Image, error) {
	if !IsImage(data) {
		return nil, ErrBadMagic
	}
	var img Image
	if err := cbor.Unmarshal(data[len(Magic):], &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Magic != Magic {
		return nil, ErrBadMagic
	}
	if img.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, img.Version)
	}
	sum, err := checksum(img.Instructions)
	if err != nil {
		return nil, err
	}
	if sum != img.Checksum {
		return nil, ErrChecksum
	}
	return &img, nil
}

// IsImage reports whether data starts with the image magic.
func IsImage(data []byte) bool {
	return bytes.HasPrefix(data, []byte(Magic))
}

// Encode is New followed by Marshal.
func Encode(prog vm.Program, entry string) ([]byte, error) {
	img, err := New(prog, entry)
	if err != nil {
		return nil, err
	}
	return Marshal(img)
}

// WriteFile writes prog as an image to path.
func WriteFile(path string, prog vm.Program, entry string) error {
	data, err := Encode(prog, entry)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("image: write %s: %w", path, err)
	}
	return nil
}

// ReadFile loads and verifies an image from path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: read %s: %w", path, err)
	}
	return Unmarshal(data)
}
