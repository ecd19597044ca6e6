package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Heap Unit Tests
// ---------------------------------------------------------------------------

func TestHeapAllocateWritesHeader(t *testing.T) {
	h := NewHeap(16)

	base, err := h.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if base != 1 {
		t.Errorf("base = %d, want 1", base)
	}
	hdr, _ := h.Cell(0)
	if !hdr.Allocated || hdr.Value != 4 {
		t.Errorf("header = %+v, want allocated span 4", hdr)
	}
	for i := 1; i <= 3; i++ {
		c, _ := h.Cell(i)
		if !c.Allocated || c.Value != 0 {
			t.Errorf("cell %d = %+v, want allocated zero", i, c)
		}
	}
	if c, _ := h.Cell(4); c.Allocated {
		t.Errorf("cell 4 should be free")
	}
	if h.Used() != 4 {
		t.Errorf("Used = %d, want 4", h.Used())
	}
}

func TestHeapFirstFit(t *testing.T) {
	h := NewHeap(20)

	a, _ := h.Allocate(2) // cells 0..2
	b, _ := h.Allocate(4) // cells 3..7
	c, _ := h.Allocate(1) // cells 8..9
	if a != 1 || b != 4 || c != 9 {
		t.Fatalf("bases = %d %d %d, want 1 4 9", a, b, c)
	}

	// Free the middle block and allocate something that fits inside it.
	h.release(Block{Header: 3, Span: 5})
	d, err := h.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if d != 4 {
		t.Errorf("first fit should reuse the hole: got base %d, want 4", d)
	}

	// A block too large for the remaining hole goes after the last block.
	e, err := h.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if e != 11 {
		t.Errorf("base = %d, want 11", e)
	}
}

func TestHeapAllocateZeroSize(t *testing.T) {
	h := NewHeap(4)
	base, err := h.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	if base != 1 || h.Used() != 1 {
		t.Errorf("base=%d used=%d, want 1 and 1", base, h.Used())
	}
}

func TestHeapAllocateFailures(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		prefill  []int64
		size     int64
		want     error
	}{
		{"negative", 8, nil, -1, ErrNegativeSize},
		{"larger than heap", 8, nil, 8, ErrOutOfMemory},
		{"exactly capacity", 8, nil, 7, nil},
		{"fragmented", 8, []int64{3, 2}, 2, ErrOutOfMemory},
		{"empty heap", 0, nil, 0, ErrOutOfMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeap(tt.capacity)
			for _, n := range tt.prefill {
				if _, err := h.Allocate(n); err != nil {
					t.Fatalf("prefill %d: %v", n, err)
				}
			}
			_, err := h.Allocate(tt.size)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHeapReadWriteBounds(t *testing.T) {
	h := NewHeap(4)

	if err := h.Write(3, 99); err != nil {
		t.Fatalf("Write(3): %v", err)
	}
	v, err := h.Read(3)
	if err != nil || v != 99 {
		t.Errorf("Read(3) = %d, %v; want 99, nil", v, err)
	}

	for _, off := range []int64{-1, 4, 1 << 40} {
		if _, err := h.Read(off); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Read(%d) err = %v, want ErrOutOfRange", off, err)
		}
		if err := h.Write(off, 1); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Write(%d) err = %v, want ErrOutOfRange", off, err)
		}
	}
}

func TestHeapBlocksWalk(t *testing.T) {
	h := NewHeap(12)
	h.Allocate(2)
	h.Allocate(0)
	h.Allocate(3)

	blocks := h.Blocks()
	want := []Block{{0, 3}, {3, 1}, {4, 4}}
	if len(blocks) != len(want) {
		t.Fatalf("got %d blocks, want %d: %v", len(blocks), len(want), blocks)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, blocks[i], want[i])
		}
	}
	if blocks[2].Base() != 5 || blocks[2].Size() != 3 {
		t.Errorf("Base/Size = %d/%d, want 5/3", blocks[2].Base(), blocks[2].Size())
	}
}

func TestHeapAllocationSafety(t *testing.T) {
	h := NewHeap(50)
	for i := 0; i < 100; i++ {
		size := int64(i % 7)
		if _, err := h.Allocate(size); err != nil && !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("Allocate(%d): %v", size, err)
		}
		total := 0
		for _, b := range h.Blocks() {
			total += b.Span
		}
		if total > h.Capacity() || total != h.Used() {
			t.Fatalf("after %d allocations: span total %d, used %d, capacity %d",
				i+1, total, h.Used(), h.Capacity())
		}
	}
}
