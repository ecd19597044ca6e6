package vm

import "fmt"

// ---------------------------------------------------------------------------
// Heap: fixed-capacity linear cell array
// ---------------------------------------------------------------------------

// DefaultHeapCapacity is the number of cells a VM heap holds unless
// configured otherwise.
const DefaultHeapCapacity = 1024

// Cell is one heap slot.
type Cell struct {
	Allocated bool
	Value     int64
}

// Block describes an allocated span: a header cell followed by Span-1 data
// cells. Base is the offset handed out to programs.
type Block struct {
	Header int
	Span   int
}

// Base returns the offset of the first data cell.
func (b Block) Base() int64 { return int64(b.Header) + 1 }

// Size returns the number of data cells.
func (b Block) Size() int { return b.Span - 1 }

// Heap is a linear array of cells with first-fit allocation. A block of N
// cells occupies N+1 contiguous allocated cells; the first holds N+1.
type Heap struct {
	cells []Cell
	used  int
	peak  int
}

// NewHeap creates a heap with the given number of cells.
func NewHeap(capacity int) *Heap {
	if capacity < 0 {
		capacity = 0
	}
	return &Heap{cells: make([]Cell, capacity)}
}

// Capacity returns the total number of cells.
func (h *Heap) Capacity() int { return len(h.cells) }

// Used returns the number of allocated cells, headers included.
func (h *Heap) Used() int { return h.used }

// Free returns the number of unallocated cells.
func (h *Heap) Free() int { return len(h.cells) - h.used }

// Peak returns the highest Used value observed.
func (h *Heap) Peak() int { return h.peak }

// Allocate reserves size data cells plus a header using first fit and
// returns the base offset. The data cells are zeroed. When no run of
// size+1 free cells exists it returns ErrOutOfMemory; the caller decides
// whether to collect and retry.
func (h *Heap) Allocate(size int64) (int64, error) {
	if size < 0 {
		return 0, fmt.Errorf("allocate %d: %w", size, ErrNegativeSize)
	}
	if size+1 > int64(len(h.cells)) {
		return 0, fmt.Errorf("allocate %d cells (capacity %d): %w", size, len(h.cells), ErrOutOfMemory)
	}
	span := int(size) + 1

	run := 0
	for i := range h.cells {
		if h.cells[i].Allocated {
			run = 0
			continue
		}
		run++
		if run == span {
			header := i - span + 1
			for j := header; j <= i; j++ {
				h.cells[j] = Cell{Allocated: true}
			}
			h.cells[header].Value = int64(span)
			h.used += span
			if h.used > h.peak {
				h.peak = h.used
			}
			return int64(header) + 1, nil
		}
	}
	return 0, fmt.Errorf("allocate %d cells (%d free): %w", size, h.Free(), ErrOutOfMemory)
}

// Read returns the value stored at offset.
func (h *Heap) Read(offset int64) (int64, error) {
	if offset < 0 || offset >= int64(len(h.cells)) {
		return 0, fmt.Errorf("read %d (capacity %d): %w", offset, len(h.cells), ErrOutOfRange)
	}
	return h.cells[offset].Value, nil
}

// Write stores value at offset.
func (h *Heap) Write(offset, value int64) error {
	if offset < 0 || offset >= int64(len(h.cells)) {
		return fmt.Errorf("write %d (capacity %d): %w", offset, len(h.cells), ErrOutOfRange)
	}
	h.cells[offset].Value = value
	return nil
}

// Cell returns a copy of the cell at index i.
func (h *Heap) Cell(i int) (Cell, bool) {
	if i < 0 || i >= len(h.cells) {
		return Cell{}, false
	}
	return h.cells[i], true
}

// Blocks walks the heap header by header and returns every allocated block
// in address order. A header whose span is not positive or runs past the end
// of the heap is treated as a one-cell block so the walk always advances.
func (h *Heap) Blocks() []Block {
	var blocks []Block
	for i := 0; i < len(h.cells); {
		if !h.cells[i].Allocated {
			i++
			continue
		}
		span := h.cells[i].Value
		if span < 1 || span > int64(len(h.cells)-i) {
			span = 1
		}
		blocks = append(blocks, Block{Header: i, Span: int(span)})
		i += int(span)
	}
	return blocks
}

// release marks a block's cells free. Contents are left in place.
func (h *Heap) release(b Block) {
	for j := b.Header; j < b.Header+b.Span; j++ {
		if h.cells[j].Allocated {
			h.cells[j].Allocated = false
			h.used--
		}
	}
}
