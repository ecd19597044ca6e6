package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Collector: stop-the-world mark and sweep over the linear heap
// ---------------------------------------------------------------------------

// CollectStats holds statistics from a single collection.
type CollectStats struct {
	Cycle        int
	Roots        int // bound array variables scanned
	LiveBlocks   int
	LiveCells    int
	FreedBlocks  int
	FreedCells   int
	Duration     time.Duration
	Timestamp    time.Time
	IgnoredRoots int // handles that did not name a block header
}

// Collector reclaims heap blocks that no live frame refers to. Only array
// variables are roots; scalar variables are never scanned.
type Collector struct {
	log commonlog.Logger

	cycles      int
	freedCells  int
	freedBlocks int
	last        CollectStats
}

// NewCollector creates a collector that logs to logger.
func NewCollector(logger commonlog.Logger) *Collector {
	if logger == nil {
		logger = commonlog.GetLogger("ana.vm.gc")
	}
	return &Collector{log: logger}
}

// Collect marks every block referenced by a bound array variable of a frame
// on stack, then frees every other block. Freed contents are not cleared.
func (c *Collector) Collect(stack *CallStack, heap *Heap) CollectStats {
	start := time.Now()
	c.cycles++
	stats := CollectStats{Cycle: c.cycles, Timestamp: start}

	blocks := heap.Blocks()
	marked := c.mark(stack, heap, blocks, &stats)

	for _, b := range blocks {
		if marked[b.Header] {
			stats.LiveBlocks++
			stats.LiveCells += b.Span
			continue
		}
		heap.release(b)
		stats.FreedBlocks++
		stats.FreedCells += b.Span
	}

	stats.Duration = time.Since(start)
	c.freedCells += stats.FreedCells
	c.freedBlocks += stats.FreedBlocks
	c.last = stats

	c.log.Infof("gc cycle %d: %d roots, %d live blocks, freed %d blocks (%d cells) in %s",
		stats.Cycle, stats.Roots, stats.LiveBlocks, stats.FreedBlocks, stats.FreedCells, stats.Duration)
	return stats
}

// Reachable returns the blocks a collection would keep, without freeing
// anything.
func (c *Collector) Reachable(stack *CallStack, heap *Heap) []Block {
	blocks := heap.Blocks()
	var stats CollectStats
	marked := c.mark(stack, heap, blocks, &stats)
	var live []Block
	for _, b := range blocks {
		if marked[b.Header] {
			live = append(live, b)
		}
	}
	return live
}

// mark builds the reachability bitmap. A root only counts when base-1 is the
// header of an allocated block; the whole span is then marked.
func (c *Collector) mark(stack *CallStack, heap *Heap, blocks []Block, stats *CollectStats) []bool {
	marked := make([]bool, heap.Capacity())
	spans := make(map[int]int, len(blocks))
	for _, b := range blocks {
		spans[b.Header] = b.Span
	}

	for _, frame := range stack.frames {
		for _, base := range frame.ArrayHandles() {
			stats.Roots++
			header := int(base - 1)
			span, ok := spans[header]
			if base < 1 || !ok {
				stats.IgnoredRoots++
				c.log.Debugf("gc: handle %d in %s does not name a block", base, frame.fn.Name)
				continue
			}
			for j := header; j < header+span; j++ {
				marked[j] = true
			}
		}
	}
	return marked
}

// Cycles returns the number of collections run.
func (c *Collector) Cycles() int { return c.cycles }

// FreedCells returns the total cells reclaimed across all cycles.
func (c *Collector) FreedCells() int { return c.freedCells }

// FreedBlocks returns the total blocks reclaimed across all cycles.
func (c *Collector) FreedBlocks() int { return c.freedBlocks }

// Last returns the statistics of the most recent collection.
func (c *Collector) Last() CollectStats { return c.last }
