package vm

// ---------------------------------------------------------------------------
// StackFrame: per-call execution state
// ---------------------------------------------------------------------------

// StackFrame holds the state of one active call. Variables live in slot
// arrays sized by the function's lowered slot tables; a parallel bound
// bitmap records which slots have been stored.
type StackFrame struct {
	fn  *Function
	pc  int
	ops []int64

	scalars     []int64
	scalarBound []bool
	arrays      []int64 // heap base offsets, not owned
	arrayBound  []bool
}

func newFrame(fn *Function) *StackFrame {
	return &StackFrame{
		fn:          fn,
		ops:         make([]int64, 0, 8),
		scalars:     make([]int64, len(fn.ScalarSlots)),
		scalarBound: make([]bool, len(fn.ScalarSlots)),
		arrays:      make([]int64, len(fn.ArraySlots)),
		arrayBound:  make([]bool, len(fn.ArraySlots)),
	}
}

// Function returns the descriptor this frame is executing.
func (f *StackFrame) Function() *Function { return f.fn }

// PC returns the offset of the next instruction to execute.
func (f *StackFrame) PC() int { return f.pc }

// Depth returns the operand stack depth.
func (f *StackFrame) Depth() int { return len(f.ops) }

// Operands returns a copy of the operand stack, bottom first.
func (f *StackFrame) Operands() []int64 {
	out := make([]int64, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *StackFrame) push(v int64) {
	f.ops = append(f.ops, v)
}

func (f *StackFrame) pop() (int64, error) {
	n := len(f.ops)
	if n == 0 {
		return 0, ErrStackUnderflow
	}
	v := f.ops[n-1]
	f.ops = f.ops[:n-1]
	return v, nil
}

// pop2 pops the top value then the one below it.
func (f *StackFrame) pop2() (top, below int64, err error) {
	if len(f.ops) < 2 {
		return 0, 0, ErrStackUnderflow
	}
	top, _ = f.pop()
	below, _ = f.pop()
	return top, below, nil
}

func (f *StackFrame) setScalar(slot int, v int64) {
	f.scalars[slot] = v
	f.scalarBound[slot] = true
}

func (f *StackFrame) setArray(slot int, base int64) {
	f.arrays[slot] = base
	f.arrayBound[slot] = true
}

// Scalar returns the value of a scalar variable by name.
func (f *StackFrame) Scalar(name string) (int64, bool) {
	slot, ok := f.fn.ScalarSlot(name)
	if !ok || !f.scalarBound[slot] {
		return 0, false
	}
	return f.scalars[slot], true
}

// Array returns the base offset held by an array variable.
func (f *StackFrame) Array(name string) (int64, bool) {
	slot, ok := f.fn.ArraySlot(name)
	if !ok || !f.arrayBound[slot] {
		return 0, false
	}
	return f.arrays[slot], true
}

// Scalars returns the bound scalar variables.
func (f *StackFrame) Scalars() map[string]int64 {
	out := make(map[string]int64)
	for i, name := range f.fn.ScalarSlots {
		if f.scalarBound[i] {
			out[name] = f.scalars[i]
		}
	}
	return out
}

// Arrays returns the bound array variables.
func (f *StackFrame) Arrays() map[string]int64 {
	out := make(map[string]int64)
	for i, name := range f.fn.ArraySlots {
		if f.arrayBound[i] {
			out[name] = f.arrays[i]
		}
	}
	return out
}

// ArrayHandles returns the base offsets of every bound array variable.
// These are the collector's roots.
func (f *StackFrame) ArrayHandles() []int64 {
	var out []int64
	for i, bound := range f.arrayBound {
		if bound {
			out = append(out, f.arrays[i])
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// CallStack
// ---------------------------------------------------------------------------

// CallStack is the live call chain, most recent frame last.
type CallStack struct {
	frames []*StackFrame
}

// Len returns the number of live frames.
func (s *CallStack) Len() int { return len(s.frames) }

// Top returns the executing frame, or nil when the stack is empty.
func (s *CallStack) Top() *StackFrame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Frames returns the live frames, root first.
func (s *CallStack) Frames() []*StackFrame {
	out := make([]*StackFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *CallStack) push(f *StackFrame) {
	s.frames = append(s.frames, f)
}

func (s *CallStack) pop() *StackFrame {
	n := len(s.frames)
	if n == 0 {
		return nil
	}
	f := s.frames[n-1]
	s.frames[n-1] = nil
	s.frames = s.frames[:n-1]
	return f
}

// unwind discards every frame.
func (s *CallStack) unwind() {
	for i := range s.frames {
		s.frames[i] = nil
	}
	s.frames = s.frames[:0]
}
