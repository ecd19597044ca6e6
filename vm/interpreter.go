package vm

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// step fetches the instruction at the top frame's pc, advances pc and
// executes it. Errors are turned into an abort.
func (v *VM) step() {
	frame := v.stack.Top()
	if frame == nil {
		v.state = StateHalted
		return
	}
	if v.limit > 0 && v.stats.Instructions >= v.limit {
		v.abort(KindLimit, frame, fmt.Errorf("%d instructions: %w", v.limit, ErrLimit))
		return
	}

	code := frame.fn.code
	if frame.pc >= len(code) {
		// Falling off the end of a body returns 0.
		v.ret(0)
		return
	}
	in := &code[frame.pc]
	frame.pc++
	v.stats.Instructions++
	if v.trace != nil {
		v.traceInstr(frame, in)
	}

	if kind, err := v.exec(frame, in); err != nil {
		frame.pc--
		v.abort(kind, frame, err)
	}
}

func (v *VM) exec(frame *StackFrame, in *instr) (ErrorKind, error) {
	switch in.op {
	case OpFunBegin, OpFunEnd, OpLabel:
		return 0, nil

	case OpPush:
		frame.push(in.arg)

	case OpLoad:
		if !frame.scalarBound[in.slot] {
			return KindLookup, fmt.Errorf("scalar %s: %w", in.name, ErrUndefined)
		}
		frame.push(frame.scalars[in.slot])

	case OpArrayLoad:
		if !frame.arrayBound[in.slot] {
			return KindLookup, fmt.Errorf("array %s: %w", in.name, ErrUndefined)
		}
		frame.push(frame.arrays[in.slot])

	case OpStore:
		val, err := frame.pop()
		if err != nil {
			return KindStackUnderflow, err
		}
		frame.setScalar(in.slot, val)

	case OpArrayStore:
		base, err := frame.pop()
		if err != nil {
			return KindStackUnderflow, err
		}
		frame.setArray(in.slot, base)

	case OpLoadFromIndex:
		idx, err := frame.pop()
		if err != nil {
			return KindStackUnderflow, err
		}
		if !frame.arrayBound[in.slot] {
			return KindLookup, fmt.Errorf("array %s: %w", in.name, ErrUndefined)
		}
		val, err := v.heap.Read(frame.arrays[in.slot] + idx)
		if err != nil {
			if v.heapAccess == HeapAccessFatal {
				return KindHeapAccess, fmt.Errorf("%s[%d]: %w", in.name, idx, err)
			}
			v.log.Warningf("%s: %s[%d]: %s", frame.fn.Name, in.name, idx, err)
			val = -1
		}
		frame.push(val)

	case OpStoreInIndex:
		idx, val, err := frame.pop2()
		if err != nil {
			return KindStackUnderflow, err
		}
		if !frame.arrayBound[in.slot] {
			return KindLookup, fmt.Errorf("array %s: %w", in.name, ErrUndefined)
		}
		if err := v.heap.Write(frame.arrays[in.slot]+idx, val); err != nil {
			if v.heapAccess == HeapAccessFatal {
				return KindHeapAccess, fmt.Errorf("%s[%d]: %w", in.name, idx, err)
			}
			v.log.Warningf("%s: %s[%d]: %s", frame.fn.Name, in.name, idx, err)
		}

	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		rhs, lhs, err := frame.pop2()
		if err != nil {
			return KindStackUnderflow, err
		}
		res, err := arith(in.op, lhs, rhs)
		if err != nil {
			return KindDivideByZero, err
		}
		frame.push(res)

	case OpNewArray:
		size, err := frame.pop()
		if err != nil {
			return KindStackUnderflow, err
		}
		base, kind, err := v.allocate(size)
		if err != nil {
			return kind, err
		}
		frame.push(base)

	case OpPrint:
		val, err := frame.pop()
		if err != nil {
			return KindStackUnderflow, err
		}
		if _, err := fmt.Fprintf(v.out, "%d\n", val); err != nil {
			return KindOutput, fmt.Errorf("print: %w", err)
		}

	case OpCmp:
		lhs, rhs, err := frame.pop2()
		if err != nil {
			return KindStackUnderflow, err
		}
		v.flags = compare(lhs, rhs)

	case OpJump, OpJumpEQ, OpJumpNE, OpJumpLT, OpJumpLE, OpJumpGT, OpJumpGE:
		if !v.flags.Holds(in.op) {
			return 0, nil
		}
		if in.target < 0 {
			return KindLookup, fmt.Errorf("label %s: %w", in.name, ErrUndefined)
		}
		frame.pc = in.target

	case OpCall:
		return v.call(frame, in)

	case OpReturn:
		val, err := frame.pop()
		if err != nil {
			return KindStackUnderflow, err
		}
		v.ret(val)

	default:
		return KindInvalidOperation, fmt.Errorf("unhandled opcode %s", in.op)
	}
	return 0, nil
}

func arith(op Opcode, lhs, rhs int64) (int64, error) {
	switch op {
	case OpAdd:
		return lhs + rhs, nil
	case OpSub:
		return lhs - rhs, nil
	case OpMul:
		return lhs * rhs, nil
	case OpDiv:
		if rhs == 0 {
			return 0, fmt.Errorf("%d / 0: %w", lhs, ErrDivideByZero)
		}
		return lhs / rhs, nil
	default:
		if rhs == 0 {
			return 0, fmt.Errorf("%d %% 0: %w", lhs, ErrDivideByZero)
		}
		return lhs % rhs, nil
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// allocate asks the heap for size cells. When the heap is full it runs one
// collection and retries once.
func (v *VM) allocate(size int64) (int64, ErrorKind, error) {
	base, err := v.heap.Allocate(size)
	if err == nil {
		v.stats.Allocations++
		return base, 0, nil
	}
	if !errors.Is(err, ErrOutOfMemory) {
		return 0, KindInvalidOperation, err
	}

	v.log.Debugf("allocation of %d cells failed, collecting", size)
	v.Collect()

	base, err = v.heap.Allocate(size)
	if err != nil {
		return 0, KindResourceExhaustion, fmt.Errorf("after collection: %w", err)
	}
	v.stats.Allocations++
	return base, 0, nil
}

// ---------------------------------------------------------------------------
// Call protocol
// ---------------------------------------------------------------------------

func (v *VM) call(caller *StackFrame, in *instr) (ErrorKind, error) {
	callee := in.callee
	if callee == nil {
		return KindLookup, fmt.Errorf("function %s: %w", in.name, ErrUndefined)
	}
	if v.stack.Len() >= v.maxFrames {
		return KindResourceExhaustion, fmt.Errorf("calling %s at depth %d: %w", callee.Name, v.stack.Len(), ErrCallDepth)
	}
	if caller.Depth() < len(callee.Params) {
		return KindStackUnderflow, fmt.Errorf("calling %s with %d of %d arguments: %w",
			callee.Name, caller.Depth(), len(callee.Params), ErrStackUnderflow)
	}

	frame := newFrame(callee)
	scalar, array := 0, 0
	for _, p := range callee.Params {
		val, _ := caller.pop()
		if p.Kind == Scalar {
			frame.setScalar(scalar, val)
			scalar++
		} else {
			frame.setArray(array, val)
			array++
		}
	}
	v.stack.push(frame)
	v.stats.Calls++
	if d := v.stack.Len(); d > v.stats.PeakDepth {
		v.stats.PeakDepth = d
	}
	return 0, nil
}

// ret pops the current frame. Returning from the root frame halts the VM
// with val as the exit code; otherwise val is pushed onto the caller.
func (v *VM) ret(val int64) {
	v.stack.pop()
	caller := v.stack.Top()
	if caller == nil {
		v.exitCode = val
		v.state = StateHalted
		return
	}
	caller.push(val)
}

// abort records a runtime error and unwinds every frame.
func (v *VM) abort(kind ErrorKind, frame *StackFrame, err error) {
	re := &RuntimeError{Kind: kind, PC: -1, Err: err}
	if frame != nil {
		re.Function = frame.fn.Name
		re.PC = frame.pc
		if frame.pc >= 0 && frame.pc < len(frame.fn.code) {
			re.Op = frame.fn.code[frame.pc].op
		}
	}
	v.log.Errorf("%s", re)
	v.err = re
	v.exitCode = ExitAbort
	v.state = StateAborted
	v.stack.unwind()
}

func (v *VM) traceInstr(frame *StackFrame, in *instr) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s %4d  %-16s", frame.fn.Name, frame.pc-1, in.op)
	if in.op == OpPush {
		fmt.Fprintf(&sb, " %d", in.arg)
	} else if in.name != "" {
		sb.WriteString(" " + in.name)
	}
	fmt.Fprintf(&sb, "  depth=%d stack=%v\n", v.stack.Len(), frame.ops)
	_, _ = io.WriteString(v.trace, sb.String())
}
