package il

import (
	"fmt"
	"math"
)

// Simplify rewrites every short and macro form to its long form with an explicit operand, so
// instructions can be inserted without re-checking branch reach or slot encodings.
func (b *Body) Simplify() {
	for i := b.first; i != nil; i = i.next {
		i.OpCode = i.OpCode.LongForm()
	}
}

// Optimize picks the smallest encoding for each instruction: macro forms for small slot indexes
// and constants, short forms for byte-sized operands and for branches that reach their target
// with an 8-bit displacement. Branch shortening is repeated until no branch changes.
func (b *Body) Optimize() {
	for i := b.first; i != nil; i = i.next {
		i.OpCode = compactForm(i)
	}
	for changed := true; changed; {
		changed = false
		b.ComputeOffsets()
		for i := b.first; i != nil; i = i.next {
			if i.Operand.Kind != OperandTarget || i.OpCode.ShortForm() == i.OpCode {
				continue
			}
			short := i.OpCode.ShortForm()
			delta := i.Operand.Target.Offset - (i.Offset + opTable[short].size + opTable[short].imm)
			if i.Operand.Target.Offset > i.Offset {
				// shrinking this branch pulls forward targets closer
				delta -= i.Size() - (opTable[short].size + opTable[short].imm)
			}
			if delta >= math.MinInt8 && delta <= math.MaxInt8 {
				i.OpCode = short
				changed = true
			}
		}
	}
	b.ComputeOffsets()
}

func compactForm(i *Instruction) OpCode {
	op := i.OpCode.LongForm()
	switch op {
	case Ldloc, Stloc, Ldloca:
		return slotForm(op, i.Operand.Local.Index)
	case Ldarg, Starg, Ldarga:
		return slotForm(op, i.Operand.Arg.Index)
	case LdcI4:
		v := i.Operand.Int
		if v >= -1 && v <= 8 {
			return LdcI4M1 + OpCode(v+1)
		} else if v >= math.MinInt8 && v <= math.MaxInt8 {
			return LdcI4S
		}
	}
	return op
}

var slotMacros = map[OpCode][]OpCode{
	Ldloc: {Ldloc0, Ldloc1, Ldloc2, Ldloc3},
	Stloc: {Stloc0, Stloc1, Stloc2, Stloc3},
	Ldarg: {Ldarg0, Ldarg1, Ldarg2, Ldarg3},
}

func slotForm(op OpCode, index int) OpCode {
	if m := slotMacros[op]; index < len(m) {
		return m[index]
	} else if index <= math.MaxUint8 {
		return op.ShortForm()
	}
	return op
}

// ComputeOffsets assigns byte offsets to every instruction and returns the code size.
func (b *Body) ComputeOffsets() int {
	offset := 0
	for i := b.first; i != nil; i = i.next {
		i.Offset = offset
		offset += i.Size()
	}
	return offset
}

// CodeSize returns the encoded size of the body without updating offsets.
func (b *Body) CodeSize() int {
	size := 0
	for i := b.first; i != nil; i = i.next {
		size += i.Size()
	}
	return size
}

// StackEffect returns how many values the instruction pops and pushes. Returns are resolved
// against the body's return type.
func (b *Body) StackEffect(i *Instruction) (pop, push int) {
	info := &opTable[i.OpCode]
	pop, push = info.pop, info.push
	switch i.OpCode {
	case Ret:
		pop = 0
		if b.ReturnsValue() {
			pop = 1
		}
	case Call, Callvirt, Newobj:
		m := i.Operand.Method
		pop = len(m.Params)
		if m.HasThis && i.OpCode != Newobj {
			pop++
		}
		if i.OpCode != Newobj {
			push = 0
			if !m.Return.IsVoid() {
				push = 1
			}
		}
	}
	return pop, push
}

// StackError reports an inconsistent evaluation stack.
type StackError struct {
	Offset int
	OpCode OpCode
	Reason string
}

func (e *StackError) Error() string {
	return fmt.Sprintf("IL_%04x: %s: %s", e.Offset, e.OpCode, e.Reason)
}

// ComputeMaxStack walks every reachable path and sets MaxStack. Paths joining with different
// depths or popping an empty stack are reported as a *StackError.
func (b *Body) ComputeMaxStack() (int, error) {
	if b.first == nil {
		b.MaxStack = 0
		return 0, nil
	}
	b.ComputeOffsets()
	depth := make(map[*Instruction]int, b.count)
	var work []*Instruction
	enter := func(from, at *Instruction, d int) error {
		if at == nil {
			return &StackError{Offset: from.Offset, OpCode: from.OpCode, Reason: "falls off the end of the body"}
		} else if prior, ok := depth[at]; ok {
			if prior != d {
				return &StackError{Offset: at.Offset, OpCode: at.OpCode,
					Reason: fmt.Sprintf("stack depth mismatch %d != %d", prior, d)}
			}
			return nil
		}
		depth[at] = d
		work = append(work, at)
		return nil
	}
	depth[b.first] = 0
	work = append(work, b.first)
	for _, r := range b.Regions {
		d := 0
		if r.Kind == RegionCatch || r.Kind == RegionFilter {
			d = 1 // the exception object
		}
		if _, ok := depth[r.HandlerStart]; !ok && r.HandlerStart != nil {
			depth[r.HandlerStart] = d
			work = append(work, r.HandlerStart)
		}
		if r.Kind == RegionFilter && r.FilterStart != nil {
			if _, ok := depth[r.FilterStart]; !ok {
				depth[r.FilterStart] = 1
				work = append(work, r.FilterStart)
			}
		}
	}
	maxDepth := 0
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		d := depth[i]
		if d > maxDepth {
			maxDepth = d
		}
		pop, push := b.StackEffect(i)
		if d < pop {
			return 0, &StackError{Offset: i.Offset, OpCode: i.OpCode, Reason: "stack underflow"}
		}
		d = d - pop + push
		if d > maxDepth {
			maxDepth = d
		}
		switch {
		case i.OpCode.IsLeave():
			if err := enter(i, i.Operand.Target, 0); err != nil {
				return 0, err
			}
		case i.OpCode.Flow() == FlowBranch:
			if err := enter(i, i.Operand.Target, d); err != nil {
				return 0, err
			}
		case i.OpCode.Flow() == FlowCondBranch:
			for _, t := range i.BranchTargets() {
				if err := enter(i, t, d); err != nil {
					return 0, err
				}
			}
			if err := enter(i, i.next, d); err != nil {
				return 0, err
			}
		case i.OpCode.Flow() == FlowReturn, i.OpCode.Flow() == FlowThrow:
			// no successor
		default:
			if err := enter(i, i.next, d); err != nil {
				return 0, err
			}
		}
	}
	b.MaxStack = maxDepth
	return maxDepth, nil
}
