package il

import (
	"fmt"
	"math"
)

// Operand is the tagged operand of an Instruction. Only the field matching Kind is meaningful.
type Operand struct {
	Kind    OperandKind
	Int     int64
	Float   float64
	Str     string
	Local   *Local
	Arg     *Param
	Field   *FieldRef
	Type    *TypeRef
	Method  *MethodRef
	Target  *Instruction
	Targets []*Instruction
}

// Instruction is one node of a body's instruction sequence. Identity is by pointer.
type Instruction struct {
	OpCode  OpCode
	Operand Operand
	// Offset is the byte offset assigned by ComputeOffsets.
	Offset int

	prev, next *Instruction
	body       *Body
}

// UnsupportedOperandError reports an operand value that does not fit the opcode.
type UnsupportedOperandError struct {
	OpCode OpCode
	Want   OperandKind
	Value  any
}

func (e *UnsupportedOperandError) Error() string {
	return fmt.Sprintf("unsupported operand %T(%v) for %s, expected %s", e.Value, e.Value, e.OpCode, e.Want)
}

// New creates a detached instruction, checking the operand against the opcode's operand kind.
// Macro forms with an implied constant (ldc.i4.2) accept a nil operand.
func New(op OpCode, operand any) (*Instruction, error) {
	if !op.Valid() {
		return nil, &UnsupportedOperandError{OpCode: op, Value: operand}
	}
	kind := op.OperandKind()
	ins := &Instruction{OpCode: op, Operand: Operand{Kind: kind}}
	bad := func() (*Instruction, error) {
		return nil, &UnsupportedOperandError{OpCode: op, Want: kind, Value: operand}
	}
	switch kind {
	case OperandNone:
		if operand != nil {
			return bad()
		}
	case OperandInt:
		var v int64
		switch n := operand.(type) {
		case nil:
			if !op.IsMacro() {
				return bad()
			}
			v = int64(opTable[op].implied)
		case int:
			v = int64(n)
		case int8:
			v = int64(n)
		case int16:
			v = int64(n)
		case int32:
			v = int64(n)
		case int64:
			v = n
		case uint8:
			v = int64(n)
		case uint16:
			v = int64(n)
		case uint32:
			v = int64(n)
		case bool:
			if n {
				v = 1
			}
		default:
			return bad()
		}
		if !intFits(op, v) {
			return bad()
		}
		ins.Operand.Int = v
	case OperandFloat:
		switch f := operand.(type) {
		case float32:
			ins.Operand.Float = float64(f)
		case float64:
			ins.Operand.Float = f
		default:
			return bad()
		}
	case OperandString:
		s, ok := operand.(string)
		if !ok {
			return bad()
		}
		ins.Operand.Str = s
	case OperandLocal:
		l, ok := operand.(*Local)
		if !ok || l == nil || (op.IsMacro() && l.Index != opTable[op].implied) {
			return bad()
		}
		ins.Operand.Local = l
	case OperandArg:
		p, ok := operand.(*Param)
		if !ok || p == nil || (op.IsMacro() && p.Index != opTable[op].implied) {
			return bad()
		}
		ins.Operand.Arg = p
	case OperandField:
		f, ok := operand.(*FieldRef)
		if !ok || f == nil {
			return bad()
		}
		ins.Operand.Field = f
	case OperandType:
		t, ok := operand.(*TypeRef)
		if !ok || t == nil {
			return bad()
		}
		ins.Operand.Type = t
	case OperandMethod:
		m, ok := operand.(*MethodRef)
		if !ok || m == nil {
			return bad()
		}
		ins.Operand.Method = m
	case OperandTarget:
		t, ok := operand.(*Instruction)
		if !ok || t == nil {
			return bad()
		}
		ins.Operand.Target = t
	case OperandSwitch:
		ts, ok := operand.([]*Instruction)
		if !ok {
			return bad()
		}
		for _, t := range ts {
			if t == nil {
				return bad()
			}
		}
		ins.Operand.Targets = append([]*Instruction(nil), ts...)
	}
	return ins, nil
}

func intFits(op OpCode, v int64) bool {
	switch op {
	case LdcI4:
		return v >= math.MinInt32 && v <= math.MaxUint32
	case LdcI4S:
		return v >= math.MinInt8 && v <= math.MaxInt8
	case LdcI8:
		return true
	}
	if op.IsMacro() {
		return v == int64(opTable[op].implied)
	}
	return true
}

// Next returns the following instruction, or nil at the end of the body.
func (i *Instruction) Next() *Instruction {
	return i.next
}

// Prev returns the preceding instruction, or nil at the start of the body.
func (i *Instruction) Prev() *Instruction {
	return i.prev
}

// Body returns the owning body, nil when detached.
func (i *Instruction) Body() *Body {
	return i.body
}

// BranchTargets returns the instructions this instruction may jump to.
func (i *Instruction) BranchTargets() []*Instruction {
	switch i.Operand.Kind {
	case OperandTarget:
		return []*Instruction{i.Operand.Target}
	case OperandSwitch:
		return i.Operand.Targets
	}
	return nil
}

// Size returns the encoded size in bytes for the current opcode form.
func (i *Instruction) Size() int {
	info := &opTable[i.OpCode]
	if i.OpCode == Switch {
		return info.size + info.imm + 4*len(i.Operand.Targets)
	}
	return info.size + info.imm
}

func (i *Instruction) String() string {
	return formatInstruction(i, nil)
}

// Seq accumulates instructions, keeping the first construction error so emitters can stay linear.
type Seq struct {
	ins []*Instruction
	err error
}

// Emit appends a new instruction and returns it, or nil once an error has been recorded.
func (s *Seq) Emit(op OpCode, operand any) *Instruction {
	if s.err != nil {
		return nil
	}
	ins, err := New(op, operand)
	if err != nil {
		s.err = err
		return nil
	}
	s.ins = append(s.ins, ins)
	return ins
}

// Add appends already constructed instructions.
func (s *Seq) Add(ins ...*Instruction) {
	if s.err == nil {
		s.ins = append(s.ins, ins...)
	}
}

// Len returns the number of accumulated instructions.
func (s *Seq) Len() int {
	return len(s.ins)
}

// Instructions returns the accumulated instructions or the first error.
func (s *Seq) Instructions() ([]*Instruction, error) {
	return s.ins, s.err
}
