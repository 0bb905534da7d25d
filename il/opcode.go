package il

import (
	"strconv"
)

// OpCode identifies an instruction operation.
type OpCode uint16

const (
	Nop OpCode = iota
	Ldarg
	LdargS
	Ldarg0
	Ldarg1
	Ldarg2
	Ldarg3
	Ldarga
	LdargaS
	Starg
	StargS
	Ldloc
	LdlocS
	Ldloc0
	Ldloc1
	Ldloc2
	Ldloc3
	Ldloca
	LdlocaS
	Stloc
	StlocS
	Stloc0
	Stloc1
	Stloc2
	Stloc3
	Ldnull
	LdcI4
	LdcI4S
	LdcI4M1
	LdcI40
	LdcI41
	LdcI42
	LdcI43
	LdcI44
	LdcI45
	LdcI46
	LdcI47
	LdcI48
	LdcI8
	LdcR4
	LdcR8
	Ldstr
	Ldfld
	Ldflda
	Stfld
	Ldsfld
	Ldsflda
	Stsfld
	Ldobj
	Stobj
	Ldtoken
	Dup
	Pop
	Add
	Sub
	Mul
	Div
	Rem
	Neg
	And
	Or
	Xor
	Not
	Ceq
	Cgt
	Clt
	ConvI4
	ConvI8
	ConvR4
	ConvR8
	Call
	Callvirt
	Newobj
	Ret
	Br
	BrS
	Brfalse
	BrfalseS
	Brtrue
	BrtrueS
	Beq
	BeqS
	BneUn
	BneUnS
	Bge
	BgeS
	Bgt
	BgtS
	Ble
	BleS
	Blt
	BltS
	Switch
	Leave
	LeaveS
	Endfinally
	Endfilter
	Throw
	Rethrow
	Box
	UnboxAny
	Castclass
	Isinst
	Initobj
	Newarr
	Ldlen
	LdelemRef
	StelemRef

	opCodeCount
)

// FlowControl describes how an instruction transfers control.
type FlowControl uint8

const (
	FlowNext FlowControl = iota
	FlowBranch
	FlowCondBranch
	FlowReturn
	FlowThrow
	FlowCall
)

// OperandKind is the tag of an Operand.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandInt
	OperandFloat
	OperandString
	OperandLocal
	OperandArg
	OperandField
	OperandType
	OperandMethod
	OperandTarget
	OperandSwitch
)

var operandKindNames = [...]string{"none", "int", "float", "string", "local", "arg", "field", "type", "method",
	"target", "switch"}

func (k OperandKind) String() string {
	if int(k) < len(operandKindNames) {
		return operandKindNames[k]
	}
	return "operand(" + strconv.Itoa(int(k)) + ")"
}

const varStack = -1 // stack effect determined by the operand

type opInfo struct {
	name    string
	operand OperandKind
	flow    FlowControl
	size    int  // encoded opcode size
	imm     int  // encoded operand size, switch tables add 4 per target
	pop     int  // values popped, varStack for calls
	push    int  // values pushed, varStack for calls
	pure    bool // pushes one value without side effects
	long    OpCode
	short   OpCode
	macro   bool // operand implied by the opcode (ldloc.0, ldc.i4.3)
	implied int  // implied index or constant for macro forms
}

var opTable [opCodeCount]opInfo

func def(op OpCode, name string, operand OperandKind, flow FlowControl, size, imm, pop, push int) *opInfo {
	opTable[op] = opInfo{name: name, operand: operand, flow: flow, size: size, imm: imm, pop: pop, push: push,
		long: op, short: op}
	return &opTable[op]
}

func pair(short, long OpCode) {
	opTable[short].long = long
	opTable[long].short = short
}

func macro(op, long OpCode, implied int) {
	opTable[op].macro = true
	opTable[op].long = long
	opTable[op].implied = implied
}

func init() {
	def(Nop, "nop", OperandNone, FlowNext, 1, 0, 0, 0)

	def(Ldarg, "ldarg", OperandArg, FlowNext, 2, 2, 0, 1).pure = true
	def(LdargS, "ldarg.s", OperandArg, FlowNext, 1, 1, 0, 1).pure = true
	for i, op := range []OpCode{Ldarg0, Ldarg1, Ldarg2, Ldarg3} {
		def(op, "ldarg."+strconv.Itoa(i), OperandArg, FlowNext, 1, 0, 0, 1).pure = true
		macro(op, Ldarg, i)
	}
	def(Ldarga, "ldarga", OperandArg, FlowNext, 2, 2, 0, 1).pure = true
	def(LdargaS, "ldarga.s", OperandArg, FlowNext, 1, 1, 0, 1).pure = true
	def(Starg, "starg", OperandArg, FlowNext, 2, 2, 1, 0)
	def(StargS, "starg.s", OperandArg, FlowNext, 1, 1, 1, 0)
	pair(LdargS, Ldarg)
	pair(LdargaS, Ldarga)
	pair(StargS, Starg)

	def(Ldloc, "ldloc", OperandLocal, FlowNext, 2, 2, 0, 1).pure = true
	def(LdlocS, "ldloc.s", OperandLocal, FlowNext, 1, 1, 0, 1).pure = true
	for i, op := range []OpCode{Ldloc0, Ldloc1, Ldloc2, Ldloc3} {
		def(op, "ldloc."+strconv.Itoa(i), OperandLocal, FlowNext, 1, 0, 0, 1).pure = true
		macro(op, Ldloc, i)
	}
	def(Ldloca, "ldloca", OperandLocal, FlowNext, 2, 2, 0, 1).pure = true
	def(LdlocaS, "ldloca.s", OperandLocal, FlowNext, 1, 1, 0, 1).pure = true
	def(Stloc, "stloc", OperandLocal, FlowNext, 2, 2, 1, 0)
	def(StlocS, "stloc.s", OperandLocal, FlowNext, 1, 1, 1, 0)
	for i, op := range []OpCode{Stloc0, Stloc1, Stloc2, Stloc3} {
		def(op, "stloc."+strconv.Itoa(i), OperandLocal, FlowNext, 1, 0, 1, 0)
		macro(op, Stloc, i)
	}
	pair(LdlocS, Ldloc)
	pair(LdlocaS, Ldloca)
	pair(StlocS, Stloc)

	def(Ldnull, "ldnull", OperandNone, FlowNext, 1, 0, 0, 1).pure = true
	def(LdcI4, "ldc.i4", OperandInt, FlowNext, 1, 4, 0, 1).pure = true
	def(LdcI4S, "ldc.i4.s", OperandInt, FlowNext, 1, 1, 0, 1).pure = true
	pair(LdcI4S, LdcI4)
	def(LdcI4M1, "ldc.i4.m1", OperandInt, FlowNext, 1, 0, 0, 1).pure = true
	macro(LdcI4M1, LdcI4, -1)
	for i, op := range []OpCode{LdcI40, LdcI41, LdcI42, LdcI43, LdcI44, LdcI45, LdcI46, LdcI47, LdcI48} {
		def(op, "ldc.i4."+strconv.Itoa(i), OperandInt, FlowNext, 1, 0, 0, 1).pure = true
		macro(op, LdcI4, i)
	}
	def(LdcI8, "ldc.i8", OperandInt, FlowNext, 1, 8, 0, 1).pure = true
	def(LdcR4, "ldc.r4", OperandFloat, FlowNext, 1, 4, 0, 1).pure = true
	def(LdcR8, "ldc.r8", OperandFloat, FlowNext, 1, 8, 0, 1).pure = true
	def(Ldstr, "ldstr", OperandString, FlowNext, 1, 4, 0, 1).pure = true

	def(Ldfld, "ldfld", OperandField, FlowNext, 1, 4, 1, 1)
	def(Ldflda, "ldflda", OperandField, FlowNext, 1, 4, 1, 1)
	def(Stfld, "stfld", OperandField, FlowNext, 1, 4, 2, 0)
	def(Ldsfld, "ldsfld", OperandField, FlowNext, 1, 4, 0, 1).pure = true
	def(Ldsflda, "ldsflda", OperandField, FlowNext, 1, 4, 0, 1).pure = true
	def(Stsfld, "stsfld", OperandField, FlowNext, 1, 4, 1, 0)
	def(Ldobj, "ldobj", OperandType, FlowNext, 1, 4, 1, 1)
	def(Stobj, "stobj", OperandType, FlowNext, 1, 4, 2, 0)
	def(Ldtoken, "ldtoken", OperandType, FlowNext, 1, 4, 0, 1).pure = true

	def(Dup, "dup", OperandNone, FlowNext, 1, 0, 1, 2)
	def(Pop, "pop", OperandNone, FlowNext, 1, 0, 1, 0)
	for op, name := range map[OpCode]string{Add: "add", Sub: "sub", Mul: "mul", Div: "div", Rem: "rem",
		And: "and", Or: "or", Xor: "xor"} {
		def(op, name, OperandNone, FlowNext, 1, 0, 2, 1)
	}
	def(Neg, "neg", OperandNone, FlowNext, 1, 0, 1, 1)
	def(Not, "not", OperandNone, FlowNext, 1, 0, 1, 1)
	def(Ceq, "ceq", OperandNone, FlowNext, 2, 0, 2, 1)
	def(Cgt, "cgt", OperandNone, FlowNext, 2, 0, 2, 1)
	def(Clt, "clt", OperandNone, FlowNext, 2, 0, 2, 1)
	def(ConvI4, "conv.i4", OperandNone, FlowNext, 1, 0, 1, 1)
	def(ConvI8, "conv.i8", OperandNone, FlowNext, 1, 0, 1, 1)
	def(ConvR4, "conv.r4", OperandNone, FlowNext, 1, 0, 1, 1)
	def(ConvR8, "conv.r8", OperandNone, FlowNext, 1, 0, 1, 1)

	def(Call, "call", OperandMethod, FlowCall, 1, 4, varStack, varStack)
	def(Callvirt, "callvirt", OperandMethod, FlowCall, 1, 4, varStack, varStack)
	def(Newobj, "newobj", OperandMethod, FlowCall, 1, 4, varStack, 1)
	def(Ret, "ret", OperandNone, FlowReturn, 1, 0, varStack, 0)

	def(Br, "br", OperandTarget, FlowBranch, 1, 4, 0, 0)
	def(BrS, "br.s", OperandTarget, FlowBranch, 1, 1, 0, 0)
	pair(BrS, Br)
	cond := func(short, long OpCode, name string, pop int) {
		def(long, name, OperandTarget, FlowCondBranch, 1, 4, pop, 0)
		def(short, name+".s", OperandTarget, FlowCondBranch, 1, 1, pop, 0)
		pair(short, long)
	}
	cond(BrfalseS, Brfalse, "brfalse", 1)
	cond(BrtrueS, Brtrue, "brtrue", 1)
	cond(BeqS, Beq, "beq", 2)
	cond(BneUnS, BneUn, "bne.un", 2)
	cond(BgeS, Bge, "bge", 2)
	cond(BgtS, Bgt, "bgt", 2)
	cond(BleS, Ble, "ble", 2)
	cond(BltS, Blt, "blt", 2)
	def(Switch, "switch", OperandSwitch, FlowCondBranch, 1, 4, 1, 0)
	def(Leave, "leave", OperandTarget, FlowBranch, 1, 4, 0, 0)
	def(LeaveS, "leave.s", OperandTarget, FlowBranch, 1, 1, 0, 0)
	pair(LeaveS, Leave)
	def(Endfinally, "endfinally", OperandNone, FlowReturn, 1, 0, 0, 0)
	def(Endfilter, "endfilter", OperandNone, FlowReturn, 2, 0, 1, 0)
	def(Throw, "throw", OperandNone, FlowThrow, 1, 0, 1, 0)
	def(Rethrow, "rethrow", OperandNone, FlowThrow, 2, 0, 0, 0)

	def(Box, "box", OperandType, FlowNext, 1, 4, 1, 1)
	def(UnboxAny, "unbox.any", OperandType, FlowNext, 1, 4, 1, 1)
	def(Castclass, "castclass", OperandType, FlowNext, 1, 4, 1, 1)
	def(Isinst, "isinst", OperandType, FlowNext, 1, 4, 1, 1)
	def(Initobj, "initobj", OperandType, FlowNext, 2, 4, 1, 0)
	def(Newarr, "newarr", OperandType, FlowNext, 1, 4, 1, 1)
	def(Ldlen, "ldlen", OperandNone, FlowNext, 1, 0, 1, 1)
	def(LdelemRef, "ldelem.ref", OperandNone, FlowNext, 1, 0, 2, 1)
	def(StelemRef, "stelem.ref", OperandNone, FlowNext, 1, 0, 3, 0)

	for op := OpCode(0); op < opCodeCount; op++ {
		opNames[opTable[op].name] = op
	}
}

var opNames = make(map[string]OpCode, opCodeCount)

// LookupOpCode returns the opcode with the given mnemonic.
func LookupOpCode(name string) (OpCode, bool) {
	op, ok := opNames[name]
	return op, ok
}

func (op OpCode) String() string {
	if op < opCodeCount {
		return opTable[op].name
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// Valid reports if the opcode is known.
func (op OpCode) Valid() bool {
	return op < opCodeCount
}

// OperandKind returns the kind of operand the opcode takes.
func (op OpCode) OperandKind() OperandKind {
	return opTable[op].operand
}

// Flow returns the control flow class of the opcode.
func (op OpCode) Flow() FlowControl {
	return opTable[op].flow
}

// IsBranch reports if the opcode carries instruction targets (including switch and leave).
func (op OpCode) IsBranch() bool {
	k := opTable[op].operand
	return k == OperandTarget || k == OperandSwitch
}

// IsPureLoad reports if the opcode pushes exactly one value with no side effect.
func (op OpCode) IsPureLoad() bool {
	return opTable[op].pure
}

// IsMacro reports if the operand is implied by the opcode.
func (op OpCode) IsMacro() bool {
	return opTable[op].macro
}

// LongForm returns the explicit operand form of a short or macro opcode.
func (op OpCode) LongForm() OpCode {
	return opTable[op].long
}

// ShortForm returns the short encoded form, or op itself when none exists.
func (op OpCode) ShortForm() OpCode {
	return opTable[op].short
}

// IsLeave reports if the opcode is leave or leave.s.
func (op OpCode) IsLeave() bool {
	return op == Leave || op == LeaveS
}

// EndsBlock reports if control never falls through to the next instruction.
func (op OpCode) EndsBlock() bool {
	switch opTable[op].flow {
	case FlowBranch, FlowReturn, FlowThrow:
		return true
	}
	return false
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
