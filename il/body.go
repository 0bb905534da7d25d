package il

import (
	"errors"
	"fmt"
	"strings"
)

// RegionKind is the handler kind of an exception region.
type RegionKind uint8

const (
	RegionCatch RegionKind = iota
	RegionFinally
	RegionFault
	RegionFilter
)

func (k RegionKind) String() string {
	switch k {
	case RegionCatch:
		return "catch"
	case RegionFinally:
		return "finally"
	case RegionFault:
		return "fault"
	case RegionFilter:
		return "filter"
	}
	return fmt.Sprintf("region(%d)", k)
}

// Region is a structured exception region. End boundaries are exclusive, a nil end means the end
// of the body.
type Region struct {
	Kind         RegionKind
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
	// FilterStart is set for RegionFilter.
	FilterStart *Instruction
	// CatchType is set for RegionCatch.
	CatchType *TypeRef
}

// SequencePoint maps an instruction to a source location.
type SequencePoint struct {
	Instr       *Instruction
	Document    string
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// Hidden reports if the point marks compiler generated code.
func (p *SequencePoint) Hidden() bool {
	return p.StartLine == 0xfeefee
}

// Body is a method body: a doubly linked instruction sequence with its slots and regions.
type Body struct {
	// Args holds the argument slots, the receiver at index 0 for instance methods.
	Args []*Param
	// Return is the declared return type, nil or System.Void for void methods.
	Return     *TypeRef
	Locals     []*Local
	Regions    []*Region
	Points     []*SequencePoint
	InitLocals bool
	MaxStack   int

	first, last *Instruction
	count       int
}

// NewBody creates an empty body with the given argument slots.
func NewBody(ret *TypeRef, args ...*Param) *Body {
	return &Body{Return: ret, Args: args}
}

// First returns the first instruction, nil for an empty body.
func (b *Body) First() *Instruction {
	return b.first
}

// Last returns the last instruction, nil for an empty body.
func (b *Body) Last() *Instruction {
	return b.last
}

// Len returns the number of instructions.
func (b *Body) Len() int {
	return b.count
}

// Instructions returns the instruction sequence as a slice snapshot.
func (b *Body) Instructions() []*Instruction {
	result := make([]*Instruction, 0, b.count)
	for i := b.first; i != nil; i = i.next {
		result = append(result, i)
	}
	return result
}

// Contains reports if the instruction is linked into this body.
func (b *Body) Contains(i *Instruction) bool {
	return i != nil && i.body == b
}

// HasThis reports if argument slot 0 is the receiver.
func (b *Body) HasThis() bool {
	return len(b.Args) > 0 && b.Args[0].IsThis()
}

// Params returns the declared parameters, excluding the receiver.
func (b *Body) Params() []*Param {
	if b.HasThis() {
		return b.Args[1:]
	}
	return b.Args
}

// This returns the receiver slot, or nil for static methods.
func (b *Body) This() *Param {
	if b.HasThis() {
		return b.Args[0]
	}
	return nil
}

// ReturnsValue reports if the body's return type is non-void.
func (b *Body) ReturnsValue() bool {
	return !b.Return.IsVoid()
}

// AddLocal declares a new local slot.
func (b *Body) AddLocal(name string, t *TypeRef) *Local {
	l := &Local{Index: len(b.Locals), Name: name, Type: t}
	b.Locals = append(b.Locals, l)
	return l
}

// PointFor returns the sequence point bound to the instruction, or nil.
func (b *Body) PointFor(i *Instruction) *SequencePoint {
	for _, p := range b.Points {
		if p.Instr == i {
			return p
		}
	}
	return nil
}

// FirstPoint returns the first visible sequence point in instruction order, or nil.
func (b *Body) FirstPoint() *SequencePoint {
	if len(b.Points) == 0 {
		return nil
	}
	for i := b.first; i != nil; i = i.next {
		if p := b.PointFor(i); p != nil && !p.Hidden() {
			return p
		}
	}
	return nil
}

// Clone deep copies the body. Operands, regions and sequence points are remapped onto the copy;
// type and method references are shared.
func (b *Body) Clone() *Body {
	c := &Body{
		Return:     b.Return,
		InitLocals: b.InitLocals,
		MaxStack:   b.MaxStack,
	}
	args := make(map[*Param]*Param, len(b.Args))
	for _, p := range b.Args {
		cp := *p
		c.Args = append(c.Args, &cp)
		args[p] = &cp
	}
	locals := make(map[*Local]*Local, len(b.Locals))
	for _, l := range b.Locals {
		cl := *l
		c.Locals = append(c.Locals, &cl)
		locals[l] = &cl
	}
	ins := make(map[*Instruction]*Instruction, b.count)
	for i := b.first; i != nil; i = i.next {
		ci := &Instruction{OpCode: i.OpCode, Operand: i.Operand, Offset: i.Offset}
		c.link(ci, c.last, nil)
		ins[i] = ci
	}
	remap := func(i *Instruction) *Instruction {
		if i == nil {
			return nil
		} else if m, ok := ins[i]; ok {
			return m
		}
		return i // foreign, reported by Validate
	}
	for ci := c.first; ci != nil; ci = ci.next {
		op := &ci.Operand
		switch op.Kind {
		case OperandTarget:
			op.Target = remap(op.Target)
		case OperandSwitch:
			targets := make([]*Instruction, len(op.Targets))
			for i, t := range op.Targets {
				targets[i] = remap(t)
			}
			op.Targets = targets
		case OperandLocal:
			if l, ok := locals[op.Local]; ok {
				op.Local = l
			}
		case OperandArg:
			if p, ok := args[op.Arg]; ok {
				op.Arg = p
			}
		}
	}
	for _, r := range b.Regions {
		c.Regions = append(c.Regions, &Region{
			Kind:         r.Kind,
			TryStart:     remap(r.TryStart),
			TryEnd:       remap(r.TryEnd),
			HandlerStart: remap(r.HandlerStart),
			HandlerEnd:   remap(r.HandlerEnd),
			FilterStart:  remap(r.FilterStart),
			CatchType:    r.CatchType,
		})
	}
	for _, p := range b.Points {
		cp := *p
		cp.Instr = remap(p.Instr)
		c.Points = append(c.Points, &cp)
	}
	return c
}

// ValidationError lists every invariant violation found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid body: " + strings.Join(e.Problems, "; ")
}

// ErrEmptyBody is returned by Validate for a body without instructions.
var ErrEmptyBody = errors.New("empty body")

// Validate checks the structural invariants: operands and region boundaries reference
// instructions of this body, region boundaries are ordered, regions are disjoint or nested and
// listed inner-first.
func (b *Body) Validate() error {
	if b.first == nil {
		return ErrEmptyBody
	}
	pos := b.positions()
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	for i := b.first; i != nil; i = i.next {
		for _, t := range i.BranchTargets() {
			if _, ok := pos[t]; !ok {
				addf("IL_%04x: %s targets an instruction outside the body", pos[i], i.OpCode)
			}
		}
		if i.Operand.Kind == OperandLocal && !b.ownsLocal(i.Operand.Local) {
			addf("IL_%04x: %s references an undeclared local", pos[i], i.OpCode)
		} else if i.Operand.Kind == OperandArg && !b.ownsArg(i.Operand.Arg) {
			addf("IL_%04x: %s references an undeclared argument", pos[i], i.OpCode)
		}
	}
	// end of body is one past the last index
	at := func(i *Instruction, end bool) (int, bool) {
		if i == nil {
			return b.count, end
		}
		p, ok := pos[i]
		return p, ok
	}
	type span struct{ start, end int }
	blocks := make([][2]span, len(b.Regions))
	for ri, r := range b.Regions {
		ts, ok1 := at(r.TryStart, false)
		te, ok2 := at(r.TryEnd, false)
		hs, ok3 := at(r.HandlerStart, false)
		he, ok4 := at(r.HandlerEnd, true)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			addf("region %d: boundary outside the body", ri)
			continue
		} else if !(ts < te && te <= hs && hs < he) {
			addf("region %d: boundaries out of order (%d, %d, %d, %d)", ri, ts, te, hs, he)
			continue
		}
		if r.Kind == RegionFilter {
			if fs, ok := at(r.FilterStart, false); !ok || fs >= hs || fs < te {
				addf("region %d: filter start out of range", ri)
			}
		} else if r.Kind == RegionCatch && r.CatchType == nil {
			addf("region %d: catch without type", ri)
		}
		blocks[ri] = [2]span{{ts, te}, {hs, he}}
	}
	if len(problems) == 0 {
		for i := range blocks {
			for j := range blocks {
				if i == j {
					continue
				}
				for _, a := range blocks[i] {
					for _, c := range blocks[j] {
						disjoint := a.end <= c.start || c.end <= a.start
						inside := a.start >= c.start && a.end <= c.end
						contains := c.start >= a.start && c.end <= a.end
						if !disjoint && !inside && !contains {
							addf("regions %d and %d overlap", i, j)
						} else if inside && a != c && i > j {
							addf("region %d nested in region %d but listed after it", i, j)
						}
					}
				}
			}
		}
	}
	for _, p := range b.Points {
		if _, ok := pos[p.Instr]; !ok {
			addf("sequence point %s:%d bound outside the body", p.Document, p.StartLine)
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (b *Body) positions() map[*Instruction]int {
	pos := make(map[*Instruction]int, b.count)
	n := 0
	for i := b.first; i != nil; i = i.next {
		pos[i] = n
		n++
	}
	return pos
}

func (b *Body) ownsLocal(l *Local) bool {
	return l != nil && l.Index < len(b.Locals) && b.Locals[l.Index] == l
}

func (b *Body) ownsArg(p *Param) bool {
	return p != nil && p.Index < len(b.Args) && b.Args[p.Index] == p
}

// link inserts i between prev and next, which must be adjacent (nil meaning a body end).
func (b *Body) link(i, prev, next *Instruction) {
	i.body = b
	i.prev = prev
	i.next = next
	if prev == nil {
		b.first = i
	} else {
		prev.next = i
	}
	if next == nil {
		b.last = i
	} else {
		next.prev = i
	}
	b.count++
}

func (b *Body) unlink(i *Instruction) {
	if i.prev == nil {
		b.first = i.next
	} else {
		i.prev.next = i.next
	}
	if i.next == nil {
		b.last = i.prev
	} else {
		i.next.prev = i.prev
	}
	i.prev, i.next, i.body = nil, nil, nil
	b.count--
}
