package il

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInBody is returned when a target instruction is nil or belongs to another body.
	ErrNotInBody = errors.New("instruction is not part of the body")
	// ErrAlreadyLinked is returned when an instruction to insert is already in a body.
	ErrAlreadyLinked = errors.New("instruction is already linked")
)

func (b *Body) checkTarget(target *Instruction) error {
	if target == nil || target.body != b {
		return fmt.Errorf("%w: %v", ErrNotInBody, target)
	}
	return nil
}

func checkDetached(ins []*Instruction) error {
	seen := make(map[*Instruction]bool, len(ins))
	for _, i := range ins {
		if i == nil {
			return fmt.Errorf("%w: nil instruction", ErrNotInBody)
		} else if i.body != nil || seen[i] {
			return fmt.Errorf("%w: %v", ErrAlreadyLinked, i)
		}
		seen[i] = true
	}
	return nil
}

// InsertBefore inserts ins immediately before target. Every branch, switch entry and region
// boundary that referenced target is redirected to the first inserted instruction, so the new
// block executes on every path that previously reached target. Returns the first inserted
// instruction, or target when ins is empty.
func (b *Body) InsertBefore(target *Instruction, ins ...*Instruction) (*Instruction, error) {
	if err := b.checkTarget(target); err != nil {
		return nil, err
	} else if err := checkDetached(ins); err != nil {
		return nil, err
	} else if len(ins) == 0 {
		return target, nil
	}
	first := ins[0]
	b.retarget(target, first)
	prev := target.prev
	for _, i := range ins {
		b.link(i, prev, target)
		prev = i
	}
	return first, nil
}

// Replace inserts ins before target, then removes target. Sequence points bound to target move to
// the first inserted instruction.
func (b *Body) Replace(target *Instruction, ins ...*Instruction) (*Instruction, error) {
	if len(ins) == 0 {
		return nil, fmt.Errorf("replace %v: no instructions", target)
	}
	first, err := b.InsertBefore(target, ins...)
	if err != nil {
		return nil, err
	}
	for _, p := range b.Points {
		if p.Instr == target {
			p.Instr = first
		}
	}
	b.unlink(target)
	return first, nil
}

// InsertAfter inserts ins immediately after target without retargeting any reference.
// Returns the last inserted instruction, or target when ins is empty.
func (b *Body) InsertAfter(target *Instruction, ins ...*Instruction) (*Instruction, error) {
	if err := b.checkTarget(target); err != nil {
		return nil, err
	} else if err := checkDetached(ins); err != nil {
		return nil, err
	}
	prev := target
	for _, i := range ins {
		b.link(i, prev, prev.next)
		prev = i
	}
	return prev, nil
}

// Prepend inserts ins at the start of the body. References to the old first instruction are kept,
// so branches back to the method start skip the prepended block. Returns the last inserted
// instruction, or nil when ins is empty.
func (b *Body) Prepend(ins ...*Instruction) (*Instruction, error) {
	if err := checkDetached(ins); err != nil {
		return nil, err
	}
	var prev *Instruction
	next := b.first
	for _, i := range ins {
		b.link(i, prev, next)
		prev = i
	}
	return prev, nil
}

// Append adds ins at the end of the body. Region ends meaning end of body move to the first
// appended instruction. Returns the first appended instruction.
func (b *Body) Append(ins ...*Instruction) (*Instruction, error) {
	if err := checkDetached(ins); err != nil {
		return nil, err
	} else if len(ins) == 0 {
		return nil, nil
	}
	first := ins[0]
	if b.first != nil {
		for _, r := range b.Regions {
			if r.TryEnd == nil {
				r.TryEnd = first
			}
			if r.HandlerEnd == nil {
				r.HandlerEnd = first
			}
		}
	}
	for _, i := range ins {
		b.link(i, b.last, nil)
	}
	return first, nil
}

// Remove unlinks target. References move to the following instruction; removing a referenced
// last instruction is an error.
func (b *Body) Remove(target *Instruction) error {
	if err := b.checkTarget(target); err != nil {
		return err
	}
	next := target.next
	if next == nil && b.Referenced(target) {
		return fmt.Errorf("remove %v: last instruction is still referenced", target)
	}
	if next != nil {
		b.retarget(target, next)
	}
	kept := b.Points[:0]
	for _, p := range b.Points {
		if p.Instr == target {
			if next == nil || b.PointFor(next) != nil {
				continue
			}
			p.Instr = next
		}
		kept = append(kept, p)
	}
	b.Points = kept
	b.unlink(target)
	return nil
}

// Referenced reports if a branch or region boundary points at the instruction.
func (b *Body) Referenced(target *Instruction) bool {
	for i := b.first; i != nil; i = i.next {
		for _, t := range i.BranchTargets() {
			if t == target {
				return true
			}
		}
	}
	for _, r := range b.Regions {
		if r.TryStart == target || r.TryEnd == target || r.HandlerStart == target ||
			r.HandlerEnd == target || r.FilterStart == target {
			return true
		}
	}
	return false
}

// retarget rewrites every branch operand and region boundary equal to from.
func (b *Body) retarget(from, to *Instruction) {
	for i := b.first; i != nil; i = i.next {
		switch i.Operand.Kind {
		case OperandTarget:
			if i.Operand.Target == from {
				i.Operand.Target = to
			}
		case OperandSwitch:
			for n, t := range i.Operand.Targets {
				if t == from {
					i.Operand.Targets[n] = to
				}
			}
		}
	}
	for _, r := range b.Regions {
		if r.TryStart == from {
			r.TryStart = to
		}
		if r.TryEnd == from {
			r.TryEnd = to
		}
		if r.HandlerStart == from {
			r.HandlerStart = to
		}
		if r.HandlerEnd == from {
			r.HandlerEnd = to
		}
		if r.FilterStart == from {
			r.FilterStart = to
		}
	}
}
