package weave

import (
	"fmt"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// TargetState is the progress of one method through the weaving pass.
type TargetState uint8

const (
	StateUnstarted TargetState = iota
	StateEntryInjected
	StateExitWired
	StateExceptionWired
	StateDone
)

func (s TargetState) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateEntryInjected:
		return "entry-injected"
	case StateExitWired:
		return "exit-wired"
	case StateExceptionWired:
		return "exception-wired"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", s)
}

// MethodTarget is the state of one method's weaving pass. All edits apply to Body, a clone of the
// method body that only replaces the original once the pass completes.
type MethodTarget struct {
	Method *MethodDef
	Body   *il.Body
	// Args is the MethodArguments local, nil until the entry prologue is emitted.
	Args *il.Local
	// Exception is the shared handler state, created by the first exception aspect.
	Exception *ExceptionState
	// Epilogue is the shared exit point, nil unless returns were normalized.
	Epilogue *il.Instruction
	// Result holds the return value on the way to the epilogue.
	Result *il.Local

	state       TargetState
	start       *il.Instruction // first instruction of the original body
	entryCursor *il.Instruction
	aspects     map[*Marker]*il.Local
	action      *il.Local
	skip        *il.Instruction
	skipExit    *il.Instruction
	pending     [][]*il.Instruction
	deferred    deferredKind
}

// NewMethodTarget starts a pass over a clone of the method body. Macro forms are expanded so
// edits can work on explicit slot operands.
func NewMethodTarget(m *MethodDef) (*MethodTarget, error) {
	if m.Body == nil || m.Body.First() == nil {
		return nil, fmt.Errorf("%w: method %s has no body", il.ErrEmptyBody, m.FullName())
	}
	body := m.Body.Clone()
	body.Simplify()
	return &MethodTarget{
		Method:   m,
		Body:     body,
		start:    body.First(),
		aspects:  make(map[*Marker]*il.Local),
		deferred: deferredKindOf(body.Return),
	}, nil
}

// State returns the current pass state.
func (t *MethodTarget) State() TargetState {
	return t.state
}

// advance moves to the next state, failing on any other transition.
func (t *MethodTarget) advance(to TargetState) error {
	if to != t.state+1 {
		return fmt.Errorf("%w: %s to %s", ErrInvalidState, t.state, to)
	}
	t.state = to
	return nil
}

// Deferred reports if the method returns a future.
func (t *MethodTarget) Deferred() bool {
	return t.deferred != notDeferred
}

// emitEntry writes instructions after the entry cursor, or at the start of the body for the
// first entry code, without retargeting so branches to the original start skip the prologue.
func (t *MethodTarget) emitEntry(ins ...*il.Instruction) (*il.Instruction, error) {
	if len(ins) == 0 {
		return t.entryCursor, nil
	}
	var last *il.Instruction
	var err error
	if t.entryCursor == nil {
		last, err = t.Body.Prepend(ins...)
	} else {
		last, err = t.Body.InsertAfter(t.entryCursor, ins...)
	}
	if err != nil {
		return nil, err
	}
	t.entryCursor = last
	return last, nil
}

// aspectLocal returns the local holding the constructed aspect for the marker.
func (t *MethodTarget) aspectLocal(m *Marker) *il.Local {
	return t.aspects[m]
}

// appendLater queues a block to be appended at the end of the body when the pass finishes.
func (t *MethodTarget) appendLater(ins []*il.Instruction) {
	t.pending = append(t.pending, ins)
}

// commit swaps the woven body into the method once the pass is done.
func (t *MethodTarget) commit() error {
	if s := t.State(); s != StateDone {
		return fmt.Errorf("%w: commit in state %s", ErrInvalidState, s)
	}
	t.Method.Body = t.Body
	return nil
}
