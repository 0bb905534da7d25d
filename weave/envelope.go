package weave

import (
	"fmt"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// ExceptionState is the single engine created catch region of a method and its exception local.
type ExceptionState struct {
	Local  *il.Local
	Region *il.Region

	rethrow *il.Instruction
}

// EnsureExceptionHandler returns the method's exception state, creating it on first use. The
// region catches System.Exception from the first original instruction up to the shared epilogue,
// with the handler "stloc ex; rethrow" appended after the epilogue. Returns must already be
// normalized.
func EnsureExceptionHandler(t *MethodTarget) (*ExceptionState, error) {
	if t.Exception != nil {
		return t.Exception, nil
	} else if t.Epilogue == nil || t.start == nil {
		return nil, fmt.Errorf("%w: exception handler without a shared epilogue", ErrInvalidState)
	} else if t.start == t.Epilogue {
		return nil, fmt.Errorf("%w: empty protected range", ErrInvalidState)
	}
	body := t.Body
	ex := body.AddLocal("", il.TypeException)

	var seq il.Seq
	handler := seq.Emit(il.Stloc, ex)
	rethrow := seq.Emit(il.Rethrow, nil)
	ins, err := seq.Instructions()
	if err != nil {
		return nil, err
	} else if _, err = body.Append(ins...); err != nil {
		return nil, err
	}

	region := &il.Region{
		Kind:         il.RegionCatch,
		TryStart:     t.start,
		TryEnd:       t.Epilogue,
		HandlerStart: handler,
		CatchType:    il.TypeException,
	}
	// outermost, so listed after every user region
	body.Regions = append(body.Regions, region)
	t.Exception = &ExceptionState{Local: ex, Region: region, rethrow: rethrow}
	return t.Exception, nil
}

// AppendExceptionHook adds "aspect.OnException(args, ex)" to the end of the handler chain, so
// hooks run in the order they were appended.
func AppendExceptionHook(t *MethodTarget, aspect *il.Local) error {
	state, err := EnsureExceptionHandler(t)
	if err != nil {
		return err
	} else if t.Args == nil {
		return fmt.Errorf("%w: exception hook before method arguments", ErrInvalidState)
	}
	var seq il.Seq
	seq.Emit(il.Ldloc, aspect)
	seq.Emit(il.Ldloc, t.Args)
	seq.Emit(il.Ldloc, state.Local)
	seq.Emit(il.Callvirt, onExceptionHook)
	ins, err := seq.Instructions()
	if err != nil {
		return err
	}
	_, err = t.Body.InsertBefore(state.rethrow, ins...)
	return err
}
