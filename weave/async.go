package weave

import (
	"fmt"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// WrapReturns routes the future returned at every return point through the continuation helper
// for the hook kind: "ldloc aspect; ldloc args; call Wrap*(future, aspect, args); ret". Each call
// adds one wrapping layer, so repeated calls nest in call order.
func WrapReturns(t *MethodTarget, aspect *il.Local, kind hookKind) error {
	body := t.Body
	helper := wrapHelper(body.Return, kind)
	if helper == nil {
		return fmt.Errorf("no continuation helper for %s", body.Return.FullName())
	} else if t.Args == nil {
		return fmt.Errorf("%w: continuation before method arguments", ErrInvalidState)
	}
	for _, ret := range returns(body) {
		var seq il.Seq
		seq.Emit(il.Ldloc, aspect)
		seq.Emit(il.Ldloc, t.Args)
		seq.Emit(il.Call, helper)
		seq.Emit(il.Ret, nil)
		ins, err := seq.Instructions()
		if err != nil {
			return err
		} else if _, err = body.Replace(ret, ins...); err != nil {
			return err
		}
	}
	return nil
}

// futureResult returns the result type of a future, nil for futures without a result.
func futureResult(t *il.TypeRef) *il.TypeRef {
	if deferredKindOf(t).hasResult() {
		return t.Args[0]
	}
	return nil
}
