package weave

import (
	"github.com/PatchLens/go-aspect-weaver/il"
)

// ReturnSite is one return point handed to a HookEmitter.
type ReturnSite struct {
	// Ret is the return instruction being replaced.
	Ret *il.Instruction
	// Value is the local holding the return value on the materialized path, nil otherwise.
	Value *il.Local
	// FastPath is set when the value is loaded by a pure load directly before the return.
	FastPath bool
}

// HookCall is the code of one hook invocation at a return site. For value returning methods Pre
// runs before the return value is loaded and Post runs with the value on top of the stack, leaving
// the value to return. Void methods run Pre then Post.
type HookCall struct {
	Pre  []*il.Instruction
	Post []*il.Instruction
}

// HookEmitter builds the hook code for one return site. It is called once per return.
type HookEmitter func(site ReturnSite) (HookCall, error)

// returns lists the return instructions currently in the body.
func returns(body *il.Body) []*il.Instruction {
	var rets []*il.Instruction
	for i := body.First(); i != nil; i = i.Next() {
		if i.OpCode == il.Ret {
			rets = append(rets, i)
		}
	}
	return rets
}

// InstrumentReturns inserts the emitted hook code at every return of the body. Returns are
// collected before editing so inserted code is never revisited. Methods returning a future are
// rejected with ErrDeferredReturn.
func InstrumentReturns(body *il.Body, emit HookEmitter) error {
	if IsDeferred(body.Return) {
		return ErrDeferredReturn
	}
	for _, ret := range returns(body) {
		if err := instrumentReturn(body, ret, emit); err != nil {
			return err
		}
	}
	return nil
}

func instrumentReturn(body *il.Body, ret *il.Instruction, emit HookEmitter) error {
	newRet, err := il.New(il.Ret, nil)
	if err != nil {
		return err
	}
	site := ReturnSite{Ret: ret}
	if !body.ReturnsValue() {
		call, err := emit(site)
		if err != nil {
			return err
		}
		_, err = body.Replace(ret, concat(call.Pre, call.Post, []*il.Instruction{newRet})...)
		return err
	}

	load := ret.Prev()
	if load != nil && load.OpCode.IsPureLoad() && !body.Referenced(ret) {
		site.FastPath = true
		call, err := emit(site)
		if err != nil {
			return err
		}
		if len(call.Pre) > 0 {
			if _, err := body.InsertBefore(load, call.Pre...); err != nil {
				return err
			}
		}
		_, err = body.Replace(ret, concat(call.Post, []*il.Instruction{newRet})...)
		return err
	}

	site.Value = body.AddLocal("", body.Return)
	call, err := emit(site)
	if err != nil {
		return err
	}
	var seq il.Seq
	seq.Emit(il.Stloc, site.Value)
	seq.Add(call.Pre...)
	seq.Emit(il.Ldloc, site.Value)
	seq.Add(call.Post...)
	seq.Add(newRet)
	ins, err := seq.Instructions()
	if err != nil {
		return err
	}
	_, err = body.Replace(ret, ins...)
	return err
}

// NormalizeReturns routes every return through one shared epilogue appended to the body:
// "E0: nop; [ldloc r]; ret", each return becoming "[stloc r]; leave E0". The epilogue start and
// the result local (nil for void methods) are recorded on the target.
func NormalizeReturns(t *MethodTarget) error {
	if t.Epilogue != nil {
		return nil
	}
	body := t.Body
	rets := returns(body)

	var seq il.Seq
	epilogue := seq.Emit(il.Nop, nil)
	var result *il.Local
	if body.ReturnsValue() {
		result = body.AddLocal("", body.Return)
		seq.Emit(il.Ldloc, result)
	}
	seq.Emit(il.Ret, nil)
	ins, err := seq.Instructions()
	if err != nil {
		return err
	} else if _, err = body.Append(ins...); err != nil {
		return err
	}

	for _, ret := range rets {
		var exit il.Seq
		if result != nil {
			exit.Emit(il.Stloc, result)
		}
		exit.Emit(il.Leave, epilogue)
		ins, err := exit.Instructions()
		if err != nil {
			return err
		} else if _, err = body.Replace(ret, ins...); err != nil {
			return err
		}
	}
	t.Epilogue = epilogue
	t.Result = result
	return nil
}

func concat(parts ...[]*il.Instruction) []*il.Instruction {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	result := make([]*il.Instruction, 0, n)
	for _, p := range parts {
		result = append(result, p...)
	}
	return result
}
