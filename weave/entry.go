package weave

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// errUnsupportedArg marks a marker constructor argument without a constant load form.
var errUnsupportedArg = errors.New("unsupported marker argument")

// boundAspect is one marker applied to the method being woven.
type boundAspect struct {
	marker *Marker
	desc   *AspectDescriptor
	// construct creates the aspect instance, leaving it on the stack.
	construct []*il.Instruction
	local     *il.Local
}

// needsBox reports if a value of the type must be boxed to pass as System.Object.
func needsBox(t *il.TypeRef) bool {
	return t.ValueType || strings.HasPrefix(t.Name, "!")
}

// constructAspect emits the marker constructor call with its constant arguments.
func constructAspect(m *Marker) ([]*il.Instruction, error) {
	if m.Ctor == nil {
		return nil, fmt.Errorf("%w: marker %s has no constructor", errUnsupportedArg, m.Type.FullName())
	} else if len(m.Args) != len(m.Ctor.Params) {
		return nil, fmt.Errorf("%w: %d arguments for %s", errUnsupportedArg, len(m.Args), m.Ctor.FullName())
	}
	var seq il.Seq
	for _, arg := range m.Args {
		if err := loadMarkerArg(&seq, arg); err != nil {
			return nil, err
		}
	}
	seq.Emit(il.Newobj, m.Ctor)
	return seq.Instructions()
}

// loadMarkerArg pushes the constant value of a marker argument.
func loadMarkerArg(seq *il.Seq, arg MarkerArg) error {
	typeName := arg.Type.ElementName()
	switch v := arg.Value.(type) {
	case nil:
		if arg.Type != nil && arg.Type.ValueType {
			return fmt.Errorf("%w: null %s", errUnsupportedArg, typeName)
		}
		seq.Emit(il.Ldnull, nil)
	case bool:
		seq.Emit(il.LdcI4, v)
	case int64:
		switch typeName {
		case il.TypeInt64.ElementName(), il.TypeUInt64.ElementName():
			seq.Emit(il.LdcI8, v)
		default:
			if v < math.MinInt32 || v > math.MaxUint32 {
				return fmt.Errorf("%w: %d overflows %s", errUnsupportedArg, v, typeName)
			}
			seq.Emit(il.LdcI4, v)
		}
	case float64:
		if typeName == il.TypeFloat32.ElementName() {
			seq.Emit(il.LdcR4, float32(v))
		} else {
			seq.Emit(il.LdcR8, v)
		}
	case string:
		seq.Emit(il.Ldstr, v)
	case *il.TypeRef:
		seq.Emit(il.Ldtoken, v)
		seq.Emit(il.Call, getTypeFromHandle)
	case MarkerArg:
		if arg.Type.ElementName() != il.TypeObject.ElementName() {
			return fmt.Errorf("%w: boxed value for %s", errUnsupportedArg, typeName)
		} else if _, nested := v.Value.(MarkerArg); nested || v.Type == nil {
			return fmt.Errorf("%w: nested boxed value", errUnsupportedArg)
		} else if err := loadMarkerArg(seq, v); err != nil {
			return err
		}
		if v.Value != nil && needsBox(v.Type) {
			seq.Emit(il.Box, v.Type)
		}
	default:
		return fmt.Errorf("%w: %T for %s", errUnsupportedArg, v, typeName)
	}
	return nil
}

// captureArguments emits the Arguments collection with one Argument(name, value) per parameter,
// dereferencing by-ref parameters and boxing value types. Returns nil for methods without
// parameters.
func captureArguments(t *MethodTarget) ([]*il.Instruction, *il.Local, error) {
	params := t.Body.Params()
	if len(params) == 0 {
		return nil, nil, nil
	}
	args := t.Body.AddLocal("", ArgumentsType)
	var seq il.Seq
	seq.Emit(il.LdcI4, len(params))
	seq.Emit(il.Newobj, argumentsCtor)
	seq.Emit(il.Stloc, args)
	for _, p := range params {
		seq.Emit(il.Ldloc, args)
		seq.Emit(il.Ldstr, p.Name)
		seq.Emit(il.Ldarg, p)
		typ := p.Type
		if typ.ByRef {
			typ = typ.ElementType()
			seq.Emit(il.Ldobj, typ)
		}
		if needsBox(typ) {
			seq.Emit(il.Box, typ)
		}
		seq.Emit(il.Newobj, argumentCtor)
		seq.Emit(il.Callvirt, argumentsAdd)
	}
	ins, err := seq.Instructions()
	return ins, args, err
}

// buildMethodArguments emits MethodArguments(name, fullName, format, args, instance) into a new
// local.
func buildMethodArguments(t *MethodTarget, args *il.Local) ([]*il.Instruction, *il.Local, error) {
	m := t.Method
	ma := t.Body.AddLocal("", MethodArgumentsType)
	var seq il.Seq
	seq.Emit(il.Ldstr, m.Name)
	seq.Emit(il.Ldstr, m.FullName())
	seq.Emit(il.Ldstr, m.NameFormat())
	if args != nil {
		seq.Emit(il.Ldloc, args)
	} else {
		seq.Emit(il.Ldnull, nil)
	}
	if this := t.Body.This(); this != nil {
		seq.Emit(il.Ldarg, this)
		if decl := m.DeclaringType(); decl != nil && decl.ValueType {
			// the receiver of a value type method is a managed pointer
			seq.Emit(il.Ldobj, decl.Ref())
			seq.Emit(il.Box, decl.Ref())
		}
	} else {
		seq.Emit(il.Ldnull, nil)
	}
	seq.Emit(il.Newobj, methodArgumentsCtor)
	seq.Emit(il.Stloc, ma)
	ins, err := seq.Instructions()
	return ins, ma, err
}

// zeroValue pushes the default value of the type.
func zeroValue(t *MethodTarget, typ *il.TypeRef) ([]*il.Instruction, error) {
	var seq il.Seq
	switch {
	case IsDeferred(typ):
		seq.Emit(il.Call, completedFuture(typ))
	case typ.ByRef || !typ.ValueType:
		seq.Emit(il.Ldnull, nil)
	default:
		switch typ.FullName() {
		case il.TypeBool.FullName(), il.TypeChar.FullName(), il.TypeInt8.FullName(), il.TypeUInt8.FullName(),
			il.TypeInt16.FullName(), il.TypeUInt16.FullName(), il.TypeInt32.FullName(), il.TypeUInt32.FullName():
			seq.Emit(il.LdcI4, 0)
		case il.TypeInt64.FullName(), il.TypeUInt64.FullName():
			seq.Emit(il.LdcI8, int64(0))
		case il.TypeFloat32.FullName():
			seq.Emit(il.LdcR4, float32(0))
		case il.TypeFloat64.FullName():
			seq.Emit(il.LdcR8, float64(0))
		default:
			zero := t.Body.AddLocal("", typ)
			seq.Emit(il.Ldloca, zero)
			seq.Emit(il.Initobj, typ)
			seq.Emit(il.Ldloc, zero)
		}
	}
	return seq.Instructions()
}

// skipTargets creates the blocks entered when an entry hook requests skipping the body. SkipMethod
// stores the zero value and continues at the epilogue, so exit hooks still run. SkipMethodAndExit
// returns the zero value directly. The blocks are appended once the pass completes.
func skipTargets(t *MethodTarget) (skip, skipExit *il.Instruction, err error) {
	if t.skip != nil {
		return t.skip, t.skipExit, nil
	} else if t.Epilogue == nil {
		return nil, nil, fmt.Errorf("%w: skip without a shared epilogue", ErrInvalidState)
	}
	body := t.Body
	if !body.ReturnsValue() {
		ret, err := il.New(il.Ret, nil)
		if err != nil {
			return nil, nil, err
		}
		t.appendLater([]*il.Instruction{ret})
		t.skip, t.skipExit = t.Epilogue, ret
		return t.skip, t.skipExit, nil
	}

	zero, err := zeroValue(t, body.Return)
	if err != nil {
		return nil, nil, err
	}
	var seq il.Seq
	seq.Add(zero...)
	seq.Emit(il.Stloc, t.Result)
	seq.Emit(il.Br, t.Epilogue)
	skipBlock, err := seq.Instructions()
	if err != nil {
		return nil, nil, err
	}
	// a fresh copy, instructions are single use
	zero, err = zeroValue(t, body.Return)
	if err != nil {
		return nil, nil, err
	}
	var stub il.Seq
	stub.Add(zero...)
	stub.Emit(il.Ret, nil)
	stubBlock, err := stub.Instructions()
	if err != nil {
		return nil, nil, err
	}
	t.appendLater(skipBlock)
	t.appendLater(stubBlock)
	t.skip, t.skipExit = skipBlock[0], stubBlock[0]
	return t.skip, t.skipExit, nil
}

// InjectEntry writes the method prologue: argument capture, the MethodArguments instance, the
// construction of every aspect, then each entry hook followed by the ExecutionAction check.
func InjectEntry(t *MethodTarget, aspects []*boundAspect) error {
	if t.state != StateUnstarted {
		return fmt.Errorf("%w: entry injected twice", ErrInvalidState)
	}
	t.start = t.Body.First()

	capture, args, err := captureArguments(t)
	if err != nil {
		return err
	} else if _, err = t.emitEntry(capture...); err != nil {
		return err
	}
	build, ma, err := buildMethodArguments(t, args)
	if err != nil {
		return err
	} else if _, err = t.emitEntry(build...); err != nil {
		return err
	}
	t.Args = ma

	for _, a := range aspects {
		a.local = t.Body.AddLocal("", a.marker.Type)
		store, err := il.New(il.Stloc, a.local)
		if err != nil {
			return err
		} else if _, err = t.emitEntry(concat(a.construct, []*il.Instruction{store})...); err != nil {
			return err
		}
		t.aspects[a.marker] = a.local
	}

	for _, a := range aspects {
		if !a.desc.HasEntry {
			continue
		}
		skip, skipExit, err := skipTargets(t)
		if err != nil {
			return err
		}
		if t.action == nil {
			t.action = t.Body.AddLocal("", ExecutionActionType)
		}
		var seq il.Seq
		seq.Emit(il.Ldloc, a.local)
		seq.Emit(il.Ldloc, ma)
		seq.Emit(il.Callvirt, onEntryHook)
		seq.Emit(il.Ldloc, ma)
		seq.Emit(il.Callvirt, getAction)
		seq.Emit(il.Stloc, t.action)
		seq.Emit(il.Ldloc, t.action)
		seq.Emit(il.LdcI4, ActionSkipMethod)
		seq.Emit(il.Beq, skip)
		seq.Emit(il.Ldloc, t.action)
		seq.Emit(il.LdcI4, ActionSkipMethodAndExit)
		seq.Emit(il.Beq, skipExit)
		ins, err := seq.Instructions()
		if err != nil {
			return err
		} else if _, err = t.emitEntry(ins...); err != nil {
			return err
		}
	}
	return t.advance(StateEntryInjected)
}
