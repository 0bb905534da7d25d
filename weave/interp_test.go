package weave

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// A small evaluator for method bodies, enough to observe woven control flow. Integers are int64,
// floats float64, references are Go pointers, managed pointers are *slotRef. Calls are served by
// the evalRuntime: the Aspekt contract is built in, anything else comes from the calls table.

const maxEvalSteps = 100_000

// evalException is a thrown managed exception.
type evalException struct {
	typ string
	msg string
}

func (e *evalException) Error() string {
	return e.typ + ": " + e.msg
}

type evalArgument struct {
	name  string
	value any
}

type evalArguments struct {
	items []*evalArgument
}

type evalMethodArguments struct {
	name, fullName, format string
	args                   *evalArguments
	instance               any
	action                 int64
}

// evalFuture is a completed future, wrapped once per continuation helper.
type evalFuture struct {
	result any
	inner  *evalFuture
	helper string
	aspect string
}

// layers lists the applied helpers from innermost to outermost.
func (f *evalFuture) layers() []string {
	if f == nil || f.inner == nil {
		return nil
	}
	return append(f.inner.layers(), f.helper+":"+f.aspect)
}

type evalAspect struct {
	name     string
	ctorArgs []any
}

type slotRef struct {
	slots []any
	index int
}

func (r *slotRef) load() any {
	return r.slots[r.index]
}

func (r *slotRef) store(v any) {
	r.slots[r.index] = v
}

// aspectBehavior customizes hooks of one aspect type, keyed by the simple type name.
type aspectBehavior struct {
	onEntry    func(ma *evalMethodArguments)
	exitResult func(ma *evalMethodArguments, v any) any
}

type evalRuntime struct {
	trace     []string
	aspects   []*evalAspect
	behaviors map[string]aspectBehavior
	// calls serves methods outside the runtime contract, keyed "Ns.Type::Name".
	calls   map[string]func(args []any) (any, error)
	statics map[string]any
	lastMA  *evalMethodArguments
}

func newEvalRuntime() *evalRuntime {
	rt := &evalRuntime{
		behaviors: make(map[string]aspectBehavior),
		calls:     make(map[string]func(args []any) (any, error)),
		statics:   make(map[string]any),
	}
	rt.calls["App.Sample::Mark"] = func(args []any) (any, error) {
		rt.trace = append(rt.trace, "mark:"+fmt.Sprint(args[0]))
		return nil, nil
	}
	rt.calls["App.Sample::Fail"] = func(args []any) (any, error) {
		return nil, &evalException{typ: "System.InvalidOperationException", msg: fmt.Sprint(args[0])}
	}
	rt.calls["App.Sample::FromResult"] = func(args []any) (any, error) {
		return &evalFuture{result: args[0]}, nil
	}
	rt.calls["App.Sample::Completed"] = func([]any) (any, error) {
		return &evalFuture{}, nil
	}
	return rt
}

func (rt *evalRuntime) log(format string, args ...any) {
	rt.trace = append(rt.trace, fmt.Sprintf(format, args...))
}

func (rt *evalRuntime) call(m *il.MethodRef, args []any, newobj bool) (any, error) {
	key := m.DeclaringType.ElementName() + "::" + m.Name
	switch key {
	case "Aspekt.Arguments::.ctor":
		return &evalArguments{}, nil
	case "Aspekt.Argument::.ctor":
		return &evalArgument{name: args[0].(string), value: args[1]}, nil
	case "Aspekt.Arguments::Add":
		list := args[0].(*evalArguments)
		list.items = append(list.items, args[1].(*evalArgument))
		return nil, nil
	case "Aspekt.MethodArguments::.ctor":
		ma := &evalMethodArguments{
			name:     args[0].(string),
			fullName: args[1].(string),
			format:   args[2].(string),
			instance: args[4],
		}
		if args[3] != nil {
			ma.args = args[3].(*evalArguments)
		}
		rt.lastMA = ma
		return ma, nil
	case "Aspekt.MethodArguments::get_Action":
		return args[0].(*evalMethodArguments).action, nil
	case "System.Type::GetTypeFromHandle":
		return args[0], nil
	case "System.Exception::.ctor":
		return &evalException{typ: "System.Exception", msg: fmt.Sprint(args[0])}, nil
	case "Aspekt.Aspect::OnEntry":
		a := args[0].(*evalAspect)
		rt.log("entry:%s", a.name)
		if b := rt.behaviors[a.name]; b.onEntry != nil {
			b.onEntry(args[1].(*evalMethodArguments))
		}
		return nil, nil
	case "Aspekt.Aspect::OnExit":
		rt.log("exit:%s", args[0].(*evalAspect).name)
		return nil, nil
	case "Aspekt.IAspectExitHandler`1::OnExit":
		a := args[0].(*evalAspect)
		rt.log("exit:%s:%v", a.name, args[2])
		if b := rt.behaviors[a.name]; b.exitResult != nil {
			return b.exitResult(args[1].(*evalMethodArguments), args[2]), nil
		}
		return args[2], nil
	case "Aspekt.Aspect::OnException":
		rt.log("exception:%s:%s", args[0].(*evalAspect).name, args[2].(*evalException).msg)
		return nil, nil
	}
	if m.DeclaringType.ElementName() == ContinuationHelperType.ElementName() {
		if strings.HasPrefix(m.Name, "Completed") {
			return &evalFuture{}, nil
		}
		f := args[0].(*evalFuture)
		a := args[1].(*evalAspect)
		rt.log("wrap:%s:%s", m.Name, a.name)
		return &evalFuture{result: f.result, inner: f, helper: m.Name, aspect: a.name}, nil
	}
	if newobj && strings.HasSuffix(m.DeclaringType.Name, "Aspect") {
		a := &evalAspect{name: m.DeclaringType.Name, ctorArgs: args}
		rt.aspects = append(rt.aspects, a)
		return a, nil
	}
	if fn, ok := rt.calls[key]; ok {
		return fn(args)
	}
	return nil, fmt.Errorf("no runtime method %s", m.FullName())
}

// unwind is a pending completion resumed by endfinally.
type unwind struct {
	// leave target, nil while propagating an exception
	target  *il.Instruction
	pending []*il.Region
	// exception propagation state
	exc  *evalException
	at   *il.Instruction
	next int
}

type evalFrame struct {
	rt      *evalRuntime
	body    *il.Body
	pos     map[*il.Instruction]int
	stack   []any
	locals  []any
	args    []any
	current *evalException
	unwinds []*unwind
	// escaped is set when an exception leaves the method after its finally handlers ran
	escaped *evalException
}

func zeroOf(t *il.TypeRef) any {
	if t == nil || t.ByRef || !t.ValueType {
		return nil
	}
	switch t.FullName() {
	case il.TypeFloat32.FullName(), il.TypeFloat64.FullName():
		return float64(0)
	case il.TypeBool.FullName(), il.TypeChar.FullName(), il.TypeInt8.FullName(), il.TypeUInt8.FullName(),
		il.TypeInt16.FullName(), il.TypeUInt16.FullName(), il.TypeInt32.FullName(), il.TypeUInt32.FullName(),
		il.TypeInt64.FullName(), il.TypeUInt64.FullName(), ExecutionActionType.FullName():
		return int64(0)
	}
	return nil
}

// evaluate runs the body with the given arguments (receiver first for instance methods). Returns
// the result, or the unhandled managed exception.
func (rt *evalRuntime) evaluate(body *il.Body, args ...any) (any, *evalException, error) {
	body = body.Clone()
	body.Simplify()
	if len(args) != len(body.Args) {
		return nil, nil, fmt.Errorf("expected %d arguments, got %d", len(body.Args), len(args))
	}
	f := &evalFrame{
		rt:     rt,
		body:   body,
		pos:    make(map[*il.Instruction]int, body.Len()),
		args:   append([]any(nil), args...),
		locals: make([]any, len(body.Locals)),
	}
	for n, i := range body.Instructions() {
		f.pos[i] = n
	}
	for n, l := range body.Locals {
		f.locals[n] = zeroOf(l.Type)
	}
	return f.run()
}

func (f *evalFrame) push(v any) {
	f.stack = append(f.stack, v)
}

func (f *evalFrame) pop() (any, error) {
	if len(f.stack) == 0 {
		return nil, errors.New("stack underflow")
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, nil
}

func (f *evalFrame) popN(n int) ([]any, error) {
	if len(f.stack) < n {
		return nil, errors.New("stack underflow")
	}
	values := append([]any(nil), f.stack[len(f.stack)-n:]...)
	f.stack = f.stack[:len(f.stack)-n]
	return values, nil
}

// inRange reports if i lies in [start, end), a nil end meaning the end of the body.
func (f *evalFrame) inRange(i, start, end *il.Instruction) bool {
	if start == nil || f.pos[i] < f.pos[start] {
		return false
	}
	return end == nil || f.pos[i] < f.pos[end]
}

// throw searches the regions from index from for a handler of an exception raised at at. Returns
// the handler to continue with, nil when the exception leaves the method.
func (f *evalFrame) throw(at *il.Instruction, exc *evalException, from int) (*il.Instruction, error) {
	for n := from; n < len(f.body.Regions); n++ {
		r := f.body.Regions[n]
		if !f.inRange(at, r.TryStart, r.TryEnd) {
			continue
		}
		switch r.Kind {
		case il.RegionCatch:
			name := r.CatchType.ElementName()
			if name != "System.Exception" && name != "System.Object" && name != exc.typ {
				continue
			}
			f.stack = []any{exc}
			f.current = exc
			return r.HandlerStart, nil
		case il.RegionFinally, il.RegionFault:
			f.stack = nil
			f.unwinds = append(f.unwinds, &unwind{exc: exc, at: at, next: n + 1})
			return r.HandlerStart, nil
		default:
			return nil, fmt.Errorf("unsupported region %s", r.Kind)
		}
	}
	f.current = exc
	return nil, nil
}

func asInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("not an integer: %T(%v)", v, v)
}

func truthy(v any) bool {
	switch n := v.(type) {
	case nil:
		return false
	case int64:
		return n != 0
	case float64:
		return n != 0
	case bool:
		return n
	}
	return true
}

func arith(op il.OpCode, a, b any) (any, error) {
	if fa, ok := a.(float64); ok {
		fb, ok := b.(float64)
		if !ok {
			return nil, fmt.Errorf("%s: mixed operands", op)
		}
		switch op {
		case il.Add:
			return fa + fb, nil
		case il.Sub:
			return fa - fb, nil
		case il.Mul:
			return fa * fb, nil
		case il.Div:
			return fa / fb, nil
		}
		return nil, fmt.Errorf("%s: unsupported on floats", op)
	}
	ia, err := asInt(a)
	if err != nil {
		return nil, err
	}
	ib, err := asInt(b)
	if err != nil {
		return nil, err
	}
	switch op {
	case il.Add:
		return ia + ib, nil
	case il.Sub:
		return ia - ib, nil
	case il.Mul:
		return ia * ib, nil
	case il.Div, il.Rem:
		if ib == 0 {
			return nil, &evalException{typ: "System.DivideByZeroException", msg: "divide by zero"}
		} else if op == il.Div {
			return ia / ib, nil
		}
		return ia % ib, nil
	case il.And:
		return ia & ib, nil
	case il.Or:
		return ia | ib, nil
	case il.Xor:
		return ia ^ ib, nil
	}
	return nil, fmt.Errorf("%s: unsupported", op)
}

func compare(a, b any) (int, error) {
	if fa, ok := a.(float64); ok {
		fb, _ := b.(float64)
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	ia, err := asInt(a)
	if err != nil {
		return 0, err
	}
	ib, err := asInt(b)
	if err != nil {
		return 0, err
	}
	switch {
	case ia < ib:
		return -1, nil
	case ia > ib:
		return 1, nil
	}
	return 0, nil
}

func (f *evalFrame) run() (any, *evalException, error) {
	ip := f.body.First()
	for steps := 0; ip != nil; steps++ {
		if steps > maxEvalSteps {
			return nil, nil, errors.New("step limit exceeded")
		}
		next, result, done, exc, err := f.step(ip)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", ip, err)
		} else if exc != nil {
			handler, err := f.throw(ip, exc, 0)
			if err != nil {
				return nil, nil, err
			} else if handler == nil {
				return nil, exc, nil
			}
			next = handler
		} else if done {
			if f.escaped != nil {
				return nil, f.escaped, nil
			}
			return result, nil, nil
		}
		ip = next
	}
	return nil, nil, errors.New("fell off the end of the body")
}

// step executes one instruction. A managed exception raised by the instruction is returned as exc.
func (f *evalFrame) step(ip *il.Instruction) (next *il.Instruction, result any, done bool, exc *evalException, err error) {
	next = ip.Next()
	op := ip.Operand
	switch ip.OpCode {
	case il.Nop:
	case il.Ldarg:
		f.push(f.args[op.Arg.Index])
	case il.Ldarga:
		f.push(&slotRef{slots: f.args, index: op.Arg.Index})
	case il.Starg:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		}
		f.args[op.Arg.Index] = v
	case il.Ldloc:
		f.push(f.locals[op.Local.Index])
	case il.Ldloca:
		f.push(&slotRef{slots: f.locals, index: op.Local.Index})
	case il.Stloc:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		}
		f.locals[op.Local.Index] = v
	case il.Ldnull:
		f.push(nil)
	case il.LdcI4, il.LdcI8:
		f.push(op.Int)
	case il.LdcR4, il.LdcR8:
		f.push(op.Float)
	case il.Ldstr:
		f.push(op.Str)
	case il.Ldtoken:
		f.push(op.Type)
	case il.Ldsfld:
		f.push(f.rt.statics[op.Field.FullName()])
	case il.Stsfld:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		}
		f.rt.statics[op.Field.FullName()] = v
	case il.Ldobj:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		} else if ref, ok := v.(*slotRef); ok {
			v = ref.load()
		}
		f.push(v)
	case il.Stobj:
		values, err := f.popN(2)
		if err != nil {
			return nil, nil, false, nil, err
		}
		values[0].(*slotRef).store(values[1])
	case il.Initobj:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		}
		v.(*slotRef).store(zeroOf(op.Type))
	case il.Box, il.UnboxAny, il.Castclass:
		// values keep their identity
	case il.Dup:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		}
		f.push(v)
		f.push(v)
	case il.Pop:
		if _, err := f.pop(); err != nil {
			return nil, nil, false, nil, err
		}
	case il.Add, il.Sub, il.Mul, il.Div, il.Rem, il.And, il.Or, il.Xor:
		values, err := f.popN(2)
		if err != nil {
			return nil, nil, false, nil, err
		}
		v, err := arith(ip.OpCode, values[0], values[1])
		var thrown *evalException
		if errors.As(err, &thrown) {
			return nil, nil, false, thrown, nil
		} else if err != nil {
			return nil, nil, false, nil, err
		}
		f.push(v)
	case il.Neg:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		}
		n, err := asInt(v)
		if err != nil {
			return nil, nil, false, nil, err
		}
		f.push(-n)
	case il.Ceq, il.Cgt, il.Clt:
		values, err := f.popN(2)
		if err != nil {
			return nil, nil, false, nil, err
		}
		var r bool
		if ip.OpCode == il.Ceq {
			r = values[0] == values[1]
		} else {
			c, err := compare(values[0], values[1])
			if err != nil {
				return nil, nil, false, nil, err
			}
			r = (ip.OpCode == il.Cgt && c > 0) || (ip.OpCode == il.Clt && c < 0)
		}
		if r {
			f.push(int64(1))
		} else {
			f.push(int64(0))
		}
	case il.ConvI4, il.ConvI8:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		} else if fv, ok := v.(float64); ok {
			v = int64(fv)
		}
		f.push(v)
	case il.ConvR4, il.ConvR8:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		} else if iv, ok := v.(int64); ok {
			v = float64(iv)
		}
		f.push(v)
	case il.Br:
		next = op.Target
	case il.Brtrue, il.Brfalse:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		} else if truthy(v) == (ip.OpCode == il.Brtrue) {
			next = op.Target
		}
	case il.Beq, il.BneUn, il.Bge, il.Bgt, il.Ble, il.Blt:
		values, err := f.popN(2)
		if err != nil {
			return nil, nil, false, nil, err
		}
		var taken bool
		switch ip.OpCode {
		case il.Beq:
			taken = values[0] == values[1]
		case il.BneUn:
			taken = values[0] != values[1]
		default:
			c, err := compare(values[0], values[1])
			if err != nil {
				return nil, nil, false, nil, err
			}
			taken = (ip.OpCode == il.Bge && c >= 0) || (ip.OpCode == il.Bgt && c > 0) ||
				(ip.OpCode == il.Ble && c <= 0) || (ip.OpCode == il.Blt && c < 0)
		}
		if taken {
			next = op.Target
		}
	case il.Switch:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		}
		n, err := asInt(v)
		if err != nil {
			return nil, nil, false, nil, err
		} else if n >= 0 && n < int64(len(op.Targets)) {
			next = op.Targets[n]
		}
	case il.Call, il.Callvirt, il.Newobj:
		m := op.Method
		n := len(m.Params)
		if m.HasThis && ip.OpCode != il.Newobj {
			n++
		}
		args, err := f.popN(n)
		if err != nil {
			return nil, nil, false, nil, err
		}
		v, err := f.rt.call(m, args, ip.OpCode == il.Newobj)
		var thrown *evalException
		if errors.As(err, &thrown) {
			return nil, nil, false, thrown, nil
		} else if err != nil {
			return nil, nil, false, nil, err
		}
		if ip.OpCode == il.Newobj || !m.Return.IsVoid() {
			f.push(v)
		}
	case il.Ret:
		if f.body.ReturnsValue() {
			v, err := f.pop()
			if err != nil {
				return nil, nil, false, nil, err
			}
			result = v
		}
		if len(f.stack) != 0 {
			return nil, nil, false, nil, fmt.Errorf("stack not empty on return: %v", f.stack)
		}
		return nil, result, true, nil, nil
	case il.Leave:
		f.stack = nil
		var finallies []*il.Region
		for _, r := range f.body.Regions {
			if r.Kind == il.RegionFinally && f.inRange(ip, r.TryStart, r.TryEnd) &&
				!f.inRange(op.Target, r.TryStart, r.TryEnd) {
				finallies = append(finallies, r)
			}
		}
		if len(finallies) == 0 {
			next = op.Target
		} else {
			f.unwinds = append(f.unwinds, &unwind{target: op.Target, pending: finallies[1:]})
			next = finallies[0].HandlerStart
		}
	case il.Endfinally:
		if len(f.unwinds) == 0 {
			return nil, nil, false, nil, errors.New("endfinally outside a handler")
		}
		u := f.unwinds[len(f.unwinds)-1]
		f.unwinds = f.unwinds[:len(f.unwinds)-1]
		f.stack = nil
		if u.exc != nil {
			handler, err := f.throw(u.at, u.exc, u.next)
			if err != nil {
				return nil, nil, false, nil, err
			} else if handler == nil {
				f.escaped = u.exc
				return nil, nil, true, nil, nil
			}
			next = handler
		} else if len(u.pending) > 0 {
			next = u.pending[0].HandlerStart
			u.pending = u.pending[1:]
			f.unwinds = append(f.unwinds, u)
		} else {
			next = u.target
		}
	case il.Throw:
		v, err := f.pop()
		if err != nil {
			return nil, nil, false, nil, err
		}
		thrown, ok := v.(*evalException)
		if !ok {
			return nil, nil, false, nil, fmt.Errorf("throw of %T", v)
		}
		return nil, nil, false, thrown, nil
	case il.Rethrow:
		if f.current == nil {
			return nil, nil, false, nil, errors.New("rethrow outside a catch handler")
		}
		return nil, nil, false, f.current, nil
	default:
		return nil, nil, false, nil, fmt.Errorf("opcode %s not supported by the evaluator", ip.OpCode)
	}
	return next, nil, false, nil, nil
}
