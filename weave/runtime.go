package weave

import (
	"github.com/PatchLens/go-aspect-weaver/il"
)

// RuntimeAssembly is the simple name of the runtime library implementing the hook contract.
const RuntimeAssembly = "Aspekt"

// ExecutionAction values an entry hook may set on the method arguments.
const (
	ActionContinue          = 0
	ActionSkipMethod        = 1
	ActionSkipMethodAndExit = 2
)

func runtimeType(name string, valueType bool) *il.TypeRef {
	return &il.TypeRef{Namespace: "Aspekt", Name: name, Scope: RuntimeAssembly, ValueType: valueType}
}

// Runtime contract types.
var (
	AspectType          = runtimeType("Aspect", false)
	MethodArgumentsType = runtimeType("MethodArguments", false)
	ArgumentsType       = runtimeType("Arguments", false)
	ArgumentType        = runtimeType("Argument", false)
	ExecutionActionType = runtimeType("ExecutionAction", true)
	// ExitHandlerType is the open generic IAspectExitHandler`1.
	ExitHandlerType        = runtimeType("IAspectExitHandler`1", false)
	ContinuationHelperType = runtimeType("TaskContinuationHelpers", false)
	IgnoreWarningType      = runtimeType("IgnoreAspectWarningAttribute", false)
)

// Deferred return types and other framework types referenced by woven code.
var (
	TaskType              = il.NewTypeRef("System.Threading.Tasks.Task", false)
	TaskOfTType           = il.NewTypeRef("System.Threading.Tasks.Task`1", false)
	ValueTaskType         = il.NewTypeRef("System.Threading.Tasks.ValueTask", true)
	ValueTaskOfTType      = il.NewTypeRef("System.Threading.Tasks.ValueTask`1", true)
	CancellationTokenType = il.NewTypeRef("System.Threading.CancellationToken", true)
)

// deferredKind classifies future-like return types.
type deferredKind uint8

const (
	notDeferred deferredKind = iota
	deferredTask
	deferredTaskOfT
	deferredValueTask
	deferredValueTaskOfT
)

func deferredKindOf(t *il.TypeRef) deferredKind {
	if t == nil || t.ByRef {
		return notDeferred
	}
	switch t.ElementName() {
	case TaskType.ElementName():
		return deferredTask
	case TaskOfTType.ElementName():
		if len(t.Args) == 1 {
			return deferredTaskOfT
		}
	case ValueTaskType.ElementName():
		return deferredValueTask
	case ValueTaskOfTType.ElementName():
		if len(t.Args) == 1 {
			return deferredValueTaskOfT
		}
	}
	return notDeferred
}

// IsDeferred reports if the type is a future whose result completes after the method returns.
func IsDeferred(t *il.TypeRef) bool {
	return deferredKindOf(t) != notDeferred
}

func (k deferredKind) hasResult() bool {
	return k == deferredTaskOfT || k == deferredValueTaskOfT
}

func (k deferredKind) valueTask() bool {
	return k == deferredValueTask || k == deferredValueTaskOfT
}

func instanceMethod(decl *il.TypeRef, name string, ret *il.TypeRef, params ...*il.TypeRef) *il.MethodRef {
	return &il.MethodRef{DeclaringType: decl, Name: name, HasThis: true, Return: ret, Params: params}
}

func staticMethod(decl *il.TypeRef, name string, ret *il.TypeRef, params ...*il.TypeRef) *il.MethodRef {
	return &il.MethodRef{DeclaringType: decl, Name: name, Return: ret, Params: params}
}

var (
	argumentsCtor = instanceMethod(ArgumentsType, ".ctor", il.TypeVoid, il.TypeInt32)
	argumentsAdd  = instanceMethod(ArgumentsType, "Add", il.TypeVoid, ArgumentType)
	argumentCtor  = instanceMethod(ArgumentType, ".ctor", il.TypeVoid, il.TypeString, il.TypeObject)
	// MethodArguments(name, fullName, format, arguments, instance)
	methodArgumentsCtor = instanceMethod(MethodArgumentsType, ".ctor", il.TypeVoid,
		il.TypeString, il.TypeString, il.TypeString, ArgumentsType, il.TypeObject)
	getAction = instanceMethod(MethodArgumentsType, "get_Action", ExecutionActionType)

	onEntryHook     = instanceMethod(AspectType, "OnEntry", il.TypeVoid, MethodArgumentsType)
	onExitHook      = instanceMethod(AspectType, "OnExit", il.TypeVoid, MethodArgumentsType)
	onExceptionHook = instanceMethod(AspectType, "OnException", il.TypeVoid, MethodArgumentsType, il.TypeException)

	getTypeFromHandle = staticMethod(il.TypeType, "GetTypeFromHandle", il.TypeType, il.TypeRuntimeTypeHandle)
)

// exitResultHook returns IAspectExitHandler`1<T>::OnExit(MethodArguments, T).
func exitResultHook(t *il.TypeRef) *il.MethodRef {
	return instanceMethod(ExitHandlerType.Instance(t), "OnExit", t, MethodArgumentsType, t)
}

// hookKind selects the continuation helper family for deferred methods.
type hookKind uint8

const (
	hookExitAsync hookKind = iota
	hookExitResult
	hookExit
	hookExceptionAsync
)

var wrapHelperNames = map[hookKind][4]string{
	// Task, Task`1, ValueTask, ValueTask`1
	hookExitAsync: {"WrapTaskWithOnExitAsyncVoid", "WrapTaskWithOnExitAsync",
		"WrapValueTaskWithOnExitAsyncVoid", "WrapValueTaskWithOnExitAsync"},
	hookExitResult: {"", "WrapTaskWithOnExitResult", "", "WrapValueTaskWithOnExitResult"},
	hookExit: {"WrapTaskWithOnExitVoid", "WrapTaskWithOnExit",
		"WrapValueTaskWithOnExitVoid", "WrapValueTaskWithOnExit"},
	hookExceptionAsync: {"WrapTaskWithOnExceptionAsyncVoid", "WrapTaskWithOnExceptionAsync",
		"WrapValueTaskWithOnExceptionAsyncVoid", "WrapValueTaskWithOnExceptionAsync"},
}

// wrapHelper returns the continuation helper for the future type and hook kind, nil when the
// combination has no helper. Helpers take (future, aspect, arguments) and return the future type.
func wrapHelper(future *il.TypeRef, kind hookKind) *il.MethodRef {
	dk := deferredKindOf(future)
	if dk == notDeferred {
		return nil
	}
	name := wrapHelperNames[kind][dk-1]
	if name == "" {
		return nil
	}
	aspect := AspectType
	if kind == hookExitResult {
		aspect = ExitHandlerType.Instance(future.Args[0])
	}
	m := staticMethod(ContinuationHelperType, name, future, future, aspect, MethodArgumentsType)
	if dk.hasResult() {
		m.GenericArgs = []*il.TypeRef{future.Args[0]}
	}
	return m
}

// completedFuture returns the helper producing an already completed future of the given type.
func completedFuture(future *il.TypeRef) *il.MethodRef {
	dk := deferredKindOf(future)
	name := "CompletedTask"
	if dk.valueTask() {
		name = "CompletedValueTask"
	}
	m := staticMethod(ContinuationHelperType, name, future)
	if dk.hasResult() {
		m.GenericArgs = []*il.TypeRef{future.Args[0]}
	}
	return m
}
