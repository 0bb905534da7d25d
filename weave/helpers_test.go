package weave

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"

	"github.com/PatchLens/go-aspect-weaver/il"
)

var (
	fixturesOnce sync.Once
	fixtures     map[string]string
	fixturesErr  error
)

// fixture returns the named method body from testdata/methods.txtar.
func fixture(t *testing.T, name string) string {
	t.Helper()

	fixturesOnce.Do(func() {
		archive, err := txtar.ParseFile(filepath.Join("testdata", "methods.txtar"))
		if err != nil {
			fixturesErr = err
			return
		}
		fixtures = make(map[string]string, len(archive.Files))
		for _, f := range archive.Files {
			fixtures[f.Name] = string(f.Data)
		}
	})
	require.NoError(t, fixturesErr)
	src, ok := fixtures[name+".il"]
	require.True(t, ok, "missing fixture %s", name)
	return src
}

// newMethod parses the body and derives the signature from its directives.
func newMethod(t *testing.T, name, src string) *MethodDef {
	t.Helper()

	body, err := il.Parse(src)
	require.NoError(t, err)
	m := &MethodDef{Name: name, Static: !body.HasThis(), Return: body.Return, Body: body}
	for _, p := range body.Params() {
		m.Params = append(m.Params, &ParamDef{Name: p.Name, Type: p.Type})
	}
	return m
}

func newType(name string, methods ...*MethodDef) *TypeDef {
	return &TypeDef{Namespace: "App", Name: name, BaseType: il.TypeObject, Methods: methods}
}

func newTestAssembly(name string, types ...*TypeDef) *Assembly {
	a := &Assembly{
		Name:    name,
		Version: "1.0.0.0",
		Modules: []*Module{{Name: name + ".dll", Types: types}},
	}
	a.Attach()
	return a
}

func hookMethod(name string, ret *il.TypeRef, params ...*il.TypeRef) *MethodDef {
	m := &MethodDef{Name: name, Return: ret}
	for i, p := range params {
		m.Params = append(m.Params, &ParamDef{Name: "p" + itoa(i), Type: p})
	}
	return m
}

func onEntry() *MethodDef {
	return hookMethod("OnEntry", il.TypeVoid, MethodArgumentsType)
}

func onExit() *MethodDef {
	return hookMethod("OnExit", il.TypeVoid, MethodArgumentsType)
}

func onExitResult(t *il.TypeRef) *MethodDef {
	return hookMethod("OnExit", t, MethodArgumentsType, t)
}

func onException() *MethodDef {
	return hookMethod("OnException", il.TypeVoid, MethodArgumentsType, il.TypeException)
}

func onExitAsync() *MethodDef {
	return hookMethod("OnExitAsync", TaskType, MethodArgumentsType, CancellationTokenType)
}

func onExceptionAsync() *MethodDef {
	return hookMethod("OnExceptionAsync", TaskType, MethodArgumentsType, il.TypeException, CancellationTokenType)
}

// newAspect declares an aspect with a default constructor, a (string) constructor and the hooks.
func newAspect(name string, hooks ...*MethodDef) *TypeDef {
	methods := []*MethodDef{
		hookMethod(".ctor", il.TypeVoid),
		hookMethod(".ctor", il.TypeVoid, il.TypeString),
	}
	return &TypeDef{
		Namespace: "App",
		Name:      name,
		BaseType:  AspectType,
		Methods:   append(methods, hooks...),
	}
}

// handles adds IAspectExitHandler`1<T> for every type.
func handles(t *TypeDef, types ...*il.TypeRef) *TypeDef {
	for _, typ := range types {
		t.Interfaces = append(t.Interfaces, ExitHandlerType.Instance(typ))
	}
	return t
}

// marker builds a marker for the attached aspect type using the constructor matching the
// argument types.
func marker(t *TypeDef, args ...MarkerArg) *Marker {
	for _, m := range t.Methods {
		if m.Name != ".ctor" || len(m.Params) != len(args) {
			continue
		}
		match := true
		for i, p := range m.Params {
			if !isType(p.Type, args[i].Type) {
				match = false
				break
			}
		}
		if match {
			return &Marker{Type: t.Ref(), Ctor: m.Ref(), Args: args}
		}
	}
	panic("no constructor of " + t.FullName() + " matches the marker arguments")
}

func ignoreWarnings(codes ...string) *Marker {
	m := &Marker{Type: IgnoreWarningType}
	for _, c := range codes {
		m.Args = append(m.Args, MarkerArg{Type: il.TypeString, Value: c})
	}
	return m
}

func newTestWeaver(t *testing.T, diffs bool) *Weaver {
	t.Helper()

	resolver, err := NewResolver()
	require.NoError(t, err)
	describer, err := NewDescriber(resolver)
	require.NoError(t, err)
	t.Cleanup(describer.Close)
	return NewWeaver(resolver, describer, zerolog.Nop(), diffs)
}

// weaveAssembly weaves with a fresh weaver and diagnostics collector.
func weaveAssembly(t *testing.T, a *Assembly) ([]MethodReport, *Diagnostics, error) {
	t.Helper()

	diags := NewDiagnostics(zerolog.Nop())
	reports, err := newTestWeaver(t, false).WeaveAssembly(a, diags)
	return reports, diags, err
}

// evaluate runs the method body on a fresh runtime, configured by setup when not nil.
func evaluate(t *testing.T, m *MethodDef, setup func(rt *evalRuntime), args ...any) (*evalRuntime, any, *evalException) {
	t.Helper()

	rt := newEvalRuntime()
	if setup != nil {
		setup(rt)
	}
	result, exc, err := rt.evaluate(m.Body, args...)
	require.NoError(t, err)
	return rt, result, exc
}

// skipWith makes the aspect's entry hook request the action.
func skipWith(aspect string, action int64) func(rt *evalRuntime) {
	return func(rt *evalRuntime) {
		rt.behaviors[aspect] = aspectBehavior{
			onEntry: func(ma *evalMethodArguments) {
				ma.action = action
			},
		}
	}
}
