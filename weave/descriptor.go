package weave

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// AspectDescriptor lists the hooks an aspect type implements.
type AspectDescriptor struct {
	// Type is the full name of the aspect type.
	Type     string
	HasEntry bool
	// HasExit is set for OnExit(MethodArguments).
	HasExit bool
	// ExitResultTypes are the T of every OnExit(MethodArguments, T) T declaration.
	ExitResultTypes []*il.TypeRef
	// HandlerTypes are the T of every implemented IAspectExitHandler`1<T>.
	HandlerTypes      []*il.TypeRef
	HasException      bool
	HasAsyncExit      bool
	HasAsyncException bool
}

// HasResultExit reports if any result observing exit hook is declared.
func (d *AspectDescriptor) HasResultExit() bool {
	return len(d.ExitResultTypes) > 0
}

// ExitWithResult reports if a result observing exit hook with the handler interface exists for the
// return type.
func (d *AspectDescriptor) ExitWithResult(ret *il.TypeRef) bool {
	return containsType(d.ExitResultTypes, ret) && d.HandlesResult(ret)
}

// HandlesResult reports if IAspectExitHandler`1<ret> is implemented.
func (d *AspectDescriptor) HandlesResult(ret *il.TypeRef) bool {
	return containsType(d.HandlerTypes, ret)
}

// NeedsEpilogue reports if the aspect's hooks require the shared epilogue: entry hooks may skip the
// body and exception hooks wrap it.
func (d *AspectDescriptor) NeedsEpilogue() bool {
	return d.HasEntry || d.HasException
}

// Empty reports if the aspect implements no hook at all.
func (d *AspectDescriptor) Empty() bool {
	return !d.HasEntry && !d.HasExit && !d.HasResultExit() && !d.HasException &&
		!d.HasAsyncExit && !d.HasAsyncException
}

func containsType(types []*il.TypeRef, t *il.TypeRef) bool {
	if t == nil {
		return false
	}
	name := t.FullName()
	for _, c := range types {
		if c.FullName() == name {
			return true
		}
	}
	return false
}

// Describer computes and caches aspect descriptors. It is safe for concurrent use.
type Describer struct {
	resolver *Resolver
	cache    *ristretto.Cache[string, *AspectDescriptor]
}

// NewDescriber creates a describer resolving base types through the resolver.
func NewDescriber(resolver *Resolver) (*Describer, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *AspectDescriptor]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create descriptor cache: %w", err)
	}
	return &Describer{resolver: resolver, cache: cache}, nil
}

// Close releases the cache.
func (d *Describer) Close() {
	d.cache.Close()
}

func descriptorKey(t *TypeDef) string {
	if a := t.Assembly(); a != nil {
		return a.Name + "|" + t.FullName()
	}
	return "|" + t.FullName()
}

// Describe returns the hooks declared by the aspect type and its bases up to Aspekt.Aspect.
func (d *Describer) Describe(t *TypeDef) (*AspectDescriptor, error) {
	key := descriptorKey(t)
	if desc, ok := d.cache.Get(key); ok {
		return desc, nil
	}

	chain, _, err := d.resolver.BaseChain(t, AspectType)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", t.FullName(), err)
	}
	desc := describeChain(t.FullName(), chain)
	d.cache.Set(key, desc, 1)
	d.cache.Wait()
	return desc, nil
}

// describeChain collects hooks from the most derived type first, so an override and its base
// declaration count once.
func describeChain(name string, chain []*TypeDef) *AspectDescriptor {
	desc := &AspectDescriptor{Type: name}
	for _, t := range chain {
		for _, iface := range t.Interfaces {
			if iface.ElementName() == ExitHandlerType.ElementName() && len(iface.Args) == 1 &&
				!containsType(desc.HandlerTypes, iface.Args[0]) {
				desc.HandlerTypes = append(desc.HandlerTypes, iface.Args[0])
			}
		}
		for _, m := range t.Methods {
			if m.Static {
				continue
			}
			switch {
			case m.Name == "OnEntry" && paramsMatch(m, MethodArgumentsType):
				desc.HasEntry = true
			case m.Name == "OnExit" && paramsMatch(m, MethodArgumentsType):
				desc.HasExit = true
			case m.Name == "OnExit" && len(m.Params) == 2 && isType(m.Params[0].Type, MethodArgumentsType) &&
				m.Return.FullName() == m.Params[1].Type.FullName():
				if !containsType(desc.ExitResultTypes, m.Return) {
					desc.ExitResultTypes = append(desc.ExitResultTypes, m.Return)
				}
			case m.Name == "OnException" && paramsMatch(m, MethodArgumentsType, il.TypeException):
				desc.HasException = true
			case m.Name == "OnExitAsync" && paramsMatch(m, MethodArgumentsType, CancellationTokenType):
				desc.HasAsyncExit = true
			case m.Name == "OnExceptionAsync" && paramsMatch(m, MethodArgumentsType, il.TypeException, CancellationTokenType):
				desc.HasAsyncException = true
			}
		}
	}
	return desc
}

func paramsMatch(m *MethodDef, types ...*il.TypeRef) bool {
	if len(m.Params) != len(types) {
		return false
	}
	for i, p := range m.Params {
		if !isType(p.Type, types[i]) {
			return false
		}
	}
	return true
}

// isType compares by full name, ignoring the resolution scope.
func isType(t, want *il.TypeRef) bool {
	return t != nil && want != nil && t.FullName() == want.FullName()
}
