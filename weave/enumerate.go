package weave

import (
	"fmt"

	"github.com/go-analyze/bulk"
	"github.com/rs/zerolog"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// MarkerLevel is where a marker was declared.
type MarkerLevel uint8

const (
	LevelMethod MarkerLevel = iota
	LevelParam
	LevelType
	LevelModule
	LevelAssembly
)

func (l MarkerLevel) String() string {
	switch l {
	case LevelMethod:
		return "method"
	case LevelParam:
		return "parameter"
	case LevelType:
		return "type"
	case LevelModule:
		return "module"
	case LevelAssembly:
		return "assembly"
	}
	return fmt.Sprintf("level(%d)", l)
}

// AppliedMarker is an aspect marker applying to a method.
type AppliedMarker struct {
	Marker *Marker
	// Type is the resolved aspect type.
	Type  *TypeDef
	Level MarkerLevel
}

// WorkItem is a method to weave with its markers in precedence order.
type WorkItem struct {
	Method  *MethodDef
	Markers []AppliedMarker
}

// Enumerator lists the methods of an assembly that aspect markers apply to.
type Enumerator struct {
	resolver *Resolver
	diags    *Diagnostics
	logger   zerolog.Logger

	aspectTypes map[string]*TypeDef // nil value for non aspects
}

// NewEnumerator creates an enumerator resolving marker types through the resolver.
func NewEnumerator(resolver *Resolver, diags *Diagnostics, logger zerolog.Logger) *Enumerator {
	return &Enumerator{
		resolver:    resolver,
		diags:       diags,
		logger:      logger,
		aspectTypes: make(map[string]*TypeDef),
	}
}

// aspectType resolves the marker type and reports if it derives from Aspekt.Aspect. Types that
// fail to resolve are not aspects.
func (e *Enumerator) aspectType(ref *il.TypeRef) (*TypeDef, bool) {
	key := ref.Scope + "|" + ref.ElementName()
	if t, ok := e.aspectTypes[key]; ok {
		return t, t != nil
	}
	t, err := e.resolver.ResolveType(ref)
	if err != nil {
		e.logger.Debug().Err(err).Str("marker", ref.FullName()).Msg("marker type not resolved, skipping")
		e.aspectTypes[key] = nil
		return nil, false
	}
	derives, err := e.resolver.DerivesFrom(t, AspectType)
	if err != nil {
		e.logger.Debug().Err(err).Str("marker", ref.FullName()).Msg("marker base not resolved, skipping")
	}
	if err != nil || !derives {
		t = nil
	}
	e.aspectTypes[key] = t
	return t, t != nil
}

func (e *Enumerator) applied(markers []*Marker, level MarkerLevel) []AppliedMarker {
	aspects := bulk.SliceFilter(func(m *Marker) bool {
		_, ok := e.aspectType(m.Type)
		return ok
	}, markers)
	result := make([]AppliedMarker, len(aspects))
	for i, m := range aspects {
		t, _ := e.aspectType(m.Type)
		result[i] = AppliedMarker{Marker: m, Type: t, Level: level}
	}
	return result
}

// Enumerate walks assembly, modules, types and methods. Each method with a body gets its method
// markers, lifted parameter markers, type, module and assembly markers in that order. Aspect types
// themselves are never returned.
func (e *Enumerator) Enumerate(a *Assembly) []WorkItem {
	assemblyMarkers := e.applied(a.Markers, LevelAssembly)
	var items []WorkItem
	for _, mod := range a.Modules {
		moduleMarkers := e.applied(mod.Markers, LevelModule)
		for _, t := range mod.Types {
			if derives, err := e.resolver.DerivesFrom(t, AspectType); err == nil && derives {
				continue
			} else if t.FullName() == AspectType.ElementName() {
				continue
			}
			typeMarkers := e.applied(t.Markers, LevelType)
			for _, m := range t.Methods {
				if m.Body == nil || m.Body.First() == nil {
					continue
				}
				markers := e.applied(m.Markers, LevelMethod)
				markers = append(markers, e.liftParams(m)...)
				markers = append(markers, typeMarkers...)
				markers = append(markers, moduleMarkers...)
				markers = append(markers, assemblyMarkers...)
				if len(markers) > 0 {
					items = append(items, WorkItem{Method: m, Markers: markers})
				}
			}
		}
	}
	return items
}

// liftParams turns parameter markers into method markers by selecting a constructor that takes the
// parameter name first. Markers without such a constructor are reported and skipped.
func (e *Enumerator) liftParams(m *MethodDef) []AppliedMarker {
	var result []AppliedMarker
	for _, p := range m.Params {
		for _, am := range e.applied(p.Markers, LevelParam) {
			ctor := namedParamCtor(am.Type, am.Marker)
			if ctor == nil {
				e.diags.Warn(m, WarnParamMarker, "parameter marker %s on %s requires a constructor taking the parameter name",
					am.Type.FullName(), p.Name)
				continue
			}
			args := make([]MarkerArg, 0, len(am.Marker.Args)+1)
			args = append(args, MarkerArg{Type: il.TypeString, Value: p.Name})
			args = append(args, am.Marker.Args...)
			am.Marker = &Marker{Type: am.Marker.Type, Ctor: ctor.Ref(), Args: args}
			result = append(result, am)
		}
	}
	return result
}

// namedParamCtor finds the constructor accepting (System.String, <marker constructor params>...).
func namedParamCtor(t *TypeDef, marker *Marker) *MethodDef {
	var want []*il.TypeRef
	if marker.Ctor != nil {
		want = marker.Ctor.Params
	} else {
		for _, arg := range marker.Args {
			want = append(want, arg.Type)
		}
	}
	for _, m := range t.Methods {
		if m.Name != ".ctor" || m.Static || len(m.Params) != len(want)+1 || !isType(m.Params[0].Type, il.TypeString) {
			continue
		}
		match := true
		for i, w := range want {
			if !isType(m.Params[i+1].Type, w) {
				match = false
				break
			}
		}
		if match {
			return m
		}
	}
	return nil
}
