package weave

import (
	"strings"

	"github.com/gofrs/uuid"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// Assembly is the in-memory metadata tree of one image.
type Assembly struct {
	// Name is the simple assembly name.
	Name string
	// Version is the assembly version, for example 1.0.0.0.
	Version string
	// Mvid identifies this build of the module, a new id is assigned on each write.
	Mvid uuid.UUID
	// References lists the simple names of referenced assemblies.
	References []string
	// Markers are the assembly level declarative markers.
	Markers []*Marker
	Modules []*Module
	// WovenBy records the weaver identity once the assembly has been woven.
	WovenBy string
	// Path is the file the assembly was loaded from, empty for in-memory assemblies.
	Path string
}

// Module is a module of an assembly.
type Module struct {
	Name    string
	Markers []*Marker
	Types   []*TypeDef
}

// TypeDef is a type declared in a module.
type TypeDef struct {
	Namespace  string
	Name       string
	ValueType  bool
	BaseType   *il.TypeRef
	Interfaces []*il.TypeRef
	Markers    []*Marker
	Methods    []*MethodDef

	assembly *Assembly
}

// FullName returns the dotted full name of the type.
func (t *TypeDef) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Ref returns a reference to the type scoped to its declaring assembly.
func (t *TypeDef) Ref() *il.TypeRef {
	ref := &il.TypeRef{Namespace: t.Namespace, Name: t.Name, ValueType: t.ValueType}
	if t.assembly != nil {
		ref.Scope = t.assembly.Name
	}
	return ref
}

// Assembly returns the declaring assembly, nil for detached types.
func (t *TypeDef) Assembly() *Assembly {
	return t.assembly
}

// Implements reports if the type directly lists the interface (compared by full name).
func (t *TypeDef) Implements(iface *il.TypeRef) bool {
	name := iface.FullName()
	for _, i := range t.Interfaces {
		if i.FullName() == name {
			return true
		}
	}
	return false
}

// MethodDef is a method declared on a type. Body is nil for methods without code.
type MethodDef struct {
	Name    string
	Static  bool
	Return  *il.TypeRef
	Params  []*ParamDef
	Markers []*Marker
	Body    *il.Body

	declaringType *TypeDef
}

// ParamDef is a declared method parameter.
type ParamDef struct {
	Name    string
	Type    *il.TypeRef
	Markers []*Marker
}

// DeclaringType returns the owning type.
func (m *MethodDef) DeclaringType() *TypeDef {
	return m.declaringType
}

// FullName returns the signature form "System.Int32 Ns.Type::Name(System.Int32,System.String)",
// unique within an assembly and used as the symbol key.
func (m *MethodDef) FullName() string {
	return m.Ref().FullName()
}

// Ref returns a reference to the method.
func (m *MethodDef) Ref() *il.MethodRef {
	ref := &il.MethodRef{Name: m.Name, HasThis: !m.Static, Return: m.Return}
	if m.declaringType != nil {
		ref.DeclaringType = m.declaringType.Ref()
	}
	for _, p := range m.Params {
		ref.Params = append(ref.Params, p.Type)
	}
	return ref
}

// NameFormat returns the full name with each parameter type replaced by its position
// placeholder, "System.Int32 Ns.Type::Name({0},{1})".
func (m *MethodDef) NameFormat() string {
	var sb strings.Builder
	sb.WriteString(m.Return.FullName())
	sb.WriteByte(' ')
	if m.declaringType != nil {
		sb.WriteString(m.declaringType.FullName())
	}
	sb.WriteString("::")
	sb.WriteString(m.Name)
	sb.WriteByte('(')
	for i := range m.Params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('{')
		sb.WriteString(itoa(i))
		sb.WriteByte('}')
	}
	sb.WriteByte(')')
	return sb.String()
}

// Marker is a declarative marker instance: a type constructed with constant arguments.
type Marker struct {
	Type *il.TypeRef
	// Ctor is the constructor used to create the instance.
	Ctor *il.MethodRef
	Args []MarkerArg
}

// MarkerArg is a constructor argument. Value holds a bool, int64, float64, string, nil,
// *il.TypeRef (for System.Type arguments) or a MarkerArg (for boxed object arguments).
type MarkerArg struct {
	Type  *il.TypeRef
	Value any
}

// Attach sets the back references of every type and method, needed after building or decoding an
// assembly tree.
func (a *Assembly) Attach() {
	for _, mod := range a.Modules {
		for _, t := range mod.Types {
			t.assembly = a
			for _, m := range t.Methods {
				m.declaringType = t
			}
		}
	}
}

// Types returns every declared type in module order.
func (a *Assembly) Types() []*TypeDef {
	var types []*TypeDef
	for _, mod := range a.Modules {
		types = append(types, mod.Types...)
	}
	return types
}

// FindType returns the declared type with the given dotted full name.
func (a *Assembly) FindType(fullName string) *TypeDef {
	for _, mod := range a.Modules {
		for _, t := range mod.Types {
			if t.FullName() == fullName {
				return t
			}
		}
	}
	return nil
}

// FindMethod returns the method with the given signature full name.
func (a *Assembly) FindMethod(fullName string) *MethodDef {
	for _, t := range a.Types() {
		for _, m := range t.Methods {
			if m.FullName() == fullName {
				return m
			}
		}
	}
	return nil
}

// SimpleName strips the version, culture and key parts of an assembly display name,
// "Name, Version=1.0.0.0, Culture=neutral" becomes "Name".
func SimpleName(displayName string) string {
	name, _, _ := strings.Cut(displayName, ",")
	return strings.TrimSpace(name)
}
