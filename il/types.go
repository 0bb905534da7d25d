package il

import (
	"strings"
)

// TypeRef references a type by name. Generic instances carry their arguments in Args.
type TypeRef struct {
	// Namespace is the dotted namespace, empty for the global namespace.
	Namespace string `msgpack:"ns,omitempty"`
	// Name is the simple name, including the generic arity suffix (Task`1).
	Name string `msgpack:"n"`
	// Scope is the simple name of the defining assembly, empty when unknown.
	Scope string `msgpack:"s,omitempty"`
	// ValueType reports if the type has value semantics.
	ValueType bool `msgpack:"vt,omitempty"`
	// ByRef marks a managed pointer to the type (parameters passed by reference).
	ByRef bool `msgpack:"br,omitempty"`
	// Args holds generic instance arguments.
	Args []*TypeRef `msgpack:"a,omitempty"`
}

// Well known types.
var (
	TypeVoid    = &TypeRef{Namespace: "System", Name: "Void", ValueType: true}
	TypeBool    = &TypeRef{Namespace: "System", Name: "Boolean", ValueType: true}
	TypeChar    = &TypeRef{Namespace: "System", Name: "Char", ValueType: true}
	TypeInt8    = &TypeRef{Namespace: "System", Name: "SByte", ValueType: true}
	TypeUInt8   = &TypeRef{Namespace: "System", Name: "Byte", ValueType: true}
	TypeInt16   = &TypeRef{Namespace: "System", Name: "Int16", ValueType: true}
	TypeUInt16  = &TypeRef{Namespace: "System", Name: "UInt16", ValueType: true}
	TypeInt32   = &TypeRef{Namespace: "System", Name: "Int32", ValueType: true}
	TypeUInt32  = &TypeRef{Namespace: "System", Name: "UInt32", ValueType: true}
	TypeInt64   = &TypeRef{Namespace: "System", Name: "Int64", ValueType: true}
	TypeUInt64  = &TypeRef{Namespace: "System", Name: "UInt64", ValueType: true}
	TypeFloat32 = &TypeRef{Namespace: "System", Name: "Single", ValueType: true}
	TypeFloat64 = &TypeRef{Namespace: "System", Name: "Double", ValueType: true}
	TypeString  = &TypeRef{Namespace: "System", Name: "String"}
	TypeObject  = &TypeRef{Namespace: "System", Name: "Object"}
	TypeType    = &TypeRef{Namespace: "System", Name: "Type"}
	// TypeRuntimeTypeHandle is the operand type produced by ldtoken.
	TypeRuntimeTypeHandle = &TypeRef{Namespace: "System", Name: "RuntimeTypeHandle", ValueType: true}
	TypeException         = &TypeRef{Namespace: "System", Name: "Exception"}
)

// keyword names used by the text format, keyed by full name.
var typeKeywords = map[string]string{
	"System.Void":    "void",
	"System.Boolean": "bool",
	"System.Char":    "char",
	"System.SByte":   "int8",
	"System.Byte":    "uint8",
	"System.Int16":   "int16",
	"System.UInt16":  "uint16",
	"System.Int32":   "int32",
	"System.UInt32":  "uint32",
	"System.Int64":   "int64",
	"System.UInt64":  "uint64",
	"System.Single":  "float32",
	"System.Double":  "float64",
	"System.String":  "string",
	"System.Object":  "object",
}

var keywordTypes = func() map[string]*TypeRef {
	m := make(map[string]*TypeRef, len(typeKeywords))
	for _, t := range []*TypeRef{TypeVoid, TypeBool, TypeChar, TypeInt8, TypeUInt8, TypeInt16, TypeUInt16,
		TypeInt32, TypeUInt32, TypeInt64, TypeUInt64, TypeFloat32, TypeFloat64, TypeString, TypeObject} {
		m[typeKeywords[t.ElementName()]] = t
	}
	return m
}()

// NewTypeRef builds a reference from a dotted full name such as "System.Threading.Tasks.Task`1".
func NewTypeRef(fullName string, valueType bool, args ...*TypeRef) *TypeRef {
	t := &TypeRef{ValueType: valueType, Args: args}
	if i := strings.LastIndexByte(fullName, '.'); i >= 0 {
		t.Namespace = fullName[:i]
		t.Name = fullName[i+1:]
	} else {
		t.Name = fullName
	}
	return t
}

// ElementName returns the full name without generic instance arguments.
func (t *TypeRef) ElementName() string {
	if t == nil {
		return ""
	} else if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// FullName returns the full name including generic instance arguments, for example
// System.Threading.Tasks.Task`1<System.Int32>.
func (t *TypeRef) FullName() string {
	if t == nil {
		return ""
	}
	name := t.ElementName()
	if len(t.Args) > 0 {
		var sb strings.Builder
		sb.WriteString(name)
		sb.WriteByte('<')
		for i, a := range t.Args {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(a.FullName())
		}
		sb.WriteByte('>')
		name = sb.String()
	}
	if t.ByRef {
		name += "&"
	}
	return name
}

// Equal compares two references by full name and value semantics.
func (t *TypeRef) Equal(o *TypeRef) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.ValueType == o.ValueType && t.FullName() == o.FullName()
}

// IsVoid reports if the reference is System.Void.
func (t *TypeRef) IsVoid() bool {
	return t == nil || (t.ElementName() == "System.Void" && !t.ByRef)
}

// ElementType returns the referenced type with the by-ref flag cleared.
func (t *TypeRef) ElementType() *TypeRef {
	if t == nil || !t.ByRef {
		return t
	}
	c := *t
	c.ByRef = false
	return &c
}

// Instance returns a generic instance of t with the provided arguments.
func (t *TypeRef) Instance(args ...*TypeRef) *TypeRef {
	c := *t
	c.Args = args
	return &c
}

func (t *TypeRef) String() string {
	return t.FullName()
}

// MethodRef references a method by declaring type and signature.
type MethodRef struct {
	DeclaringType *TypeRef   `msgpack:"d"`
	Name          string     `msgpack:"n"`
	HasThis       bool       `msgpack:"h,omitempty"`
	Return        *TypeRef   `msgpack:"r"`
	Params        []*TypeRef `msgpack:"p,omitempty"`
	// GenericArgs instantiates a generic method.
	GenericArgs []*TypeRef `msgpack:"g,omitempty"`
}

// FullName returns the signature form "System.Void Ns.Type::Name(System.Int32)".
func (m *MethodRef) FullName() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(m.Return.FullName())
	sb.WriteByte(' ')
	sb.WriteString(m.DeclaringType.FullName())
	sb.WriteString("::")
	sb.WriteString(m.Name)
	if len(m.GenericArgs) > 0 {
		sb.WriteByte('<')
		for i, g := range m.GenericArgs {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(g.FullName())
		}
		sb.WriteByte('>')
	}
	sb.WriteByte('(')
	for i, p := range m.Params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.FullName())
	}
	sb.WriteByte(')')
	return sb.String()
}

// IsConstructor reports if the method is an instance constructor.
func (m *MethodRef) IsConstructor() bool {
	return m.Name == ".ctor"
}

func (m *MethodRef) String() string {
	return m.FullName()
}

// FieldRef references a field by declaring type and name.
type FieldRef struct {
	DeclaringType *TypeRef `msgpack:"d"`
	Name          string   `msgpack:"n"`
	Type          *TypeRef `msgpack:"t"`
}

// FullName returns "System.Int32 Ns.Type::field".
func (f *FieldRef) FullName() string {
	if f == nil {
		return ""
	}
	return f.Type.FullName() + " " + f.DeclaringType.FullName() + "::" + f.Name
}

// Local is a local variable slot of a body.
type Local struct {
	Index int
	Name  string
	Type  *TypeRef
}

// DisplayName returns the declared name, or V_<index> when unnamed.
func (l *Local) DisplayName() string {
	if l.Name != "" {
		return l.Name
	}
	return "V_" + itoa(l.Index)
}

// Param is an argument slot of a body. For instance methods slot 0 is the receiver named "this".
type Param struct {
	Index int
	Name  string
	Type  *TypeRef
}

// IsThis reports if the slot holds the receiver.
func (p *Param) IsThis() bool {
	return p.Index == 0 && p.Name == "this"
}
