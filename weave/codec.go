package weave

import (
	"bytes"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// structs below encode an Assembly with instruction references as indexes

type encAssembly struct {
	Name       string      `msgpack:"n"`
	Version    string      `msgpack:"v,omitempty"`
	Mvid       string      `msgpack:"id"`
	References []string    `msgpack:"r,omitempty"`
	Markers    []encMarker `msgpack:"m,omitempty"`
	Modules    []encModule `msgpack:"md"`
	WovenBy    string      `msgpack:"w,omitempty"`
}

type encModule struct {
	Name    string      `msgpack:"n"`
	Markers []encMarker `msgpack:"m,omitempty"`
	Types   []encType   `msgpack:"t,omitempty"`
}

type encType struct {
	Namespace  string        `msgpack:"ns,omitempty"`
	Name       string        `msgpack:"n"`
	ValueType  bool          `msgpack:"vt,omitempty"`
	BaseType   *il.TypeRef   `msgpack:"b,omitempty"`
	Interfaces []*il.TypeRef `msgpack:"i,omitempty"`
	Markers    []encMarker   `msgpack:"m,omitempty"`
	Methods    []encMethod   `msgpack:"f,omitempty"`
}

type encMethod struct {
	Name    string      `msgpack:"n"`
	Static  bool        `msgpack:"s,omitempty"`
	Return  *il.TypeRef `msgpack:"r"`
	Params  []encParam  `msgpack:"p,omitempty"`
	Markers []encMarker `msgpack:"m,omitempty"`
	Body    *encBody    `msgpack:"b,omitempty"`
}

type encParam struct {
	Name    string      `msgpack:"n"`
	Type    *il.TypeRef `msgpack:"t"`
	Markers []encMarker `msgpack:"m,omitempty"`
}

type encMarker struct {
	Type *il.TypeRef    `msgpack:"t"`
	Ctor *il.MethodRef  `msgpack:"c"`
	Args []encMarkerArg `msgpack:"a,omitempty"`
}

const (
	argNull uint8 = iota
	argBool
	argInt
	argFloat
	argString
	argType
	argBoxed
)

type encMarkerArg struct {
	Type  *il.TypeRef   `msgpack:"t"`
	Kind  uint8         `msgpack:"k"`
	I     int64         `msgpack:"i,omitempty"`
	F     float64       `msgpack:"f,omitempty"`
	S     string        `msgpack:"s,omitempty"`
	T     *il.TypeRef   `msgpack:"tv,omitempty"`
	Boxed *encMarkerArg `msgpack:"x,omitempty"`
}

type encSlot struct {
	Name string      `msgpack:"n,omitempty"`
	Type *il.TypeRef `msgpack:"t"`
}

type encInstr struct {
	Op      uint16        `msgpack:"o"`
	I       int64         `msgpack:"i,omitempty"`
	F       float64       `msgpack:"f,omitempty"`
	S       string        `msgpack:"s,omitempty"`
	Slot    int           `msgpack:"x,omitempty"`
	Field   *il.FieldRef  `msgpack:"fd,omitempty"`
	Type    *il.TypeRef   `msgpack:"t,omitempty"`
	Method  *il.MethodRef `msgpack:"m,omitempty"`
	Targets []int         `msgpack:"j,omitempty"`
}

type encRegion struct {
	Kind      uint8       `msgpack:"k"`
	Bounds    [5]int      `msgpack:"b"` // try start, try end, handler start, handler end, filter start; -1 for none
	CatchType *il.TypeRef `msgpack:"c,omitempty"`
}

type encBody struct {
	Args       []encSlot   `msgpack:"a,omitempty"`
	Return     *il.TypeRef `msgpack:"r,omitempty"`
	Locals     []encSlot   `msgpack:"l,omitempty"`
	InitLocals bool        `msgpack:"il,omitempty"`
	MaxStack   int         `msgpack:"ms,omitempty"`
	Code       []encInstr  `msgpack:"c"`
	Regions    []encRegion `msgpack:"rg,omitempty"`
}

func marshalMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalMsgpack encodes the assembly tree. Sequence points are not part of the encoding, they are
// written to the symbol file.
func (a *Assembly) MarshalMsgpack() ([]byte, error) {
	var me markerEncoder
	ea := encAssembly{
		Name:       a.Name,
		Version:    a.Version,
		Mvid:       a.Mvid.String(),
		References: a.References,
		Markers:    me.encode(a.Markers),
		WovenBy:    a.WovenBy,
	}
	for _, mod := range a.Modules {
		em := encModule{Name: mod.Name, Markers: me.encode(mod.Markers)}
		for _, t := range mod.Types {
			et := encType{
				Namespace:  t.Namespace,
				Name:       t.Name,
				ValueType:  t.ValueType,
				BaseType:   t.BaseType,
				Interfaces: t.Interfaces,
				Markers:    me.encode(t.Markers),
			}
			for _, m := range t.Methods {
				emd := encMethod{
					Name:    m.Name,
					Static:  m.Static,
					Return:  m.Return,
					Markers: me.encode(m.Markers),
				}
				for _, p := range m.Params {
					emd.Params = append(emd.Params, encParam{Name: p.Name, Type: p.Type, Markers: me.encode(p.Markers)})
				}
				if m.Body != nil {
					eb, err := encodeBody(m.Body)
					if err != nil {
						return nil, fmt.Errorf("encode %s: %w", m.FullName(), err)
					}
					emd.Body = eb
				}
				et.Methods = append(et.Methods, emd)
			}
			em.Types = append(em.Types, et)
		}
		ea.Modules = append(ea.Modules, em)
	}
	if me.err != nil {
		return nil, me.err
	}
	return marshalMsgpack(&ea)
}

// UnmarshalMsgpack decodes an assembly tree encoded by MarshalMsgpack.
func (a *Assembly) UnmarshalMsgpack(data []byte) error {
	var ea encAssembly
	if err := msgpack.Unmarshal(data, &ea); err != nil {
		return err
	}
	mvid, err := uuid.FromString(ea.Mvid)
	if err != nil {
		return fmt.Errorf("invalid module id: %w", err)
	}
	*a = Assembly{
		Name:       ea.Name,
		Version:    ea.Version,
		Mvid:       mvid,
		References: ea.References,
		WovenBy:    ea.WovenBy,
	}
	if a.Markers, err = decodeMarkers(ea.Markers); err != nil {
		return err
	}
	for _, em := range ea.Modules {
		mod := &Module{Name: em.Name}
		if mod.Markers, err = decodeMarkers(em.Markers); err != nil {
			return err
		}
		for _, et := range em.Types {
			t := &TypeDef{
				Namespace:  et.Namespace,
				Name:       et.Name,
				ValueType:  et.ValueType,
				BaseType:   et.BaseType,
				Interfaces: et.Interfaces,
			}
			if t.Markers, err = decodeMarkers(et.Markers); err != nil {
				return err
			}
			for _, emd := range et.Methods {
				m := &MethodDef{Name: emd.Name, Static: emd.Static, Return: emd.Return}
				if m.Markers, err = decodeMarkers(emd.Markers); err != nil {
					return err
				}
				for _, ep := range emd.Params {
					p := &ParamDef{Name: ep.Name, Type: ep.Type}
					if p.Markers, err = decodeMarkers(ep.Markers); err != nil {
						return err
					}
					m.Params = append(m.Params, p)
				}
				if emd.Body != nil {
					if m.Body, err = decodeBody(emd.Body); err != nil {
						return fmt.Errorf("decode %s::%s: %w", t.FullName(), m.Name, err)
					}
				}
				t.Methods = append(t.Methods, m)
			}
			mod.Types = append(mod.Types, t)
		}
		a.Modules = append(a.Modules, mod)
	}
	a.Attach()
	return nil
}

// markerEncoder keeps the first unsupported argument error so encoding can continue inline.
type markerEncoder struct {
	err error
}

func (me *markerEncoder) encode(markers []*Marker) []encMarker {
	if len(markers) == 0 {
		return nil
	}
	result := make([]encMarker, len(markers))
	for i, m := range markers {
		result[i] = encMarker{Type: m.Type, Ctor: m.Ctor}
		for _, arg := range m.Args {
			ea, err := encodeMarkerArg(arg)
			if err != nil && me.err == nil {
				me.err = fmt.Errorf("marker %s: %w", m.Type.FullName(), err)
			}
			result[i].Args = append(result[i].Args, ea)
		}
	}
	return result
}

func encodeMarkerArg(arg MarkerArg) (encMarkerArg, error) {
	e := encMarkerArg{Type: arg.Type}
	switch v := arg.Value.(type) {
	case nil:
		e.Kind = argNull
	case bool:
		e.Kind = argBool
		if v {
			e.I = 1
		}
	case int64:
		e.Kind, e.I = argInt, v
	case float64:
		e.Kind, e.F = argFloat, v
	case string:
		e.Kind, e.S = argString, v
	case *il.TypeRef:
		e.Kind, e.T = argType, v
	case MarkerArg:
		boxed, err := encodeMarkerArg(v)
		if err != nil {
			return e, err
		}
		e.Kind, e.Boxed = argBoxed, &boxed
	default:
		return e, fmt.Errorf("%w: %T", errUnsupportedArg, v)
	}
	return e, nil
}

func decodeMarkers(markers []encMarker) ([]*Marker, error) {
	if len(markers) == 0 {
		return nil, nil
	}
	result := make([]*Marker, len(markers))
	for i, em := range markers {
		m := &Marker{Type: em.Type, Ctor: em.Ctor}
		for _, ea := range em.Args {
			arg, err := decodeMarkerArg(ea)
			if err != nil {
				return nil, err
			}
			m.Args = append(m.Args, arg)
		}
		result[i] = m
	}
	return result, nil
}

func decodeMarkerArg(e encMarkerArg) (MarkerArg, error) {
	arg := MarkerArg{Type: e.Type}
	switch e.Kind {
	case argNull:
	case argBool:
		arg.Value = e.I != 0
	case argInt:
		arg.Value = e.I
	case argFloat:
		arg.Value = e.F
	case argString:
		arg.Value = e.S
	case argType:
		arg.Value = e.T
	case argBoxed:
		if e.Boxed == nil {
			return arg, fmt.Errorf("boxed marker argument without value")
		}
		boxed, err := decodeMarkerArg(*e.Boxed)
		if err != nil {
			return arg, err
		}
		arg.Value = boxed
	default:
		return arg, fmt.Errorf("unknown marker argument kind %d", e.Kind)
	}
	return arg, nil
}

func encodeBody(b *il.Body) (*encBody, error) {
	eb := &encBody{
		Return:     b.Return,
		InitLocals: b.InitLocals,
		MaxStack:   b.MaxStack,
	}
	for _, p := range b.Args {
		eb.Args = append(eb.Args, encSlot{Name: p.Name, Type: p.Type})
	}
	for _, l := range b.Locals {
		eb.Locals = append(eb.Locals, encSlot{Name: l.Name, Type: l.Type})
	}
	index := make(map[*il.Instruction]int, b.Len())
	for n, i := range b.Instructions() {
		index[i] = n
	}
	ref := func(i *il.Instruction) (int, error) {
		if i == nil {
			return -1, nil
		} else if n, ok := index[i]; ok {
			return n, nil
		}
		return 0, fmt.Errorf("reference to an instruction outside the body")
	}
	for i := b.First(); i != nil; i = i.Next() {
		ei := encInstr{Op: uint16(i.OpCode)}
		op := i.Operand
		switch op.Kind {
		case il.OperandInt:
			ei.I = op.Int
		case il.OperandFloat:
			ei.F = op.Float
		case il.OperandString:
			ei.S = op.Str
		case il.OperandLocal:
			ei.Slot = op.Local.Index
		case il.OperandArg:
			ei.Slot = op.Arg.Index
		case il.OperandField:
			ei.Field = op.Field
		case il.OperandType:
			ei.Type = op.Type
		case il.OperandMethod:
			ei.Method = op.Method
		case il.OperandTarget, il.OperandSwitch:
			for _, t := range i.BranchTargets() {
				n, err := ref(t)
				if err != nil {
					return nil, err
				}
				ei.Targets = append(ei.Targets, n)
			}
		}
		eb.Code = append(eb.Code, ei)
	}
	for _, r := range b.Regions {
		er := encRegion{Kind: uint8(r.Kind), CatchType: r.CatchType}
		for n, bound := range []*il.Instruction{r.TryStart, r.TryEnd, r.HandlerStart, r.HandlerEnd, r.FilterStart} {
			v, err := ref(bound)
			if err != nil {
				return nil, err
			}
			er.Bounds[n] = v
		}
		eb.Regions = append(eb.Regions, er)
	}
	return eb, nil
}

func decodeBody(eb *encBody) (*il.Body, error) {
	b := il.NewBody(eb.Return)
	if b.Return == nil {
		b.Return = il.TypeVoid
	}
	b.InitLocals = eb.InitLocals
	b.MaxStack = eb.MaxStack
	for n, s := range eb.Args {
		b.Args = append(b.Args, &il.Param{Index: n, Name: s.Name, Type: s.Type})
	}
	for _, s := range eb.Locals {
		b.AddLocal(s.Name, s.Type)
	}
	placeholder := &il.Instruction{}
	code := make([]*il.Instruction, len(eb.Code))
	for n, ei := range eb.Code {
		op := il.OpCode(ei.Op)
		if !op.Valid() {
			return nil, fmt.Errorf("instruction %d: unknown opcode %d", n, ei.Op)
		}
		var operand any
		switch op.OperandKind() {
		case il.OperandInt:
			operand = ei.I
		case il.OperandFloat:
			operand = ei.F
		case il.OperandString:
			operand = ei.S
		case il.OperandLocal:
			if ei.Slot < 0 || ei.Slot >= len(b.Locals) {
				return nil, fmt.Errorf("instruction %d: local %d out of range", n, ei.Slot)
			}
			operand = b.Locals[ei.Slot]
		case il.OperandArg:
			if ei.Slot < 0 || ei.Slot >= len(b.Args) {
				return nil, fmt.Errorf("instruction %d: argument %d out of range", n, ei.Slot)
			}
			operand = b.Args[ei.Slot]
		case il.OperandField:
			operand = ei.Field
		case il.OperandType:
			operand = ei.Type
		case il.OperandMethod:
			operand = ei.Method
		case il.OperandTarget:
			operand = placeholder
		case il.OperandSwitch:
			targets := make([]*il.Instruction, len(ei.Targets))
			for t := range targets {
				targets[t] = placeholder
			}
			operand = targets
		}
		ins, err := il.New(op, operand)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", n, err)
		}
		code[n] = ins
	}
	at := func(n int) (*il.Instruction, error) {
		if n == -1 {
			return nil, nil
		} else if n < 0 || n >= len(code) {
			return nil, fmt.Errorf("instruction index %d out of range", n)
		}
		return code[n], nil
	}
	for n, ei := range eb.Code {
		ins := code[n]
		switch ins.Operand.Kind {
		case il.OperandTarget:
			if len(ei.Targets) != 1 {
				return nil, fmt.Errorf("instruction %d: expected one target", n)
			}
			t, err := at(ei.Targets[0])
			if err != nil || t == nil {
				return nil, fmt.Errorf("instruction %d: invalid target", n)
			}
			ins.Operand.Target = t
		case il.OperandSwitch:
			for k, idx := range ei.Targets {
				t, err := at(idx)
				if err != nil || t == nil {
					return nil, fmt.Errorf("instruction %d: invalid switch target", n)
				}
				ins.Operand.Targets[k] = t
			}
		}
	}
	if _, err := b.Append(code...); err != nil {
		return nil, err
	}
	for _, er := range eb.Regions {
		var bounds [5]*il.Instruction
		for n, idx := range er.Bounds {
			t, err := at(idx)
			if err != nil {
				return nil, err
			}
			bounds[n] = t
		}
		b.Regions = append(b.Regions, &il.Region{
			Kind:         il.RegionKind(er.Kind),
			TryStart:     bounds[0],
			TryEnd:       bounds[1],
			HandlerStart: bounds[2],
			HandlerEnd:   bounds[3],
			FilterStart:  bounds[4],
			CatchType:    er.CatchType,
		})
	}
	return b, nil
}
