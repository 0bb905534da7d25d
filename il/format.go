package il

import (
	"fmt"
	"strconv"
	"strings"
)

// Format renders the body as assembler text accepted by Parse. Labels are derived from encoded
// offsets (IL_xxxx) computed for the current opcode forms; the body is not modified.
func Format(b *Body) string {
	labels := make(map[*Instruction]string, b.count)
	offset := 0
	for i := b.first; i != nil; i = i.next {
		labels[i] = fmt.Sprintf("IL_%04x", offset)
		offset += i.Size()
	}
	label := func(i *Instruction) string {
		if i == nil {
			return "end"
		} else if l, ok := labels[i]; ok {
			return l
		}
		return "?"
	}

	var sb strings.Builder
	if b.ReturnsValue() {
		sb.WriteString(".returns " + typeSyntax(b.Return) + "\n")
	}
	if this := b.This(); this != nil {
		sb.WriteString(".this " + typeSyntax(this.Type) + "\n")
	}
	if params := b.Params(); len(params) > 0 {
		parts := make([]string, len(params))
		for i, p := range params {
			parts[i] = typeSyntax(p.Type) + " " + p.Name
		}
		sb.WriteString(".args (" + strings.Join(parts, ", ") + ")\n")
	}
	if len(b.Locals) > 0 {
		parts := make([]string, len(b.Locals))
		for i, l := range b.Locals {
			parts[i] = typeSyntax(l.Type) + " " + l.DisplayName()
		}
		sb.WriteString(".locals ")
		if b.InitLocals {
			sb.WriteString("init ")
		}
		sb.WriteString("(" + strings.Join(parts, ", ") + ")\n")
	}
	for _, r := range b.Regions {
		sb.WriteString(".try " + label(r.TryStart) + " to " + label(r.TryEnd) + " ")
		switch r.Kind {
		case RegionCatch:
			sb.WriteString("catch " + typeSyntax(r.CatchType))
		case RegionFilter:
			sb.WriteString("filter " + label(r.FilterStart))
		default:
			sb.WriteString(r.Kind.String())
		}
		sb.WriteString(" handler " + label(r.HandlerStart) + " to " + label(r.HandlerEnd) + "\n")
	}
	for i := b.first; i != nil; i = i.next {
		if p := b.PointFor(i); p != nil {
			sb.WriteString(fmt.Sprintf(".line %d,%d,%d,%d %s\n", p.StartLine, p.StartColumn, p.EndLine,
				p.EndColumn, quoteDocument(p.Document)))
		}
		sb.WriteString(labels[i])
		sb.WriteString(": ")
		sb.WriteString(formatInstruction(i, label))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func quoteDocument(doc string) string {
	return "'" + strings.ReplaceAll(doc, "'", "\\'") + "'"
}

func formatInstruction(i *Instruction, label func(*Instruction) string) string {
	if label == nil {
		label = func(t *Instruction) string {
			if t == nil {
				return "end"
			}
			return fmt.Sprintf("IL_%04x", t.Offset)
		}
	}
	name := i.OpCode.String()
	if i.OpCode.IsMacro() {
		return name
	}
	op := i.Operand
	switch op.Kind {
	case OperandInt:
		return name + " " + strconv.FormatInt(op.Int, 10)
	case OperandFloat:
		return name + " " + strconv.FormatFloat(op.Float, 'g', -1, 64)
	case OperandString:
		return name + " " + strconv.Quote(op.Str)
	case OperandLocal:
		if op.Local == nil {
			return name + " <nil>"
		}
		return name + " " + op.Local.DisplayName()
	case OperandArg:
		if op.Arg == nil {
			return name + " <nil>"
		} else if op.Arg.Name == "" {
			return name + " " + strconv.Itoa(op.Arg.Index)
		}
		return name + " " + op.Arg.Name
	case OperandField:
		return name + " " + fieldSyntax(op.Field)
	case OperandType:
		return name + " " + typeSyntax(op.Type)
	case OperandMethod:
		return name + " " + methodSyntax(op.Method)
	case OperandTarget:
		return name + " " + label(op.Target)
	case OperandSwitch:
		parts := make([]string, len(op.Targets))
		for n, t := range op.Targets {
			parts[n] = label(t)
		}
		return name + " (" + strings.Join(parts, ", ") + ")"
	}
	return name
}

// TypeSyntax renders a type reference in assembler syntax.
func TypeSyntax(t *TypeRef) string {
	return typeSyntax(t)
}

func typeSyntax(t *TypeRef) string {
	if t == nil {
		return "void"
	}
	var sb strings.Builder
	if kw, ok := typeKeywords[t.ElementName()]; ok && len(t.Args) == 0 {
		sb.WriteString(kw)
	} else {
		if t.ValueType {
			sb.WriteString("valuetype ")
		}
		sb.WriteString(t.ElementName())
		if len(t.Args) > 0 {
			sb.WriteByte('<')
			for n, a := range t.Args {
				if n > 0 {
					sb.WriteByte(',')
				}
				sb.WriteString(typeSyntax(a))
			}
			sb.WriteByte('>')
		}
	}
	if t.ByRef {
		sb.WriteByte('&')
	}
	return sb.String()
}

func methodSyntax(m *MethodRef) string {
	if m == nil {
		return "<nil>"
	}
	var sb strings.Builder
	if m.HasThis {
		sb.WriteString("instance ")
	}
	sb.WriteString(typeSyntax(m.Return))
	sb.WriteByte(' ')
	sb.WriteString(typeSyntax(m.DeclaringType))
	sb.WriteString("::")
	sb.WriteString(m.Name)
	if len(m.GenericArgs) > 0 {
		sb.WriteByte('<')
		for n, g := range m.GenericArgs {
			if n > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(typeSyntax(g))
		}
		sb.WriteByte('>')
	}
	sb.WriteByte('(')
	for n, p := range m.Params {
		if n > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(typeSyntax(p))
	}
	sb.WriteByte(')')
	return sb.String()
}

func fieldSyntax(f *FieldRef) string {
	if f == nil {
		return "<nil>"
	}
	return typeSyntax(f.Type) + " " + typeSyntax(f.DeclaringType) + "::" + f.Name
}
