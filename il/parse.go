package il

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a malformed assembler line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

type parsedLine struct {
	num  int
	text string
}

type fixup struct {
	ins    *Instruction
	labels []string
	line   int
}

type regionFixup struct {
	region *Region
	labels [5]string // try start, try end, handler start, handler end, filter start
	line   int
}

// Parse assembles a body from text. Directives (.returns, .this, .args, .locals, .maxstack)
// declare the signature and slots, .try declares a region, .line binds a sequence point to the
// next instruction. Instructions may be prefixed by a "label:" and "//" starts a comment.
//
//	.args (int32 a, int32 b)
//	.returns int32
//	IL_0000: ldarg a
//	         ldarg b
//	         add
//	         ret
func Parse(src string) (*Body, error) {
	var lines []parsedLine
	sc := bufio.NewScanner(strings.NewReader(src))
	for n := 1; sc.Scan(); n++ {
		text := sc.Text()
		if i := strings.Index(text, "//"); i >= 0 && !inQuote(text, i) {
			text = text[:i]
		}
		if text = strings.TrimSpace(text); text != "" {
			lines = append(lines, parsedLine{num: n, text: text})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	b := &Body{}
	var this *Param
	var params []*Param
	// signature and slots first, instructions may reference them in any order
	for _, l := range lines {
		if !strings.HasPrefix(l.text, ".") {
			continue
		}
		word, rest := splitWord(l.text)
		s := &scanner{src: rest}
		var err error
		switch word {
		case ".returns":
			b.Return, err = s.parseType()
		case ".this":
			var t *TypeRef
			if t, err = s.parseType(); err == nil {
				this = &Param{Index: 0, Name: "this", Type: t}
			}
		case ".args":
			params, err = s.parseSlots()
		case ".locals":
			if s.tryWord("init") {
				b.InitLocals = true
			}
			var slots []*Param
			if slots, err = s.parseSlots(); err == nil {
				for _, p := range slots {
					b.AddLocal(p.Name, p.Type)
				}
			}
		case ".maxstack":
			b.MaxStack, err = strconv.Atoi(strings.TrimSpace(rest))
		case ".try", ".line":
			continue
		default:
			return nil, &ParseError{Line: l.num, Msg: "unknown directive " + word}
		}
		if err == nil && word != ".maxstack" && word != ".locals" && !s.done() {
			err = fmt.Errorf("unexpected %q", s.rest())
		}
		if err != nil {
			return nil, &ParseError{Line: l.num, Msg: err.Error()}
		}
	}
	if this != nil {
		b.Args = append(b.Args, this)
	}
	for _, p := range params {
		p.Index = len(b.Args)
		b.Args = append(b.Args, p)
	}
	if b.Return == nil {
		b.Return = TypeVoid
	}

	labels := make(map[string]*Instruction)
	var pendingLabels []string
	var pendingPoint *SequencePoint
	var fixups []fixup
	var regions []regionFixup
	for _, l := range lines {
		text := l.text
		if strings.HasPrefix(text, ".try ") {
			rf, err := parseRegion(text[len(".try "):])
			if err != nil {
				return nil, &ParseError{Line: l.num, Msg: err.Error()}
			}
			rf.line = l.num
			regions = append(regions, rf)
			continue
		} else if strings.HasPrefix(text, ".line ") {
			p, err := parseLineDirective(text[len(".line "):])
			if err != nil {
				return nil, &ParseError{Line: l.num, Msg: err.Error()}
			}
			pendingPoint = p
			continue
		} else if strings.HasPrefix(text, ".") {
			continue
		}
		if i := strings.IndexByte(text, ':'); i > 0 && isIdent(text[:i]) && !strings.HasPrefix(text[i:], "::") {
			pendingLabels = append(pendingLabels, text[:i])
			if text = strings.TrimSpace(text[i+1:]); text == "" {
				continue
			}
		}
		ins, targets, err := b.parseInstruction(text)
		if err != nil {
			return nil, &ParseError{Line: l.num, Msg: err.Error()}
		}
		b.link(ins, b.last, nil)
		for _, name := range pendingLabels {
			if _, dup := labels[name]; dup {
				return nil, &ParseError{Line: l.num, Msg: "duplicate label " + name}
			}
			labels[name] = ins
		}
		pendingLabels = pendingLabels[:0]
		if pendingPoint != nil {
			pendingPoint.Instr = ins
			b.Points = append(b.Points, pendingPoint)
			pendingPoint = nil
		}
		if len(targets) > 0 {
			fixups = append(fixups, fixup{ins: ins, labels: targets, line: l.num})
		}
	}
	if len(pendingLabels) > 0 {
		return nil, &ParseError{Line: len(lines), Msg: "label without instruction: " + pendingLabels[0]}
	}

	resolve := func(name string, line int, allowEnd bool) (*Instruction, error) {
		if name == "end" && allowEnd {
			return nil, nil
		} else if i, ok := labels[name]; ok {
			return i, nil
		}
		return nil, &ParseError{Line: line, Msg: "undefined label " + name}
	}
	for _, f := range fixups {
		targets := make([]*Instruction, len(f.labels))
		for n, name := range f.labels {
			t, err := resolve(name, f.line, false)
			if err != nil {
				return nil, err
			}
			targets[n] = t
		}
		if f.ins.Operand.Kind == OperandSwitch {
			f.ins.Operand.Targets = targets
		} else {
			f.ins.Operand.Target = targets[0]
		}
	}
	for _, rf := range regions {
		var bounds [5]*Instruction
		for n, name := range rf.labels {
			if name == "" {
				continue
			}
			t, err := resolve(name, rf.line, n == 1 || n == 3)
			if err != nil {
				return nil, err
			}
			bounds[n] = t
		}
		r := rf.region
		r.TryStart, r.TryEnd, r.HandlerStart, r.HandlerEnd, r.FilterStart =
			bounds[0], bounds[1], bounds[2], bounds[3], bounds[4]
		b.Regions = append(b.Regions, r)
	}
	return b, nil
}

// MustParse is like Parse but panics on error. Intended for fixtures.
func MustParse(src string) *Body {
	b, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Body) parseInstruction(text string) (*Instruction, []string, error) {
	name, rest := splitWord(text)
	op, ok := LookupOpCode(name)
	if !ok {
		return nil, nil, fmt.Errorf("unknown opcode %q", name)
	}
	s := &scanner{src: rest}
	var operand any
	var targets []string
	placeholder := &Instruction{}
	switch op.OperandKind() {
	case OperandNone:
	case OperandInt:
		if !op.IsMacro() {
			v, err := strconv.ParseInt(strings.TrimSpace(rest), 0, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", name, err)
			}
			operand = v
			s.pos = len(s.src)
		}
	case OperandFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		operand = v
		s.pos = len(s.src)
	case OperandString:
		v, err := strconv.Unquote(strings.TrimSpace(rest))
		if err != nil {
			return nil, nil, fmt.Errorf("%s: bad string %s", name, rest)
		}
		operand = v
		s.pos = len(s.src)
	case OperandLocal:
		ref := s.ident()
		if op.IsMacro() {
			ref = strconv.Itoa(opTable[op].implied)
		}
		l := b.lookupLocal(ref)
		if l == nil {
			return nil, nil, fmt.Errorf("%s: unknown local %q", name, ref)
		}
		operand = l
	case OperandArg:
		ref := s.ident()
		if op.IsMacro() {
			ref = strconv.Itoa(opTable[op].implied)
		}
		p := b.lookupArg(ref)
		if p == nil {
			return nil, nil, fmt.Errorf("%s: unknown argument %q", name, ref)
		}
		operand = p
	case OperandField:
		f, err := s.parseField()
		if err != nil {
			return nil, nil, err
		}
		operand = f
	case OperandType:
		t, err := s.parseType()
		if err != nil {
			return nil, nil, err
		}
		operand = t
	case OperandMethod:
		m, err := s.parseMethod()
		if err != nil {
			return nil, nil, err
		}
		operand = m
	case OperandTarget:
		targets = []string{s.ident()}
		if targets[0] == "" {
			return nil, nil, fmt.Errorf("%s: missing label", name)
		}
		operand = placeholder
	case OperandSwitch:
		if !s.consume('(') {
			return nil, nil, fmt.Errorf("%s: expected (", name)
		}
		for !s.consume(')') {
			lbl := s.ident()
			if lbl == "" {
				return nil, nil, fmt.Errorf("%s: bad label list", name)
			}
			targets = append(targets, lbl)
			s.consume(',')
		}
		ph := make([]*Instruction, len(targets))
		for n := range ph {
			ph[n] = placeholder
		}
		operand = ph
	}
	if !s.done() {
		return nil, nil, fmt.Errorf("%s: unexpected %q", name, s.rest())
	}
	ins, err := New(op, operand)
	if err != nil {
		return nil, nil, err
	}
	return ins, targets, nil
}

func (b *Body) lookupLocal(ref string) *Local {
	for _, l := range b.Locals {
		if l.DisplayName() == ref {
			return l
		}
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 0 && n < len(b.Locals) {
		return b.Locals[n]
	}
	return nil
}

func (b *Body) lookupArg(ref string) *Param {
	for _, p := range b.Args {
		if p.Name != "" && p.Name == ref {
			return p
		}
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 0 && n < len(b.Args) {
		return b.Args[n]
	}
	return nil
}

func parseRegion(text string) (regionFixup, error) {
	var rf regionFixup
	s := &scanner{src: text}
	rf.labels[0] = s.ident()
	if !s.tryWord("to") {
		return rf, fmt.Errorf(".try: expected to")
	}
	rf.labels[1] = s.ident()
	r := &Region{}
	switch kind := s.ident(); kind {
	case "catch":
		r.Kind = RegionCatch
		t, err := s.parseType()
		if err != nil {
			return rf, err
		}
		r.CatchType = t
	case "finally":
		r.Kind = RegionFinally
	case "fault":
		r.Kind = RegionFault
	case "filter":
		r.Kind = RegionFilter
		rf.labels[4] = s.ident()
	default:
		return rf, fmt.Errorf(".try: unknown handler kind %q", kind)
	}
	if !s.tryWord("handler") {
		return rf, fmt.Errorf(".try: expected handler")
	}
	rf.labels[2] = s.ident()
	if !s.tryWord("to") {
		return rf, fmt.Errorf(".try: expected to")
	}
	rf.labels[3] = s.ident()
	if rf.labels[0] == "" || rf.labels[1] == "" || rf.labels[2] == "" || rf.labels[3] == "" || !s.done() {
		return rf, fmt.Errorf(".try: malformed region")
	}
	rf.region = r
	return rf, nil
}

func parseLineDirective(text string) (*SequencePoint, error) {
	nums, doc, _ := strings.Cut(strings.TrimSpace(text), " ")
	parts := strings.Split(nums, ",")
	if len(parts) != 2 && len(parts) != 4 {
		return nil, fmt.Errorf(".line: expected line,column[,endLine,endColumn]")
	}
	values := make([]int, 4)
	for n, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf(".line: %w", err)
		}
		values[n] = v
	}
	if len(parts) == 2 {
		values[2], values[3] = values[0], values[1]
	}
	doc = strings.TrimSpace(doc)
	if len(doc) >= 2 && doc[0] == '\'' && doc[len(doc)-1] == '\'' {
		doc = strings.ReplaceAll(doc[1:len(doc)-1], "\\'", "'")
	}
	return &SequencePoint{Document: doc, StartLine: values[0], StartColumn: values[1],
		EndLine: values[2], EndColumn: values[3]}, nil
}

func splitWord(text string) (string, string) {
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		return text[:i], strings.TrimSpace(text[i+1:])
	}
	return text, ""
}

func inQuote(text string, at int) bool {
	quoted := false
	for i := 0; i < at; i++ {
		switch text[i] {
		case '\\':
			i++
		case '"':
			quoted = !quoted
		}
	}
	return quoted
}

func isIdentByte(c byte) bool {
	return c == '.' || c == '_' || c == '`' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isIdent(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i]) {
			return false
		}
	}
	return s != ""
}

// scanner reads type, field and method syntax.
type scanner struct {
	src string
	pos int
}

func (s *scanner) skipSpace() {
	for s.pos < len(s.src) && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.pos++
	}
}

func (s *scanner) done() bool {
	s.skipSpace()
	return s.pos >= len(s.src)
}

func (s *scanner) rest() string {
	return s.src[s.pos:]
}

func (s *scanner) ident() string {
	s.skipSpace()
	start := s.pos
	for s.pos < len(s.src) && isIdentByte(s.src[s.pos]) {
		s.pos++
	}
	return s.src[start:s.pos]
}

func (s *scanner) consume(c byte) bool {
	s.skipSpace()
	if s.pos < len(s.src) && s.src[s.pos] == c {
		s.pos++
		return true
	}
	return false
}

func (s *scanner) tryWord(w string) bool {
	save := s.pos
	if s.ident() == w {
		return true
	}
	s.pos = save
	return false
}

func (s *scanner) parseType() (*TypeRef, error) {
	vt := s.tryWord("valuetype")
	if !vt {
		s.tryWord("class")
	}
	name := s.ident()
	if name == "" {
		return nil, fmt.Errorf("expected type at %q", s.rest())
	}
	var t *TypeRef
	if kt, ok := keywordTypes[name]; ok && !vt {
		c := *kt
		t = &c
	} else {
		t = NewTypeRef(name, vt)
	}
	if s.consume('<') {
		for {
			a, err := s.parseType()
			if err != nil {
				return nil, err
			}
			t.Args = append(t.Args, a)
			if s.consume('>') {
				break
			} else if !s.consume(',') {
				return nil, fmt.Errorf("expected , or > in generic arguments of %s", name)
			}
		}
	}
	if s.consume('&') {
		t.ByRef = true
	}
	return t, nil
}

func (s *scanner) expectMember() error {
	s.skipSpace()
	if !strings.HasPrefix(s.rest(), "::") {
		return fmt.Errorf("expected :: at %q", s.rest())
	}
	s.pos += 2
	return nil
}

func (s *scanner) parseField() (*FieldRef, error) {
	t, err := s.parseType()
	if err != nil {
		return nil, err
	}
	decl, err := s.parseType()
	if err != nil {
		return nil, err
	} else if err = s.expectMember(); err != nil {
		return nil, err
	}
	name := s.ident()
	if name == "" {
		return nil, fmt.Errorf("expected field name")
	}
	return &FieldRef{DeclaringType: decl, Name: name, Type: t}, nil
}

func (s *scanner) parseMethod() (*MethodRef, error) {
	m := &MethodRef{HasThis: s.tryWord("instance")}
	var err error
	if m.Return, err = s.parseType(); err != nil {
		return nil, err
	} else if m.DeclaringType, err = s.parseType(); err != nil {
		return nil, err
	} else if err = s.expectMember(); err != nil {
		return nil, err
	}
	if m.Name = s.ident(); m.Name == "" {
		return nil, fmt.Errorf("expected method name")
	}
	if s.consume('<') {
		for {
			g, err := s.parseType()
			if err != nil {
				return nil, err
			}
			m.GenericArgs = append(m.GenericArgs, g)
			if s.consume('>') {
				break
			} else if !s.consume(',') {
				return nil, fmt.Errorf("expected , or > in generic arguments of %s", m.Name)
			}
		}
	}
	if !s.consume('(') {
		return nil, fmt.Errorf("expected ( after %s", m.Name)
	}
	for !s.consume(')') {
		p, err := s.parseType()
		if err != nil {
			return nil, err
		}
		m.Params = append(m.Params, p)
		if !s.consume(',') && !strings.HasPrefix(strings.TrimSpace(s.rest()), ")") {
			return nil, fmt.Errorf("expected , or ) in parameters of %s", m.Name)
		}
	}
	return m, nil
}

// parseSlots reads "(type name, type name)".
func (s *scanner) parseSlots() ([]*Param, error) {
	if !s.consume('(') {
		return nil, fmt.Errorf("expected (")
	}
	var slots []*Param
	for !s.consume(')') {
		t, err := s.parseType()
		if err != nil {
			return nil, err
		}
		slots = append(slots, &Param{Index: len(slots), Name: s.ident(), Type: t})
		if !s.consume(',') && !strings.HasPrefix(strings.TrimSpace(s.rest()), ")") {
			return nil, fmt.Errorf("expected , or )")
		}
	}
	return slots, nil
}
