package weave

import (
	"fmt"
	"sync"

	"github.com/go-analyze/bulk"
	"github.com/rs/zerolog"
)

// Warning codes reported while weaving.
const (
	// WarnResultOnVoid is a result observing exit hook applied to a void method.
	WarnResultOnVoid = "AK0001"
	// WarnInvalidHandler is a result exit hook without the handler interface for the return type.
	WarnInvalidHandler = "AK0002"
	// WarnMultipleExit is a void and a result exit hook both applying to a method.
	WarnMultipleExit = "AK0003"
	// WarnUnsupportedArg is a marker constructor argument that cannot be loaded.
	WarnUnsupportedArg = "AK0004"
	// WarnParamMarker is a parameter marker without a constructor accepting the parameter name.
	WarnParamMarker = "AK0005"
)

// Diagnostic is one warning bound to a source location.
type Diagnostic struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Method  string `json:"method"`
	// Document is empty when the method has no symbols.
	Document string `json:"document,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Document == "" {
		return fmt.Sprintf("unknown file(0): warning %s: %s", d.Code, d.Message)
	}
	return fmt.Sprintf("%s(%d,%d): warning %s: %s", d.Document, d.Line, d.Column, d.Code, d.Message)
}

// Diagnostics collects warnings, logging each one as it is reported.
type Diagnostics struct {
	mu     sync.Mutex
	logger zerolog.Logger
	items  []Diagnostic
}

// NewDiagnostics creates a collector logging to the given logger.
func NewDiagnostics(logger zerolog.Logger) *Diagnostics {
	return &Diagnostics{logger: logger}
}

// Warn reports a warning for the method unless the method suppresses the code.
func (d *Diagnostics) Warn(m *MethodDef, code, format string, args ...any) {
	if suppressed(m, code) {
		return
	}
	diag := Diagnostic{Code: code, Message: fmt.Sprintf(format, args...)}
	if m != nil {
		diag.Method = m.FullName()
		if m.Body != nil {
			if p := m.Body.FirstPoint(); p != nil {
				diag.Document, diag.Line, diag.Column = p.Document, p.StartLine, p.StartColumn
			}
		}
	}

	d.mu.Lock()
	d.items = append(d.items, diag)
	d.mu.Unlock()

	d.logger.Warn().Str("code", code).Str("method", diag.Method).Msg(diag.String())
}

// Items returns the reported warnings in report order.
func (d *Diagnostics) Items() []Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Diagnostic(nil), d.items...)
}

// Len returns the number of reported warnings.
func (d *Diagnostics) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.items)
}

// suppressed reports if an IgnoreAspectWarningAttribute on the method lists the code. A marker
// without arguments suppresses every code.
func suppressed(m *MethodDef, code string) bool {
	if m == nil {
		return false
	}
	for _, marker := range m.Markers {
		if marker.Type == nil || marker.Type.ElementName() != IgnoreWarningType.ElementName() {
			continue
		} else if len(marker.Args) == 0 {
			return true
		}
		codes := bulk.SliceToSet(markerStrings(marker.Args))
		if _, ok := codes[code]; ok {
			return true
		}
	}
	return false
}

func markerStrings(args []MarkerArg) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if s, ok := arg.Value.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
