package weave

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/PatchLens/go-aspect-weaver/il"
)

// Identity is recorded on every woven assembly.
const Identity = "aspektweave " + FormatVersion

// MethodReport describes one woven method.
type MethodReport struct {
	Method  string   `json:"method"`
	Aspects []string `json:"aspects"`
	// Before and After are instruction counts.
	Before int `json:"before"`
	After  int `json:"after"`
	// Diff is the unified diff of the disassembly, set when diffs are enabled.
	Diff string `json:"diff,omitempty"`
}

// Weaver applies aspect markers to method bodies. It is safe for concurrent use on different
// assemblies.
type Weaver struct {
	resolver  *Resolver
	describer *Describer
	logger    zerolog.Logger
	diffs     bool
}

// NewWeaver creates a weaver. When diffs is set every method report carries the diff of its
// disassembly.
func NewWeaver(resolver *Resolver, describer *Describer, logger zerolog.Logger, diffs bool) *Weaver {
	return &Weaver{resolver: resolver, describer: describer, logger: logger, diffs: diffs}
}

// WeaveAssembly weaves every method an aspect applies to. A method that cannot be woven is left
// unchanged and its error, a *WeaveError, is aggregated; the assembly must then not be written.
func (w *Weaver) WeaveAssembly(a *Assembly, diags *Diagnostics) ([]MethodReport, error) {
	if a.WovenBy != "" {
		return nil, &WeaveError{Assembly: a.Name, Err: fmt.Errorf("%w by %s", ErrAlreadyWoven, a.WovenBy)}
	}
	w.resolver.Register(a)

	items := NewEnumerator(w.resolver, diags, w.logger).Enumerate(a)
	var reports []MethodReport
	var errs *multierror.Error
	for _, item := range items {
		report, err := w.WeaveMethod(item, diags)
		if err != nil {
			w.logger.Error().Err(err).Str("method", item.Method.FullName()).Msg("method not woven")
			errs = multierror.Append(errs, &WeaveError{Assembly: a.Name, Method: item.Method.FullName(), Err: err})
			continue
		} else if report != nil {
			reports = append(reports, *report)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return reports, err
	}
	a.WovenBy = Identity
	return reports, nil
}

// WeaveMethod runs the full pass for one method on a clone of its body. The clone replaces the
// body only when every step succeeded. Returns nil without error when no marker could be applied.
func (w *Weaver) WeaveMethod(item WorkItem, diags *Diagnostics) (*MethodReport, error) {
	m := item.Method
	aspects, err := w.bind(item, diags)
	if err != nil {
		return nil, err
	} else if len(aspects) == 0 {
		return nil, nil
	}

	t, err := NewMethodTarget(m)
	if err != nil {
		return nil, err
	}
	exits := make([]exitPlan, len(aspects))
	var needsEpilogue bool
	for i, a := range aspects {
		exits[i] = planExit(t, a.desc, diags)
		needsEpilogue = needsEpilogue || a.desc.NeedsEpilogue()
	}
	if needsEpilogue {
		if err := NormalizeReturns(t); err != nil {
			return nil, fmt.Errorf("normalize returns: %w", err)
		}
	}

	if err := InjectEntry(t, aspects); err != nil {
		return nil, fmt.Errorf("entry: %w", err)
	}
	for i, a := range aspects {
		if err := wireExit(t, a, exits[i]); err != nil {
			return nil, fmt.Errorf("exit %s: %w", a.desc.Type, err)
		}
	}
	if err := t.advance(StateExitWired); err != nil {
		return nil, err
	}
	for _, a := range aspects {
		if a.desc.HasException {
			if err := AppendExceptionHook(t, a.local); err != nil {
				return nil, fmt.Errorf("exception %s: %w", a.desc.Type, err)
			}
		}
		if t.Deferred() && a.desc.HasAsyncException {
			if err := WrapReturns(t, a.local, hookExceptionAsync); err != nil {
				return nil, fmt.Errorf("async exception %s: %w", a.desc.Type, err)
			}
		}
	}
	if err := t.advance(StateExceptionWired); err != nil {
		return nil, err
	}
	if err := finish(t); err != nil {
		return nil, err
	}

	report := &MethodReport{
		Method: m.FullName(),
		Before: m.Body.Len(),
		After:  t.Body.Len(),
	}
	for _, a := range aspects {
		report.Aspects = append(report.Aspects, a.desc.Type)
	}
	if w.diffs {
		report.Diff = methodDiff(report.Method, il.Format(m.Body), il.Format(t.Body))
	}
	if err := t.commit(); err != nil {
		return nil, err
	}
	w.logger.Debug().Str("method", report.Method).Strs("aspects", report.Aspects).Msg("woven")
	return report, nil
}

// bind describes every applied marker and prepares its construction. Markers whose arguments
// cannot be loaded are reported and dropped.
func (w *Weaver) bind(item WorkItem, diags *Diagnostics) ([]*boundAspect, error) {
	var aspects []*boundAspect
	for _, am := range item.Markers {
		desc, err := w.describer.Describe(am.Type)
		if errors.Is(err, ErrUnresolvedType) {
			w.logger.Debug().Err(err).Str("marker", am.Type.FullName()).Msg("aspect not described, skipping")
			continue
		} else if err != nil {
			return nil, err
		} else if desc.Empty() {
			w.logger.Debug().Str("aspect", desc.Type).Str("method", item.Method.FullName()).
				Msg("aspect implements no hook, skipping")
			continue
		}
		construct, err := constructAspect(am.Marker)
		if errors.Is(err, errUnsupportedArg) {
			diags.Warn(item.Method, WarnUnsupportedArg, "%v", err)
			continue
		} else if err != nil {
			return nil, err
		}
		aspects = append(aspects, &boundAspect{marker: am.Marker, desc: desc, construct: construct})
	}
	return aspects, nil
}

type exitPlan struct {
	kind   hookKind
	result *il.TypeRef
	wired  bool
}

// planExit selects the exit hook of an aspect for the method. Deferred methods prefer the async
// exit, then the result exit, then the void exit. Result exits that cannot apply are reported and
// fall back to the void exit when one is declared.
func planExit(t *MethodTarget, d *AspectDescriptor, diags *Diagnostics) exitPlan {
	m := t.Method
	if t.Deferred() && d.HasAsyncExit {
		return exitPlan{kind: hookExitAsync, wired: true}
	}
	result := t.Body.Return
	if t.Deferred() {
		result = futureResult(result)
	} else if result.IsVoid() {
		result = nil
	}

	if d.HasResultExit() {
		switch {
		case result == nil && !d.HasExit:
			diags.Warn(m, WarnResultOnVoid, "return value handler on void function")
			return exitPlan{}
		case result == nil:
		case !d.ExitWithResult(result):
			diags.Warn(m, WarnInvalidHandler, "return value handler implements invalid handler type; requires %s",
				ExitHandlerType.Instance(result).FullName())
		case d.HasExit:
			diags.Warn(m, WarnMultipleExit, "multiple OnExit methods found; using OnExit(MethodArguments)")
		default:
			return exitPlan{kind: hookExitResult, result: result, wired: true}
		}
	}
	if d.HasExit {
		return exitPlan{kind: hookExit, wired: true}
	}
	return exitPlan{}
}

func wireExit(t *MethodTarget, a *boundAspect, plan exitPlan) error {
	if !plan.wired {
		return nil
	} else if t.Deferred() {
		return WrapReturns(t, a.local, plan.kind)
	}
	return InstrumentReturns(t.Body, func(ReturnSite) (HookCall, error) {
		var pre, post il.Seq
		pre.Emit(il.Ldloc, a.local)
		pre.Emit(il.Ldloc, t.Args)
		if plan.kind == hookExitResult {
			post.Emit(il.Callvirt, exitResultHook(plan.result))
		} else {
			pre.Emit(il.Callvirt, onExitHook)
		}
		preIns, err := pre.Instructions()
		if err != nil {
			return HookCall{}, err
		}
		postIns, err := post.Instructions()
		return HookCall{Pre: preIns, Post: postIns}, err
	})
}

// finish appends the queued blocks and finalizes the body: locals are zero initialized, macro forms
// restored, max stack computed and the structure validated.
func finish(t *MethodTarget) error {
	for _, block := range t.pending {
		if _, err := t.Body.Append(block...); err != nil {
			return err
		}
	}
	t.pending = nil
	t.Body.InitLocals = true
	t.Body.Optimize()
	maxStack, err := t.Body.ComputeMaxStack()
	if err != nil {
		return err
	}
	t.Body.MaxStack = maxStack
	if err := t.Body.Validate(); err != nil {
		return err
	}
	return t.advance(StateDone)
}
