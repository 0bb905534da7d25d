package weave

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PatchLens/go-aspect-weaver/il"
)

const maxInheritanceDepth = 64

// Resolver resolves type references against a set of preregistered assemblies keyed by simple
// name. Referenced images are loaded lazily on first use.
type Resolver struct {
	mu     sync.Mutex
	paths  map[string]string
	loaded map[string]*Assembly
	order  []string
}

// NewResolver creates a resolver with the given references. Each reference is either "name=path"
// or a path whose file name (without extension) is the simple name.
func NewResolver(refs ...string) (*Resolver, error) {
	r := &Resolver{
		paths:  make(map[string]string),
		loaded: make(map[string]*Assembly),
	}
	for _, ref := range refs {
		if err := r.AddReference(ref); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ParseReference splits a "name=path" or path reference.
func ParseReference(ref string) (name, path string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("empty reference")
	} else if n, p, ok := strings.Cut(ref, "="); ok {
		name, path = SimpleName(n), strings.TrimSpace(p)
	} else {
		path = ref
		name = strings.TrimSuffix(filepath.Base(ref), filepath.Ext(ref))
	}
	if name == "" || path == "" {
		return "", "", fmt.Errorf("invalid reference %q", ref)
	}
	return name, path, nil
}

// AddReference registers a referenced image path.
func (r *Resolver) AddReference(ref string) error {
	name, path, err := ParseReference(ref)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.paths[name]; !ok {
		if _, ok := r.loaded[name]; !ok {
			r.order = append(r.order, name)
		}
	}
	r.paths[name] = path
	return nil
}

// Register adds an already loaded assembly, replacing any registration with the same name.
func (r *Resolver) Register(a *Assembly) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loaded[a.Name]; !ok {
		if _, ok := r.paths[a.Name]; !ok {
			r.order = append(r.order, a.Name)
		}
	}
	r.loaded[a.Name] = a
}

// Assembly returns the assembly registered under the simple name, loading its image if needed.
func (r *Resolver) Assembly(name string) (*Assembly, error) {
	name = SimpleName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.assembly(name)
}

func (r *Resolver) assembly(name string) (*Assembly, error) {
	if a, ok := r.loaded[name]; ok {
		return a, nil
	}
	path, ok := r.paths[name]
	if !ok {
		return nil, fmt.Errorf("%w: assembly %s is not referenced", ErrUnresolvedType, name)
	}
	a, err := ReadImage(path)
	if err != nil {
		return nil, fmt.Errorf("load reference %s: %w", name, err)
	}
	r.loaded[name] = a
	return a, nil
}

// ResolveType finds the definition of a type reference. Scoped references are only looked up in
// their assembly, unscoped ones in registration order.
func (r *Resolver) ResolveType(ref *il.TypeRef) (*TypeDef, error) {
	if ref == nil {
		return nil, fmt.Errorf("%w: nil type", ErrUnresolvedType)
	}
	name := ref.ElementName()

	r.mu.Lock()
	defer r.mu.Unlock()

	if ref.Scope != "" {
		a, err := r.assembly(SimpleName(ref.Scope))
		if err != nil {
			return nil, err
		} else if t := a.FindType(name); t != nil {
			return t, nil
		}
		return nil, fmt.Errorf("%w: %s not found in %s", ErrUnresolvedType, name, ref.Scope)
	}
	var loadErr error
	for _, asmName := range r.order {
		a, err := r.assembly(asmName)
		if err != nil {
			if loadErr == nil {
				loadErr = err
			}
			continue
		} else if t := a.FindType(name); t != nil {
			return t, nil
		}
	}
	if loadErr != nil {
		return nil, fmt.Errorf("%w: %s (%v)", ErrUnresolvedType, name, loadErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnresolvedType, name)
}

// BaseChain returns the type followed by its resolved base types, stopping before stop (compared
// by element name) or at the root. Reports if stop was reached.
func (r *Resolver) BaseChain(t *TypeDef, stop *il.TypeRef) ([]*TypeDef, bool, error) {
	if t == nil {
		return nil, false, nil
	}
	var chain []*TypeDef
	for depth := 0; depth < maxInheritanceDepth; depth++ {
		if stop != nil && t.FullName() == stop.ElementName() {
			return chain, true, nil
		}
		chain = append(chain, t)
		if t.BaseType == nil {
			return chain, false, nil
		} else if stop != nil && t.BaseType.ElementName() == stop.ElementName() {
			return chain, true, nil
		}
		base, err := r.ResolveType(t.BaseType)
		if err != nil {
			return chain, false, err
		}
		t = base
	}
	return chain, false, fmt.Errorf("%w: inheritance of %s too deep", ErrUnresolvedType, chain[0].FullName())
}

// DerivesFrom reports if t inherits (directly or not) from base. Resolution failures report
// false with the error.
func (r *Resolver) DerivesFrom(t *TypeDef, base *il.TypeRef) (bool, error) {
	if t.FullName() == base.ElementName() {
		return false, nil
	}
	_, found, err := r.BaseChain(t, base)
	return found, err
}
