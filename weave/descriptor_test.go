package weave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-aspect-weaver/il"
)

func TestDescribe(t *testing.T) {
	t.Parallel()

	staticEntry := onEntry()
	staticEntry.Static = true

	tests := []struct {
		name   string
		aspect *TypeDef
		want   AspectDescriptor
	}{
		{
			name:   "no_hooks",
			aspect: newAspect("EmptyAspect"),
			want:   AspectDescriptor{Type: "App.EmptyAspect"},
		},
		{
			name:   "sync_hooks",
			aspect: newAspect("SyncAspect", onEntry(), onExit(), onException()),
			want:   AspectDescriptor{Type: "App.SyncAspect", HasEntry: true, HasExit: true, HasException: true},
		},
		{
			name:   "async_hooks",
			aspect: newAspect("AsyncAspect", onExitAsync(), onExceptionAsync()),
			want:   AspectDescriptor{Type: "App.AsyncAspect", HasAsyncExit: true, HasAsyncException: true},
		},
		{
			name:   "result_exit",
			aspect: handles(newAspect("ResultAspect", onExitResult(il.TypeInt32), onExitResult(il.TypeString)), il.TypeInt32),
			want: AspectDescriptor{
				Type:            "App.ResultAspect",
				ExitResultTypes: []*il.TypeRef{il.TypeInt32, il.TypeString},
				HandlerTypes:    []*il.TypeRef{il.TypeInt32},
			},
		},
		{
			name:   "static_ignored",
			aspect: newAspect("StaticAspect", staticEntry),
			want:   AspectDescriptor{Type: "App.StaticAspect"},
		},
		{
			name: "wrong_signatures_ignored",
			aspect: newAspect("OddAspect",
				hookMethod("OnEntry", il.TypeVoid),
				hookMethod("OnExit", il.TypeVoid, il.TypeString),
				hookMethod("OnExit", il.TypeString, MethodArgumentsType, il.TypeInt32),
				hookMethod("OnException", il.TypeVoid, MethodArgumentsType)),
			want: AspectDescriptor{Type: "App.OddAspect"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			newTestAssembly("App", tt.aspect)
			resolver, err := NewResolver()
			require.NoError(t, err)
			describer, err := NewDescriber(resolver)
			require.NoError(t, err)
			t.Cleanup(describer.Close)

			desc, err := describer.Describe(tt.aspect)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *desc)
		})
	}
}

func TestDescribeInheritance(t *testing.T) {
	t.Parallel()

	base := handles(newAspect("BaseAspect", onEntry(), onExitResult(il.TypeInt32)), il.TypeInt32)
	lib := newTestAssembly("Lib", base)
	derived := &TypeDef{
		Namespace: "App",
		Name:      "DerivedAspect",
		BaseType:  base.Ref(),
		Methods:   []*MethodDef{hookMethod(".ctor", il.TypeVoid), onException(), onExitResult(il.TypeInt32)},
	}
	newTestAssembly("App", derived)

	resolver, err := NewResolver()
	require.NoError(t, err)
	resolver.Register(lib)
	describer, err := NewDescriber(resolver)
	require.NoError(t, err)
	t.Cleanup(describer.Close)

	desc, err := describer.Describe(derived)
	require.NoError(t, err)
	assert.True(t, desc.HasEntry)
	assert.True(t, desc.HasException)
	assert.Len(t, desc.ExitResultTypes, 1)
	assert.True(t, desc.ExitWithResult(il.TypeInt32))
	assert.True(t, desc.HandlesResult(il.TypeInt32))
	assert.False(t, desc.HandlesResult(il.TypeString))
	assert.True(t, desc.NeedsEpilogue())
	assert.False(t, desc.Empty())

	again, err := describer.Describe(derived)
	require.NoError(t, err)
	assert.Equal(t, desc, again)

	t.Run("unresolved_base", func(t *testing.T) {
		t.Parallel()

		orphan := &TypeDef{
			Namespace: "App",
			Name:      "OrphanAspect",
			BaseType:  &il.TypeRef{Namespace: "Missing", Name: "BaseAspect", Scope: "Missing"},
		}
		newTestAssembly("App", orphan)
		resolver, err := NewResolver()
		require.NoError(t, err)
		describer, err := NewDescriber(resolver)
		require.NoError(t, err)
		t.Cleanup(describer.Close)

		_, err = describer.Describe(orphan)
		require.ErrorIs(t, err, ErrUnresolvedType)
		assert.Contains(t, err.Error(), "App.OrphanAspect")
	})
}

func TestDescriptorHelpers(t *testing.T) {
	t.Parallel()

	d := &AspectDescriptor{
		ExitResultTypes: []*il.TypeRef{il.TypeInt32},
		HandlerTypes:    []*il.TypeRef{il.TypeString},
	}
	assert.True(t, d.HasResultExit())
	assert.False(t, d.ExitWithResult(il.TypeInt32))
	assert.False(t, d.ExitWithResult(nil))
	assert.False(t, d.NeedsEpilogue())
	assert.False(t, d.Empty())
	assert.True(t, (&AspectDescriptor{}).Empty())
	assert.True(t, (&AspectDescriptor{HasException: true}).NeedsEpilogue())
}
