package il

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	t.Parallel()

	b := MustParse(`
.args (int32 a)
.locals (int32 x)
.try L0 to L1 catch System.Exception handler L1 to L2
.line 1,1 'a.cs'
L0: ldarg a
    stloc x
    leave L2
L1: pop
    leave L2
L2: ret
`)
	c := b.Clone()
	require.NoError(t, c.Validate())
	assert.Equal(t, Format(b), Format(c))

	for _, i := range c.Instructions() {
		assert.Same(t, c, i.Body())
		for _, target := range i.BranchTargets() {
			assert.Same(t, c, target.Body())
		}
	}
	assert.Same(t, c.Args[0], c.First().Operand.Arg)
	assert.Same(t, c.Locals[0], c.First().Next().Operand.Local)
	assert.Same(t, c.First(), c.Regions[0].TryStart)
	assert.Same(t, c.First(), c.Points[0].Instr)

	_, err := c.InsertBefore(c.Last(), mustNew(t, Nop, nil))
	require.NoError(t, err)
	c.AddLocal("extra", TypeObject)
	assert.Equal(t, 6, b.Len())
	assert.Len(t, b.Locals, 1)
	assert.Same(t, b.Last(), b.Instructions()[2].Operand.Target)
	require.NoError(t, b.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	nested := `
L0: leave L2
L1: pop
    leave L2
L2: leave L4
L3: pop
    leave L4
L4: ret
`
	inner := ".try L0 to L1 catch System.Exception handler L1 to L2\n"
	outer := ".try L0 to L3 catch System.Exception handler L3 to L4\n"

	t.Run("inner_first", func(t *testing.T) {
		require.NoError(t, MustParse(inner+outer+nested).Validate())
	})

	t.Run("outer_first", func(t *testing.T) {
		err := MustParse(outer + inner + nested).Validate()
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Error(), "listed after")
	})

	t.Run("overlap", func(t *testing.T) {
		src := ".try L0 to L2 catch System.Exception handler L2 to L4\n" +
			".try L1 to L3 catch System.Exception handler L3 to L4\n" + nested
		var ve *ValidationError
		require.ErrorAs(t, MustParse(src).Validate(), &ve)
	})

	t.Run("out_of_order", func(t *testing.T) {
		b := MustParse(nested)
		ins := b.Instructions()
		b.Regions = append(b.Regions, &Region{Kind: RegionFinally, TryStart: ins[2], TryEnd: ins[1],
			HandlerStart: ins[3], HandlerEnd: ins[4]})
		var ve *ValidationError
		require.ErrorAs(t, b.Validate(), &ve)
	})

	t.Run("foreign_target", func(t *testing.T) {
		b := MustParse(nested)
		b.First().Operand.Target = MustParse("ret").First()
		var ve *ValidationError
		require.ErrorAs(t, b.Validate(), &ve)
	})

	t.Run("undeclared_local", func(t *testing.T) {
		b := MustParse("ret")
		_, err := b.Prepend(mustNew(t, Stloc, &Local{Index: 0, Type: TypeInt32}))
		require.NoError(t, err)
		var ve *ValidationError
		require.ErrorAs(t, b.Validate(), &ve)
	})

	t.Run("empty", func(t *testing.T) {
		require.ErrorIs(t, NewBody(TypeVoid).Validate(), ErrEmptyBody)
	})
}

func TestTypeRef(t *testing.T) {
	t.Parallel()

	task := NewTypeRef("System.Threading.Tasks.Task`1", false, TypeInt32)
	assert.Equal(t, "System.Threading.Tasks", task.Namespace)
	assert.Equal(t, "Task`1", task.Name)
	assert.Equal(t, "System.Threading.Tasks.Task`1", task.ElementName())
	assert.Equal(t, "System.Threading.Tasks.Task`1<System.Int32>", task.FullName())
	assert.True(t, task.Equal(task.Instance(TypeInt32)))
	assert.False(t, task.Equal(task.Instance(TypeString)))

	byRef := &TypeRef{Namespace: "System", Name: "Int32", ValueType: true, ByRef: true}
	assert.Equal(t, "System.Int32&", byRef.FullName())
	assert.True(t, byRef.ElementType().Equal(TypeInt32))
	assert.True(t, TypeVoid.IsVoid())
	assert.False(t, TypeInt32.IsVoid())
	var none *TypeRef
	assert.True(t, none.IsVoid())
}
