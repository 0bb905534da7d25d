package il

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opCodes(b *Body) []OpCode {
	var ops []OpCode
	for _, i := range b.Instructions() {
		ops = append(ops, i.OpCode)
	}
	return ops
}

func TestSimplifyOptimize(t *testing.T) {
	t.Parallel()

	b := MustParse(`
.args (int32 a)
.returns int32
.locals init (int32 x)
    ldarg.0
    stloc.0
    ldloc.0
    ldc.i4.5
    bgt.s L1
    ldc.i4.s 100
    ret
L1: ldloc.0
    ret
`)
	optimal := opCodes(b)

	b.Simplify()
	for _, i := range b.Instructions() {
		assert.Equal(t, i.OpCode.LongForm(), i.OpCode)
		assert.False(t, i.OpCode.IsMacro())
	}
	assert.Equal(t, []OpCode{Ldarg, Stloc, Ldloc, LdcI4, Bgt, LdcI4, Ret, Ldloc, Ret}, opCodes(b))
	assert.Equal(t, int64(5), b.Instructions()[3].Operand.Int)

	b.Optimize()
	assert.Equal(t, optimal, opCodes(b))
	require.NoError(t, b.Validate())
}

func TestOptimizeLongBranch(t *testing.T) {
	t.Parallel()

	b := NewBody(TypeVoid)
	target := mustNew(t, Ret, nil)
	_, err := b.Append(mustNew(t, Br, target))
	require.NoError(t, err)
	for n := 0; n < 200; n++ {
		_, err = b.Append(mustNew(t, Nop, nil))
		require.NoError(t, err)
	}
	_, err = b.Append(target)
	require.NoError(t, err)

	b.Optimize()
	assert.Equal(t, Br, b.First().OpCode)
	assert.Equal(t, 205, target.Offset)
	assert.Equal(t, 206, b.CodeSize())
}

func TestOptimizeSlotForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		op     OpCode
		index  int
		expect OpCode
	}{
		{"ldloc_macro", Ldloc, 2, Ldloc2},
		{"ldloc_short", Ldloc, 4, LdlocS},
		{"ldloc_long", Ldloc, 300, Ldloc},
		{"stloc_macro", Stloc, 3, Stloc3},
		{"ldloca_short", Ldloca, 0, LdlocaS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := mustNew(t, tt.op, &Local{Index: tt.index, Type: TypeInt32})
			assert.Equal(t, tt.expect, compactForm(i))
		})
	}

	consts := map[int64]OpCode{-1: LdcI4M1, 0: LdcI40, 8: LdcI48, 9: LdcI4S, -128: LdcI4S, 128: LdcI4}
	for v, expect := range consts {
		assert.Equal(t, expect, compactForm(mustNew(t, LdcI4, v)), "constant %d", v)
	}
}

func TestComputeMaxStack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		src    string
		expect int
		err    bool
	}{
		{
			name: "add",
			src: `
.args (int32 a, int32 b)
.returns int32
    ldarg a
    ldarg b
    add
    ret`,
			expect: 2,
		},
		{
			name: "call",
			src: `
.args (int32 a)
    ldstr "x"
    ldarg a
    box int32
    newobj instance void Aspekt.Argument::.ctor(string, object)
    pop
    ret`,
			expect: 2,
		},
		{
			name: "catch_handler",
			src: `
.try L0 to L1 catch System.Exception handler L1 to L2
L0: leave L2
L1: pop
    leave L2
L2: ret`,
			expect: 1,
		},
		{
			name: "join_mismatch",
			src: `
.args (int32 a)
.returns int32
    ldarg a
    brtrue L1
    ldc.i4.1
L1: ldc.i4.2
    ret`,
			err: true,
		},
		{
			name: "underflow",
			src: `
    pop
    ret`,
			err: true,
		},
		{
			name: "falls_off_end",
			src: `
    nop`,
			err: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := MustParse(tt.src)
			n, err := b.ComputeMaxStack()
			if tt.err {
				var se *StackError
				require.ErrorAs(t, err, &se)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, n)
			assert.Equal(t, tt.expect, b.MaxStack)
		})
	}
}
