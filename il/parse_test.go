package il

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const roundTripSource = `
.returns int32
.this Calc
.args (int32 a, valuetype Geo.Point& p)
.locals init (int32 sum, object V_1)
.try L0 to L1 catch System.Exception handler L1 to L2
.try L0 to L2 finally handler L2 to L3
.line 12,9,12,30 'Calc.cs'
L0: ldarg a
    ldarg p
    ldobj valuetype Geo.Point
    box valuetype Geo.Point
    stloc V_1
    ldstr "say \"hi\" // not a comment"
    call instance int32 Aspekt.IAspectExitHandler` + "`" + `1<int32>::OnExit(Aspekt.MethodArguments, int32)
    ldsfld int32 Calc::counter
    switch (L0, L1)
    call class System.Threading.Tasks.Task` + "`" + `1<int32> Aspekt.TaskContinuationHelpers::CompletedTask<int32>()
    pop
    stloc sum
    leave L3
L1: pop // catch
    leave L3
L2: endfinally
L3: ldloc sum
    ret
`

func TestParseFormatRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := Parse(roundTripSource)
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	text := Format(b)
	again, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, text, Format(again))
	assert.Equal(t, b.Len(), again.Len())
	assert.Len(t, again.Regions, 2)
	assert.Len(t, again.Points, 1)
	assert.True(t, again.InitLocals)
}

func TestParse(t *testing.T) {
	t.Parallel()

	b, err := Parse(roundTripSource)
	require.NoError(t, err)

	t.Run("signature", func(t *testing.T) {
		require.Len(t, b.Args, 3)
		assert.True(t, b.HasThis())
		assert.Equal(t, "Calc", b.This().Type.FullName())
		params := b.Params()
		assert.Equal(t, "a", params[0].Name)
		assert.Equal(t, 1, params[0].Index)
		assert.True(t, params[1].Type.ByRef)
		assert.True(t, params[1].Type.ValueType)
		assert.Equal(t, "Geo.Point&", params[1].Type.FullName())
		assert.Equal(t, "System.Int32", b.Return.FullName())
		require.Len(t, b.Locals, 2)
		assert.Equal(t, "sum", b.Locals[0].Name)
	})

	t.Run("operands", func(t *testing.T) {
		ins := b.Instructions()
		assert.Equal(t, `say "hi" // not a comment`, ins[5].Operand.Str)

		call := ins[6].Operand.Method
		assert.True(t, call.HasThis)
		assert.Equal(t, "Aspekt.IAspectExitHandler`1<System.Int32>", call.DeclaringType.FullName())
		assert.Equal(t, "OnExit", call.Name)
		require.Len(t, call.Params, 2)
		assert.Equal(t, "Aspekt.MethodArguments", call.Params[0].FullName())

		field := ins[7].Operand.Field
		assert.Equal(t, "System.Int32 Calc::counter", field.FullName())

		sw := ins[8].Operand.Targets
		require.Len(t, sw, 2)
		assert.Same(t, ins[0], sw[0])
		assert.Same(t, ins[13], sw[1])

		generic := ins[9].Operand.Method
		assert.False(t, generic.HasThis)
		assert.Equal(t, "System.Threading.Tasks.Task`1<System.Int32> Aspekt.TaskContinuationHelpers::CompletedTask<System.Int32>()",
			generic.FullName())
	})

	t.Run("regions_and_points", func(t *testing.T) {
		ins := b.Instructions()
		catch := b.Regions[0]
		assert.Equal(t, RegionCatch, catch.Kind)
		assert.Equal(t, "System.Exception", catch.CatchType.FullName())
		assert.Same(t, ins[0], catch.TryStart)
		assert.Same(t, ins[13], catch.TryEnd)
		assert.Same(t, ins[15], catch.HandlerEnd)
		finally := b.Regions[1]
		assert.Equal(t, RegionFinally, finally.Kind)
		assert.Same(t, ins[16], finally.HandlerEnd)

		p := b.FirstPoint()
		require.NotNil(t, p)
		assert.Same(t, ins[0], p.Instr)
		assert.Equal(t, "Calc.cs", p.Document)
		assert.Equal(t, 12, p.StartLine)
		assert.Equal(t, 30, p.EndColumn)
	})
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
	}{
		{"unknown_opcode", "jmp L1"},
		{"undefined_label", "br L9\nret"},
		{"unknown_local", "ldloc x\nret"},
		{"unknown_arg", "ldarg y\nret"},
		{"unknown_directive", ".frob 1\nret"},
		{"bad_string", "ldstr hello\nret"},
		{"duplicate_label", "L1: nop\nL1: ret"},
		{"dangling_label", "ret\nL1:"},
		{"bad_region", ".try L0 until L1\nL0: ret"},
		{"bad_method", "call void Foo.Bar()\nret"},
		{"macro_out_of_range", ".locals (int32 x)\nldloc.2\nret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Positive(t, pe.Line)
		})
	}
}
