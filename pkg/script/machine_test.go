package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/services"
)

func machine(t *testing.T, a *Asm, cfg Config) *Machine {
	t.Helper()
	m, err := New(a.Code(), cfg)
	require.NoError(t, err)
	return m
}

func TestInstructionCodec(t *testing.T) {
	tests := []Instr{
		{Class: ClassLoad, Dst: R3, Op: uint8(OpAdd), Src1: R1, Src2: R2},
		{Cond: IfNo, Class: ClassTest, Dst: R12, Op: uint8(OpMul), Src1: RSP, Src2: RegK, K: -77, Extra: uint16(CmpGE)},
		{Cond: IfYes, Class: ClassJmov, Op: uint8(Swap), Dst: R4, Src1: R5},
		{Class: ClassJmov, Op: uint8(JumpRel), Extra: 0x7FF},
	}
	for _, in := range tests {
		code := in.Encode(nil)
		assert.Len(t, code, in.Size())
		got, err := Decode(code, 0)
		require.NoError(t, err)
		assert.Equal(t, in, got)
	}
}

func TestOffsetSignExtends(t *testing.T) {
	code := NewAsm().Jump(-3).Jump(1000).Code()
	first, err := Decode(code, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(-3), first.Offset())
	second, err := Decode(code, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1000), second.Offset())
}

func TestDecodeRejectsInvalidWords(t *testing.T) {
	tests := map[string][]uint32{
		"class 3":           {3 << classShift},
		"condition 3":       {3 << condShift},
		"op out of range":   {uint32(ClassLoad)<<classShift | uint32(numOps)<<opShift},
		"comparator":        {uint32(ClassTest)<<classShift | uint32(numCmps)},
		"jmov op":           {uint32(ClassJmov)<<classShift | uint32(numJOps)<<opShift},
		"k as destination":  {uint32(ClassLoad)<<classShift | uint32(RegK)<<dstShift},
		"missing immediate": {uint32(ClassLoad)<<classShift | uint32(RegK)<<src2Shift},
		"test pops stack":   {uint32(ClassTest)<<classShift | uint32(RSP)<<dstShift},
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(code, Config{})
			assert.ErrorIs(t, err, ErrBadInstruction)
		})
	}
}

func TestTestAgainstStackTopKeepsStack(t *testing.T) {
	_, err := New(NewAsm().TestK(CmpEQ, RSP, OpMov, R0, 7).Ret().Code(), Config{StackDepth: 4})
	assert.ErrorIs(t, err, ErrBadInstruction)

	a := NewAsm().
		MovK(RSP, 7).
		TestK(CmpEQ, RTop, OpMov, R0, 7).
		Mov(R1, RSP).
		Ret()
	m := machine(t, a, Config{StackDepth: 4})
	require.NoError(t, m.Run(20).Err)
	assert.True(t, m.Flag())
	assert.Equal(t, int32(7), m.Reg(R1))
	assert.Equal(t, 0, m.Depth())
}

func TestScenarioLoadTestIncrement(t *testing.T) {
	a := NewAsm().
		MovK(R1, 5).
		TestK(CmpLE, R1, OpMov, R0, 5).
		IfYes().LdK(R2, OpAdd, R2, 1).
		Ret()
	m := machine(t, a, Config{})

	res := m.Run(100)
	require.NoError(t, res.Err)
	assert.True(t, res.Halted)
	assert.False(t, res.BudgetExhausted)
	assert.Equal(t, int32(5), m.Reg(R1))
	assert.Equal(t, int32(1), m.Reg(R2))
	assert.True(t, m.Flag())
	assert.Equal(t, uint32(4), res.Executed)
}

func TestConditioning(t *testing.T) {
	// The flag ends up false: 5 > 4.
	a := NewAsm().
		MovK(R1, 5).
		MovK(R2, 10).
		TestK(CmpLE, R1, OpMov, R0, 4).
		IfYes().MovK(R2, 99).
		IfNo().MovK(R3, 7).
		Ret()
	m := machine(t, a, Config{})

	res := m.Run(100)
	require.NoError(t, res.Err)
	assert.False(t, m.Flag())
	assert.Equal(t, int32(10), m.Reg(R2), "if-yes must be skipped")
	assert.Equal(t, int32(7), m.Reg(R3), "if-no must execute")
	assert.Equal(t, int32(5), m.Reg(R1), "TEST never writes its destination")
}

func TestBudgetBoundsExecution(t *testing.T) {
	// An endless loop.
	a := NewAsm().
		Label(1).
		LdK(R1, OpAdd, R1, 1).
		JumpL(1)
	m := machine(t, a, Config{})

	for _, budget := range []uint32{1, 7, 50} {
		before := m.Reg(R1)
		res := m.Run(budget)
		require.NoError(t, res.Err)
		assert.True(t, res.BudgetExhausted)
		assert.False(t, res.Halted)
		assert.Equal(t, budget, res.Executed)
		assert.LessOrEqual(t, m.Reg(R1)-before, int32(budget))
	}
}

func TestBudgetExhaustionPreservesState(t *testing.T) {
	a := NewAsm().
		MovK(R1, 1).
		MovK(R2, 2).
		MovK(R3, 3).
		Ret()
	m := machine(t, a, Config{})

	res := m.Run(2)
	assert.True(t, res.BudgetExhausted)
	assert.Equal(t, int32(2), m.Reg(R2))
	assert.Equal(t, int32(0), m.Reg(R3))
	pc := m.PC()

	res = m.Run(10)
	require.NoError(t, res.Err)
	assert.True(t, res.Halted)
	assert.Equal(t, uint32(2), res.Executed)
	assert.Equal(t, int32(3), m.Reg(R3))
	assert.Equal(t, 4, pc)
}

func TestReturnWithZeroAddressHaltsBeforeBudget(t *testing.T) {
	a := NewAsm().
		MovK(R1, 1).
		Ret().
		MovK(R1, 2)
	m := machine(t, a, Config{})

	res := m.Run(1000)
	require.NoError(t, res.Err)
	assert.True(t, res.Halted)
	assert.False(t, res.BudgetExhausted)
	assert.Equal(t, uint32(2), res.Executed)
	assert.Equal(t, int32(1), m.Reg(R1))
}

func TestHaltedProgramRestarts(t *testing.T) {
	a := NewAsm().LdK(R1, OpAdd, R1, 1).Ret()
	m := machine(t, a, Config{})

	for i := 1; i <= 3; i++ {
		res := m.Run(10)
		require.NoError(t, res.Err)
		assert.True(t, res.Halted)
		assert.Equal(t, int32(i), m.Reg(R1))
		assert.Equal(t, 0, m.Depth())
	}
}

func TestFallingOffTheEndHalts(t *testing.T) {
	m := machine(t, NewAsm().MovK(R1, 9), Config{})
	res := m.Run(10)
	require.NoError(t, res.Err)
	assert.True(t, res.Halted)
	assert.Equal(t, uint32(1), res.Executed)
}

func TestCallAndReturn(t *testing.T) {
	a := NewAsm().
		MovK(R1, 3).
		Call(7).
		LdK(R2, OpAdd, R1, 0).
		Ret().
		Label(7).
		LdK(R1, OpMul, R1, 10).
		Ret()
	m := machine(t, a, Config{})

	res := m.Run(100)
	require.NoError(t, res.Err)
	assert.True(t, res.Halted)
	assert.Equal(t, int32(30), m.Reg(R2))
}

func TestRegisterCalls(t *testing.T) {
	a := NewAsm()
	a.MovK(R5, 0) // patched below
	a.CallR(R5)
	a.Ret()
	target := a.PC()
	a.MovK(R6, 42).Ret()

	code := a.Code()
	code[1] = uint32(target)
	m, err := New(code, Config{})
	require.NoError(t, err)

	res := m.Run(100)
	require.NoError(t, res.Err)
	assert.Equal(t, int32(42), m.Reg(R6))
}

func TestALU(t *testing.T) {
	tests := []struct {
		op   Op
		a, b int32
		want int32
	}{
		{OpMov, 1, 2, 2},
		{OpAdd, 2, 3, 5},
		{OpSub, 2, 3, -1},
		{OpMul, -4, 3, -12},
		{OpDiv, -7, 2, -3},
		{OpMod, -7, 2, -1},
		{OpAnd, 0b1100, 0b1010, 0b1000},
		{OpOr, 0b1100, 0b1010, 0b1110},
		{OpXor, 0b1100, 0b1010, 0b0110},
		{OpShl, 1, 33, 2},
		{OpShr, -8, 1, -4},
		{OpShru, -8, 28, 0xF},
		{OpMin, -1, 4, -1},
		{OpMax, -1, 4, 4},
		{OpNeg, 0, 9, -9},
		{OpNot, 0, 0, -1},
		{OpAbs, 0, -6, 6},
	}
	for _, tt := range tests {
		got, err := alu(tt.op, tt.a, tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "op %d", tt.op)
	}

	_, err := alu(OpDiv, 1, 0)
	assert.ErrorIs(t, err, ErrDivideByZero)
	_, err = alu(OpMod, 1, 0)
	assert.ErrorIs(t, err, ErrDivideByZero)
}

func TestComparators(t *testing.T) {
	for _, tt := range []struct {
		cmp  Cmp
		d, r int32
		want bool
	}{
		{CmpEQ, 3, 3, true},
		{CmpNE, 3, 3, false},
		{CmpLT, 2, 3, true},
		{CmpLE, 3, 3, true},
		{CmpGT, 3, 3, false},
		{CmpGE, 3, 3, true},
	} {
		assert.Equal(t, tt.want, compare(tt.cmp, tt.d, tt.r), "cmp %d", tt.cmp)
	}
}

func TestStackAliases(t *testing.T) {
	a := NewAsm().
		MovK(RSP, 4).
		MovK(RSP, 6).
		Ld(R1, OpAdd, RSP, RSP). // pops both
		MovK(RSP, 9).
		LdK(RTop, OpAdd, RTop, 1). // top becomes 10
		Mov(R2, RTop).
		Mov(R3, RSP).
		Ret()
	m := machine(t, a, Config{})

	res := m.Run(100)
	require.NoError(t, res.Err)
	assert.Equal(t, int32(10), m.Reg(R1))
	assert.Equal(t, int32(10), m.Reg(R2))
	assert.Equal(t, int32(10), m.Reg(R3))
}

func TestStackOverflowAndUnderflow(t *testing.T) {
	over := NewAsm().Label(0).MovK(RSP, 1).JumpL(0)
	m := machine(t, over, Config{StackDepth: 4})
	res := m.Run(100)
	assert.ErrorIs(t, res.Err, ErrStackOverflow)
	assert.True(t, res.Halted)

	under := NewAsm().Mov(R1, RSP).Mov(R1, RSP)
	m = machine(t, under, Config{})
	res = m.Run(100)
	assert.ErrorIs(t, res.Err, ErrStackUnderflow)
}

func TestSaveRestore(t *testing.T) {
	a := NewAsm().
		MovK(R1, 1).MovK(R2, 2).MovK(R3, 3).
		Save(R1, R3).
		MovK(R1, 0).MovK(R2, 0).MovK(R3, 0).
		Restore(R1, R3).
		Ret()
	m := machine(t, a, Config{})

	res := m.Run(100)
	require.NoError(t, res.Err)
	assert.Equal(t, []int32{1, 2, 3}, []int32{m.Reg(R1), m.Reg(R2), m.Reg(R3)})
}

func TestBitfields(t *testing.T) {
	a := NewAsm().
		MovK(R1, 0x12345678).
		BitRead(R2, R1, 8, 8).
		MovK(R3, -1).
		MovK(R4, 0x5).
		BitWrite(R3, R4, 4, 4).
		BitRead(R5, R1, 0, 0).
		Ret()
	m := machine(t, a, Config{})

	res := m.Run(100)
	require.NoError(t, res.Err)
	assert.Equal(t, int32(0x56), m.Reg(R2))
	assert.Equal(t, int32(-1)&^0xF0|0x50, m.Reg(R3))
	assert.Equal(t, int32(0x12345678), m.Reg(R5))
}

func TestScatterGather(t *testing.T) {
	a := NewAsm().
		MovK(R1, 11).
		ScatterK(R1, 2).
		MovK(R2, 3).
		MovK(R3, 22).
		Scatter(R3, R2).
		GatherK(R4, 3).
		Gather(R5, R2).
		Ret()
	m := machine(t, a, Config{HeapWords: 4})

	res := m.Run(100)
	require.NoError(t, res.Err)
	assert.Equal(t, []int32{0, 0, 11, 22}, m.Heap())
	assert.Equal(t, int32(22), m.Reg(R4))
	assert.Equal(t, int32(22), m.Reg(R5))

	m = machine(t, NewAsm().GatherK(R1, 4), Config{HeapWords: 4})
	assert.ErrorIs(t, m.Run(10).Err, ErrHeapBounds)
}

func TestSwap(t *testing.T) {
	m := machine(t, NewAsm().MovK(R1, 1).MovK(R2, 2).Swap(R1, R2), Config{})
	require.NoError(t, m.Run(10).Err)
	assert.Equal(t, int32(2), m.Reg(R1))
	assert.Equal(t, int32(1), m.Reg(R2))

	m = machine(t, NewAsm().Swap(R1, RSP), Config{})
	assert.ErrorIs(t, m.Run(10).Err, ErrBadRegister)
}

func TestRelativeJump(t *testing.T) {
	// MovK takes two words, so the jump skips exactly one of them.
	m := machine(t, NewAsm().Jump(2).MovK(R1, 1).MovK(R2, 2).Ret(), Config{})
	require.NoError(t, m.Run(10).Err)
	assert.Equal(t, int32(0), m.Reg(R1))
	assert.Equal(t, int32(2), m.Reg(R2))

	m = machine(t, NewAsm().Jump(-5), Config{})
	assert.ErrorIs(t, m.Run(10).Err, ErrBadJump)
}

func TestUnknownLabel(t *testing.T) {
	m := machine(t, NewAsm().JumpL(3), Config{})
	assert.ErrorIs(t, m.Run(10).Err, ErrUnknownLabel)
}

func TestSyscall(t *testing.T) {
	var got services.Word
	var params [4]int32
	sys := SyscallFunc(func(w services.Word, p [4]int32) (int32, error) {
		got, params = w, p
		return p[0] + p[3], nil
	})

	word := services.Word{Group: services.GroupMath, Function: 0x21, Tag: 3}
	a := NewAsm().
		MovK(R1, 10).MovK(R2, 20).MovK(R3, 30).MovK(R4, 40).
		Syscall(word).
		Ret()
	m := machine(t, a, Config{Syscaller: sys})

	res := m.Run(100)
	require.NoError(t, res.Err)
	assert.Equal(t, word, got)
	assert.Equal(t, [4]int32{10, 20, 30, 40}, params)
	assert.Equal(t, int32(50), m.Reg(R1))

	m = machine(t, NewAsm().Syscall(word), Config{})
	assert.ErrorIs(t, m.Run(10).Err, ErrNoSyscall)
}

func TestSyscallFromRegister(t *testing.T) {
	var got services.Word
	sys := SyscallFunc(func(w services.Word, _ [4]int32) (int32, error) {
		got = w
		return 0, nil
	})
	word := services.Word{Group: services.GroupAudio, Function: 5}
	a := NewAsm().MovK(R7, int32(word.Encode())).SyscallR(R7).Ret()
	m := machine(t, a, Config{Syscaller: sys})

	require.NoError(t, m.Run(10).Err)
	assert.Equal(t, word, got)
}

func TestDisassemble(t *testing.T) {
	lines, err := Disassemble(NewAsm().MovK(R1, 5).IfYes().Ret().Code())
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "#5")
	assert.Contains(t, lines[1], "if-yes RET")
}
