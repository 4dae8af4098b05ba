package script

import "fmt"

// Instruction word layout.
//
//	[31:30] condition   [29:28] class   [27:24] dst   [23:19] op
//	[18:15] src1        [14:11] src2    [10:0]  extra
//
// A src2 of RegK means the operand is the next code word.
const (
	condShift  = 30
	classShift = 28
	dstShift   = 24
	opShift    = 19
	src1Shift  = 15
	src2Shift  = 11
	extraMask  = 1<<11 - 1
)

// Cond gates an instruction on the condition flag.
type Cond uint8

const (
	Always Cond = iota
	IfYes
	IfNo
)

// Class is the instruction class.
type Class uint8

const (
	// ClassTest computes op(src1, src2) and compares dst against it.
	ClassTest Class = iota
	// ClassLoad computes op(src1, src2) into dst.
	ClassLoad
	// ClassJmov is the control, call and register-move family.
	ClassJmov
)

// Reg names one of the 16 register slots.
type Reg uint8

const (
	R0 Reg = iota // always zero
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	// RSP reads pop the stack and writes push.
	RSP
	// RTop reads peek the stack top and writes replace it.
	RTop
	// RegK marks an immediate operand.
	RegK
)

// NumGeneral is the number of general purpose registers, R1..R12.
const NumGeneral = 12

func (r Reg) String() string {
	switch r {
	case RSP:
		return "SP"
	case RTop:
		return "TOP"
	case RegK:
		return "K"
	default:
		return fmt.Sprintf("R%d", uint8(r))
	}
}

func (r Reg) general() bool {
	return r >= R1 && r <= R12
}

// Op is the arithmetic selector of TEST and LD.
type Op uint8

const (
	OpMov Op = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpShru
	OpMin
	OpMax
	OpNeg
	OpNot
	OpAbs
	numOps
)

// Cmp is the comparator of a TEST, carried in the extra field.
type Cmp uint8

const (
	CmpEQ Cmp = iota
	CmpNE
	CmpLT
	CmpLE
	CmpGT
	CmpGE
	numCmps
)

// JOp selects a JMOV sub-operation.
type JOp uint8

const (
	// JumpRel adds the signed extra field to the address of the next instruction.
	JumpRel JOp = iota
	// JumpReg jumps to the address in src1.
	JumpReg
	// JumpLabel jumps to label extra.
	JumpLabel
	// CallLabel pushes the return address and jumps to label extra.
	CallLabel
	// CallReg pushes the return address and jumps to the address in src1.
	CallReg
	// Return pops the return address; zero halts the program.
	Return
	// Label defines label extra at the next instruction.
	Label
	// Syscall invokes the service word in src2 with R1..R4; the result lands in R1.
	Syscall
	// Save pushes registers extra[3:0]..extra[7:4].
	Save
	// Restore pops them back in reverse order.
	Restore
	// BitRead extracts bits of src1 into dst; extra holds pos[4:0] and len[9:5].
	BitRead
	// BitWrite inserts the low bits of src1 into dst.
	BitWrite
	// Scatter stores src1 into heap word src2.
	Scatter
	// Gather loads heap word src2 into dst.
	Gather
	// Swap exchanges dst and src1.
	Swap
	numJOps
)

var jopNames = [...]string{
	JumpRel:   "JUMP",
	JumpReg:   "JUMPR",
	JumpLabel: "JUMPL",
	CallLabel: "CALL",
	CallReg:   "CALLR",
	Return:    "RET",
	Label:     "LABEL",
	Syscall:   "SYSCALL",
	Save:      "SAVE",
	Restore:   "RESTORE",
	BitRead:   "BITRD",
	BitWrite:  "BITWR",
	Scatter:   "SCATTER",
	Gather:    "GATHER",
	Swap:      "SWAP",
}

func (j JOp) String() string {
	if j < numJOps {
		return jopNames[j]
	}
	return fmt.Sprintf("JOP(%d)", uint8(j))
}

// Instr is a decoded instruction.
type Instr struct {
	Cond  Cond
	Class Class
	Dst   Reg
	Op    uint8
	Src1  Reg
	Src2  Reg
	Extra uint16
	// K is the immediate operand, valid when Src2 is RegK.
	K int32
}

// Size returns the number of code words the instruction occupies.
func (in Instr) Size() int {
	if in.Src2 == RegK {
		return 2
	}
	return 1
}

// Offset returns the extra field sign-extended from 11 bits.
func (in Instr) Offset() int32 {
	return int32(int16(in.Extra<<5) >> 5)
}

// Encode appends the instruction's code words to code.
func (in Instr) Encode(code []uint32) []uint32 {
	w := uint32(in.Cond&3)<<condShift |
		uint32(in.Class&3)<<classShift |
		uint32(in.Dst&0xF)<<dstShift |
		uint32(in.Op&0x1F)<<opShift |
		uint32(in.Src1&0xF)<<src1Shift |
		uint32(in.Src2&0xF)<<src2Shift |
		uint32(in.Extra)&extraMask
	code = append(code, w)
	if in.Src2 == RegK {
		code = append(code, uint32(in.K))
	}
	return code
}

// Decode reads the instruction at pc.
func Decode(code []uint32, pc int) (Instr, error) {
	if pc < 0 || pc >= len(code) {
		return Instr{}, fmt.Errorf("%w: pc %d outside program of %d words", ErrBadInstruction, pc, len(code))
	}
	w := code[pc]
	in := Instr{
		Cond:  Cond(w >> condShift & 3),
		Class: Class(w >> classShift & 3),
		Dst:   Reg(w >> dstShift & 0xF),
		Op:    uint8(w >> opShift & 0x1F),
		Src1:  Reg(w >> src1Shift & 0xF),
		Src2:  Reg(w >> src2Shift & 0xF),
		Extra: uint16(w & extraMask),
	}
	if in.Cond > IfNo {
		return Instr{}, fmt.Errorf("%w: bad condition at pc %d", ErrBadInstruction, pc)
	}
	switch in.Class {
	case ClassTest:
		if Op(in.Op) >= numOps || in.Extra >= uint16(numCmps) {
			return Instr{}, fmt.Errorf("%w: bad TEST at pc %d", ErrBadInstruction, pc)
		}
		// TEST only reads its destination; RTop compares against the stack top.
		if in.Dst == RSP {
			return Instr{}, fmt.Errorf("%w: TEST destination %s at pc %d", ErrBadInstruction, RSP, pc)
		}
	case ClassLoad:
		if Op(in.Op) >= numOps {
			return Instr{}, fmt.Errorf("%w: bad LD at pc %d", ErrBadInstruction, pc)
		}
	case ClassJmov:
		if JOp(in.Op) >= numJOps {
			return Instr{}, fmt.Errorf("%w: bad JMOV at pc %d", ErrBadInstruction, pc)
		}
	default:
		return Instr{}, fmt.Errorf("%w: bad class at pc %d", ErrBadInstruction, pc)
	}
	if in.Dst == RegK || in.Src1 == RegK {
		return Instr{}, fmt.Errorf("%w: immediate marker outside src2 at pc %d", ErrBadInstruction, pc)
	}
	if in.Src2 == RegK {
		if pc+1 >= len(code) {
			return Instr{}, fmt.Errorf("%w: missing immediate at pc %d", ErrBadInstruction, pc)
		}
		in.K = int32(code[pc+1])
	}
	return in, nil
}

func (in Instr) String() string {
	var cond string
	switch in.Cond {
	case IfYes:
		cond = "if-yes "
	case IfNo:
		cond = "if-no "
	}
	src2 := in.Src2.String()
	if in.Src2 == RegK {
		src2 = fmt.Sprintf("#%d", in.K)
	}
	switch in.Class {
	case ClassTest:
		return fmt.Sprintf("%sTEST %s %d, op%d(%s, %s)", cond, in.Dst, in.Extra, in.Op, in.Src1, src2)
	case ClassLoad:
		return fmt.Sprintf("%sLD %s = op%d(%s, %s)", cond, in.Dst, in.Op, in.Src1, src2)
	default:
		return fmt.Sprintf("%s%s dst=%s src1=%s src2=%s extra=%d", cond, JOp(in.Op), in.Dst, in.Src1, src2, in.Extra)
	}
}
