package script

import (
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/services"
)

// Asm builds programs instruction by instruction.
//
//	code := script.NewAsm().
//		MovK(script.R1, 5).
//		TestK(script.CmpLE, script.R1, script.OpMov, script.R0, 5).
//		IfYes().LdK(script.R2, script.OpAdd, script.R2, 1).
//		Ret().
//		Code()
type Asm struct {
	code []uint32
	cond Cond
}

// NewAsm returns an empty program.
func NewAsm() *Asm {
	return &Asm{}
}

// IfYes makes the next instruction run only when the flag is set.
func (a *Asm) IfYes() *Asm {
	a.cond = IfYes
	return a
}

// IfNo makes the next instruction run only when the flag is clear.
func (a *Asm) IfNo() *Asm {
	a.cond = IfNo
	return a
}

// Emit appends a raw instruction, applying a pending condition.
func (a *Asm) Emit(in Instr) *Asm {
	if in.Cond == Always {
		in.Cond = a.cond
	}
	a.cond = Always
	a.code = in.Encode(a.code)
	return a
}

// PC returns the word address the next instruction will get.
func (a *Asm) PC() int {
	return len(a.code)
}

// Code returns the assembled program.
func (a *Asm) Code() []uint32 {
	return append([]uint32(nil), a.code...)
}

// Ld emits dst = op(src1, src2).
func (a *Asm) Ld(dst Reg, op Op, src1, src2 Reg) *Asm {
	return a.Emit(Instr{Class: ClassLoad, Dst: dst, Op: uint8(op), Src1: src1, Src2: src2})
}

// LdK emits dst = op(src1, k).
func (a *Asm) LdK(dst Reg, op Op, src1 Reg, k int32) *Asm {
	return a.Emit(Instr{Class: ClassLoad, Dst: dst, Op: uint8(op), Src1: src1, Src2: RegK, K: k})
}

// Mov emits dst = src.
func (a *Asm) Mov(dst, src Reg) *Asm {
	return a.Ld(dst, OpMov, R0, src)
}

// MovK emits dst = k.
func (a *Asm) MovK(dst Reg, k int32) *Asm {
	return a.LdK(dst, OpMov, R0, k)
}

// Test emits flag = dst cmp op(src1, src2).
func (a *Asm) Test(cmp Cmp, dst Reg, op Op, src1, src2 Reg) *Asm {
	return a.Emit(Instr{Class: ClassTest, Dst: dst, Op: uint8(op), Src1: src1, Src2: src2, Extra: uint16(cmp)})
}

// TestK emits flag = dst cmp op(src1, k).
func (a *Asm) TestK(cmp Cmp, dst Reg, op Op, src1 Reg, k int32) *Asm {
	return a.Emit(Instr{Class: ClassTest, Dst: dst, Op: uint8(op), Src1: src1, Src2: RegK, K: k, Extra: uint16(cmp)})
}

func (a *Asm) jmov(op JOp, dst, src1, src2 Reg, extra uint16) *Asm {
	return a.Emit(Instr{Class: ClassJmov, Op: uint8(op), Dst: dst, Src1: src1, Src2: src2, Extra: extra & extraMask})
}

// Jump emits a jump by offset words, counted from the next instruction.
func (a *Asm) Jump(offset int) *Asm {
	return a.jmov(JumpRel, R0, R0, R0, uint16(int16(offset)))
}

// JumpR emits a jump to the address held in src.
func (a *Asm) JumpR(src Reg) *Asm {
	return a.jmov(JumpReg, R0, src, R0, 0)
}

// JumpL emits a jump to a label.
func (a *Asm) JumpL(label uint16) *Asm {
	return a.jmov(JumpLabel, R0, R0, R0, label)
}

// Call emits a call to a label.
func (a *Asm) Call(label uint16) *Asm {
	return a.jmov(CallLabel, R0, R0, R0, label)
}

// CallR emits a call to the address held in src.
func (a *Asm) CallR(src Reg) *Asm {
	return a.jmov(CallReg, R0, src, R0, 0)
}

// Ret emits a return.
func (a *Asm) Ret() *Asm {
	return a.jmov(Return, R0, R0, R0, 0)
}

// Label defines a label at the next instruction.
func (a *Asm) Label(id uint16) *Asm {
	return a.jmov(Label, R0, R0, R0, id)
}

// Syscall emits a service call with an immediate service word.
func (a *Asm) Syscall(w services.Word) *Asm {
	return a.Emit(Instr{Class: ClassJmov, Op: uint8(Syscall), Src2: RegK, K: int32(w.Encode())})
}

// SyscallR emits a service call with the service word held in src.
func (a *Asm) SyscallR(src Reg) *Asm {
	return a.jmov(Syscall, R0, R0, src, 0)
}

// Save pushes lo..hi.
func (a *Asm) Save(lo, hi Reg) *Asm {
	return a.jmov(Save, R0, R0, R0, uint16(lo)|uint16(hi)<<4)
}

// Restore pops hi..lo.
func (a *Asm) Restore(lo, hi Reg) *Asm {
	return a.jmov(Restore, R0, R0, R0, uint16(lo)|uint16(hi)<<4)
}

// BitRead emits dst = bits [pos, pos+n) of src. n of 0 means 32.
func (a *Asm) BitRead(dst, src Reg, pos, n uint8) *Asm {
	return a.jmov(BitRead, dst, src, R0, bitfield(pos, n))
}

// BitWrite replaces bits [pos, pos+n) of dst with the low bits of src.
func (a *Asm) BitWrite(dst, src Reg, pos, n uint8) *Asm {
	return a.jmov(BitWrite, dst, src, R0, bitfield(pos, n))
}

func bitfield(pos, n uint8) uint16 {
	return uint16(pos&31) | uint16(n&31)<<5
}

// Scatter stores src into the heap word addressed by index.
func (a *Asm) Scatter(src, index Reg) *Asm {
	return a.jmov(Scatter, R0, src, index, 0)
}

// ScatterK stores src into heap word index.
func (a *Asm) ScatterK(src Reg, index int32) *Asm {
	return a.Emit(Instr{Class: ClassJmov, Op: uint8(Scatter), Src1: src, Src2: RegK, K: index})
}

// Gather loads the heap word addressed by index into dst.
func (a *Asm) Gather(dst, index Reg) *Asm {
	return a.jmov(Gather, dst, R0, index, 0)
}

// GatherK loads heap word index into dst.
func (a *Asm) GatherK(dst Reg, index int32) *Asm {
	return a.Emit(Instr{Class: ClassJmov, Op: uint8(Gather), Dst: dst, Src2: RegK, K: index})
}

// Swap exchanges two general registers.
func (a *Asm) Swap(x, y Reg) *Asm {
	return a.jmov(Swap, x, y, R0, 0)
}

// Disassemble renders a program one instruction per line.
func Disassemble(code []uint32) ([]string, error) {
	var out []string
	for pc := 0; pc < len(code); {
		in, err := Decode(code, pc)
		if err != nil {
			return out, err
		}
		out = append(out, fmt.Sprintf("%04d  %s", pc, in))
		pc += in.Size()
	}
	return out, nil
}
