// Package script implements the register and stack bytecode machine used for
// in-graph control scripts, and the node kind that runs it.
//
// A Machine has sixteen register slots: R0 always reads zero, R1..R12 are
// general purpose, SP pops on read and pushes on write, TOP peeks and
// replaces the stack top. Calls and SAVE/RESTORE share the same stack.
//
// Execution is bounded by a budget counted in instructions, skipped
// conditional instructions included. When the budget runs out Run returns
// with the machine state intact and the next Run continues where it stopped.
// A RET that pops a zero return address halts the program; the next Run
// starts it again from the first instruction with the registers kept.
package script

import (
	"fmt"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/services"
)

var (
	ErrBadInstruction = rterrors.NewError(rterrors.CodeScript, "invalid instruction", nil)
	ErrBadRegister    = rterrors.NewError(rterrors.CodeScript, "invalid register", nil)
	ErrStackOverflow  = rterrors.NewError(rterrors.CodeScript, "stack overflow", nil)
	ErrStackUnderflow = rterrors.NewError(rterrors.CodeScript, "stack underflow", nil)
	ErrDivideByZero   = rterrors.NewError(rterrors.CodeScript, "division by zero", nil)
	ErrUnknownLabel   = rterrors.NewError(rterrors.CodeScript, "unknown label", nil)
	ErrBadJump        = rterrors.NewError(rterrors.CodeScript, "jump outside program", nil)
	ErrHeapBounds     = rterrors.NewError(rterrors.CodeScript, "heap index out of range", nil)
	ErrNoSyscall      = rterrors.NewError(rterrors.CodeScript, "no syscall handler", nil)
)

// DefaultStackDepth is used when a program declares no stack.
const DefaultStackDepth = 16

// Syscaller serves SYSCALL instructions.
type Syscaller interface {
	Syscall(w services.Word, params [4]int32) (int32, error)
}

// SyscallFunc adapts a function to Syscaller.
type SyscallFunc func(w services.Word, params [4]int32) (int32, error)

// Syscall calls f.
func (f SyscallFunc) Syscall(w services.Word, params [4]int32) (int32, error) {
	return f(w, params)
}

// Config sizes a machine.
type Config struct {
	StackDepth int
	HeapWords  int
	Syscaller  Syscaller
}

// Result reports one Run.
type Result struct {
	// Executed counts instructions, skipped ones included.
	Executed        uint32
	Halted          bool
	BudgetExhausted bool
	Err             error
}

// Machine is one script instance.
type Machine struct {
	code   []uint32
	labels map[uint16]int

	regs  [16]int32
	stack []int32
	sp    int
	heap  []int32

	pc     int
	flag   bool
	halted bool

	sys Syscaller
}

// New validates code and returns a machine ready to run it.
func New(code []uint32, cfg Config) (*Machine, error) {
	depth := cfg.StackDepth
	if depth <= 0 {
		depth = DefaultStackDepth
	}
	if cfg.HeapWords < 0 {
		return nil, fmt.Errorf("negative heap size %d", cfg.HeapWords)
	}

	m := &Machine{
		code:   code,
		labels: make(map[uint16]int),
		// One extra slot holds the halt sentinel.
		stack: make([]int32, depth+1),
		heap:  make([]int32, cfg.HeapWords),
		sys:   cfg.Syscaller,
	}
	for pc := 0; pc < len(code); {
		in, err := Decode(code, pc)
		if err != nil {
			return nil, err
		}
		pc += in.Size()
		if in.Class == ClassJmov && JOp(in.Op) == Label {
			m.labels[in.Extra] = pc
		}
	}
	m.restart()
	return m, nil
}

func (m *Machine) restart() {
	m.pc = 0
	m.flag = false
	m.halted = false
	m.stack[0] = 0
	m.sp = 1
}

// Run executes at most budget instructions.
func (m *Machine) Run(budget uint32) Result {
	if m.halted {
		m.restart()
	}

	var res Result
	for res.Executed < budget {
		if m.pc >= len(m.code) {
			m.halted = true
			break
		}
		in, err := Decode(m.code, m.pc)
		if err != nil {
			res.Err = err
			m.halted = true
			break
		}
		res.Executed++

		next := m.pc + in.Size()
		if !m.enabled(in.Cond) {
			m.pc = next
			continue
		}
		if err := m.exec(in, next); err != nil {
			res.Err = fmt.Errorf("pc %d: %w", m.pc, err)
			m.halted = true
			break
		}
		if m.halted {
			break
		}
	}

	res.Halted = m.halted
	res.BudgetExhausted = !m.halted && res.Executed == budget
	return res
}

func (m *Machine) enabled(c Cond) bool {
	switch c {
	case IfYes:
		return m.flag
	case IfNo:
		return !m.flag
	default:
		return true
	}
}

func (m *Machine) exec(in Instr, next int) error {
	switch in.Class {
	case ClassTest, ClassLoad:
		a, err := m.read(in.Src1)
		if err != nil {
			return err
		}
		b, err := m.operand(in)
		if err != nil {
			return err
		}
		r, err := alu(Op(in.Op), a, b)
		if err != nil {
			return err
		}
		if in.Class == ClassLoad {
			if err := m.write(in.Dst, r); err != nil {
				return err
			}
		} else {
			d, err := m.read(in.Dst)
			if err != nil {
				return err
			}
			m.flag = compare(Cmp(in.Extra), d, r)
		}
		m.pc = next
		return nil
	default:
		return m.jmov(in, next)
	}
}

func (m *Machine) jmov(in Instr, next int) error {
	target := next
	switch JOp(in.Op) {
	case JumpRel:
		target = next + int(in.Offset())

	case JumpReg:
		v, err := m.read(in.Src1)
		if err != nil {
			return err
		}
		target = int(v)

	case JumpLabel, CallLabel:
		pc, ok := m.labels[in.Extra]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownLabel, in.Extra)
		}
		if JOp(in.Op) == CallLabel {
			if err := m.push(int32(next)); err != nil {
				return err
			}
		}
		target = pc

	case CallReg:
		v, err := m.read(in.Src1)
		if err != nil {
			return err
		}
		if err := m.push(int32(next)); err != nil {
			return err
		}
		target = int(v)

	case Return:
		addr, err := m.pop()
		if err != nil {
			return err
		}
		if addr == 0 {
			m.halted = true
			return nil
		}
		target = int(addr)

	case Label:

	case Syscall:
		w, err := m.operand(in)
		if err != nil {
			return err
		}
		if m.sys == nil {
			return ErrNoSyscall
		}
		params := [4]int32{m.regs[R1], m.regs[R2], m.regs[R3], m.regs[R4]}
		r, err := m.sys.Syscall(services.DecodeWord(uint32(w)), params)
		if err != nil {
			return err
		}
		m.regs[R1] = r

	case Save, Restore:
		lo, hi := Reg(in.Extra&0xF), Reg(in.Extra>>4&0xF)
		if !lo.general() || !hi.general() || lo > hi {
			return fmt.Errorf("%w: range %s..%s", ErrBadRegister, lo, hi)
		}
		if JOp(in.Op) == Save {
			for r := lo; r <= hi; r++ {
				if err := m.push(m.regs[r]); err != nil {
					return err
				}
			}
		} else {
			for r := hi; r >= lo; r-- {
				v, err := m.pop()
				if err != nil {
					return err
				}
				m.regs[r] = v
			}
		}

	case BitRead, BitWrite:
		pos, n := uint32(in.Extra&31), uint32(in.Extra>>5&31)
		mask := uint32(0xFFFFFFFF)
		if n != 0 {
			mask = 1<<n - 1
		}
		v, err := m.read(in.Src1)
		if err != nil {
			return err
		}
		if JOp(in.Op) == BitRead {
			if err := m.write(in.Dst, int32(uint32(v)>>pos&mask)); err != nil {
				return err
			}
			break
		}
		d, err := m.read(in.Dst)
		if err != nil {
			return err
		}
		field := mask << pos
		if err := m.write(in.Dst, int32(uint32(d)&^field|uint32(v)<<pos&field)); err != nil {
			return err
		}

	case Scatter:
		v, err := m.read(in.Src1)
		if err != nil {
			return err
		}
		i, err := m.heapIndex(in)
		if err != nil {
			return err
		}
		m.heap[i] = v

	case Gather:
		i, err := m.heapIndex(in)
		if err != nil {
			return err
		}
		if err := m.write(in.Dst, m.heap[i]); err != nil {
			return err
		}

	case Swap:
		if !in.Dst.general() || !in.Src1.general() {
			return fmt.Errorf("%w: swap %s, %s", ErrBadRegister, in.Dst, in.Src1)
		}
		m.regs[in.Dst], m.regs[in.Src1] = m.regs[in.Src1], m.regs[in.Dst]

	default:
		return fmt.Errorf("%w: %s", ErrBadInstruction, JOp(in.Op))
	}

	if target < 0 || target > len(m.code) {
		return fmt.Errorf("%w: %d", ErrBadJump, target)
	}
	m.pc = target
	return nil
}

func (m *Machine) heapIndex(in Instr) (int, error) {
	v, err := m.operand(in)
	if err != nil {
		return 0, err
	}
	if v < 0 || int(v) >= len(m.heap) {
		return 0, fmt.Errorf("%w: %d of %d", ErrHeapBounds, v, len(m.heap))
	}
	return int(v), nil
}

func (m *Machine) operand(in Instr) (int32, error) {
	if in.Src2 == RegK {
		return in.K, nil
	}
	return m.read(in.Src2)
}

func (m *Machine) read(r Reg) (int32, error) {
	switch {
	case r == R0:
		return 0, nil
	case r.general():
		return m.regs[r], nil
	case r == RSP:
		return m.pop()
	case r == RTop:
		if m.sp == 0 {
			return 0, ErrStackUnderflow
		}
		return m.stack[m.sp-1], nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrBadRegister, r)
	}
}

func (m *Machine) write(r Reg, v int32) error {
	switch {
	case r == R0:
		return nil
	case r.general():
		m.regs[r] = v
		return nil
	case r == RSP:
		return m.push(v)
	case r == RTop:
		if m.sp == 0 {
			return ErrStackUnderflow
		}
		m.stack[m.sp-1] = v
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBadRegister, r)
	}
}

func (m *Machine) push(v int32) error {
	if m.sp == len(m.stack) {
		return ErrStackOverflow
	}
	m.stack[m.sp] = v
	m.sp++
	return nil
}

func (m *Machine) pop() (int32, error) {
	if m.sp == 0 {
		return 0, ErrStackUnderflow
	}
	m.sp--
	return m.stack[m.sp], nil
}

func alu(op Op, a, b int32) (int32, error) {
	switch op {
	case OpMov:
		return b, nil
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpDiv, OpMod:
		if b == 0 {
			return 0, ErrDivideByZero
		}
		if op == OpDiv {
			return a / b, nil
		}
		return a % b, nil
	case OpAnd:
		return a & b, nil
	case OpOr:
		return a | b, nil
	case OpXor:
		return a ^ b, nil
	case OpShl:
		return a << (uint32(b) & 31), nil
	case OpShr:
		return a >> (uint32(b) & 31), nil
	case OpShru:
		return int32(uint32(a) >> (uint32(b) & 31)), nil
	case OpMin:
		return min(a, b), nil
	case OpMax:
		return max(a, b), nil
	case OpNeg:
		return -b, nil
	case OpNot:
		return ^b, nil
	case OpAbs:
		if b < 0 {
			return -b, nil
		}
		return b, nil
	default:
		return 0, fmt.Errorf("%w: op %d", ErrBadInstruction, op)
	}
}

func compare(c Cmp, d, r int32) bool {
	switch c {
	case CmpEQ:
		return d == r
	case CmpNE:
		return d != r
	case CmpLT:
		return d < r
	case CmpLE:
		return d <= r
	case CmpGT:
		return d > r
	default:
		return d >= r
	}
}

// Reg returns the value of register r. Stack aliases are not readable here.
func (m *Machine) Reg(r Reg) int32 {
	if r.general() {
		return m.regs[r]
	}
	return 0
}

// SetReg sets a general register.
func (m *Machine) SetReg(r Reg, v int32) error {
	if !r.general() {
		return fmt.Errorf("%w: %s", ErrBadRegister, r)
	}
	m.regs[r] = v
	return nil
}

// Flag returns the condition flag.
func (m *Machine) Flag() bool { return m.flag }

// PC returns the program counter.
func (m *Machine) PC() int { return m.pc }

// Halted reports whether the program returned.
func (m *Machine) Halted() bool { return m.halted }

// Depth returns the number of words on the stack, sentinel included.
func (m *Machine) Depth() int { return m.sp }

// Heap returns the heap words.
func (m *Machine) Heap() []int32 { return m.heap }
