package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/metaclang/metac/pkg/bytecode"
)

// DefaultStackSize is the size of the value stack in bytes.
const DefaultStackSize = 64 * 1024

// DefaultQuota bounds the number of instructions a single run may execute.
// Compile-time code has no termination guarantee, so the quota turns
// runaway evaluation into an error instead of a hang.
const DefaultQuota uint64 = 50_000_000

// ErrQuotaExceeded is returned when a run executes more instructions than
// its quota allows.
var ErrQuotaExceeded = errors.New("instruction quota exceeded")

// Machine executes a bytecode image against a byte-addressable stack.
//
// Registers: pc is a byte index into the code, sp a byte index into the
// stack (growing upward), and bp the byte offset at which the current
// frame was pinned. The current function's return slot, parameters, saved
// pc and saved bp all sit below bp; locals grow above it.
type Machine struct {
	image *bytecode.Image
	stack []byte

	pc int
	sp int
	bp int64

	executed uint64
	quota    uint64

	out      io.Writer // PRINT output
	debugOut io.Writer // per-instruction dump, nil when disabled
}

func New(image *bytecode.Image) *Machine {
	return &Machine{
		image: image,
		stack: make([]byte, DefaultStackSize),
		quota: DefaultQuota,
		out:   os.Stdout,
	}
}

// SetStackSize replaces the stack with one of the given size in bytes.
func (m *Machine) SetStackSize(n int) {
	if n < 8*1024 {
		n = 8 * 1024
	}
	m.stack = make([]byte, n)
}

// SetQuota sets the instruction quota. Zero means the default.
func (m *Machine) SetQuota(n uint64) {
	if n == 0 {
		n = DefaultQuota
	}
	m.quota = n
}

// SetOutput redirects PRINT output.
func (m *Machine) SetOutput(w io.Writer) {
	m.out = w
}

// SetDebug enables the per-instruction stack dump, written to w.
func (m *Machine) SetDebug(w io.Writer) {
	m.debugOut = w
}

// InstructionsExecuted returns the number of instructions the last Run
// executed.
func (m *Machine) InstructionsExecuted() uint64 {
	return m.executed
}

// Run executes the image from offset zero until EXIT and returns the word
// on top of the stack, or zero if the stack is empty at exit.
func (m *Machine) Run() (bytecode.Word, error) {
	m.pc = 0
	m.sp = 0
	m.bp = 0
	m.executed = 0

	for {
		if m.pc < 0 || m.pc >= len(m.image.Code) {
			return 0, fmt.Errorf("vm: pc %d outside code (size %d)", m.pc, len(m.image.Code))
		}
		m.executed++
		if m.executed > m.quota {
			return 0, fmt.Errorf("vm: %w after %d instructions", ErrQuotaExceeded, m.quota)
		}

		op := bytecode.Opcode(m.image.Code[m.pc])
		m.pc++

		if err := m.step(op); err != nil {
			if errors.Is(err, errHalt) {
				break
			}
			return 0, err
		}

		if m.debugOut != nil {
			m.dump(op)
		}
	}

	if m.sp < bytecode.WordSize {
		return 0, nil
	}
	return m.popWord()
}

// errHalt is the internal signal for EXIT.
var errHalt = errors.New("halt")

func (m *Machine) step(op bytecode.Opcode) error {
	switch op {
	case bytecode.OpAdd:
		return m.binop(func(a, b bytecode.Word) bytecode.Word { return a + b })
	case bytecode.OpSub:
		return m.binop(func(a, b bytecode.Word) bytecode.Word { return a - b })
	case bytecode.OpMul:
		return m.binop(func(a, b bytecode.Word) bytecode.Word { return a * b })
	case bytecode.OpDiv:
		a, err := m.popWord()
		if err != nil {
			return err
		}
		b, err := m.popWord()
		if err != nil {
			return err
		}
		if b == 0 {
			return fmt.Errorf("vm: division by zero at pc %d", m.pc-1)
		}
		return m.pushWord(a / b)
	case bytecode.OpLshift:
		return m.binop(func(a, b bytecode.Word) bytecode.Word { return a << uint64(b) })
	case bytecode.OpRshift:
		return m.binop(func(a, b bytecode.Word) bytecode.Word { return a >> uint64(b) })
	case bytecode.OpGt:
		return m.binop(func(a, b bytecode.Word) bytecode.Word { return boolWord(a > b) })
	case bytecode.OpLt:
		return m.binop(func(a, b bytecode.Word) bytecode.Word { return boolWord(a < b) })

	case bytecode.OpNot:
		a, err := m.popWord()
		if err != nil {
			return err
		}
		return m.pushWord(boolWord(a == 0))

	case bytecode.OpJmp:
		a, err := m.popWord()
		if err != nil {
			return err
		}
		m.pc = int(a)

	case bytecode.OpBiz:
		q := m.nextQuarter()
		a, err := m.popWord()
		if err != nil {
			return err
		}
		if a == 0 {
			m.pc += int(q)
		}

	case bytecode.OpBnz:
		q := m.nextQuarter()
		a, err := m.popWord()
		if err != nil {
			return err
		}
		if a != 0 {
			m.pc += int(q)
		}

	case bytecode.OpLi:
		return m.pushWord(m.nextWord())

	case bytecode.OpPushN:
		n := m.nextQuarter()
		top := m.sp + int(n)*bytecode.WordSize
		if top > len(m.stack) {
			return fmt.Errorf("vm: stack overflow reserving %d words", n)
		}
		m.sp = top

	case bytecode.OpPopN:
		n := m.nextQuarter()
		top := m.sp - int(n)*bytecode.WordSize
		if top < 0 {
			return fmt.Errorf("vm: stack underflow releasing %d words", n)
		}
		m.sp = top

	case bytecode.OpLdBp:
		q := m.nextQuarter()
		v, err := m.loadWord(m.bp + int64(q))
		if err != nil {
			return err
		}
		return m.pushWord(v)

	case bytecode.OpStBp:
		q := m.nextQuarter()
		a, err := m.popWord()
		if err != nil {
			return err
		}
		return m.storeWord(m.bp+int64(q), a)

	case bytecode.OpLdA:
		w := m.nextWord()
		v, err := m.loadWord(w)
		if err != nil {
			return err
		}
		return m.pushWord(v)

	case bytecode.OpStA:
		w := m.nextWord()
		a, err := m.popWord()
		if err != nil {
			return err
		}
		return m.storeWord(w, a)

	case bytecode.OpLdI:
		addr, err := m.popWord()
		if err != nil {
			return err
		}
		v, err := m.loadWord(addr)
		if err != nil {
			return err
		}
		return m.pushWord(v)

	case bytecode.OpStI:
		addr, err := m.popWord()
		if err != nil {
			return err
		}
		a, err := m.popWord()
		if err != nil {
			return err
		}
		return m.storeWord(addr, a)

	case bytecode.OpPrint:
		n := m.image.Code[m.pc]
		m.pc++
		args := make([]bytecode.Word, n)
		for i := range args {
			a, err := m.popWord()
			if err != nil {
				return err
			}
			args[i] = a
		}
		// args[0] is the last pushed; render in push order
		parts := make([]string, n)
		for i := range args {
			parts[int(n)-1-i] = strconv.FormatInt(args[i], 10)
		}
		fmt.Fprintln(m.out, strings.Join(parts, " "))

	case bytecode.OpCall:
		target, err := m.popWord()
		if err != nil {
			return err
		}
		if err := m.pushWord(bytecode.Word(m.pc)); err != nil {
			return err
		}
		m.pc = int(target)

	case bytecode.OpFuncPro:
		if err := m.pushWord(m.bp); err != nil {
			return err
		}
		m.bp = int64(m.sp)

	case bytecode.OpRet:
		m.sp = int(m.bp)
		var err error
		if m.bp, err = m.popWord(); err != nil {
			return err
		}
		pc, err := m.popWord()
		if err != nil {
			return err
		}
		m.pc = int(pc)

	case bytecode.OpNop:

	case bytecode.OpExit:
		return errHalt

	default:
		return fmt.Errorf("vm: unknown opcode 0x%02X at pc %d", byte(op), m.pc-1)
	}
	return nil
}

func (m *Machine) binop(f func(a, b bytecode.Word) bytecode.Word) error {
	a, err := m.popWord()
	if err != nil {
		return err
	}
	b, err := m.popWord()
	if err != nil {
		return err
	}
	return m.pushWord(f(a, b))
}

func boolWord(b bool) bytecode.Word {
	if b {
		return 1
	}
	return 0
}

// nextWord reads the immediate word at pc and advances past it.
func (m *Machine) nextWord() bytecode.Word {
	v := bytecode.Word(binary.LittleEndian.Uint64(m.image.Code[m.pc:]))
	m.pc += bytecode.WordSize
	return v
}

// nextQuarter reads the immediate quarter at pc and advances past it.
func (m *Machine) nextQuarter() bytecode.Quarter {
	v := bytecode.Quarter(binary.LittleEndian.Uint16(m.image.Code[m.pc:]))
	m.pc += bytecode.QuarterSize
	return v
}

func (m *Machine) pushWord(w bytecode.Word) error {
	if m.sp+bytecode.WordSize > len(m.stack) {
		return fmt.Errorf("vm: stack overflow at pc %d", m.pc)
	}
	binary.LittleEndian.PutUint64(m.stack[m.sp:], uint64(w))
	m.sp += bytecode.WordSize
	return nil
}

func (m *Machine) popWord() (bytecode.Word, error) {
	if m.sp < bytecode.WordSize {
		return 0, fmt.Errorf("vm: stack underflow at pc %d", m.pc)
	}
	m.sp -= bytecode.WordSize
	return bytecode.Word(binary.LittleEndian.Uint64(m.stack[m.sp:])), nil
}

func (m *Machine) loadWord(byteOffset int64) (bytecode.Word, error) {
	if byteOffset < 0 || byteOffset+bytecode.WordSize > int64(len(m.stack)) {
		return 0, fmt.Errorf("vm: load outside the stack at byte offset %d", byteOffset)
	}
	return bytecode.Word(binary.LittleEndian.Uint64(m.stack[byteOffset:])), nil
}

func (m *Machine) storeWord(byteOffset int64, w bytecode.Word) error {
	if byteOffset < 0 || byteOffset+bytecode.WordSize > int64(len(m.stack)) {
		return fmt.Errorf("vm: store outside the stack at byte offset %d", byteOffset)
	}
	binary.LittleEndian.PutUint64(m.stack[byteOffset:], uint64(w))
	return nil
}

// dump prints the machine state after one instruction: step number,
// opcode, bp, and the live stack as words.
func (m *Machine) dump(op bytecode.Opcode) {
	fmt.Fprintf(m.debugOut, "Step %d : %s, bp : %d (%d)\n",
		m.executed-1, op, m.bp, m.bp/bytecode.WordSize)
	for i := 0; i+bytecode.WordSize <= m.sp; i += bytecode.WordSize {
		w := bytecode.Word(binary.LittleEndian.Uint64(m.stack[i:]))
		fmt.Fprintf(m.debugOut, "%d: %d\n", i/bytecode.WordSize, w)
	}
	fmt.Fprintln(m.debugOut)
}
