package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/metaclang/metac/pkg/bytecode"
)

func assemble(build func(im *bytecode.Image)) *bytecode.Image {
	im := bytecode.NewImage()
	build(im)
	return im
}

func run(t *testing.T, im *bytecode.Image) bytecode.Word {
	t.Helper()
	m := New(im)
	w, err := m.Run()
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return w
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name  string
		op    bytecode.Opcode
		left  int64
		right int64
		want  int64
	}{
		{"add", bytecode.OpAdd, 2, 3, 5},
		{"sub", bytecode.OpSub, 10, 3, 7},
		{"mul", bytecode.OpMul, 6, 7, 42},
		{"div", bytecode.OpDiv, 42, 5, 8},
		{"div negative", bytecode.OpDiv, -7, 2, -3},
		{"lshift", bytecode.OpLshift, 1, 10, 1024},
		{"rshift", bytecode.OpRshift, -16, 2, -4},
		{"gt true", bytecode.OpGt, 5, 3, 1},
		{"gt false", bytecode.OpGt, 3, 5, 0},
		{"lt true", bytecode.OpLt, 3, 5, 1},
		{"lt false", bytecode.OpLt, 5, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := assemble(func(im *bytecode.Image) {
				// Right operand below the left so the left pops first
				im.Emit(bytecode.OpLi, bytecode.NoLine)
				im.EmitWord(tt.right)
				im.Emit(bytecode.OpLi, bytecode.NoLine)
				im.EmitWord(tt.left)
				im.Emit(tt.op, bytecode.NoLine)
				im.Emit(bytecode.OpExit, bytecode.NoLine)
			})
			if got := run(t, im); got != tt.want {
				t.Errorf("%d %s %d: expected %d, got %d", tt.left, tt.name, tt.right, tt.want, got)
			}
		})
	}
}

func TestWraparound(t *testing.T) {
	const maxInt64 = 1<<63 - 1
	im := assemble(func(im *bytecode.Image) {
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(1)
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(maxInt64)
		im.Emit(bytecode.OpAdd, bytecode.NoLine)
		im.Emit(bytecode.OpExit, bytecode.NoLine)
	})
	if got := run(t, im); got != -1<<63 {
		t.Errorf("expected two's-complement wraparound, got %d", got)
	}
}

func TestNot(t *testing.T) {
	for _, tt := range []struct{ in, want int64 }{{0, 1}, {1, 0}, {-7, 0}} {
		im := assemble(func(im *bytecode.Image) {
			im.Emit(bytecode.OpLi, bytecode.NoLine)
			im.EmitWord(tt.in)
			im.Emit(bytecode.OpNot, bytecode.NoLine)
			im.Emit(bytecode.OpExit, bytecode.NoLine)
		})
		if got := run(t, im); got != tt.want {
			t.Errorf("NOT %d: expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestBranchTakenAndNotTaken(t *testing.T) {
	// BIZ skips the LI 1 when the popped value is zero
	build := func(cond int64) *bytecode.Image {
		return assemble(func(im *bytecode.Image) {
			im.Emit(bytecode.OpLi, bytecode.NoLine)
			im.EmitWord(99) // fallback result
			im.Emit(bytecode.OpLi, bytecode.NoLine)
			im.EmitWord(cond)
			operand := im.Emit(bytecode.OpBiz, bytecode.NoLine)
			im.EmitQuarter(0)
			im.Emit(bytecode.OpLi, bytecode.NoLine)
			im.EmitWord(1)
			im.PatchQuarter(operand, bytecode.Quarter(im.Offset()-operand-bytecode.QuarterSize))
			im.Emit(bytecode.OpExit, bytecode.NoLine)
		})
	}
	if got := run(t, build(0)); got != 99 {
		t.Errorf("taken branch: expected 99, got %d", got)
	}
	if got := run(t, build(5)); got != 1 {
		t.Errorf("untaken branch: expected 1, got %d", got)
	}
}

func TestAbsoluteAndIndirectMemory(t *testing.T) {
	im := assemble(func(im *bytecode.Image) {
		// Reserve two words, store 11 at byte 0 and 22 at byte 8 via STI,
		// then read both back
		im.Emit(bytecode.OpPushN, bytecode.NoLine)
		im.EmitQuarter(2)
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(11)
		im.Emit(bytecode.OpStA, bytecode.NoLine)
		im.EmitWord(0)
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(22)
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(8)
		im.Emit(bytecode.OpStI, bytecode.NoLine)
		im.Emit(bytecode.OpLdA, bytecode.NoLine)
		im.EmitWord(0)
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(8)
		im.Emit(bytecode.OpLdI, bytecode.NoLine)
		im.Emit(bytecode.OpAdd, bytecode.NoLine)
		im.Emit(bytecode.OpExit, bytecode.NoLine)
	})
	if got := run(t, im); got != 33 {
		t.Errorf("expected 33, got %d", got)
	}
}

// TestCallDiscipline exercises the full call convention by hand: a function
// that doubles its parameter, called with 21.
func TestCallDiscipline(t *testing.T) {
	im := bytecode.NewImage()

	// Caller: reserve return slot, push argument, call, pop argument
	im.Emit(bytecode.OpPushN, bytecode.NoLine)
	im.EmitQuarter(1)
	im.Emit(bytecode.OpLi, bytecode.NoLine)
	im.EmitWord(21)
	targetOperand := im.Emit(bytecode.OpLi, bytecode.NoLine)
	im.EmitWord(0)
	im.Emit(bytecode.OpCall, bytecode.NoLine)
	im.Emit(bytecode.OpPopN, bytecode.NoLine)
	im.EmitQuarter(1)
	im.Emit(bytecode.OpExit, bytecode.NoLine)

	// Callee: frame is [ret][param][pc][bp] below bp, so the return slot
	// sits at bp-32 and the parameter at bp-24
	funcStart := im.Offset()
	im.PatchWord(targetOperand, bytecode.Word(funcStart))
	im.Emit(bytecode.OpFuncPro, bytecode.NoLine)
	im.Emit(bytecode.OpLdBp, bytecode.NoLine)
	im.EmitQuarter(-24)
	im.Emit(bytecode.OpLdBp, bytecode.NoLine)
	im.EmitQuarter(-24)
	im.Emit(bytecode.OpAdd, bytecode.NoLine)
	im.Emit(bytecode.OpStBp, bytecode.NoLine)
	im.EmitQuarter(-32)
	im.Emit(bytecode.OpRet, bytecode.NoLine)

	if got := run(t, im); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestPrintOrder(t *testing.T) {
	im := assemble(func(im *bytecode.Image) {
		for _, v := range []int64{1, 2, 3} {
			im.Emit(bytecode.OpLi, bytecode.NoLine)
			im.EmitWord(v)
		}
		im.Emit(bytecode.OpPrint, bytecode.NoLine)
		im.EmitByte(3, bytecode.NoLine)
		im.Emit(bytecode.OpExit, bytecode.NoLine)
	})

	var out bytes.Buffer
	m := New(im)
	m.SetOutput(&out)
	if _, err := m.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := out.String(); got != "1 2 3\n" {
		t.Errorf("expected %q, got %q", "1 2 3\n", got)
	}
}

func TestUnknownOpcode(t *testing.T) {
	im := assemble(func(im *bytecode.Image) {
		im.EmitByte(0xEE, bytecode.NoLine)
	})
	if _, err := New(im).Run(); err == nil || !strings.Contains(err.Error(), "unknown opcode") {
		t.Fatalf("expected an unknown opcode error, got %v", err)
	}
}

func TestQuotaExceeded(t *testing.T) {
	// An infinite loop: jump back to offset zero forever
	im := assemble(func(im *bytecode.Image) {
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(0)
		im.Emit(bytecode.OpJmp, bytecode.NoLine)
	})
	m := New(im)
	m.SetQuota(1000)
	_, err := m.Run()
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestStackOverflow(t *testing.T) {
	im := assemble(func(im *bytecode.Image) {
		im.Emit(bytecode.OpPushN, bytecode.NoLine)
		im.EmitQuarter(32000)
		im.Emit(bytecode.OpPushN, bytecode.NoLine)
		im.EmitQuarter(32000)
		im.Emit(bytecode.OpExit, bytecode.NoLine)
	})
	m := New(im)
	m.SetStackSize(16 * 1024)
	if _, err := m.Run(); err == nil || !strings.Contains(err.Error(), "overflow") {
		t.Fatalf("expected a stack overflow error, got %v", err)
	}
}

func TestDivisionByZero(t *testing.T) {
	im := assemble(func(im *bytecode.Image) {
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(0)
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(1)
		im.Emit(bytecode.OpDiv, bytecode.NoLine)
		im.Emit(bytecode.OpExit, bytecode.NoLine)
	})
	if _, err := New(im).Run(); err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Fatalf("expected a division by zero error, got %v", err)
	}
}

func TestExitWithEmptyStack(t *testing.T) {
	im := assemble(func(im *bytecode.Image) {
		im.Emit(bytecode.OpExit, bytecode.NoLine)
	})
	if got := run(t, im); got != 0 {
		t.Errorf("expected 0 for an empty stack, got %d", got)
	}
}

func TestDebugDump(t *testing.T) {
	im := assemble(func(im *bytecode.Image) {
		im.Emit(bytecode.OpLi, bytecode.NoLine)
		im.EmitWord(7)
		im.Emit(bytecode.OpExit, bytecode.NoLine)
	})
	var dbg bytes.Buffer
	m := New(im)
	m.SetDebug(&dbg)
	if _, err := m.Run(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(dbg.String(), "LI") {
		t.Errorf("debug dump should mention the executed opcode:\n%s", dbg.String())
	}
}
