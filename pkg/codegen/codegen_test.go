package codegen

import (
	"bytes"
	"strings"
	"testing"

	"github.com/metaclang/metac/pkg/ast"
	"github.com/metaclang/metac/pkg/bytecode"
	"github.com/metaclang/metac/pkg/parser"
	"github.com/metaclang/metac/pkg/sem"
	"github.com/metaclang/metac/pkg/types"
	"github.com/metaclang/metac/pkg/vm"
)

// lower parses, checks and lowers a program with no compile-time calls.
func lower(t *testing.T, src string) (*bytecode.Image, *ast.Root, *types.SymbolTable) {
	t.Helper()
	root, parseErrs := parser.Parse(src)
	if len(parseErrs) > 0 {
		t.Fatalf("parse errors: %v", parseErrs)
	}
	symt, semErrs := sem.Check(root)
	if len(semErrs) > 0 {
		t.Fatalf("check errors: %v", semErrs)
	}
	img, err := LowerProgram(symt, root)
	if err != nil {
		t.Fatalf("lowering failed: %v", err)
	}
	return img, root, symt
}

// lowerAndRun additionally executes the image and returns its PRINT output
// and exit word.
func lowerAndRun(t *testing.T, src string) (string, bytecode.Word) {
	t.Helper()
	img, _, _ := lower(t, src)
	var out bytes.Buffer
	m := vm.New(img)
	m.SetOutput(&out)
	w, err := m.Run()
	if err != nil {
		t.Fatalf("execution failed: %v\n%s", err, img.Disassemble(src))
	}
	return out.String(), w
}

func TestLowerExpressionStatement(t *testing.T) {
	out, w := lowerAndRun(t, "func main(): s32 begin print 1 + 2 * 3 return 0 end")
	if out != "7\n" {
		t.Errorf("expected output 7, got %q", out)
	}
	if w != 0 {
		t.Errorf("expected exit word 0, got %d", w)
	}
}

func TestLowerArithmeticAgreement(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"10 - 3", "7"},
		{"10 - 3 - 2", "5"},
		{"2 * 3 + 4 * 5", "26"},
		{"100 / 10 / 2", "5"},
		{"1 << 10", "1024"},
		{"1024 >> 3", "128"},
		{"(1 + 2) * 3", "9"},
		{"10 - 15", "-5"},
	}
	for _, tt := range tests {
		src := "func main(): s32 begin print " + tt.expr + " return 0 end"
		out, _ := lowerAndRun(t, src)
		if out != tt.want+"\n" {
			t.Errorf("%s: expected %s, got %q", tt.expr, tt.want, out)
		}
	}
}

func TestLowerUnaryMinus(t *testing.T) {
	src := `
func main(): s32 begin
	var x: s32
	x := 5
	print -x
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "-5\n" {
		t.Errorf("expected -5, got %q", out)
	}
}

func TestLowerComparisons(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"1 = 1", "1"},
		{"1 = 2", "0"},
		{"1 != 2", "1"},
		{"2 != 2", "0"},
		{"3 > 2", "1"},
		{"2 > 3", "0"},
		{"2 < 3", "1"},
		{"3 < 2", "0"},
	}
	for _, tt := range tests {
		src := "func main(): s32 begin print " + tt.expr + " return 0 end"
		out, _ := lowerAndRun(t, src)
		if out != tt.want+"\n" {
			t.Errorf("%s: expected %s, got %q", tt.expr, tt.want, out)
		}
	}
}

func TestLowerWhileLoop(t *testing.T) {
	src := `
func main(): s32 begin
	var i: s32
	i := 0
	while i < 3 do begin
		print i
		i := i + 1
	end
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "0\n1\n2\n" {
		t.Errorf("expected 0,1,2 on separate lines, got %q", out)
	}
}

func TestLowerBreakAndContinue(t *testing.T) {
	src := `
func main(): s32 begin
	var i: s32
	i := 0
	while i < 10 do begin
		i := i + 1
		if i = 2 then continue
		if i > 4 then break
		print i
	end
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "1\n3\n4\n" {
		t.Errorf("expected 1,3,4, got %q", out)
	}
}

func TestLowerNestedLoopsBindInnermost(t *testing.T) {
	src := `
func main(): s32 begin
	var i: s32, j: s32
	i := 0
	while i < 2 do begin
		j := 0
		while j < 5 do begin
			if j = 1 then break
			print i * 10 + j
			j := j + 1
		end
		i := i + 1
	end
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "0\n10\n" {
		t.Errorf("break bound to the wrong loop, got %q", out)
	}
}

func TestLowerForwardCallPatched(t *testing.T) {
	// main calls a function that is emitted after it
	src := `
func main(): s32 begin
	print double(21)
	return 0
end
func double(x: s32): s32 begin return x + x end`
	out, _ := lowerAndRun(t, src)
	if out != "42\n" {
		t.Errorf("forward call broken, got %q", out)
	}
}

func TestLowerRecursion(t *testing.T) {
	src := `
func fib(n: s32): s32 begin
	if n = 0 then return 0
	if n = 1 then return 1
	return fib(n-1) + fib(n-2)
end
func main(): s32 begin
	print fib(10)
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "55\n" {
		t.Errorf("expected 55, got %q", out)
	}
}

func TestLowerStructMembers(t *testing.T) {
	src := `
struct P := a: s32, b: s32
func main(): s32 begin
	var p: P
	p.a := 10
	p.b := 32
	print p.a + p.b
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "42\n" {
		t.Errorf("expected 42, got %q", out)
	}
}

func TestLowerGlobalArray(t *testing.T) {
	src := `
var xs: s32[3]
func main(): s32 begin
	xs[0] := 7
	xs[1] := 8
	xs[2] := 9
	print xs[0] + xs[1] + xs[2]
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "24\n" {
		t.Errorf("expected 24, got %q", out)
	}
}

func TestLowerArrayDynamicIndex(t *testing.T) {
	src := `
var xs: s32[4]
func main(): s32 begin
	var i: s32
	i := 0
	while i < 4 do begin
		xs[i] := i * i
		i := i + 1
	end
	print xs[3]
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "9\n" {
		t.Errorf("expected 9, got %q", out)
	}
}

func TestLowerGlobalScalar(t *testing.T) {
	src := `
var counter: s32
func bump(): s32 begin
	counter := counter + 1
	return counter
end
func main(): s32 begin
	bump()
	bump()
	print bump()
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "3\n" {
		t.Errorf("expected 3, got %q", out)
	}
}

func TestLowerEnumMember(t *testing.T) {
	src := `
enum Color := red, green, blue
func main(): s32 begin
	print Color.blue
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "2\n" {
		t.Errorf("expected ordinal 2, got %q", out)
	}
}

func TestLowerPrintMultiple(t *testing.T) {
	out, _ := lowerAndRun(t, "func main(): s32 begin print 1, 2, 3 return 0 end")
	if out != "1 2 3\n" {
		t.Errorf("expected space separated args, got %q", out)
	}
}

func TestLowerMainExitWord(t *testing.T) {
	_, w := lowerAndRun(t, "func main(): s32 begin return 41 + 1 end")
	if w != 42 {
		t.Errorf("expected exit word 42, got %d", w)
	}
}

func TestScopeSymmetry(t *testing.T) {
	src := `
func main(): s32 begin
	var i: s32
	i := 1
	if i > 0 then begin
		var j: s32
		j := 2
		print j
	end
	return 0
end`
	img, _, _ := lower(t, src)
	listing := img.Disassemble(src)
	pushes := 0
	pops := 0
	for _, line := range strings.Split(listing, "\n") {
		if strings.Contains(line, "PUSHN 1") {
			pushes++
		}
		if strings.Contains(line, "POPN 1") {
			pops++
		}
	}
	if pushes == 0 || pushes != pops {
		t.Errorf("block reservations are unbalanced: %d PUSHN vs %d POPN\n%s", pushes, pops, listing)
	}
}

func TestSiblingBlocksReuseSlots(t *testing.T) {
	src := `
func main(): s32 begin
	var total: s32
	total := 0
	if 1 > 0 then begin
		var a: s32
		a := 5
		total := total + a
	end
	if 1 > 0 then begin
		var b: s32
		b := 6
		total := total + b
	end
	print total
	return 0
end`
	out, _ := lowerAndRun(t, src)
	if out != "11\n" {
		t.Errorf("expected 11, got %q", out)
	}
	// a and b share the slot at bp+8; without reuse b would sit at bp+16
	img, _, _ := lower(t, src)
	if listing := img.Disassemble(src); strings.Contains(listing, "BP 16") {
		t.Errorf("the second block did not reuse the first block's slot:\n%s", listing)
	}
}

func TestLowerCallStatementDiscardsResult(t *testing.T) {
	// main falls through to its trailing EXIT, so the exit word is whatever
	// the calls left on top of main's frame: the saved bp (0) when both
	// results were discarded, a leaked 9 otherwise
	src := `
func noise(): s32 begin return 9 end
func main(): s32 begin
	noise()
	noise()
end`
	_, w := lowerAndRun(t, src)
	if w != 0 {
		t.Errorf("discarded call results leaked onto the stack, exit word %d", w)
	}
}

func TestLowerCallSiteComputesExpression(t *testing.T) {
	src := `
func zero(): s32 begin return 0 end
func fib(n: s32): s32 begin
	if n = 0 then return @eval(zero())
	if n = 1 then return 1
	return fib(n-1) + fib(n-2)
end
func main(): s32 begin
	print @eval(fib(10))
	return 0
end`
	root, parseErrs := parser.Parse(src)
	if len(parseErrs) > 0 {
		t.Fatalf("parse errors: %v", parseErrs)
	}
	symt, semErrs := sem.Check(root)
	if len(semErrs) > 0 {
		t.Fatalf("check errors: %v", semErrs)
	}

	// The first collected call is @eval(zero()): only zero is reachable,
	// so the image must evaluate despite fib still holding an unresolved
	// compile-time call.
	img, err := LowerCallSite(symt, root, root.ComptimeCalls[0])
	if err != nil {
		t.Fatalf("lowering @eval(zero()) failed: %v", err)
	}
	w, err := vm.New(img).Run()
	if err != nil {
		t.Fatalf("running @eval(zero()) failed: %v", err)
	}
	if w != 0 {
		t.Errorf("expected 0, got %d", w)
	}
}

func TestLowerCallSiteDefersOnUnresolvedDependency(t *testing.T) {
	src := `
func zero(): s32 begin return 0 end
func fib(n: s32): s32 begin
	if n = 0 then return @eval(zero())
	if n = 1 then return 1
	return fib(n-1) + fib(n-2)
end
func main(): s32 begin
	print @eval(fib(10))
	return 0
end`
	root, _ := parser.Parse(src)
	symt, semErrs := sem.Check(root)
	if len(semErrs) > 0 {
		t.Fatalf("check errors: %v", semErrs)
	}

	// The second collected call reaches fib, whose body still contains
	// the unresolved @eval(zero())
	_, err := LowerCallSite(symt, root, root.ComptimeCalls[1])
	if !strings.Contains(err.Error(), ErrUnresolvedComptime.Error()) {
		t.Fatalf("expected an unresolved-comptime error, got %v", err)
	}
}

func TestLowerCallSiteRejectsGlobals(t *testing.T) {
	src := `
var g: s32
func get(): s32 begin return g end
func main(): s32 begin
	print @eval(get())
	return 0
end`
	root, _ := parser.Parse(src)
	symt, semErrs := sem.Check(root)
	if len(semErrs) > 0 {
		t.Fatalf("check errors: %v", semErrs)
	}
	_, err := LowerCallSite(symt, root, root.ComptimeCalls[0])
	if err == nil || !strings.Contains(err.Error(), "not available during compile-time") {
		t.Fatalf("expected a global-access error, got %v", err)
	}
}

func TestLowerProgramRejectsUnresolvedComptime(t *testing.T) {
	src := `
func main(): s32 begin
	print @eval(1 + 1)
	return 0
end`
	root, _ := parser.Parse(src)
	symt, semErrs := sem.Check(root)
	if len(semErrs) > 0 {
		t.Fatalf("check errors: %v", semErrs)
	}
	_, err := LowerProgram(symt, root)
	if err == nil || !strings.Contains(err.Error(), "internal") {
		t.Fatalf("expected an internal error, got %v", err)
	}
}

func TestIdempotentResolution(t *testing.T) {
	// Lowering a resolved call twice produces identical bytecode to
	// lowering its replacement literal
	src := "func main(): s32 begin print @eval(2 + 3) return 0 end"
	root, _ := parser.Parse(src)
	symt, semErrs := sem.Check(root)
	if len(semErrs) > 0 {
		t.Fatalf("check errors: %v", semErrs)
	}
	call := root.ComptimeCalls[0]
	call.Resolved = true
	call.ResolvedNode = ast.NewLiteral(ast.LitNum, "5", call.Line())
	if _, errs := sem.Check(root); len(errs) > 0 {
		t.Fatalf("re-check failed: %v", errs)
	}

	imgA, err := LowerProgram(symt, root)
	if err != nil {
		t.Fatal(err)
	}
	imgB, err := LowerProgram(symt, root)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(imgA.Code, imgB.Code) {
		t.Error("re-lowering a resolved call changed the bytecode")
	}
	literal, _, _ := lower(t, "func main(): s32 begin print 5 return 0 end")
	if !bytes.Equal(imgA.Code, literal.Code) {
		t.Error("a resolved call lowered differently from its replacement literal")
	}
}

func TestDisassemblyCarriesSourceLines(t *testing.T) {
	src := `func main(): s32 begin
	print 7
	return 0
end`
	img, _, _ := lower(t, src)
	listing := img.Disassemble(src)
	if !strings.Contains(listing, "print 7") {
		t.Errorf("listing should quote the source line:\n%s", listing)
	}
}
